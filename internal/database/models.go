package database

import "time"

// CommandAudit is one executed (or rejected) remote command.
type CommandAudit struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	InvocationID string    `gorm:"size:36;index" json:"invocation_id"`
	UserID       int64     `gorm:"index" json:"user_id"`
	Verb         string    `gorm:"size:16;index" json:"verb"`
	Argument     string    `json:"argument,omitempty"`
	Command      string    `json:"command"`
	Outcome      string    `gorm:"size:32;index" json:"outcome"`
	ExitCode     int       `json:"exit_code,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// ConnectionEvent is one change of the router connection state.
type ConnectionEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	FromState string    `gorm:"size:16" json:"from"`
	ToState   string    `gorm:"size:16;index" json:"to"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
