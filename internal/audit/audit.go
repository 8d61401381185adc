// Package audit keeps a queryable trail of every remote command and every
// router connection state change.
//
// Records go to the database and to the standard logger with the "[audit]"
// prefix. A failed database write is logged and otherwise ignored, so the
// trail can never block or fail a command.
package audit

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/gluk-w/kvasbot/internal/database"
	"github.com/gluk-w/kvasbot/internal/executor"
	"github.com/gluk-w/kvasbot/internal/format"
	"github.com/gluk-w/kvasbot/internal/logutil"
	"github.com/gluk-w/kvasbot/internal/transport"
)

// DefaultRetentionDays is the default number of days to keep records.
const DefaultRetentionDays = 90

// maxDetail bounds the stored output or error text, in runes.
const maxDetail = 500

// Outcomes stored in CommandAudit.Outcome.
const (
	OutcomeOK          = "ok"
	OutcomeRejected    = "rejected"
	OutcomeUnreachable = "unreachable"
	OutcomeTimeout     = "timeout"
	OutcomeTransport   = "transport"
	OutcomeNonZeroExit = "non-zero-exit"
	OutcomeError       = "error"
)

// Auditor records commands and connection events. It implements
// executor.Recorder.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates an Auditor writing to db. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Record stores one finished invocation.
func (a *Auditor) Record(ctx context.Context, rec executor.Record) {
	outcome, exitCode, detail := classifyErr(rec.Err)
	if rec.Err == nil {
		detail = rec.Output
	}
	row := database.CommandAudit{
		InvocationID: rec.InvocationID,
		UserID:       rec.UserID,
		Verb:         string(rec.Verb),
		Argument:     rec.Argument,
		Command:      rec.Command,
		Outcome:      outcome,
		ExitCode:     exitCode,
		Detail:       format.Truncate(detail, maxDetail),
		DurationMs:   rec.Duration.Milliseconds(),
		CreatedAt:    a.now(),
	}

	a.mu.Lock()
	err := a.db.WithContext(context.WithoutCancel(ctx)).Create(&row).Error
	a.mu.Unlock()
	if err != nil {
		log.Printf("[audit] failed to write command record: %v", err)
		return
	}

	log.Printf("[audit] %s user=%d verb=%s arg=%s outcome=%s duration=%dms",
		rec.InvocationID, rec.UserID, rec.Verb, logutil.SanitizeForLog(rec.Argument), outcome, row.DurationMs)
}

// RecordTransition stores a connection state change. Its signature matches
// transport.StateChangeCallback.
func (a *Auditor) RecordTransition(from, to transport.ConnectionState, reason string) {
	row := database.ConnectionEvent{
		FromState: from.String(),
		ToState:   to.String(),
		Reason:    format.Truncate(reason, maxDetail),
		CreatedAt: a.now(),
	}
	a.mu.Lock()
	err := a.db.Create(&row).Error
	a.mu.Unlock()
	if err != nil {
		log.Printf("[audit] failed to write connection event: %v", err)
		return
	}
	if to == transport.StateFailed {
		log.Printf("[audit] connection %s -> %s: %s", from, to, logutil.SanitizeForLog(reason))
	}
}

func classifyErr(err error) (outcome string, exitCode int, detail string) {
	if err == nil {
		return OutcomeOK, 0, ""
	}
	detail = err.Error()

	var ve *executor.ValidationError
	var ee *transport.ExecError
	switch {
	case errors.As(err, &ve):
		return OutcomeRejected, 0, detail
	case errors.Is(err, transport.ErrUnreachable):
		return OutcomeUnreachable, 0, detail
	case errors.As(err, &ee):
		switch ee.Kind {
		case transport.KindTimeout:
			return OutcomeTimeout, 0, detail
		case transport.KindNonZeroExit:
			if ee.Stderr != "" {
				detail = ee.Stderr
			}
			return OutcomeNonZeroExit, ee.ExitCode, detail
		default:
			return OutcomeTransport, 0, detail
		}
	}
	return OutcomeError, 0, detail
}

// QueryOptions specifies filters for command records.
type QueryOptions struct {
	UserID  int64
	Verb    string
	Outcome string
	Since   *time.Time
	Until   *time.Time
	Limit   int
	Offset  int
}

// QueryResult contains command records and pagination metadata.
type QueryResult struct {
	Entries []database.CommandAudit `json:"entries"`
	Total   int64                   `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

// Query retrieves command records matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.CommandAudit{})
	if opts.UserID != 0 {
		tx = tx.Where("user_id = ?", opts.UserID)
	}
	if opts.Verb != "" {
		tx = tx.Where("verb = ?", opts.Verb)
	}
	if opts.Outcome != "" {
		tx = tx.Where("outcome = ?", opts.Outcome)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.CommandAudit
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// ConnectionEvents returns the most recent connection events, newest first.
func (a *Auditor) ConnectionEvents(limit int) ([]database.ConnectionEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	var events []database.ConnectionEvent
	if err := a.db.Order("created_at DESC, id DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// PurgeOlderThan removes records older than days, or older than the
// configured retention when days is 0. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.now().AddDate(0, 0, -days)

	a.mu.Lock()
	defer a.mu.Unlock()

	var deleted int64
	err := a.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", cutoff).Delete(&database.CommandAudit{})
		if res.Error != nil {
			return res.Error
		}
		deleted += res.RowsAffected
		res = tx.Where("created_at < ?", cutoff).Delete(&database.ConnectionEvent{})
		if res.Error != nil {
			return res.Error
		}
		deleted += res.RowsAffected
		return nil
	})
	if err != nil {
		log.Printf("[audit] purge failed: %v", err)
		return 0, err
	}
	if deleted > 0 {
		log.Printf("[audit] purged %d records older than %d days", deleted, days)
	}
	return deleted, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nowFn = fn
}

func (a *Auditor) now() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nowFn()
}
