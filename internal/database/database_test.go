package database

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenMemory(t *testing.T) {
	db, err := Open(MemoryPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { Close(db) })

	if !db.Migrator().HasTable(&CommandAudit{}) || !db.Migrator().HasTable(&ConnectionEvent{}) {
		t.Fatal("tables not migrated")
	}

	// Writes through one statement are visible to the next; with more than
	// one pooled connection they would land in different databases.
	if err := db.Create(&CommandAudit{Verb: "list", Command: "kvas list", Outcome: "ok"}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	var count int64
	if err := db.Model(&CommandAudit{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}
}

func TestOpenEmptyPathIsMemory(t *testing.T) {
	db, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	Close(db)
	if _, err := os.Stat(MemoryPath); !os.IsNotExist(err) {
		t.Errorf("a file named %s was created", MemoryPath)
	}
}

func TestOpenFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer Close(db)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
	var mode string
	db.Raw("PRAGMA journal_mode").Scan(&mode)
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestCloseNil(t *testing.T) {
	if err := Close(nil); err != nil {
		t.Errorf("Close(nil) = %v", err)
	}
}

func TestCommandAuditJSON(t *testing.T) {
	rec := CommandAudit{
		ID:           7,
		InvocationID: "abc",
		UserID:       42,
		Verb:         "add",
		Argument:     "example.com",
		Command:      "exec kvas add example.com -y",
		Outcome:      "ok",
		DurationMs:   1500,
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"invocation_id", "user_id", "verb", "command", "outcome", "duration_ms", "created_at"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing JSON key %q", key)
		}
	}
	if _, ok := m["exit_code"]; ok {
		t.Error("zero exit_code should be omitted")
	}
}
