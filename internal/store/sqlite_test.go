package store

import (
	"context"
	"path/filepath"
	"testing"

	offsync "github.com/hyperengineering/offsync/internal/sync"
)

func TestNewSQLiteStore_Pragmas(t *testing.T) {
	s := newFileTestStore(t)

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	var fk int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestNewSQLiteStore_PendingChangesSurviveReopen(t *testing.T) {
	// Given: a change queued before the process exits
	dbPath := filepath.Join(t.TempDir(), "offsync.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	queued, err := s.TrackChange(ctx, "Event", "e1", offsync.OperationUpdate, map[string]any{"name": "A"}, offsync.PriorityHigh)
	if err != nil {
		t.Fatalf("TrackChange failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// When: the store is opened again
	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	// Then: the change is still pending with its payload intact
	pending, err := reopened.GetPendingChanges(ctx)
	if err != nil {
		t.Fatalf("GetPendingChanges failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != queued.ID {
		t.Fatalf("pending = %+v, want the queued change", pending)
	}
	if pending[0].Data["name"] != "A" || pending[0].Priority != offsync.PriorityHigh {
		t.Errorf("change = %+v", pending[0])
	}
}
