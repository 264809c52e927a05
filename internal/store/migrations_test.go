package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestRunMigrations_FreshDatabase(t *testing.T) {
	// Given: A fresh database with no tables
	db := openRawDB(t)

	// When: RunMigrations is called
	applied, err := RunMigrations(context.Background(), db)
	if err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	if len(applied) != 2 || applied[0] != 1 || applied[1] != 2 {
		t.Errorf("applied = %v, want [1 2]", applied)
	}

	// Then: offline_changes exists with all required columns
	_, err = db.Exec(`
		SELECT sequence, id, entity_type, entity_id, operation_type, data, priority,
		       status, retry_count, last_error, rejected, resolution, created_at, updated_at
		FROM offline_changes LIMIT 0
	`)
	if err != nil {
		t.Fatalf("offline_changes missing required columns: %v", err)
	}
	if _, err := db.Exec(`SELECT entity_type, placeholder_id, server_id, created_at FROM placeholder_ids LIMIT 0`); err != nil {
		t.Fatalf("placeholder_ids missing required columns: %v", err)
	}

	var version string
	if err := db.QueryRow(`SELECT value FROM sync_meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		t.Fatalf("sync_meta schema_version not found: %v", err)
	}
	if version != "2" {
		t.Errorf("expected schema_version '2', got %q", version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	// Given: A database that has already been migrated
	db := openRawDB(t)
	if _, err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}

	// When: RunMigrations is called again
	applied, err := RunMigrations(context.Background(), db)

	// Then: It succeeds and applies nothing
	if err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("applied = %v, want none", applied)
	}
}

func TestRunMigrations_Indexes(t *testing.T) {
	db := openRawDB(t)
	if _, err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	for _, idx := range []string{"idx_offline_changes_status", "idx_offline_changes_entity"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, idx).Scan(&name)
		if err != nil {
			t.Errorf("index %s not found: %v", idx, err)
		}
	}
}

func TestRunMigrations_RejectsUnknownStatus(t *testing.T) {
	db := openRawDB(t)
	if _, err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO offline_changes (id, entity_type, operation_type, status, created_at, updated_at)
		VALUES ('x', 'Event', 'CREATE', 'LOST', '', '')
	`)
	if err == nil {
		t.Fatal("expected CHECK constraint to reject unknown status")
	}
}

func TestNewSQLiteStore_CreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "offsync.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()
}

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
