package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/offsync/internal/store"
	offsync "github.com/hyperengineering/offsync/internal/sync"
)

// executeCmd runs a subcommand against the change log at dbPath with
// captured output and optional stdin.
func executeCmd(t *testing.T, dbPath, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	// Cobra parses into package-level variables, so stale values from
	// previous tests would leak if not reset.
	dbPathOverride = ""
	jsonOutput = false
	listStatus = ""
	listEntityType = ""
	listLimit = 0
	retryAll = false
	discardForce = false
	queueEntityType = ""
	queueEntityID = ""
	queueOp = string(offsync.OperationCreate)
	queueData = ""
	queuePriority = ""

	fullArgs := append(append([]string{}, args...), "--db", dbPath)

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(fullArgs)
	rootCmd.SetIn(strings.NewReader(stdin))

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)
	rootCmd.SetIn(nil)

	return outBuf.String(), errBuf.String(), err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "offsync.db")
}

// seed opens the change log directly to arrange state.
func seed(t *testing.T, dbPath string, fn func(ctx context.Context, s *store.SQLiteStore)) {
	t.Helper()
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	fn(context.Background(), s)
}

func track(t *testing.T, ctx context.Context, s *store.SQLiteStore, entityID string) *offsync.OfflineChange {
	t.Helper()
	c, err := s.TrackChange(ctx, "Event", entityID, offsync.OperationUpdate, map[string]any{"name": "A"}, "")
	if err != nil {
		t.Fatalf("TrackChange failed: %v", err)
	}
	return c
}

func failChange(t *testing.T, ctx context.Context, s *store.SQLiteStore, id string) {
	t.Helper()
	if err := s.MarkAsSyncing(ctx, id); err != nil {
		t.Fatalf("MarkAsSyncing failed: %v", err)
	}
	if err := s.MarkAsFailed(ctx, id, "timeout"); err != nil {
		t.Fatalf("MarkAsFailed failed: %v", err)
	}
}

// --- Queue ---

func TestQueue_CreatesPendingChange(t *testing.T) {
	db := tempDB(t)
	stdout, _, err := executeCmd(t, db, "", "queue",
		"--entity-type", "Event", "--entity-id", "local-1", "--data", `{"name":"Launch"}`, "--priority", "high")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Queued CREATE of Event:local-1") {
		t.Errorf("stdout = %q", stdout)
	}

	seed(t, db, func(ctx context.Context, s *store.SQLiteStore) {
		pending, err := s.GetPendingChanges(ctx)
		if err != nil {
			t.Fatalf("GetPendingChanges failed: %v", err)
		}
		if len(pending) != 1 || pending[0].Priority != offsync.PriorityHigh {
			t.Fatalf("pending = %+v", pending)
		}
		if pending[0].Data["name"] != "Launch" {
			t.Errorf("data = %v", pending[0].Data)
		}
	})
}

func TestQueue_JSONOutput(t *testing.T) {
	stdout, _, err := executeCmd(t, tempDB(t), "", "queue",
		"--entity-type", "Event", "--entity-id", "e1", "--type", "update", "--data", `{"a":1}`, "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var c offsync.OfflineChange
	if err := json.Unmarshal([]byte(stdout), &c); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if c.OperationType != offsync.OperationUpdate || c.Status != offsync.StatusPending {
		t.Errorf("change = %+v", c)
	}
}

func TestQueue_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing entity type", []string{"queue", "--entity-id", "e1"}, "entity_type"},
		{"update without id", []string{"queue", "--entity-type", "Event", "--type", "UPDATE"}, "entity_id"},
		{"unknown type", []string{"queue", "--entity-type", "Event", "--type", "UPSERT"}, "type"},
		{"bad data", []string{"queue", "--entity-type", "Event", "--data", "[1,2]"}, "--data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := executeCmd(t, tempDB(t), "", tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

// --- List ---

func TestChangesList_Table(t *testing.T) {
	db := tempDB(t)
	var failedID string
	seed(t, db, func(ctx context.Context, s *store.SQLiteStore) {
		track(t, ctx, s, "e1")
		failedID = track(t, ctx, s, "e2").ID
		failChange(t, ctx, s, failedID)
	})

	stdout, _, err := executeCmd(t, db, "", "changes", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "ID") || !strings.Contains(stdout, "STATUS") {
		t.Errorf("missing header: %q", stdout)
	}
	if !strings.Contains(stdout, "Event:e1") || !strings.Contains(stdout, "timeout") {
		t.Errorf("stdout = %q", stdout)
	}

	stdout, _, err = executeCmd(t, db, "", "changes", "list", "--status", "FAILED")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, failedID) || strings.Contains(stdout, "Event:e1") {
		t.Errorf("status filter not applied: %q", stdout)
	}
}

func TestChangesList_EmptyAndJSON(t *testing.T) {
	db := tempDB(t)
	stdout, _, err := executeCmd(t, db, "", "changes", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "No changes found.") {
		t.Errorf("stdout = %q", stdout)
	}

	stdout, _, err = executeCmd(t, db, "", "changes", "list", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Changes []offsync.OfflineChange `json:"changes"`
		Total   int                     `json:"total"`
	}
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Changes == nil || resp.Total != 0 {
		t.Errorf("resp = %+v, want empty array", resp)
	}
}

func TestChangesList_InvalidStatus(t *testing.T) {
	_, _, err := executeCmd(t, tempDB(t), "", "changes", "list", "--status", "DONE")
	if err == nil || !strings.Contains(err.Error(), "--status") {
		t.Errorf("err = %v, want --status error", err)
	}
}

// --- Retry ---

func TestChangesRetry_Single(t *testing.T) {
	db := tempDB(t)
	var id string
	seed(t, db, func(ctx context.Context, s *store.SQLiteStore) {
		id = track(t, ctx, s, "e1").ID
		failChange(t, ctx, s, id)
	})

	stdout, _, err := executeCmd(t, db, "", "changes", "retry", id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Requeued change "+id) {
		t.Errorf("stdout = %q", stdout)
	}

	seed(t, db, func(ctx context.Context, s *store.SQLiteStore) {
		c, err := s.GetChange(ctx, id)
		if err != nil {
			t.Fatalf("GetChange failed: %v", err)
		}
		if c.Status != offsync.StatusPending {
			t.Errorf("status = %s, want PENDING", c.Status)
		}
	})
}

func TestChangesRetry_All(t *testing.T) {
	db := tempDB(t)
	seed(t, db, func(ctx context.Context, s *store.SQLiteStore) {
		failChange(t, ctx, s, track(t, ctx, s, "e1").ID)
		failChange(t, ctx, s, track(t, ctx, s, "e2").ID)
		track(t, ctx, s, "e3")
	})

	stdout, _, err := executeCmd(t, db, "", "changes", "retry", "--all")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Requeued 2 change(s)") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestChangesRetry_ArgumentRules(t *testing.T) {
	db := tempDB(t)
	if _, _, err := executeCmd(t, db, "", "changes", "retry"); err == nil {
		t.Error("expected error with neither id nor --all")
	}
	if _, _, err := executeCmd(t, db, "", "changes", "retry", "01ARZ3NDEKTSV4RRFFQ69G5FAV", "--all"); err == nil {
		t.Error("expected error with both id and --all")
	}
}

func TestChangesRetry_PendingIsRejected(t *testing.T) {
	db := tempDB(t)
	var id string
	seed(t, db, func(ctx context.Context, s *store.SQLiteStore) {
		id = track(t, ctx, s, "e1").ID
	})

	_, _, err := executeCmd(t, db, "", "changes", "retry", id)
	if err == nil {
		t.Fatal("expected error retrying a PENDING change")
	}
}

// --- Resolve ---

func TestChangesResolve(t *testing.T) {
	db := tempDB(t)
	var id string
	seed(t, db, func(ctx context.Context, s *store.SQLiteStore) {
		id = track(t, ctx, s, "e1").ID
	})

	if _, _, err := executeCmd(t, db, "", "changes", "resolve", id, "MERGE"); err == nil {
		t.Error("expected MERGE to be rejected as a manual resolution")
	}

	stdout, _, err := executeCmd(t, db, "", "changes", "resolve", id, "USE_SERVER")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Recorded USE_SERVER") {
		t.Errorf("stdout = %q", stdout)
	}

	seed(t, db, func(ctx context.Context, s *store.SQLiteStore) {
		c, err := s.GetChange(ctx, id)
		if err != nil {
			t.Fatalf("GetChange failed: %v", err)
		}
		if c.Resolution == nil || *c.Resolution != offsync.StrategyUseServer {
			t.Errorf("resolution = %v", c.Resolution)
		}
	})
}

// --- Discard ---

func TestChangesDiscard_Force(t *testing.T) {
	db := tempDB(t)
	var id string
	seed(t, db, func(ctx context.Context, s *store.SQLiteStore) {
		id = track(t, ctx, s, "e1").ID
	})

	stdout, _, err := executeCmd(t, db, "", "changes", "discard", id, "--force")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Discarded change "+id) {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestChangesDiscard_ConfirmationMismatchAborts(t *testing.T) {
	db := tempDB(t)
	var id string
	seed(t, db, func(ctx context.Context, s *store.SQLiteStore) {
		id = track(t, ctx, s, "e1").ID
	})

	_, stderr, err := executeCmd(t, db, "wrong-id\n", "changes", "discard", id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stderr, "Aborted") {
		t.Errorf("stderr = %q, want abort message", stderr)
	}

	seed(t, db, func(ctx context.Context, s *store.SQLiteStore) {
		if _, err := s.GetChange(ctx, id); err != nil {
			t.Errorf("change should still exist: %v", err)
		}
	})
}

func TestChangesDiscard_ConfirmedByID(t *testing.T) {
	db := tempDB(t)
	var id string
	seed(t, db, func(ctx context.Context, s *store.SQLiteStore) {
		id = track(t, ctx, s, "e1").ID
	})

	stdout, stderr, err := executeCmd(t, db, id+"\n", "changes", "discard", id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stderr, "WARNING") || !strings.Contains(stdout, "Discarded") {
		t.Errorf("stdout = %q, stderr = %q", stdout, stderr)
	}
}

func TestChangesDiscard_SyncingIsRefused(t *testing.T) {
	db := tempDB(t)
	var id string
	seed(t, db, func(ctx context.Context, s *store.SQLiteStore) {
		id = track(t, ctx, s, "e1").ID
		if err := s.MarkAsSyncing(ctx, id); err != nil {
			t.Fatalf("MarkAsSyncing failed: %v", err)
		}
	})

	if _, _, err := executeCmd(t, db, "", "changes", "discard", id, "--force"); err == nil {
		t.Error("expected error discarding a SYNCING change")
	}
}

func TestChangesDiscard_Unknown(t *testing.T) {
	_, _, err := executeCmd(t, tempDB(t), "", "changes", "discard", "01ARZ3NDEKTSV4RRFFQ69G5FAV", "--force")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not found", err)
	}
}
