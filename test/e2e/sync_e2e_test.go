package e2e

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/offsync/internal/conflict"
	"github.com/hyperengineering/offsync/internal/remote"
	"github.com/hyperengineering/offsync/pkg/client"
)

func TestE2E_QueueAndSyncAssignsServerID(t *testing.T) {
	// Given: a create against a placeholder id and a follow-up edit
	d := startDaemon(t, nil)
	create := d.queue(t, client.Operation{
		EntityType: "Event",
		EntityID:   "local-1",
		Type:       client.OperationCreate,
		Data:       map[string]any{"name": "A"},
	})
	update := d.queue(t, client.Operation{
		EntityType: "Event",
		EntityID:   "local-1",
		Type:       client.OperationUpdate,
		Data:       map[string]any{"name": "B"},
		SyncNow:    true,
	})

	// When: the requested pass completes
	d.waitStatus(t, create.ID, client.StatusSynced)
	synced := d.waitStatus(t, update.ID, client.StatusSynced)

	// Then: both changes target the server-assigned id and the backend has the edit
	if synced.EntityID == "local-1" || synced.EntityID == "" {
		t.Fatalf("update still targets %q", synced.EntityID)
	}
	entity, ok := d.remote.Get("Event", synced.EntityID)
	if !ok || entity["name"] != "B" {
		t.Errorf("backend entity = %v (found=%v)", entity, ok)
	}

	st, err := d.client.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Counts.Synced != 2 || st.Counts.Pending != 0 {
		t.Errorf("counts = %+v", st.Counts)
	}
	if st.LastPass == nil || st.LastPass.Succeeded < 1 {
		t.Errorf("last pass = %+v", st.LastPass)
	}
}

func TestE2E_OfflineQueueSyncsOnReconnect(t *testing.T) {
	// Given: the device is offline
	d := startDaemon(t, nil)
	d.setOnline(false)

	// When: a change is queued and a sync is requested
	c := d.queue(t, client.Operation{
		EntityType: "Note",
		Type:       client.OperationCreate,
		Data:       map[string]any{"body": "written offline"},
		SyncNow:    true,
	})

	// Then: nothing reaches the backend while offline
	time.Sleep(100 * time.Millisecond)
	if got := d.change(t, c.ID); got.Status != client.StatusPending {
		t.Fatalf("status = %s, want PENDING while offline", got.Status)
	}
	if calls := d.remote.Calls(); len(calls) != 0 {
		t.Fatalf("backend saw %d calls while offline", len(calls))
	}
	st, err := d.client.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Suitable || !st.Scheduler.Pending {
		t.Errorf("status = suitable:%v pending:%v, want false/true", st.Suitable, st.Scheduler.Pending)
	}

	// When: connectivity returns
	d.setOnline(true)

	// Then: the deferred request runs without another trigger
	d.waitStatus(t, c.ID, client.StatusSynced)
}

func TestE2E_PermanentFailureBlocksEntityUntilRetried(t *testing.T) {
	// Given: the backend rejects every write
	backend := remote.NewMemory()
	backend.Seed("Event", "e1", map[string]any{"name": "server"})
	backend.SetFailFunc(func(call remote.Call) error {
		if call.Op == "update" {
			return remote.FromStatus(http.StatusUnprocessableEntity, "name too long")
		}
		return nil
	})
	d := startDaemon(t, backend)

	first := d.queue(t, client.Operation{EntityType: "Event", EntityID: "e1", Type: client.OperationUpdate,
		Data: map[string]any{"name": "first"}, SyncNow: true})
	failed := d.waitStatus(t, first.ID, client.StatusFailed)
	if !failed.Rejected || failed.LastError == nil {
		t.Fatalf("failed change = %+v, want rejected with error", failed)
	}

	// When: a later edit to the same entity is synced
	second := d.queue(t, client.Operation{EntityType: "Event", EntityID: "e1", Type: client.OperationUpdate,
		Data: map[string]any{"note": "second"}, SyncNow: true})
	d.waitIdle(t)

	// Then: it is held back behind the failed change
	if got := d.change(t, second.ID); got.Status != client.StatusPending {
		t.Fatalf("second status = %s, want PENDING", got.Status)
	}

	// When: the backend recovers and the user retries
	backend.SetFailFunc(nil)
	if _, err := d.client.Retry(context.Background(), first.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := d.client.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync now: %v", err)
	}

	// Then: both apply in order
	d.waitStatus(t, first.ID, client.StatusSynced)
	d.waitStatus(t, second.ID, client.StatusSynced)
	entity, _ := backend.Get("Event", "e1")
	if entity["name"] != "first" || entity["note"] != "second" {
		t.Errorf("backend entity = %v", entity)
	}
}

func TestE2E_ManualConflictResolvedThroughAPI(t *testing.T) {
	// Given: the server edited the entity after the local change was made
	backend := remote.NewMemory()
	backend.Seed("Invoice", "i1", map[string]any{"total": 12, "updated_at": "2026-02-01T00:00:00Z"})
	d := startDaemon(t, backend, withResolver(conflict.NewResolver(conflict.WithManualEntityTypes("Invoice"))))

	c := d.queue(t, client.Operation{EntityType: "Invoice", EntityID: "i1", Type: client.OperationUpdate,
		Data: map[string]any{"total": 10, "updated_at": "2026-01-01T00:00:00Z"}, SyncNow: true})
	d.waitIdle(t)

	// Then: the change waits for the user and nothing is written
	if got := d.change(t, c.ID); got.Status != client.StatusPending {
		t.Fatalf("status = %s, want PENDING", got.Status)
	}
	if len(backend.WriteCalls()) != 0 {
		t.Fatal("expected no writes before resolution")
	}

	// When: the user keeps the local version
	resolved, err := d.client.Resolve(context.Background(), c.ID, client.ResolutionUseLocal)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Resolution == nil || *resolved.Resolution != client.ResolutionUseLocal {
		t.Fatalf("resolution = %v", resolved.Resolution)
	}
	if _, err := d.client.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync now: %v", err)
	}

	// Then: the local payload wins
	d.waitStatus(t, c.ID, client.StatusSynced)
	entity, _ := backend.Get("Invoice", "i1")
	if entity["total"] != float64(10) {
		t.Errorf("backend total = %v, want 10", entity["total"])
	}
}

func TestE2E_QueueSurvivesRestart(t *testing.T) {
	// Given: a change queued while offline
	dbPath := filepath.Join(t.TempDir(), "offsync.db")
	backend := remote.NewMemory()
	first := startDaemon(t, backend, withDBPath(dbPath))
	first.setOnline(false)
	c := first.queue(t, client.Operation{EntityType: "Note", Type: client.OperationCreate,
		Data: map[string]any{"body": "durable"}})

	// When: the daemon restarts online
	first.stop()
	second := startDaemon(t, backend, withDBPath(dbPath))
	if _, err := second.client.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync now: %v", err)
	}

	// Then: the change from before the restart syncs
	second.waitStatus(t, c.ID, client.StatusSynced)
}

func TestE2E_DiscardAndErrors(t *testing.T) {
	d := startDaemon(t, nil)
	d.setOnline(false)
	ctx := context.Background()

	c := d.queue(t, client.Operation{EntityType: "Note", Type: client.OperationCreate, Data: map[string]any{"a": 1}})
	if err := d.client.Discard(ctx, c.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := d.client.GetChange(ctx, c.ID); !client.IsNotFound(err) {
		t.Errorf("get after discard: err = %v, want not found", err)
	}

	// Retrying a change that has not failed is a state conflict
	c = d.queue(t, client.Operation{EntityType: "Note", Type: client.OperationCreate, Data: map[string]any{"a": 2}})
	if _, err := d.client.Retry(ctx, c.ID); !client.IsConflict(err) {
		t.Errorf("retry pending: err = %v, want conflict", err)
	}

	// Invalid operations come back with field errors
	_, err := d.client.Queue(ctx, client.Operation{Type: client.OperationDelete})
	apiErr, ok := err.(*client.APIError)
	if !ok || apiErr.StatusCode != http.StatusUnprocessableEntity || len(apiErr.Errors) == 0 {
		t.Errorf("invalid queue: err = %v", err)
	}

	// A wrong key is rejected
	bad, err := client.New(client.Config{BaseURL: d.srv.URL, APIKey: "wrong"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := bad.Status(ctx); err == nil {
		t.Error("expected 401 with wrong key")
	} else if apiErr, ok := err.(*client.APIError); !ok || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: err = %v", err)
	}
}
