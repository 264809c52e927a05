package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/offsync/internal/store"
	offsync "github.com/hyperengineering/offsync/internal/sync"
)

// mockPruneStore implements PruneCapableStore for testing.
type mockPruneStore struct {
	mu         sync.Mutex
	calls      int
	err        error
	result     *store.PruneResult
	lastCutoff time.Time
	lastDir    string
}

func (m *mockPruneStore) PruneSynced(ctx context.Context, cutoff time.Time, auditDir string) (*store.PruneResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastCutoff = cutoff
	m.lastDir = auditDir
	if m.err != nil {
		return nil, m.err
	}
	if m.result == nil {
		return &store.PruneResult{}, nil
	}
	return m.result, nil
}

func (m *mockPruneStore) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockUploader implements audit.Uploader for testing.
type mockUploader struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (m *mockUploader) Upload(ctx context.Context, filePath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, filePath)
	if m.err != nil {
		return "", m.err
	}
	return "audit/" + filepath.Base(filePath), nil
}

func (m *mockUploader) getPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}

func TestRetentionCoordinator_PruneOnce_UsesCutoffAndUploads(t *testing.T) {
	// Given: a store with prunable changes and a fixed clock
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	s := &mockPruneStore{result: &store.PruneResult{ExportPath: "/audit/synced-1.jsonl.sz", Exported: 4, Deleted: 4}}
	up := &mockUploader{}
	coord := NewRetentionCoordinator(s, up, time.Hour, 7*24*time.Hour, "/audit")
	coord.now = func() time.Time { return now }

	// When: one cycle runs
	result, err := coord.PruneOnce(context.Background())

	// Then: the cutoff is now minus retention and the export is uploaded
	if err != nil {
		t.Fatalf("PruneOnce() error = %v", err)
	}
	if result.Deleted != 4 {
		t.Errorf("Deleted = %d, want 4", result.Deleted)
	}
	if want := now.Add(-7 * 24 * time.Hour); !s.lastCutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", s.lastCutoff, want)
	}
	if s.lastDir != "/audit" {
		t.Errorf("auditDir = %q", s.lastDir)
	}
	if paths := up.getPaths(); len(paths) != 1 || paths[0] != "/audit/synced-1.jsonl.sz" {
		t.Errorf("uploaded = %v", paths)
	}
}

func TestRetentionCoordinator_PruneOnce_NothingToPrune(t *testing.T) {
	s := &mockPruneStore{}
	up := &mockUploader{}
	coord := NewRetentionCoordinator(s, up, time.Hour, time.Hour, t.TempDir())

	if _, err := coord.PruneOnce(context.Background()); err != nil {
		t.Fatalf("PruneOnce() error = %v", err)
	}
	if len(up.getPaths()) != 0 {
		t.Error("expected no upload when nothing was exported")
	}
}

func TestRetentionCoordinator_PruneOnce_UploadFailureIsNonFatal(t *testing.T) {
	s := &mockPruneStore{result: &store.PruneResult{ExportPath: "/audit/x.jsonl.sz", Exported: 1, Deleted: 1}}
	up := &mockUploader{err: errors.New("bucket unreachable")}
	coord := NewRetentionCoordinator(s, up, time.Hour, time.Hour, "/audit")

	result, err := coord.PruneOnce(context.Background())
	if err != nil {
		t.Fatalf("expected upload failure to be non-fatal, got %v", err)
	}
	if result.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", result.Deleted)
	}
}

func TestRetentionCoordinator_PruneOnce_StoreError(t *testing.T) {
	s := &mockPruneStore{err: store.ErrStorage}
	coord := NewRetentionCoordinator(s, nil, time.Hour, time.Hour, "/audit")

	if _, err := coord.PruneOnce(context.Background()); !errors.Is(err, store.ErrStorage) {
		t.Errorf("expected ErrStorage, got %v", err)
	}
}

func TestRetentionCoordinator_DoesNotRunImmediately(t *testing.T) {
	s := &mockPruneStore{}
	coord := NewRetentionCoordinator(s, nil, time.Hour, time.Hour, "/audit")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if calls := s.getCalls(); calls != 0 {
		t.Errorf("expected 0 prune calls before the first tick, got %d", calls)
	}
}

func TestRetentionCoordinator_RunsOnTick(t *testing.T) {
	s := &mockPruneStore{}
	coord := NewRetentionCoordinator(s, nil, 20*time.Millisecond, time.Hour, "/audit")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for s.getCalls() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for retention ticks")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop after cancel")
	}
}

func TestRetentionCoordinator_NonPositiveIntervalReturns(t *testing.T) {
	s := &mockPruneStore{}
	coord := NewRetentionCoordinator(s, nil, 0, time.Hour, "/audit")

	done := make(chan struct{})
	go func() {
		coord.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coordinator with a zero interval should return immediately")
	}
	if calls := s.getCalls(); calls != 0 {
		t.Errorf("expected 0 prune calls, got %d", calls)
	}
}

func TestRetentionCoordinator_WithSQLiteStore(t *testing.T) {
	// Given: a real store holding one SYNCED change
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	c, err := s.TrackChange(ctx, "Event", "evt-1", offsync.OperationCreate, map[string]any{"name": "A"}, offsync.PriorityNormal)
	if err != nil {
		t.Fatalf("TrackChange() error = %v", err)
	}
	if err := s.MarkAsSyncing(ctx, c.ID); err != nil {
		t.Fatalf("MarkAsSyncing() error = %v", err)
	}
	if err := s.MarkAsSynced(ctx, c.ID); err != nil {
		t.Fatalf("MarkAsSynced() error = %v", err)
	}

	// When: retention runs with a zero period, so everything synced is old
	auditDir := filepath.Join(t.TempDir(), "audit")
	up := &mockUploader{}
	coord := NewRetentionCoordinator(s, up, time.Hour, 0, auditDir)
	coord.now = func() time.Time { return time.Now().Add(time.Minute) }

	result, err := coord.PruneOnce(ctx)

	// Then: the change is exported, uploaded and deleted
	if err != nil {
		t.Fatalf("PruneOnce() error = %v", err)
	}
	if result.Exported != 1 || result.Deleted != 1 {
		t.Fatalf("result = %+v, want 1 exported and deleted", result)
	}
	if _, err := os.Stat(result.ExportPath); err != nil {
		t.Errorf("export file missing: %v", err)
	}
	if len(up.getPaths()) != 1 {
		t.Errorf("expected one upload, got %v", up.getPaths())
	}
	if _, err := s.GetChange(ctx, c.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected pruned change to be gone, got %v", err)
	}
}
