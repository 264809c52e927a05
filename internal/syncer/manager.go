// Package syncer orchestrates synchronization of the offline change log
// against the remote backend.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/offsync/internal/cache"
	"github.com/hyperengineering/offsync/internal/conflict"
	"github.com/hyperengineering/offsync/internal/metrics"
	"github.com/hyperengineering/offsync/internal/remote"
	"github.com/hyperengineering/offsync/internal/store"
	offsync "github.com/hyperengineering/offsync/internal/sync"
	"github.com/hyperengineering/offsync/internal/validation"
)

// Connectivity gates sync passes.
type Connectivity interface {
	IsSuitableForSync() bool
}

// Manager queues local operations and drains them to the remote API.
type Manager struct {
	tracker  store.Tracker
	remote   remote.API
	resolver *conflict.Resolver
	cache    *cache.Manager
	conn     Connectivity
	recorder metrics.Recorder

	maxRetries        int
	concurrency       int
	placeholderPrefix string
	fetchTTL          time.Duration
	now               func() time.Time

	passMu sync.Mutex

	mu       sync.RWMutex
	lastPass *offsync.PassResult
	running  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder sends sync events to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(m *Manager) { m.recorder = metrics.OrNop(r) }
}

// WithMaxRetries caps automatic requeueing of transient failures.
// Zero means unlimited.
func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithConcurrency sets how many distinct entities are synced in parallel.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithPlaceholderPrefix sets the prefix marking locally generated entity IDs
// that the server has not assigned yet.
func WithPlaceholderPrefix(prefix string) Option {
	return func(m *Manager) { m.placeholderPrefix = prefix }
}

// WithFetchTTL sets how long FetchEntity caches server snapshots.
func WithFetchTTL(d time.Duration) Option {
	return func(m *Manager) { m.fetchTTL = d }
}

// NewManager creates a Manager. A nil cache disables read caching and
// invalidation.
func NewManager(tracker store.Tracker, api remote.API, resolver *conflict.Resolver, c *cache.Manager, conn Connectivity, opts ...Option) *Manager {
	if resolver == nil {
		resolver = conflict.NewResolver()
	}
	if c == nil {
		c = cache.New()
	}
	m := &Manager{
		tracker:           tracker,
		remote:            api,
		resolver:          resolver,
		cache:             c,
		conn:              conn,
		recorder:          metrics.Nop{},
		concurrency:       1,
		placeholderPrefix: "local-",
		fetchTTL:          5 * time.Minute,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// QueueOperation durably records op as a PENDING change. It returns once the
// write has completed and never waits for network I/O.
func (m *Manager) QueueOperation(ctx context.Context, op offsync.SyncOperation) (*offsync.OfflineChange, error) {
	if err := m.validate(op); err != nil {
		return nil, err
	}
	change, err := m.tracker.TrackChange(ctx, op.EntityType, op.EntityID, op.Type, op.Data, op.Priority)
	if err != nil {
		return nil, fmt.Errorf("queue operation: %w", err)
	}
	m.recorder.Record(metrics.FromChange(metrics.ChangeQueued, *change))
	return change, nil
}

func (m *Manager) validate(op offsync.SyncOperation) error {
	errs := validation.ValidateOperation(op)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Field + " " + e.Message
	}
	return fmt.Errorf("%w: %s", ErrInvalidOperation, strings.Join(msgs, "; "))
}

// isPlaceholder reports whether id has not been assigned by the server yet.
func (m *Manager) isPlaceholder(id string) bool {
	return id == "" || (m.placeholderPrefix != "" && strings.HasPrefix(id, m.placeholderPrefix))
}

// ResolveManually records the user's choice for a change held back by a
// MANUAL conflict. The next pass applies it.
func (m *Manager) ResolveManually(ctx context.Context, changeID string, strategy offsync.Strategy) error {
	if strategy != offsync.StrategyUseLocal && strategy != offsync.StrategyUseServer {
		return fmt.Errorf("%w: unsupported resolution %q", ErrInvalidOperation, strategy)
	}
	if err := m.tracker.SetResolution(ctx, changeID, strategy); err != nil {
		return fmt.Errorf("resolve change: %w", err)
	}
	slog.Info("manual resolution recorded",
		"component", "syncer",
		"change_id", changeID,
		"strategy", string(strategy),
	)
	return nil
}

// RetryChange moves a FAILED change back to PENDING.
func (m *Manager) RetryChange(ctx context.Context, changeID string) error {
	if err := m.tracker.RetryChange(ctx, changeID); err != nil {
		return fmt.Errorf("retry change: %w", err)
	}
	return nil
}

// RetryAllFailed moves every FAILED change back to PENDING.
func (m *Manager) RetryAllFailed(ctx context.Context) (int64, error) {
	n, err := m.tracker.RetryAllFailed(ctx)
	if err != nil {
		return 0, fmt.Errorf("retry failed changes: %w", err)
	}
	return n, nil
}

// Discard removes a change that is not currently syncing.
func (m *Manager) Discard(ctx context.Context, changeID string) error {
	if err := m.tracker.DeleteChange(ctx, changeID); err != nil {
		return fmt.Errorf("discard change: %w", err)
	}
	return nil
}

// GetChange returns one change.
func (m *Manager) GetChange(ctx context.Context, changeID string) (*offsync.OfflineChange, error) {
	return m.tracker.GetChange(ctx, changeID)
}

// ListChanges returns changes matching filter.
func (m *Manager) ListChanges(ctx context.Context, filter store.ChangeFilter) ([]offsync.OfflineChange, error) {
	return m.tracker.ListChanges(ctx, filter)
}

// FetchEntity returns the server's view of an entity, served from the cache
// when a fresh copy is held. Cached copies are dropped when a change to the
// entity syncs.
func (m *Manager) FetchEntity(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	key := "remote:" + offsync.EntityKey(entityType, entityID)
	tags := []string{cache.EntityTag(entityType, entityID), cache.CollectionTag(entityType)}
	return cache.GetOrLoad(ctx, m.cache, key, cache.TimeToLive{TTL: m.fetchTTL}, tags,
		func(ctx context.Context) (map[string]any, error) {
			return m.remote.Fetch(ctx, entityType, entityID)
		})
}

// Status is a snapshot of the sync engine.
type Status struct {
	Counts      offsync.StatusCounts `json:"counts"`
	LastPass    *offsync.PassResult  `json:"last_pass,omitempty"`
	PassRunning bool                 `json:"pass_running"`
	Suitable    bool                 `json:"suitable_for_sync"`
	Cache       cache.Stats          `json:"cache"`
}

// Status returns counts per change status and the last pass result.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	counts, err := m.tracker.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count changes: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := &Status{
		Counts:      *counts,
		PassRunning: m.running,
		Suitable:    m.conn.IsSuitableForSync(),
		Cache:       m.cache.Stats(),
	}
	if m.lastPass != nil {
		last := *m.lastPass
		st.LastPass = &last
	}
	return st, nil
}

// LastPass returns the most recent pass result, or nil.
func (m *Manager) LastPass() *offsync.PassResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastPass == nil {
		return nil
	}
	last := *m.lastPass
	return &last
}

// Cache returns the cache used for read-through and invalidation.
func (m *Manager) Cache() *cache.Manager {
	return m.cache
}
