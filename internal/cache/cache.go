// Package cache provides an in-memory keyed cache with per-entry retention
// policies, tag and pattern invalidation, and hit/miss accounting.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/offsync/internal/metrics"
)

type entry struct {
	key          string
	value        any
	policy       Policy
	tags         map[string]struct{}
	insertedAt   time.Time
	lastAccessed time.Time
	// elem is the entry's position in its bounded family's order list.
	elem *list.Element
}

func (e *entry) expired(now time.Time) bool {
	ttl, ok := e.policy.(TimeToLive)
	return ok && !now.Before(e.insertedAt.Add(ttl.TTL))
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Expired   int64   `json:"expired"`
	Size      int     `json:"size"`
	HitRate   float64 `json:"hit_rate"`
}

// Manager is a concurrency-safe cache. A single mutex guards entries and
// counters, so invalidation is atomic with respect to Put and Get.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	// Front holds the next victim: oldest insert for SizeBased, least
	// recently used for LeastRecentlyUsed.
	sizeOrder *list.List
	lruOrder  *list.List

	hits, misses, evictions, expired int64

	now      func() time.Time
	recorder metrics.Recorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRecorder sends hit, miss, eviction and expiry events to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(m *Manager) { m.recorder = metrics.OrNop(r) }
}

// New creates an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		entries:   make(map[string]*entry),
		sizeOrder: list.New(),
		lruOrder:  list.New(),
		now:       time.Now,
		recorder: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Put stores value under key, replacing any existing entry. A nil policy is
// treated as Persistent. Bounded policies evict within their own family only.
func (m *Manager) Put(key string, value any, policy Policy, tags ...string) {
	if policy == nil {
		policy = Persistent{}
	}
	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	m.mu.Lock()
	if old, ok := m.entries[key]; ok {
		m.unlink(old)
	}
	now := m.now()
	e := &entry{
		key:          key,
		value:        value,
		policy:       policy,
		tags:         tagSet,
		insertedAt:   now,
		lastAccessed: now,
	}
	if order := m.orderFor(policy); order != nil {
		e.elem = order.PushBack(e)
	}
	m.entries[key] = e
	evicted := m.enforceBound(policy)
	m.mu.Unlock()

	for _, k := range evicted {
		m.recorder.Record(metrics.Event{Type: metrics.CacheEviction, Attrs: map[string]any{"key": k, "policy": PolicyName(policy)}})
	}
}

// orderFor returns the eviction order list of a bounded policy family, or
// nil for policies that are never evicted for space.
func (m *Manager) orderFor(policy Policy) *list.List {
	switch policy.(type) {
	case SizeBased:
		return m.sizeOrder
	case LeastRecentlyUsed:
		return m.lruOrder
	}
	return nil
}

// unlink removes e from the map and from its order list. Callers hold m.mu.
func (m *Manager) unlink(e *entry) {
	delete(m.entries, e.key)
	if e.elem != nil {
		m.orderFor(e.policy).Remove(e.elem)
		e.elem = nil
	}
}

// enforceBound evicts from the front of the written entry's family until the
// family fits the entry's limit. The entry itself sits at the back, so it is
// never chosen. Callers hold m.mu.
func (m *Manager) enforceBound(policy Policy) []string {
	var limit int
	switch p := policy.(type) {
	case SizeBased:
		limit = p.MaxEntries
	case LeastRecentlyUsed:
		limit = p.MaxEntries
	}
	order := m.orderFor(policy)
	if order == nil || limit <= 0 {
		return nil
	}

	var evicted []string
	for order.Len() > limit {
		victim := order.Front().Value.(*entry)
		m.unlink(victim)
		m.evictions++
		evicted = append(evicted, victim.key)
	}
	return evicted
}

// lookup returns the value under key when present, unexpired and accepted.
// A rejected value counts as a miss and stays cached.
func (m *Manager) lookup(key string, accept func(any) bool) (any, bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	var event metrics.EventType
	switch {
	case !ok:
		m.misses++
		event = metrics.CacheMiss
	case e.expired(m.now()):
		m.unlink(e)
		m.expired++
		m.misses++
		event = metrics.CacheExpired
	case accept != nil && !accept(e.value):
		m.misses++
		event = metrics.CacheMiss
	default:
		m.hits++
		e.lastAccessed = m.now()
		if _, lru := e.policy.(LeastRecentlyUsed); lru {
			m.lruOrder.MoveToBack(e.elem)
		}
		m.mu.Unlock()
		m.recorder.Record(metrics.Event{Type: metrics.CacheHit})
		return e.value, true
	}
	m.mu.Unlock()

	m.recorder.Record(metrics.Event{Type: event, Attrs: map[string]any{"key": key}})
	if event == metrics.CacheExpired {
		m.recorder.Record(metrics.Event{Type: metrics.CacheMiss})
	}
	return nil, false
}

// Get returns the untyped value stored under key.
func (m *Manager) Get(key string) (any, bool) {
	return m.lookup(key, nil)
}

// Get returns the value stored under key as T. A value of another type is
// reported as a miss.
func Get[T any](m *Manager, key string) (T, bool) {
	var zero T
	v, ok := m.lookup(key, func(v any) bool {
		_, ok := v.(T)
		return ok
	})
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// GetOrLoad returns the cached T under key, or calls load and caches its
// result under policy and tags. Load errors are returned and nothing is cached.
func GetOrLoad[T any](ctx context.Context, m *Manager, key string, policy Policy, tags []string, load func(context.Context) (T, error)) (T, error) {
	if v, ok := Get[T](m, key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	m.Put(key, v, policy, tags...)
	return v, nil
}

// Remove deletes key and reports whether it was present.
func (m *Manager) Remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if ok {
		m.unlink(e)
	}
	return ok
}

// Invalidate removes every entry selected by inv and returns the count.
func (m *Manager) Invalidate(inv Invalidation) int {
	if inv == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.entries {
		if inv.matches(k, e.tags) {
			m.unlink(e)
			removed++
		}
	}
	return removed
}

// InvalidateEntity drops cached views of one entity and of its collection.
func (m *Manager) InvalidateEntity(entityType, entityID string) int {
	return m.Invalidate(Tag{Name: EntityTag(entityType, entityID)}) +
		m.Invalidate(Tag{Name: CollectionTag(entityType)})
}

// Clear removes every entry and resets the counters.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
	m.sizeOrder.Init()
	m.lruOrder.Init()
	m.hits, m.misses, m.evictions, m.expired = 0, 0, 0, 0
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Expired:   m.expired,
		Size:      len(m.entries),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Sweep removes expired TimeToLive entries and returns how many it removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	now := m.now()
	removed := 0
	for _, e := range m.entries {
		if e.expired(now) {
			m.unlink(e)
			m.expired++
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.recorder.Record(metrics.Event{Type: metrics.CacheExpired, Attrs: map[string]any{"count": removed}})
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	slog.Info("cache sweeper started", "component", "cache", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("cache sweeper stopped", "component", "cache")
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				slog.Debug("cache sweep completed", "component", "cache", "expired", n)
			}
		}
	}
}
