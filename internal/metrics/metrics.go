// Package metrics carries structured sync and cache events to observers.
// Recording is fire-and-forget: recorders must never block the caller.
package metrics

import (
	"time"

	offsync "github.com/hyperengineering/offsync/internal/sync"
)

// EventType names a recorded event.
type EventType string

const (
	PassStarted         EventType = "pass.started"
	PassCompleted       EventType = "pass.completed"
	PassFailed          EventType = "pass.failed"
	PassSkipped         EventType = "pass.skipped"
	ItemSynced          EventType = "item.synced"
	ItemFailed          EventType = "item.failed"
	ItemDeferred        EventType = "item.deferred"
	ConflictManual      EventType = "conflict.manual"
	ChangeQueued        EventType = "change.queued"
	CacheHit            EventType = "cache.hit"
	CacheMiss           EventType = "cache.miss"
	CacheEviction       EventType = "cache.eviction"
	CacheExpired        EventType = "cache.expired"
	ConnectivityChanged EventType = "connectivity.changed"
)

// Event is one structured observation.
type Event struct {
	Type       EventType           `json:"type"`
	Time       time.Time           `json:"time"`
	ChangeID   string              `json:"change_id,omitempty"`
	EntityType string              `json:"entity_type,omitempty"`
	EntityID   string              `json:"entity_id,omitempty"`
	Operation  string              `json:"operation,omitempty"`
	Strategy   string              `json:"strategy,omitempty"`
	Error      string              `json:"error,omitempty"`
	Pass       *offsync.PassResult `json:"pass,omitempty"`
	Attrs      map[string]any      `json:"attrs,omitempty"`
}

// Recorder receives events.
type Recorder interface {
	Record(Event)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Event)

// Record calls f(e).
func (f RecorderFunc) Record(e Event) { f(e) }

// Nop discards every event.
type Nop struct{}

// Record does nothing.
func (Nop) Record(Event) {}

// Multi fans an event out to several recorders.
type Multi []Recorder

// Record forwards e to each recorder in order.
func (m Multi) Record(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	for _, r := range m {
		r.Record(e)
	}
}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// FromChange fills the change-identifying fields of an event.
func FromChange(t EventType, c offsync.OfflineChange) Event {
	return Event{
		Type:       t,
		Time:       time.Now().UTC(),
		ChangeID:   c.ID,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Operation:  string(c.OperationType),
	}
}
