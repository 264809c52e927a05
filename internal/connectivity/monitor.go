package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/offsync/internal/metrics"
)

// Monitor polls a Source and publishes state changes to subscribers.
type Monitor struct {
	source   Source
	interval time.Duration
	recorder metrics.Recorder

	mu           sync.RWMutex
	state        State
	allowMetered bool
	nextID       int
	subscribers  map[int]chan State
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithAllowMetered permits sync on metered networks.
func WithAllowMetered(allow bool) MonitorOption {
	return func(m *Monitor) { m.allowMetered = allow }
}

// WithInterval sets the polling interval used by Run.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// WithRecorder sends connectivity.changed events to r.
func WithRecorder(r metrics.Recorder) MonitorOption {
	return func(m *Monitor) { m.recorder = metrics.OrNop(r) }
}

// NewMonitor creates a Monitor. The initial state is Offline until the
// first Refresh.
func NewMonitor(source Source, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		source:      source,
		interval:    30 * time.Second,
		recorder:    metrics.Nop{},
		state:       Offline,
		subscribers: make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run refreshes the state immediately and then every interval until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("connectivity monitor started",
		"component", "connectivity",
		"interval", m.interval.String(),
	)

	m.Refresh(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("connectivity monitor stopped", "component", "connectivity")
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh probes the source once and publishes the result if it changed.
// A probe error is treated as offline.
func (m *Monitor) Refresh(ctx context.Context) State {
	state, err := m.source.Probe(ctx)
	if err != nil {
		slog.Warn("connectivity probe failed",
			"component", "connectivity",
			"error", err,
		)
		state = Offline
	}
	m.update(state)
	return state
}

func (m *Monitor) update(state State) {
	m.mu.Lock()
	if state == m.state {
		m.mu.Unlock()
		return
	}
	previous := m.state
	m.state = state
	suitable := state.Suitable(m.allowMetered)
	for _, ch := range m.subscribers {
		publishLatest(ch, state)
	}
	m.mu.Unlock()

	slog.Info("connectivity changed",
		"component", "connectivity",
		"from", previous.Classification(),
		"to", state.Classification(),
		"network_type", string(state.Type),
		"suitable", suitable,
	)
	m.recorder.Record(metrics.Event{
		Type: metrics.ConnectivityChanged,
		Time: time.Now().UTC(),
		Attrs: map[string]any{
			"network_type":   string(state.Type),
			"classification": state.Classification(),
			"suitable":       suitable,
		},
	})
}

// publishLatest delivers state without blocking, replacing an undelivered
// older value.
func publishLatest(ch chan State, state State) {
	for {
		select {
		case ch <- state:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a channel receiving each state change and a cancel func
// that closes it. Slow subscribers only observe the latest state.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan State, 1)
	m.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subscribers, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Current returns the last observed state.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsCurrentlyConnected reports whether any network is connected.
func (m *Monitor) IsCurrentlyConnected() bool {
	return m.Current().Connected
}

// GetCurrentNetworkType returns the active transport type.
func (m *Monitor) GetCurrentNetworkType() NetworkType {
	return m.Current().Type
}

// IsSuitableForSync reports whether a sync pass may run now.
func (m *Monitor) IsSuitableForSync() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Suitable(m.allowMetered)
}

// AllowMetered reports whether metered networks are suitable for sync.
func (m *Monitor) AllowMetered() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowMetered
}

// SetAllowMetered changes the metered-network override. When that changes
// whether the current network is suitable, subscribers receive the current
// state again so they re-evaluate.
func (m *Monitor) SetAllowMetered(allow bool) {
	m.mu.Lock()
	if m.allowMetered == allow {
		m.mu.Unlock()
		return
	}
	before := m.state.Suitable(m.allowMetered)
	m.allowMetered = allow
	state := m.state
	suitable := state.Suitable(allow)
	if suitable != before {
		for _, ch := range m.subscribers {
			publishLatest(ch, state)
		}
	}
	m.mu.Unlock()

	slog.Info("metered sync override changed",
		"component", "connectivity",
		"allow_metered", allow,
		"suitable", suitable,
	)
	if suitable != before {
		m.recorder.Record(metrics.Event{
			Type: metrics.ConnectivityChanged,
			Time: time.Now().UTC(),
			Attrs: map[string]any{
				"network_type":   string(state.Type),
				"classification": state.Classification(),
				"suitable":       suitable,
				"allow_metered":  allow,
			},
		})
	}
}
