package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/offsync/internal/connectivity"
	"github.com/hyperengineering/offsync/internal/store"
	offsync "github.com/hyperengineering/offsync/internal/sync"
)

// PassRunner executes one sync pass.
type PassRunner interface {
	RunPass(ctx context.Context) (*offsync.PassResult, error)
}

// ConnectivityFeed is the part of connectivity.Monitor the scheduler depends on.
type ConnectivityFeed interface {
	Subscribe() (<-chan connectivity.State, func())
	IsSuitableForSync() bool
}

// ScheduleStore persists the periodic registration so it survives restarts.
type ScheduleStore interface {
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
	DeleteSyncMeta(ctx context.Context, key string) error
}

// ErrInvalidInterval is returned for a non-positive periodic interval.
var ErrInvalidInterval = errors.New("periodic sync interval must be positive")

// Scheduler decides when sync passes run. Work is only started while
// connectivity is suitable; a trigger that arrives while offline stays pending
// and runs once connectivity returns. A running pass is cancelled when
// connectivity stops being suitable.
type Scheduler struct {
	runner      PassRunner
	conn        ConnectivityFeed
	meta        ScheduleStore
	passTimeout time.Duration

	mu         sync.Mutex
	interval   time.Duration
	pending    bool
	running    bool
	cancelPass context.CancelFunc
	lastRun    time.Time

	wake    chan struct{}
	resched chan struct{}
	passWG  sync.WaitGroup

	loopMu    sync.Mutex
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
	isStarted bool
}

// SchedulerStatus describes the scheduler's registration.
type SchedulerStatus struct {
	Running         bool          `json:"running"`
	PeriodicEnabled bool          `json:"periodic_enabled"`
	Interval        time.Duration `json:"interval,omitempty"`
	Pending         bool          `json:"pending"`
	PassInProgress  bool          `json:"pass_in_progress"`
	LastRun         *time.Time    `json:"last_run,omitempty"`
}

// NewScheduler creates a Scheduler. passTimeout bounds a single pass; zero
// means no bound.
func NewScheduler(runner PassRunner, conn ConnectivityFeed, meta ScheduleStore, passTimeout time.Duration) *Scheduler {
	return &Scheduler{
		runner:      runner,
		conn:        conn,
		meta:        meta,
		passTimeout: passTimeout,
		wake:        make(chan struct{}, 1),
		resched:     make(chan struct{}, 1),
	}
}

// Start restores a persisted periodic registration and starts the scheduling
// loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.isStarted {
		return nil
	}

	if err := s.restore(ctx); err != nil {
		return err
	}

	// Subscribe before reading the current state so no transition is missed.
	updates, unsubscribe := s.conn.Subscribe()
	suitable := s.conn.IsSuitableForSync()

	loopCtx, cancel := context.WithCancel(ctx)
	s.stopLoop = cancel
	s.loopDone = make(chan struct{})
	s.isStarted = true

	go s.loop(loopCtx, s.loopDone, updates, unsubscribe, suitable)

	slog.Info("sync scheduler started",
		"component", "worker",
		"worker", "sync-scheduler",
		"interval", s.Interval().String(),
	)
	return nil
}

// Stop cancels any running pass and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if !s.isStarted {
		return
	}
	s.stopLoop()
	<-s.loopDone
	s.passWG.Wait()
	s.isStarted = false

	slog.Info("sync scheduler stopped",
		"component", "worker",
		"worker", "sync-scheduler",
	)
}

func (s *Scheduler) restore(ctx context.Context) error {
	value, err := s.meta.GetSyncMeta(ctx, offsync.SyncMetaPeriodicInterval)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore periodic sync: %w", err)
	}
	interval, err := time.ParseDuration(value)
	if err != nil || interval <= 0 {
		slog.Warn("ignoring invalid persisted sync interval",
			"component", "worker",
			"worker", "sync-scheduler",
			"value", value,
		)
		return nil
	}
	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()
	return nil
}

// SchedulePeriodicSync registers a recurring pass every interval. The
// registration is persisted and replaces any previous one, so calling it again
// on every startup is safe.
func (s *Scheduler) SchedulePeriodicSync(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	if err := s.meta.SetSyncMeta(ctx, offsync.SyncMetaPeriodicInterval, interval.String()); err != nil {
		return fmt.Errorf("persist periodic sync: %w", err)
	}

	s.mu.Lock()
	changed := s.interval != interval
	s.interval = interval
	s.mu.Unlock()

	if changed {
		signal(s.resched)
		slog.Info("periodic sync scheduled",
			"component", "worker",
			"worker", "sync-scheduler",
			"interval", interval.String(),
		)
	}
	return nil
}

// ScheduleImmediateSync requests a one-shot pass as soon as connectivity
// allows. Requests made while a pass is running are coalesced into one
// follow-up pass.
func (s *Scheduler) ScheduleImmediateSync() {
	s.mu.Lock()
	s.pending = true
	s.mu.Unlock()
	signal(s.wake)
}

// CancelAllSync removes the periodic registration, drops any pending
// request and cancels a running pass.
func (s *Scheduler) CancelAllSync(ctx context.Context) error {
	s.mu.Lock()
	s.interval = 0
	s.pending = false
	cancel := s.cancelPass
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	signal(s.resched)

	if err := s.meta.DeleteSyncMeta(ctx, offsync.SyncMetaPeriodicInterval); err != nil {
		return fmt.Errorf("remove periodic sync: %w", err)
	}

	slog.Info("all sync work cancelled",
		"component", "worker",
		"worker", "sync-scheduler",
	)
	return nil
}

// Interval returns the periodic interval, or zero when none is registered.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() SchedulerStatus {
	s.loopMu.Lock()
	started := s.isStarted
	s.loopMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := SchedulerStatus{
		Running:         started,
		PeriodicEnabled: s.interval > 0,
		Interval:        s.interval,
		Pending:         s.pending,
		PassInProgress:  s.running,
	}
	if !s.lastRun.IsZero() {
		last := s.lastRun
		st.LastRun = &last
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}, updates <-chan connectivity.State, unsubscribe func(), suitable bool) {
	defer close(done)
	defer unsubscribe()

	var ticker *time.Ticker
	var tick <-chan time.Time
	resetTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if interval := s.Interval(); interval > 0 {
			ticker = time.NewTicker(interval)
			tick = ticker.C
		}
	}
	resetTicker()
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	s.maybeStart(ctx)

	for {
		select {
		case <-ctx.Done():
			s.cancelRunning()
			return
		case <-s.resched:
			resetTicker()
		case <-tick:
			s.mu.Lock()
			// A tick already queued before CancelAllSync is dropped.
			if s.interval > 0 {
				s.pending = true
			}
			s.mu.Unlock()
			s.maybeStart(ctx)
		case <-s.wake:
			s.maybeStart(ctx)
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			now := s.conn.IsSuitableForSync()
			if now == suitable {
				continue
			}
			suitable = now
			if !now {
				if s.cancelRunning() {
					// The interrupted pass runs again on reconnect.
					s.mu.Lock()
					s.pending = true
					s.mu.Unlock()
					slog.Info("sync pass cancelled: connectivity lost",
						"component", "worker",
						"worker", "sync-scheduler",
					)
				}
				continue
			}
			// Periodic work missed while offline runs on reconnect.
			s.mu.Lock()
			if s.interval > 0 {
				s.pending = true
			}
			s.mu.Unlock()
			s.maybeStart(ctx)
		}
	}
}

// maybeStart launches a pass when one is pending, none is running and
// connectivity is suitable.
func (s *Scheduler) maybeStart(ctx context.Context) {
	s.mu.Lock()
	if !s.pending || s.running || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if !s.conn.IsSuitableForSync() {
		s.mu.Unlock()
		slog.Debug("sync pass deferred until connectivity is suitable",
			"component", "worker",
			"worker", "sync-scheduler",
		)
		return
	}

	var passCtx context.Context
	var cancel context.CancelFunc
	if s.passTimeout > 0 {
		passCtx, cancel = context.WithTimeout(ctx, s.passTimeout)
	} else {
		passCtx, cancel = context.WithCancel(ctx)
	}
	s.pending = false
	s.running = true
	s.cancelPass = cancel
	s.passWG.Add(1)
	s.mu.Unlock()

	go s.runPass(passCtx, cancel)
}

func (s *Scheduler) runPass(ctx context.Context, cancel context.CancelFunc) {
	defer s.passWG.Done()
	defer cancel()

	result, err := s.runner.RunPass(ctx)

	s.mu.Lock()
	s.running = false
	s.cancelPass = nil
	s.lastRun = time.Now()
	s.mu.Unlock()

	if err != nil {
		slog.Warn("scheduled sync pass failed",
			"component", "worker",
			"worker", "sync-scheduler",
			"error", err,
		)
	} else if result != nil {
		slog.Debug("scheduled sync pass finished",
			"component", "worker",
			"worker", "sync-scheduler",
			"attempted", result.Attempted,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
		)
	}

	// Pick up requests that arrived while the pass was running.
	signal(s.wake)
}

// cancelRunning cancels the in-flight pass and reports whether there was one.
func (s *Scheduler) cancelRunning() bool {
	s.mu.Lock()
	cancel := s.cancelPass
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
