package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/offsync/internal/metrics"
	"github.com/hyperengineering/offsync/internal/remote"
	"github.com/hyperengineering/offsync/internal/store"
	offsync "github.com/hyperengineering/offsync/internal/sync"
)

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeManual
	outcomeHeld
	outcomeSkipped
	outcomeCancelled
)

// RunPass drains the pending changes snapshotted at its start. Changes queued
// while it runs are left for the next pass. Per-change failures are recorded
// on the change and never abort the pass; failing to read the queue does.
func (m *Manager) RunPass(ctx context.Context) (*offsync.PassResult, error) {
	if !m.conn.IsSuitableForSync() {
		result := &offsync.PassResult{
			StartedAt:  m.now().UTC(),
			Skipped:    true,
			SkipReason: "connectivity not suitable for sync",
		}
		m.recorder.Record(metrics.Event{Type: metrics.PassSkipped, Time: result.StartedAt, Pass: result})
		return result, ErrNotSuitable
	}
	if !m.passMu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer m.passMu.Unlock()

	m.setRunning(true)
	defer m.setRunning(false)

	start := m.now()
	result := &offsync.PassResult{StartedAt: start.UTC()}
	m.recorder.Record(metrics.Event{Type: metrics.PassStarted, Time: result.StartedAt})

	if _, err := m.tracker.RecoverSyncing(ctx); err != nil {
		return m.failPass(result, start, fmt.Errorf("recover syncing changes: %w", err))
	}
	requeued, err := m.tracker.RequeueFailed(ctx, m.maxRetries)
	if err != nil {
		return m.failPass(result, start, fmt.Errorf("requeue failed changes: %w", err))
	}
	result.Requeued = int(requeued)

	pending, err := m.tracker.GetPendingChanges(ctx)
	if err != nil {
		return m.failPass(result, start, fmt.Errorf("list pending changes: %w", err))
	}
	failed, err := m.tracker.GetFailedChanges(ctx)
	if err != nil {
		return m.failPass(result, start, fmt.Errorf("list failed changes: %w", err))
	}
	blocked := blockers(failed)

	var mu sync.Mutex
	tally := func(o outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeSynced:
			result.Attempted++
			result.Succeeded++
		case outcomeFailed:
			result.Attempted++
			result.Failed++
		case outcomeManual:
			result.Attempted++
			result.Deferred++
		case outcomeHeld:
			result.Deferred++
		case outcomeCancelled:
			result.Attempted++
		}
	}

	if m.concurrency <= 1 {
		m.processSequence(ctx, pending, blocked, tally)
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.concurrency)
		for _, group := range groupByEntity(pending) {
			g.Go(func() error {
				m.processSequence(gctx, group, blocked, tally)
				return nil
			})
		}
		g.Wait()
	}

	if err := ctx.Err(); err != nil {
		return m.failPass(result, start, fmt.Errorf("sync pass cancelled: %w", err))
	}

	result.Duration = m.now().Sub(start)
	m.finishPass(result)
	m.recorder.Record(metrics.Event{Type: metrics.PassCompleted, Time: m.now().UTC(), Pass: result})

	slog.Info("sync pass completed",
		"component", "syncer",
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"deferred", result.Deferred,
		"requeued", result.Requeued,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

func (m *Manager) failPass(result *offsync.PassResult, start time.Time, err error) (*offsync.PassResult, error) {
	result.Duration = m.now().Sub(start)
	m.finishPass(result)
	m.recorder.Record(metrics.Event{Type: metrics.PassFailed, Time: m.now().UTC(), Pass: result, Error: err.Error()})
	slog.Error("sync pass failed",
		"component", "syncer",
		"error", err,
	)
	return result, err
}

func (m *Manager) finishPass(result *offsync.PassResult) {
	m.mu.Lock()
	last := *result
	m.lastPass = &last
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.tracker.SetSyncMeta(ctx, offsync.SyncMetaLastPassAt, result.StartedAt.Format(time.RFC3339Nano)); err != nil {
		slog.Warn("failed to record last pass time",
			"component", "syncer",
			"error", err,
		)
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = running
}

// blockers indexes FAILED changes by entity. A pending change is held back
// while an earlier change to the same entity has failed.
func blockers(failed []offsync.OfflineChange) map[string]time.Time {
	blocked := make(map[string]time.Time, len(failed))
	for _, f := range failed {
		if at, ok := blocked[f.Key()]; !ok || f.CreatedAt.Before(at) {
			blocked[f.Key()] = f.CreatedAt
		}
	}
	return blocked
}

// groupByEntity splits changes into per-entity sequences, keeping each
// entity's order and the order in which entities first appear.
func groupByEntity(changes []offsync.OfflineChange) [][]offsync.OfflineChange {
	index := make(map[string]int)
	var groups [][]offsync.OfflineChange
	for _, c := range changes {
		i, ok := index[c.Key()]
		if !ok {
			i = len(groups)
			index[c.Key()] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], c)
	}
	return groups
}

// processSequence syncs changes in order. Once a change to an entity fails
// or waits for manual resolution, the entity's later changes are held back.
func (m *Manager) processSequence(ctx context.Context, changes []offsync.OfflineChange, blocked map[string]time.Time, tally func(outcome)) {
	halted := make(map[string]bool)
	assigned := make(map[string]string)

	for _, c := range changes {
		if ctx.Err() != nil {
			return
		}
		key := c.Key()
		if at, ok := blocked[key]; (ok && !at.After(c.CreatedAt)) || halted[key] {
			tally(outcomeHeld)
			m.recorder.Record(metrics.FromChange(metrics.ItemDeferred, c))
			continue
		}
		if id, ok := assigned[key]; ok {
			c.EntityID = id
		}

		o, serverID := m.syncChange(ctx, c)
		tally(o)
		switch o {
		case outcomeSynced:
			if serverID != "" {
				assigned[key] = serverID
			}
		case outcomeFailed, outcomeManual:
			halted[key] = true
		case outcomeCancelled:
			return
		}
	}
}

// syncChange runs one change through fetch, resolution and the remote call.
// It returns the server-assigned ID when a placeholder entity was created.
func (m *Manager) syncChange(ctx context.Context, c offsync.OfflineChange) (outcome, string) {
	if err := m.tracker.MarkAsSyncing(ctx, c.ID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return outcomeSkipped, ""
		}
		if ctx.Err() != nil {
			return outcomeCancelled, ""
		}
		slog.Error("failed to mark change syncing",
			"component", "syncer",
			"change_id", c.ID,
			"error", err,
		)
		m.recorder.Record(withError(metrics.FromChange(metrics.ItemFailed, c), err))
		return outcomeFailed, ""
	}

	resolution, err := m.resolve(ctx, c)
	if err != nil {
		return m.fail(ctx, c, err), ""
	}

	var serverID string
	switch resolution.Strategy {
	case offsync.StrategyManual:
		m.release(ctx, c)
		event := metrics.FromChange(metrics.ConflictManual, c)
		event.Strategy = string(resolution.Strategy)
		m.recorder.Record(event)
		return outcomeManual, ""
	case offsync.StrategyUseServer:
		// The server view stands; nothing to write.
	default:
		resp, err := m.apply(ctx, resolution.Operation)
		if err != nil {
			return m.fail(ctx, c, err), ""
		}
		if resolution.Operation.Type == offsync.OperationCreate && m.isPlaceholder(c.EntityID) {
			serverID, _ = resp[remote.IDField].(string)
		}
	}

	// The remote write happened; record it even if the pass is being cancelled.
	detached := context.WithoutCancel(ctx)
	if err := m.tracker.MarkAsSynced(detached, c.ID); err != nil {
		slog.Error("failed to mark change synced",
			"component", "syncer",
			"change_id", c.ID,
			"error", err,
		)
		m.recorder.Record(withError(metrics.FromChange(metrics.ItemFailed, c), err))
		return outcomeFailed, ""
	}

	m.cache.InvalidateEntity(c.EntityType, c.EntityID)
	if serverID != "" && serverID != c.EntityID {
		m.cache.InvalidateEntity(c.EntityType, serverID)
		if c.EntityID != "" {
			if _, err := m.tracker.AssignServerID(detached, c.EntityType, c.EntityID, serverID); err != nil {
				slog.Error("failed to reassign placeholder id",
					"component", "syncer",
					"entity_type", c.EntityType,
					"from", c.EntityID,
					"to", serverID,
					"error", err,
				)
			}
		}
	}

	event := metrics.FromChange(metrics.ItemSynced, c)
	event.Strategy = string(resolution.Strategy)
	if serverID != "" {
		event.Attrs = map[string]any{"server_id": serverID}
	}
	m.recorder.Record(event)
	return outcomeSynced, serverID
}

// resolve fetches the server view when needed and decides what to execute.
// A recorded manual choice overrides the resolver.
func (m *Manager) resolve(ctx context.Context, c offsync.OfflineChange) (offsync.ConflictResolution, error) {
	op := c.Operation()

	var server map[string]any
	if op.Type != offsync.OperationCreate || !m.isPlaceholder(op.EntityID) {
		data, err := m.remote.Fetch(ctx, op.EntityType, op.EntityID)
		switch {
		case errors.Is(err, remote.ErrNotFound):
		case err != nil:
			return offsync.ConflictResolution{}, fmt.Errorf("fetch server state: %w", err)
		default:
			server = data
		}
	}

	if c.Resolution != nil {
		return manualResolution(*c.Resolution, op, server), nil
	}
	return m.resolver.Resolve(op, server)
}

// manualResolution applies a user's choice. USE_LOCAL writes the local
// payload as-is, adjusting the operation type to the server's current state.
func manualResolution(choice offsync.Strategy, op offsync.SyncOperation, server map[string]any) offsync.ConflictResolution {
	if choice == offsync.StrategyUseServer {
		return offsync.ConflictResolution{Strategy: offsync.StrategyUseServer, Operation: op, ServerData: server}
	}
	switch {
	case server == nil && op.Type == offsync.OperationDelete:
		return offsync.ConflictResolution{Strategy: offsync.StrategyUseServer, Operation: op}
	case server == nil && op.Type == offsync.OperationUpdate:
		op = op.WithType(offsync.OperationCreate)
	case server != nil && op.Type == offsync.OperationCreate:
		op = op.WithType(offsync.OperationUpdate)
	}
	return offsync.ConflictResolution{Strategy: offsync.StrategyUseLocal, Operation: op, ServerData: server}
}

func (m *Manager) apply(ctx context.Context, op offsync.SyncOperation) (map[string]any, error) {
	switch op.Type {
	case offsync.OperationCreate:
		id := op.EntityID
		if m.isPlaceholder(id) {
			id = ""
		}
		return m.remote.Create(ctx, op.EntityType, id, op.Data)
	case offsync.OperationUpdate:
		return m.remote.Update(ctx, op.EntityType, op.EntityID, op.Data)
	case offsync.OperationDelete:
		err := m.remote.Delete(ctx, op.EntityType, op.EntityID)
		if errors.Is(err, remote.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, op.Type)
}

// fail records a per-change failure. Transient failures stay eligible for
// automatic retry; permanent ones are rejected until retried by hand. A
// failure caused by cancellation returns the change to PENDING instead.
func (m *Manager) fail(ctx context.Context, c offsync.OfflineChange, cause error) outcome {
	if ctx.Err() != nil {
		m.release(ctx, c)
		return outcomeCancelled
	}

	detached := context.WithoutCancel(ctx)
	transient := remote.IsTransient(cause)
	var err error
	if transient {
		err = m.tracker.MarkAsFailed(detached, c.ID, cause.Error())
	} else {
		err = m.tracker.MarkAsRejected(detached, c.ID, cause.Error())
	}
	if err != nil {
		slog.Error("failed to record change failure",
			"component", "syncer",
			"change_id", c.ID,
			"error", err,
		)
	}

	slog.Warn("change failed to sync",
		"component", "syncer",
		"change_id", c.ID,
		"entity_type", c.EntityType,
		"entity_id", c.EntityID,
		"operation", string(c.OperationType),
		"transient", transient,
		"error", cause,
	)
	event := withError(metrics.FromChange(metrics.ItemFailed, c), cause)
	event.Attrs = map[string]any{"transient": transient}
	m.recorder.Record(event)
	return outcomeFailed
}

// release returns a SYNCING change to PENDING so a later pass re-attempts it.
func (m *Manager) release(ctx context.Context, c offsync.OfflineChange) {
	if err := m.tracker.ResetToPending(context.WithoutCancel(ctx), c.ID); err != nil {
		slog.Error("failed to return change to pending",
			"component", "syncer",
			"change_id", c.ID,
			"error", err,
		)
	}
}

func withError(e metrics.Event, err error) metrics.Event {
	e.Error = err.Error()
	return e
}
