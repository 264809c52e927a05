package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	offsync "github.com/hyperengineering/offsync/internal/sync"
	"github.com/oklog/ulid/v2"
)

const changeColumns = `id, entity_type, entity_id, operation_type, data, priority,
	status, retry_count, last_error, rejected, resolution, created_at, updated_at`

// TrackChange appends a new PENDING change to the log and returns the stored record.
// IDs are ULIDs so concurrent callers never collide and IDs sort by creation time.
// A placeholder entity ID that the server has already replaced is stored as
// the server-assigned ID.
func (s *SQLiteStore) TrackChange(
	ctx context.Context,
	entityType, entityID string,
	op offsync.OperationType,
	data map[string]any,
	priority offsync.Priority,
) (*offsync.OfflineChange, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("track change: unknown operation type %q", op)
	}
	if priority == "" {
		priority = offsync.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("track change: unknown priority %q", priority)
	}

	payload, err := encodeData(data)
	if err != nil {
		return nil, fmt.Errorf("track change: %w", err)
	}

	now := s.timestamp()
	id := ulid.Make().String()

	// The mapping lookup runs inside the INSERT so it cannot interleave with
	// AssignServerID.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO offline_changes (id, entity_type, entity_id, operation_type, data, priority, status, retry_count, created_at, updated_at)
		VALUES (?, ?, COALESCE(
			(SELECT server_id FROM placeholder_ids WHERE entity_type = ? AND placeholder_id = ?), ?
		), ?, ?, ?, ?, 0, ?, ?)
		RETURNING `+changeColumns,
		id, entityType, entityType, entityID, entityID, string(op), payload, string(priority),
		string(offsync.StatusPending), now, now)
	change, err := scanChange(row)
	if err != nil {
		return nil, storageError("insert offline change", err)
	}
	return change, nil
}

// GetChange returns a single change by ID.
func (s *SQLiteStore) GetChange(ctx context.Context, id string) (*offsync.OfflineChange, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM offline_changes WHERE id = ?`, id)
	change, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("change %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageError("get offline change", err)
	}
	return change, nil
}

// GetPendingChanges returns PENDING changes in FIFO order. With priority
// ordering enabled, higher priority changes move ahead of lower priority
// ones, but changes that target the same entity keep their enqueue order.
func (s *SQLiteStore) GetPendingChanges(ctx context.Context) ([]offsync.OfflineChange, error) {
	changes, err := s.queryChanges(ctx, "list pending changes",
		`WHERE status = ? ORDER BY sequence ASC`, string(offsync.StatusPending))
	if err != nil {
		return nil, err
	}
	if s.priorityOrdering {
		changes = orderByPriority(changes)
	}
	return changes, nil
}

// GetFailedChanges returns FAILED changes in FIFO order.
func (s *SQLiteStore) GetFailedChanges(ctx context.Context) ([]offsync.OfflineChange, error) {
	return s.queryChanges(ctx, "list failed changes",
		`WHERE status = ? ORDER BY sequence ASC`, string(offsync.StatusFailed))
}

// GetChangesByEntityType returns every change for an entity type in FIFO order.
func (s *SQLiteStore) GetChangesByEntityType(ctx context.Context, entityType string) ([]offsync.OfflineChange, error) {
	return s.queryChanges(ctx, "list changes by entity type",
		`WHERE entity_type = ? ORDER BY sequence ASC`, entityType)
}

// ListChanges returns changes matching filter in FIFO order. Zero-valued
// filter fields match everything.
func (s *SQLiteStore) ListChanges(ctx context.Context, filter ChangeFilter) ([]offsync.OfflineChange, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	clause += " ORDER BY sequence ASC"
	if filter.Limit > 0 {
		clause += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryChanges(ctx, "list changes", clause, args...)
}

// MarkAsSyncing moves a PENDING change to SYNCING.
func (s *SQLiteStore) MarkAsSyncing(ctx context.Context, id string) error {
	return s.transition(ctx, "mark syncing", id, `
		UPDATE offline_changes SET status = 'SYNCING', updated_at = ?
		WHERE id = ? AND status = 'PENDING'
	`, s.timestamp(), id)
}

// MarkAsSynced moves a change to SYNCED, or deletes it when the store runs
// with WithDeleteOnSync. Calling it again for the same change is a no-op.
func (s *SQLiteStore) MarkAsSynced(ctx context.Context, id string) error {
	if s.deleteOnSync {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM offline_changes WHERE id = ?`, id); err != nil {
			return storageError("delete synced change", err)
		}
		return nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE offline_changes SET status = 'SYNCED', last_error = NULL, updated_at = ?
		WHERE id = ? AND status != 'SYNCED'
	`, s.timestamp(), id)
	if err != nil {
		return storageError("mark synced", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	// Already SYNCED is fine; a missing row is not.
	if _, err := s.GetChange(ctx, id); err != nil {
		return err
	}
	return nil
}

// MarkAsFailed moves a PENDING or SYNCING change to FAILED, increments its
// retry count and records the error message.
func (s *SQLiteStore) MarkAsFailed(ctx context.Context, id, errorMessage string) error {
	return s.markFailed(ctx, "mark failed", id, errorMessage, false)
}

// MarkAsRejected is MarkAsFailed for permanent remote failures. Rejected
// changes are skipped by RequeueFailed until retried manually.
func (s *SQLiteStore) MarkAsRejected(ctx context.Context, id, errorMessage string) error {
	return s.markFailed(ctx, "mark rejected", id, errorMessage, true)
}

func (s *SQLiteStore) markFailed(ctx context.Context, op, id, errorMessage string, rejected bool) error {
	return s.transition(ctx, op, id, `
		UPDATE offline_changes
		SET status = 'FAILED', retry_count = retry_count + 1, last_error = ?, rejected = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'SYNCING')
	`, errorMessage, boolToInt(rejected), s.timestamp(), id)
}

// ResetToPending returns a SYNCING change to PENDING without counting a retry.
// Used when a pass is cancelled before the remote call was confirmed.
func (s *SQLiteStore) ResetToPending(ctx context.Context, id string) error {
	return s.transition(ctx, "reset to pending", id, `
		UPDATE offline_changes SET status = 'PENDING', updated_at = ?
		WHERE id = ? AND status = 'SYNCING'
	`, s.timestamp(), id)
}

// RecoverSyncing resets every SYNCING change to PENDING. Any change still
// SYNCING when a pass starts was orphaned by a crash or cancellation.
func (s *SQLiteStore) RecoverSyncing(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE offline_changes SET status = 'PENDING', updated_at = ?
		WHERE status = 'SYNCING'
	`, s.timestamp())
	if err != nil {
		return 0, storageError("recover syncing changes", err)
	}
	return result.RowsAffected()
}

// RequeueFailed moves non-rejected FAILED changes back to PENDING while their
// retry count is below maxRetries. maxRetries <= 0 means no ceiling.
func (s *SQLiteStore) RequeueFailed(ctx context.Context, maxRetries int) (int64, error) {
	query := `
		UPDATE offline_changes SET status = 'PENDING', updated_at = ?
		WHERE status = 'FAILED' AND rejected = 0`
	args := []any{s.timestamp()}
	if maxRetries > 0 {
		query += ` AND retry_count < ?`
		args = append(args, maxRetries)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storageError("requeue failed changes", err)
	}
	return result.RowsAffected()
}

// RetryChange is the manual FAILED -> PENDING transition. It clears the
// rejected flag but keeps the retry count.
func (s *SQLiteStore) RetryChange(ctx context.Context, id string) error {
	return s.transition(ctx, "retry change", id, `
		UPDATE offline_changes SET status = 'PENDING', rejected = 0, updated_at = ?
		WHERE id = ? AND status = 'FAILED'
	`, s.timestamp(), id)
}

// RetryAllFailed manually retries every FAILED change.
func (s *SQLiteStore) RetryAllFailed(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE offline_changes SET status = 'PENDING', rejected = 0, updated_at = ?
		WHERE status = 'FAILED'
	`, s.timestamp())
	if err != nil {
		return 0, storageError("retry failed changes", err)
	}
	return result.RowsAffected()
}

// SetResolution records the user's choice for a MANUAL conflict on a PENDING change.
func (s *SQLiteStore) SetResolution(ctx context.Context, id string, strategy offsync.Strategy) error {
	return s.transition(ctx, "set resolution", id, `
		UPDATE offline_changes SET resolution = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'
	`, string(strategy), s.timestamp(), id)
}

// AssignServerID records the server-assigned ID of an entity created under
// a placeholder and rewrites unsynced changes that still use the placeholder.
// Changes tracked later against the placeholder pick up the mapping in
// TrackChange. It returns the number of changes rewritten.
func (s *SQLiteStore) AssignServerID(ctx context.Context, entityType, placeholderID, serverID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageError("begin assign server id", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO placeholder_ids (entity_type, placeholder_id, server_id, created_at)
		VALUES (?, ?, ?, ?)
	`, entityType, placeholderID, serverID, now); err != nil {
		return 0, storageError("record server id", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE offline_changes SET entity_id = ?, updated_at = ?
		WHERE entity_type = ? AND entity_id = ? AND status IN ('PENDING', 'FAILED')
	`, serverID, now, entityType, placeholderID)
	if err != nil {
		return 0, storageError("reassign entity id", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storageError("reassign entity id", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageError("commit assign server id", err)
	}
	return n, nil
}

// DeleteChange discards a change that is not currently syncing.
func (s *SQLiteStore) DeleteChange(ctx context.Context, id string) error {
	return s.transition(ctx, "delete change", id, `
		DELETE FROM offline_changes WHERE id = ? AND status != 'SYNCING'
	`, id)
}

// CountByStatus returns the number of changes in each lifecycle state.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (*offsync.StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM offline_changes GROUP BY status`)
	if err != nil {
		return nil, storageError("count changes", err)
	}
	defer rows.Close()

	counts := &offsync.StatusCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageError("scan change count", err)
		}
		switch offsync.ChangeStatus(status) {
		case offsync.StatusPending:
			counts.Pending = n
		case offsync.StatusSyncing:
			counts.Syncing = n
		case offsync.StatusSynced:
			counts.Synced = n
		case offsync.StatusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("count changes", err)
	}
	return counts, nil
}

// transition runs a guarded UPDATE/DELETE. When nothing matched it tells a
// missing change (ErrNotFound) apart from one in the wrong state.
func (s *SQLiteStore) transition(ctx context.Context, op, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageError(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storageError(op, err)
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetChange(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s from %s: %w", op, id, current.Status, ErrInvalidTransition)
}

func (s *SQLiteStore) queryChanges(ctx context.Context, op, where string, args ...any) ([]offsync.OfflineChange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+changeColumns+` FROM offline_changes `+where, args...)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	changes := make([]offsync.OfflineChange, 0)
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, storageError(op, err)
		}
		changes = append(changes, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return changes, nil
}

// scanChange scans a row into an OfflineChange, decoding the JSON payload.
func scanChange(scanner interface{ Scan(...any) error }) (*offsync.OfflineChange, error) {
	var c offsync.OfflineChange
	var data, lastError, resolution sql.NullString
	var rejected int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&c.ID, &c.EntityType, &c.EntityID, &c.OperationType, &data, &c.Priority,
		&c.Status, &c.RetryCount, &lastError, &rejected, &resolution, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if data.Valid {
		if err := json.Unmarshal([]byte(data.String), &c.Data); err != nil {
			return nil, fmt.Errorf("decode payload of change %s: %w", c.ID, err)
		}
	}
	if lastError.Valid {
		msg := lastError.String
		c.LastError = &msg
	}
	if resolution.Valid {
		strategy := offsync.Strategy(resolution.String)
		c.Resolution = &strategy
	}
	c.Rejected = rejected != 0

	var parseErr error
	if c.CreatedAt, parseErr = parseTimestamp(createdAt); parseErr != nil {
		slog.Warn("offline_changes: failed to parse created_at", "value", createdAt, "error", parseErr)
	}
	if c.UpdatedAt, parseErr = parseTimestamp(updatedAt); parseErr != nil {
		slog.Warn("offline_changes: failed to parse updated_at", "value", updatedAt, "error", parseErr)
	}
	return &c, nil
}

// orderByPriority stable-sorts changes by priority and then re-seats each
// entity's changes into the slots that entity occupies, in their original
// order, so a later high priority change never overtakes an earlier change
// to the same entity.
func orderByPriority(fifo []offsync.OfflineChange) []offsync.OfflineChange {
	ordered := make([]offsync.OfflineChange, len(fifo))
	copy(ordered, fifo)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority.Rank() > ordered[j].Priority.Rank()
	})

	queues := make(map[string][]offsync.OfflineChange)
	for _, c := range fifo {
		queues[c.Key()] = append(queues[c.Key()], c)
	}
	for i := range ordered {
		key := ordered[i].Key()
		ordered[i] = queues[key][0]
		queues[key] = queues[key][1:]
	}
	return ordered
}

// encodeData converts a payload to a sql-friendly value.
// Returns nil for empty payloads, a JSON string otherwise.
func encodeData(data map[string]any) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
