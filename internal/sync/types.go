// Package sync holds the data model shared by the offline change tracker,
// the conflict resolver and the sync manager.
package sync

import (
	"fmt"
	"time"
)

// OperationType is the kind of mutation a SyncOperation requests.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Priority orders pending changes when priority ordering is enabled.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Rank returns a sortable weight; higher syncs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// ChangeStatus is the lifecycle state of an OfflineChange.
type ChangeStatus string

const (
	StatusPending ChangeStatus = "PENDING"
	StatusSyncing ChangeStatus = "SYNCING"
	StatusSynced  ChangeStatus = "SYNCED"
	StatusFailed  ChangeStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s ChangeStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// SyncOperation is a requested mutation. It is treated as immutable; the
// conflict resolver returns a new value when the type has to change.
type SyncOperation struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Type       OperationType  `json:"type"`
	Data       map[string]any `json:"data,omitempty"`
	Priority   Priority       `json:"priority"`
}

// WithType returns a copy of op retyped to t.
func (op SyncOperation) WithType(t OperationType) SyncOperation {
	op.Type = t
	return op
}

// WithData returns a copy of op carrying data.
func (op SyncOperation) WithData(data map[string]any) SyncOperation {
	op.Data = data
	return op
}

// EntityKey identifies the entity a change targets.
func EntityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}

// OfflineChange is the durable record of a SyncOperation plus its lifecycle state.
type OfflineChange struct {
	ID            string         `json:"id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	OperationType OperationType  `json:"operation_type"`
	Data          map[string]any `json:"data,omitempty"`
	Priority      Priority       `json:"priority"`
	Status        ChangeStatus   `json:"status"`
	RetryCount    int            `json:"retry_count"`
	LastError     *string        `json:"last_error,omitempty"`
	// Rejected marks a permanent remote failure; automatic retry skips it.
	Rejected bool `json:"rejected,omitempty"`
	// Resolution is a user choice recorded for a MANUAL conflict.
	Resolution *Strategy `json:"resolution,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Operation rebuilds the SyncOperation embedded in the change.
func (c OfflineChange) Operation() SyncOperation {
	return SyncOperation{
		ID:         c.ID,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Type:       c.OperationType,
		Data:       c.Data,
		Priority:   c.Priority,
	}
}

// Key returns the ordering key of the change. Changes without an entity ID
// target distinct not-yet-created entities and are keyed by their own ID.
func (c OfflineChange) Key() string {
	if c.EntityID == "" {
		return "change:" + c.ID
	}
	return EntityKey(c.EntityType, c.EntityID)
}

// Strategy is the outcome class of conflict resolution.
type Strategy string

const (
	StrategyUseLocal  Strategy = "USE_LOCAL"
	StrategyUseServer Strategy = "USE_SERVER"
	StrategyMerge     Strategy = "MERGE"
	StrategyManual    Strategy = "MANUAL"
)

// ParseStrategy validates a user-supplied manual resolution choice.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyUseLocal, StrategyUseServer:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unsupported resolution strategy %q", s)
}

// ConflictResolution is the resolver's decision for one change.
type ConflictResolution struct {
	Strategy   Strategy       `json:"strategy"`
	Operation  SyncOperation  `json:"operation"`
	ServerData map[string]any `json:"server_data,omitempty"`
}

// PassResult summarises one sync pass.
type PassResult struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Attempted  int           `json:"attempted"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Deferred   int           `json:"deferred"`
	Requeued   int           `json:"requeued"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// StatusCounts is the number of changes in each lifecycle state.
type StatusCounts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

// SyncMeta keys
const (
	SyncMetaSchemaVersion    = "schema_version"
	SyncMetaPeriodicInterval = "periodic_sync_interval"
	SyncMetaLastPassAt       = "last_pass_at"
	SyncMetaLastPruneAt      = "last_prune_at"
)
