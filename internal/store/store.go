package store

import (
	"context"
	"time"

	offsync "github.com/hyperengineering/offsync/internal/sync"
)

// Tracker defines the contract of the durable offline change log.
type Tracker interface {
	TrackChange(ctx context.Context, entityType, entityID string, op offsync.OperationType, data map[string]any, priority offsync.Priority) (*offsync.OfflineChange, error)
	GetChange(ctx context.Context, id string) (*offsync.OfflineChange, error)
	GetPendingChanges(ctx context.Context) ([]offsync.OfflineChange, error)
	GetFailedChanges(ctx context.Context) ([]offsync.OfflineChange, error)
	GetChangesByEntityType(ctx context.Context, entityType string) ([]offsync.OfflineChange, error)
	ListChanges(ctx context.Context, filter ChangeFilter) ([]offsync.OfflineChange, error)
	MarkAsSyncing(ctx context.Context, id string) error
	MarkAsSynced(ctx context.Context, id string) error
	MarkAsFailed(ctx context.Context, id, errorMessage string) error
	MarkAsRejected(ctx context.Context, id, errorMessage string) error
	ResetToPending(ctx context.Context, id string) error
	RecoverSyncing(ctx context.Context) (int64, error)
	RequeueFailed(ctx context.Context, maxRetries int) (int64, error)
	RetryChange(ctx context.Context, id string) error
	RetryAllFailed(ctx context.Context) (int64, error)
	SetResolution(ctx context.Context, id string, strategy offsync.Strategy) error
	AssignServerID(ctx context.Context, entityType, placeholderID, serverID string) (int64, error)
	DeleteChange(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (*offsync.StatusCounts, error)
	PruneSynced(ctx context.Context, cutoff time.Time, auditDir string) (*PruneResult, error)
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
	Close() error
}

// ChangeFilter narrows ListChanges. Empty fields match everything.
type ChangeFilter struct {
	Status     offsync.ChangeStatus
	EntityType string
	EntityID   string
	Limit      int
}

// PruneResult describes one retention pass over SYNCED changes.
type PruneResult struct {
	ExportPath string
	Exported   int64
	Deleted    int64
}
