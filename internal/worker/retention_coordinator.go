package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/offsync/internal/audit"
	"github.com/hyperengineering/offsync/internal/store"
)

// PruneCapableStore exports and removes old SYNCED changes.
// Implemented by store.SQLiteStore.
type PruneCapableStore interface {
	PruneSynced(ctx context.Context, cutoff time.Time, auditDir string) (*store.PruneResult, error)
}

// RetentionCoordinator periodically prunes SYNCED changes older than the
// retention period, keeping a compressed audit export of everything removed.
type RetentionCoordinator struct {
	store     PruneCapableStore
	uploader  audit.Uploader
	interval  time.Duration
	retention time.Duration
	auditDir  string
	now       func() time.Time
}

// NewRetentionCoordinator creates a retention coordinator.
// The uploader parameter is optional; if nil, exports stay on local disk.
func NewRetentionCoordinator(
	s PruneCapableStore,
	uploader audit.Uploader,
	interval time.Duration,
	retention time.Duration,
	auditDir string,
) *RetentionCoordinator {
	return &RetentionCoordinator{
		store:     s,
		uploader:  uploader,
		interval:  interval,
		retention: retention,
		auditDir:  auditDir,
		now:       time.Now,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
// The first prune happens after one interval so startup stays light.
func (c *RetentionCoordinator) Run(ctx context.Context) {
	if c.interval <= 0 {
		slog.Warn("retention coordinator disabled",
			"component", "worker",
			"worker", "retention-coordinator",
			"interval", c.interval.String(),
		)
		return
	}
	slog.Info("retention coordinator started",
		"component", "worker",
		"worker", "retention-coordinator",
		"interval", c.interval.String(),
		"retention", c.retention.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention coordinator stopped",
				"component", "worker",
				"worker", "retention-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs a single retention cycle. Upload failures are logged and do
// not fail the cycle; the export stays in the audit directory.
func (c *RetentionCoordinator) PruneOnce(ctx context.Context) (*store.PruneResult, error) {
	start := c.now()
	cutoff := start.Add(-c.retention)

	result, err := c.store.PruneSynced(ctx, cutoff, c.auditDir)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("retention prune failed",
				"component", "worker",
				"worker", "retention-coordinator",
				"error", err,
			)
		}
		return nil, err
	}

	if result.Exported == 0 {
		slog.Debug("no synced changes to prune",
			"component", "worker",
			"worker", "retention-coordinator",
		)
		return result, nil
	}

	slog.Info("retention prune completed",
		"component", "worker",
		"worker", "retention-coordinator",
		"export_path", result.ExportPath,
		"entries_exported", result.Exported,
		"entries_deleted", result.Deleted,
		"duration_ms", c.now().Sub(start).Milliseconds(),
	)

	if c.uploader != nil {
		key, err := c.uploader.Upload(ctx, result.ExportPath)
		if err != nil {
			slog.Warn("audit export upload failed",
				"component", "worker",
				"worker", "retention-coordinator",
				"export_path", result.ExportPath,
				"error", err,
			)
		} else if key != "" {
			slog.Info("audit export uploaded",
				"component", "worker",
				"worker", "retention-coordinator",
				"object_key", key,
			)
		}
	}

	return result, nil
}
