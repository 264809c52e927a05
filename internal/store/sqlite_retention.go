package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	offsync "github.com/hyperengineering/offsync/internal/sync"
)

// PruneSynced exports SYNCED changes last updated before cutoff to a
// snappy-framed JSONL file in auditDir and then deletes them.
// The export is written and synced before any row is removed.
func (s *SQLiteStore) PruneSynced(ctx context.Context, cutoff time.Time, auditDir string) (*PruneResult, error) {
	changes, err := s.queryChanges(ctx, "list prunable changes",
		`WHERE status = ? AND updated_at < ? ORDER BY sequence ASC`,
		string(offsync.StatusSynced), cutoff.UTC().Format(timeFormat))
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return &PruneResult{}, nil
	}

	if err := os.MkdirAll(auditDir, 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	path := filepath.Join(auditDir, fmt.Sprintf("synced-%s.jsonl.sz", s.now().UTC().Format("20060102T150405.000000000")))
	if err := writeAuditExport(path, changes); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageError("begin prune transaction", err)
	}
	defer tx.Rollback()

	var deleted int64
	for _, c := range changes {
		result, err := tx.ExecContext(ctx, `DELETE FROM offline_changes WHERE id = ? AND status = 'SYNCED'`, c.ID)
		if err != nil {
			return nil, storageError("delete synced change", err)
		}
		n, _ := result.RowsAffected()
		deleted += n
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)`,
		offsync.SyncMetaLastPruneAt, s.timestamp()); err != nil {
		return nil, storageError("record prune time", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageError("commit prune transaction", err)
	}

	return &PruneResult{
		ExportPath: path,
		Exported:   int64(len(changes)),
		Deleted:    deleted,
	}, nil
}

func writeAuditExport(path string, changes []offsync.OfflineChange) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create audit export: %w", err)
	}
	defer f.Close()

	w := snappy.NewBufferedWriter(f)
	enc := json.NewEncoder(w)
	for i := range changes {
		if err := enc.Encode(&changes[i]); err != nil {
			return fmt.Errorf("encode audit record: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("flush audit export: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync audit export: %w", err)
	}
	return nil
}
