package metrics

import (
	"log/slog"
)

// LogRecorder writes events to slog. Cache hits and misses go to debug.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder returns a recorder logging through logger, or slog.Default when nil.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

// Record logs e.
func (l *LogRecorder) Record(e Event) {
	attrs := []any{"component", "sync", "event", string(e.Type)}
	if e.ChangeID != "" {
		attrs = append(attrs, "change_id", e.ChangeID, "entity_type", e.EntityType, "entity_id", e.EntityID)
	}
	if e.Operation != "" {
		attrs = append(attrs, "operation", e.Operation)
	}
	if e.Strategy != "" {
		attrs = append(attrs, "strategy", e.Strategy)
	}
	if e.Pass != nil {
		attrs = append(attrs,
			"attempted", e.Pass.Attempted,
			"succeeded", e.Pass.Succeeded,
			"failed", e.Pass.Failed,
			"deferred", e.Pass.Deferred,
			"duration_ms", e.Pass.Duration.Milliseconds(),
		)
	}
	for k, v := range e.Attrs {
		attrs = append(attrs, k, v)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}

	switch e.Type {
	case CacheHit, CacheMiss, CacheEviction, CacheExpired, PassStarted:
		l.logger.Debug("sync event", attrs...)
	case ItemFailed, PassFailed, ConflictManual:
		l.logger.Warn("sync event", attrs...)
	default:
		l.logger.Info("sync event", attrs...)
	}
}
