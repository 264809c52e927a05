// Package conflict decides how a pending local operation is reconciled with
// the server's current view of the same entity. It performs no I/O.
package conflict

import (
	"fmt"
	"strconv"
	"time"

	offsync "github.com/hyperengineering/offsync/internal/sync"
)

// DefaultTimestampFields are the payload keys merged by taking the newer value.
var DefaultTimestampFields = []string{"updatedAt", "updated_at", "modifiedAt", "lastModified"}

// Resolver maps (local operation, optional server snapshot) to a ConflictResolution.
type Resolver struct {
	timestampFields map[string]bool
	manualTypes     map[string]bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimestampFields replaces the recognised timestamp keys.
func WithTimestampFields(fields ...string) Option {
	return func(r *Resolver) {
		r.timestampFields = toSet(fields)
	}
}

// WithManualEntityTypes lists entity types whose concurrent server edits
// must be resolved by the user instead of merged automatically.
func WithManualEntityTypes(types ...string) Option {
	return func(r *Resolver) {
		r.manualTypes = toSet(types)
	}
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		timestampFields: toSet(DefaultTimestampFields),
		manualTypes:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve dispatches to the resolution rule for the operation's type.
func (r *Resolver) Resolve(op offsync.SyncOperation, serverData map[string]any) (offsync.ConflictResolution, error) {
	switch op.Type {
	case offsync.OperationCreate:
		return r.ResolveCreateConflict(op, serverData), nil
	case offsync.OperationUpdate:
		return r.ResolveUpdateConflict(op, serverData), nil
	case offsync.OperationDelete:
		return r.ResolveDeleteConflict(op, serverData), nil
	}
	return offsync.ConflictResolution{}, fmt.Errorf("resolve: unknown operation type %q", op.Type)
}

// ResolveCreateConflict applies a CREATE as-is when the entity does not exist
// remotely. When it already exists (typically a create that succeeded but was
// never acknowledged) the create is turned into an UPDATE of the existing
// record carrying the merged payload, so the entity is never created twice.
func (r *Resolver) ResolveCreateConflict(op offsync.SyncOperation, serverData map[string]any) offsync.ConflictResolution {
	if serverData == nil {
		return offsync.ConflictResolution{
			Strategy:  offsync.StrategyUseLocal,
			Operation: op,
		}
	}
	return offsync.ConflictResolution{
		Strategy:   offsync.StrategyMerge,
		Operation:  op.WithType(offsync.OperationUpdate).WithData(r.MergeData(op.Data, serverData)),
		ServerData: serverData,
	}
}

// ResolveUpdateConflict recreates the entity when the server no longer has
// it, and otherwise merges local fields over the server snapshot.
func (r *Resolver) ResolveUpdateConflict(op offsync.SyncOperation, serverData map[string]any) offsync.ConflictResolution {
	if serverData == nil {
		return offsync.ConflictResolution{
			Strategy:  offsync.StrategyUseLocal,
			Operation: op.WithType(offsync.OperationCreate),
		}
	}
	if r.manualTypes[op.EntityType] && r.serverIsNewer(op.Data, serverData) {
		return offsync.ConflictResolution{
			Strategy:   offsync.StrategyManual,
			Operation:  op,
			ServerData: serverData,
		}
	}
	return offsync.ConflictResolution{
		Strategy:   offsync.StrategyMerge,
		Operation:  op.WithData(r.MergeData(op.Data, serverData)),
		ServerData: serverData,
	}
}

// ResolveDeleteConflict skips the remote call when the entity is already gone.
func (r *Resolver) ResolveDeleteConflict(op offsync.SyncOperation, serverData map[string]any) offsync.ConflictResolution {
	if serverData == nil {
		return offsync.ConflictResolution{
			Strategy:  offsync.StrategyUseServer,
			Operation: op,
		}
	}
	return offsync.ConflictResolution{
		Strategy:   offsync.StrategyUseLocal,
		Operation:  op,
		ServerData: serverData,
	}
}

// MergeData merges two payloads: local values win, server values fill keys
// missing locally, and recognised timestamp fields keep the newer value.
func (r *Resolver) MergeData(localData, serverData map[string]any) map[string]any {
	merged := make(map[string]any, len(localData)+len(serverData))
	for k, v := range serverData {
		merged[k] = v
	}
	for k, v := range localData {
		merged[k] = v
	}
	for field := range r.timestampFields {
		lv, lok := localData[field]
		sv, sok := serverData[field]
		if lok && sok && compareTimestamps(sv, lv) > 0 {
			merged[field] = sv
		}
	}
	return merged
}

// serverIsNewer reports whether any shared timestamp field is newer on the server.
func (r *Resolver) serverIsNewer(localData, serverData map[string]any) bool {
	for field := range r.timestampFields {
		lv, lok := localData[field]
		sv, sok := serverData[field]
		if lok && sok && compareTimestamps(sv, lv) > 0 {
			return true
		}
	}
	return false
}

// compareTimestamps returns -1, 0 or 1. Values are compared as RFC 3339
// times when both parse, then as numbers (epoch values), then as strings.
func compareTimestamps(a, b any) int {
	as, bs := fmt.Sprint(a), fmt.Sprint(b)

	if at, err := time.Parse(time.RFC3339Nano, as); err == nil {
		if bt, err := time.Parse(time.RFC3339Nano, bs); err == nil {
			return at.Compare(bt)
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
