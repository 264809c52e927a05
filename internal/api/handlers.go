package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hyperengineering/offsync/internal/cache"
	"github.com/hyperengineering/offsync/internal/connectivity"
	"github.com/hyperengineering/offsync/internal/store"
	offsync "github.com/hyperengineering/offsync/internal/sync"
	"github.com/hyperengineering/offsync/internal/syncer"
	"github.com/hyperengineering/offsync/internal/validation"
	"github.com/hyperengineering/offsync/internal/worker"
)

// MaxListLimit caps GET /changes page sizes.
const MaxListLimit = 1000

// SyncService is the part of syncer.Manager the API exposes.
type SyncService interface {
	QueueOperation(ctx context.Context, op offsync.SyncOperation) (*offsync.OfflineChange, error)
	GetChange(ctx context.Context, id string) (*offsync.OfflineChange, error)
	ListChanges(ctx context.Context, filter store.ChangeFilter) ([]offsync.OfflineChange, error)
	RetryChange(ctx context.Context, id string) error
	RetryAllFailed(ctx context.Context) (int64, error)
	ResolveManually(ctx context.Context, id string, strategy offsync.Strategy) error
	Discard(ctx context.Context, id string) error
	Status(ctx context.Context) (*syncer.Status, error)
	Cache() *cache.Manager
}

// SyncScheduler is the part of worker.Scheduler the API exposes.
type SyncScheduler interface {
	ScheduleImmediateSync()
	Status() worker.SchedulerStatus
}

// ConnectivityReporter reports the current network state and carries the
// metered-network override.
type ConnectivityReporter interface {
	Current() connectivity.State
	IsSuitableForSync() bool
	AllowMetered() bool
	SetAllowMetered(allow bool)
}

// Handler implements the API handlers
type Handler struct {
	sync      SyncService
	scheduler SyncScheduler
	conn      ConnectivityReporter
	events    *Hub
	metrics   http.Handler
	apiKey    string
	version   string
}

// NewHandler creates a Handler. events and metrics may be nil, in which case
// the corresponding routes are not mounted.
func NewHandler(s SyncService, sched SyncScheduler, conn ConnectivityReporter, events *Hub, metrics http.Handler, apiKey, version string) *Handler {
	return &Handler{
		sync:      s,
		scheduler: sched,
		conn:      conn,
		events:    events,
		metrics:   metrics,
		apiKey:    apiKey,
		version:   version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Pending int    `json:"pending"`
	Failed  int    `json:"failed"`
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st, err := h.sync.Status(r.Context())
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Pending: st.Counts.Pending,
		Failed:  st.Counts.Failed,
	})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	*syncer.Status
	Scheduler    worker.SchedulerStatus `json:"scheduler"`
	Connectivity connectivity.State     `json:"connectivity"`
	Version      string                 `json:"version"`
}

// Status handles GET /api/v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.sync.Status(r.Context())
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	resp := StatusResponse{Status: st, Version: h.version}
	if h.scheduler != nil {
		resp.Scheduler = h.scheduler.Status()
	}
	if h.conn != nil {
		resp.Connectivity = h.conn.Current()
	}
	writeJSON(w, http.StatusOK, resp)
}

// QueueRequest is the body of POST /changes.
type QueueRequest struct {
	EntityType string                `json:"entity_type"`
	EntityID   string                `json:"entity_id"`
	Type       offsync.OperationType `json:"type"`
	Data       map[string]any        `json:"data"`
	Priority   offsync.Priority      `json:"priority"`
	// SyncNow requests an immediate pass after queueing.
	SyncNow bool `json:"sync_now"`
}

// QueueChange handles POST /api/v1/changes
func (h *Handler) QueueChange(w http.ResponseWriter, r *http.Request) {
	var req QueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	op := offsync.SyncOperation{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Type:       req.Type,
		Data:       req.Data,
		Priority:   req.Priority,
	}
	if errs := validation.ValidateOperation(op); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Operation contains invalid fields", errs)
		return
	}

	change, err := h.sync.QueueOperation(r.Context(), op)
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	if req.SyncNow && h.scheduler != nil {
		h.scheduler.ScheduleImmediateSync()
	}

	w.Header().Set("Location", "/api/v1/changes/"+change.ID)
	writeJSON(w, http.StatusCreated, change)
}

// ChangeList is the body of GET /changes.
type ChangeList struct {
	Changes []offsync.OfflineChange `json:"changes"`
	Count   int                     `json:"count"`
}

// ListChanges handles GET /api/v1/changes?status=&entity_type=&entity_id=&limit=
func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var c validation.Collector
	c.Add(validation.ValidateStatusFilter("status", q.Get("status")))
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxListLimit {
			c.Add(&validation.ValidationError{
				Field:   "limit",
				Message: fmt.Sprintf("must be an integer between 1 and %d", MaxListLimit),
			})
		}
		limit = n
	}
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Invalid query parameters", c.Errors())
		return
	}

	changes, err := h.sync.ListChanges(r.Context(), store.ChangeFilter{
		Status:     offsync.ChangeStatus(q.Get("status")),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Limit:      limit,
	})
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	if changes == nil {
		changes = []offsync.OfflineChange{}
	}
	writeJSON(w, http.StatusOK, ChangeList{Changes: changes, Count: len(changes)})
}

// GetChange handles GET /api/v1/changes/{id}
func (h *Handler) GetChange(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MustChangeFromContext(r.Context()))
}

// RetryChange handles POST /api/v1/changes/{id}/retry
func (h *Handler) RetryChange(w http.ResponseWriter, r *http.Request) {
	c := MustChangeFromContext(r.Context())
	if err := h.sync.RetryChange(r.Context(), c.ID); err != nil {
		MapSyncError(w, r, err)
		return
	}
	h.respondWithChange(w, r, c.ID, http.StatusOK)
}

// RetryAllResponse is the body of POST /changes/retry.
type RetryAllResponse struct {
	Requeued int64 `json:"requeued"`
}

// RetryAllFailed handles POST /api/v1/changes/retry
func (h *Handler) RetryAllFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.sync.RetryAllFailed(r.Context())
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	if n > 0 && h.scheduler != nil {
		h.scheduler.ScheduleImmediateSync()
	}
	writeJSON(w, http.StatusOK, RetryAllResponse{Requeued: n})
}

// ResolveRequest is the body of POST /changes/{id}/resolve.
type ResolveRequest struct {
	Strategy string `json:"strategy"`
}

// ResolveChange handles POST /api/v1/changes/{id}/resolve
func (h *Handler) ResolveChange(w http.ResponseWriter, r *http.Request) {
	c := MustChangeFromContext(r.Context())

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	strategy, err := offsync.ParseStrategy(req.Strategy)
	if err != nil {
		WriteProblemWithErrors(w, r, "Invalid resolution", []validation.ValidationError{{
			Field:   "strategy",
			Message: "must be one of: USE_LOCAL, USE_SERVER",
		}})
		return
	}

	if err := h.sync.ResolveManually(r.Context(), c.ID, strategy); err != nil {
		MapSyncError(w, r, err)
		return
	}
	h.respondWithChange(w, r, c.ID, http.StatusOK)
}

// DiscardChange handles DELETE /api/v1/changes/{id}
func (h *Handler) DiscardChange(w http.ResponseWriter, r *http.Request) {
	c := MustChangeFromContext(r.Context())
	if err := h.sync.Discard(r.Context(), c.ID); err != nil {
		MapSyncError(w, r, err)
		return
	}
	slog.Info("change discarded",
		"component", "api",
		"change_id", c.ID,
		"entity_type", c.EntityType,
		"entity_id", c.EntityID,
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondWithChange(w http.ResponseWriter, r *http.Request, id string, status int) {
	updated, err := h.sync.GetChange(r.Context(), id)
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	writeJSON(w, status, updated)
}
