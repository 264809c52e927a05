package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/offsync/internal/cache"
	"github.com/hyperengineering/offsync/internal/connectivity"
	"github.com/hyperengineering/offsync/internal/validation"
	"github.com/hyperengineering/offsync/internal/worker"
)

// TriggerResponse is the body of POST /sync.
type TriggerResponse struct {
	Scheduled bool                   `json:"scheduled"`
	Scheduler worker.SchedulerStatus `json:"scheduler"`
}

// TriggerSync handles POST /api/v1/sync. The pass runs asynchronously once
// connectivity allows; progress is visible on /status and /events.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Scheduler is not running")
		return
	}
	h.scheduler.ScheduleImmediateSync()
	slog.Info("immediate sync requested",
		"component", "api",
		"request_id", GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, TriggerResponse{
		Scheduled: true,
		Scheduler: h.scheduler.Status(),
	})
}

// ConnectivityResponse is the body of GET and PUT /connectivity.
type ConnectivityResponse struct {
	State        connectivity.State `json:"state"`
	AllowMetered bool               `json:"allow_metered"`
	Suitable     bool               `json:"suitable"`
}

// ConnectivityRequest is the body of PUT /connectivity.
type ConnectivityRequest struct {
	AllowMetered *bool `json:"allow_metered"`
}

// Connectivity handles GET /api/v1/connectivity
func (h *Handler) Connectivity(w http.ResponseWriter, r *http.Request) {
	if h.conn == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Connectivity monitor is not running")
		return
	}
	writeJSON(w, http.StatusOK, h.connectivityResponse())
}

// SetConnectivity handles PUT /api/v1/connectivity. Allowing metered sync
// starts any pass that was deferred on a metered network.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	if h.conn == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Connectivity monitor is not running")
		return
	}
	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.AllowMetered == nil {
		WriteProblemWithErrors(w, r, "Validation failed", []validation.ValidationError{{
			Field:   "allow_metered",
			Message: "is required",
		}})
		return
	}

	h.conn.SetAllowMetered(*req.AllowMetered)
	slog.Info("metered sync override set",
		"component", "api",
		"allow_metered", *req.AllowMetered,
		"request_id", GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusOK, h.connectivityResponse())
}

func (h *Handler) connectivityResponse() ConnectivityResponse {
	return ConnectivityResponse{
		State:        h.conn.Current(),
		AllowMetered: h.conn.AllowMetered(),
		Suitable:     h.conn.IsSuitableForSync(),
	}
}

// CacheStats handles GET /api/v1/cache/stats
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.Cache().Stats())
}

// InvalidateRequest is the body of POST /cache/invalidate. Exactly one
// selector must be set.
type InvalidateRequest struct {
	Tag        string `json:"tag,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	All        bool   `json:"all,omitempty"`
}

// InvalidateResponse reports how many entries were removed.
type InvalidateResponse struct {
	Removed int `json:"removed"`
}

// InvalidateCache handles POST /api/v1/cache/invalidate
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	selectors := 0
	for _, set := range []bool{req.Tag != "", req.Pattern != "", req.EntityType != "", req.All} {
		if set {
			selectors++
		}
	}
	if selectors != 1 {
		WriteProblemWithErrors(w, r, "Exactly one selector is required", []validation.ValidationError{{
			Field:   "tag",
			Message: "set exactly one of tag, pattern, entity_type or all",
		}})
		return
	}

	c := h.sync.Cache()
	var removed int
	switch {
	case req.All:
		removed = c.Stats().Size
		c.Clear()
	case req.Tag != "":
		removed = c.Invalidate(cache.Tag{Name: req.Tag})
	case req.Pattern != "":
		inv, err := cache.CompilePattern(req.Pattern)
		if err != nil {
			WriteProblemWithErrors(w, r, "Invalid pattern", []validation.ValidationError{{
				Field:   "pattern",
				Message: err.Error(),
			}})
			return
		}
		removed = c.Invalidate(inv)
	default:
		if req.EntityID == "" {
			removed = c.Invalidate(cache.Tag{Name: cache.CollectionTag(req.EntityType)})
		} else {
			removed = c.InvalidateEntity(req.EntityType, req.EntityID)
		}
	}

	slog.Info("cache invalidated",
		"component", "api",
		"removed", removed,
	)
	writeJSON(w, http.StatusOK, InvalidateResponse{Removed: removed})
}
