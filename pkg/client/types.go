package client

import (
	"fmt"
	"time"
)

// OperationType is the kind of change queued against an entity.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// Priority orders pending changes within a pass.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// Status is a change's lifecycle state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSyncing Status = "SYNCING"
	StatusSynced  Status = "SYNCED"
	StatusFailed  Status = "FAILED"
)

// Resolution is a manual conflict choice.
type Resolution string

const (
	ResolutionUseLocal  Resolution = "USE_LOCAL"
	ResolutionUseServer Resolution = "USE_SERVER"
)

// Config holds the client configuration
type Config struct {
	BaseURL string        // Daemon address, e.g. http://127.0.0.1:8787
	APIKey  string        // Bearer token; empty when the daemon runs without auth
	Timeout time.Duration // Request timeout (default: 30 seconds)
}

// Operation describes a change to queue.
type Operation struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Type       OperationType  `json:"type"`
	Data       map[string]any `json:"data,omitempty"`
	Priority   Priority       `json:"priority,omitempty"`
	// SyncNow asks the daemon to start a pass once connectivity allows.
	SyncNow bool `json:"sync_now,omitempty"`
}

// Change is a queued change as reported by the daemon.
type Change struct {
	ID            string         `json:"id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	OperationType OperationType  `json:"operation_type"`
	Data          map[string]any `json:"data,omitempty"`
	Priority      Priority       `json:"priority"`
	Status        Status         `json:"status"`
	RetryCount    int            `json:"retry_count"`
	LastError     *string        `json:"last_error,omitempty"`
	Rejected      bool           `json:"rejected,omitempty"`
	Resolution    *Resolution    `json:"resolution,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ListOptions filters ListChanges. Zero values are ignored.
type ListOptions struct {
	Status     Status
	EntityType string
	EntityID   string
	Limit      int
}

// Counts is the number of changes per status.
type Counts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
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

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Expired   int64   `json:"expired"`
	Size      int     `json:"size"`
	HitRate   float64 `json:"hit_rate"`
}

// SchedulerStatus reports when passes run.
type SchedulerStatus struct {
	Running         bool          `json:"running"`
	PeriodicEnabled bool          `json:"periodic_enabled"`
	Interval        time.Duration `json:"interval,omitempty"`
	Pending         bool          `json:"pending"`
	PassInProgress  bool          `json:"pass_in_progress"`
	LastRun         *time.Time    `json:"last_run,omitempty"`
}

// Connectivity is the daemon's view of the network.
type Connectivity struct {
	Connected   bool   `json:"connected"`
	Validated   bool   `json:"validated"`
	NetworkType string `json:"network_type"`
	Metered     bool   `json:"metered"`
}

// ConnectivitySettings is the body of GET and PUT /connectivity.
type ConnectivitySettings struct {
	State        Connectivity `json:"state"`
	AllowMetered bool         `json:"allow_metered"`
	Suitable     bool         `json:"suitable"`
}

// DaemonStatus is the body of GET /status.
type DaemonStatus struct {
	Counts       Counts          `json:"counts"`
	LastPass     *PassResult     `json:"last_pass,omitempty"`
	PassRunning  bool            `json:"pass_running"`
	Suitable     bool            `json:"suitable_for_sync"`
	Cache        CacheStats      `json:"cache"`
	Scheduler    SchedulerStatus `json:"scheduler"`
	Connectivity Connectivity    `json:"connectivity"`
	Version      string          `json:"version"`
}

// Health is the body of GET /health.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Pending int    `json:"pending"`
	Failed  int    `json:"failed"`
}

// Invalidation selects cache entries to drop. Set exactly one selector.
type Invalidation struct {
	Tag        string `json:"tag,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	All        bool   `json:"all,omitempty"`
}

// FieldError is one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError is an RFC 7807 problem returned by the daemon.
type APIError struct {
	Type       string       `json:"type"`
	Title      string       `json:"title"`
	StatusCode int          `json:"status"`
	Detail     string       `json:"detail"`
	Instance   string       `json:"instance,omitempty"`
	Errors     []FieldError `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("offsync: %d %s: %s", e.StatusCode, e.Title, e.Detail)
}
