// Package client talks to a running offsync daemon over its HTTP API.
// Applications use it to queue offline changes and inspect sync progress
// without linking the sync engine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a handle to one daemon. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/") + "/api/v1",
		apiKey:  config.APIKey,
		http:    &http.Client{Timeout: config.Timeout},
	}, nil
}

// Health checks the daemon without authentication.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Status returns queue counts, scheduler state and connectivity.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var s DaemonStatus
	if err := c.do(ctx, http.MethodGet, "/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Queue records an offline change. It returns once the daemon has stored it.
func (c *Client) Queue(ctx context.Context, op Operation) (*Change, error) {
	var ch Change
	if err := c.do(ctx, http.MethodPost, "/changes", op, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// ListChanges returns queued changes matching opts.
func (c *Client) ListChanges(ctx context.Context, opts ListOptions) ([]Change, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.EntityType != "" {
		q.Set("entity_type", opts.EntityType)
	}
	if opts.EntityID != "" {
		q.Set("entity_id", opts.EntityID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/changes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Changes []Change `json:"changes"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Changes, nil
}

// GetChange returns one change.
func (c *Client) GetChange(ctx context.Context, id string) (*Change, error) {
	var ch Change
	if err := c.do(ctx, http.MethodGet, "/changes/"+url.PathEscape(id), nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Retry moves a FAILED change back to PENDING.
func (c *Client) Retry(ctx context.Context, id string) (*Change, error) {
	var ch Change
	if err := c.do(ctx, http.MethodPost, "/changes/"+url.PathEscape(id)+"/retry", nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// RetryAllFailed requeues every FAILED change and returns how many moved.
func (c *Client) RetryAllFailed(ctx context.Context) (int64, error) {
	var resp struct {
		Requeued int64 `json:"requeued"`
	}
	if err := c.do(ctx, http.MethodPost, "/changes/retry", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Requeued, nil
}

// Resolve records a manual conflict resolution for a held-back change.
func (c *Client) Resolve(ctx context.Context, id string, resolution Resolution) (*Change, error) {
	body := map[string]string{"strategy": string(resolution)}
	var ch Change
	if err := c.do(ctx, http.MethodPost, "/changes/"+url.PathEscape(id)+"/resolve", body, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Discard removes a change that is not currently syncing.
func (c *Client) Discard(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/changes/"+url.PathEscape(id), nil, nil)
}

// SyncNow asks the daemon to run a pass as soon as connectivity allows.
func (c *Client) SyncNow(ctx context.Context) (*SchedulerStatus, error) {
	var resp struct {
		Scheduler SchedulerStatus `json:"scheduler"`
	}
	if err := c.do(ctx, http.MethodPost, "/sync", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Scheduler, nil
}

// Connectivity returns the daemon's network state and metered override.
func (c *Client) Connectivity(ctx context.Context) (*ConnectivitySettings, error) {
	var s ConnectivitySettings
	if err := c.do(ctx, http.MethodGet, "/connectivity", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SetAllowMetered lets the daemon sync over metered networks, or stops it.
func (c *Client) SetAllowMetered(ctx context.Context, allow bool) (*ConnectivitySettings, error) {
	var s ConnectivitySettings
	body := map[string]bool{"allow_metered": allow}
	if err := c.do(ctx, http.MethodPut, "/connectivity", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CacheStats returns the daemon's cache statistics.
func (c *Client) CacheStats(ctx context.Context) (*CacheStats, error) {
	var s CacheStats
	if err := c.do(ctx, http.MethodGet, "/cache/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Invalidate drops cache entries and returns how many were removed.
func (c *Client) Invalidate(ctx context.Context, inv Invalidation) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	if err := c.do(ctx, http.MethodPost, "/cache/invalidate", inv, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsConflict reports whether err is a 409, returned when a change's state
// does not allow the action.
func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// do sends an authenticated request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
