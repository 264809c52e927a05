package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient implements API against a REST backend exposing
// /api/v1/entities/{type} and /api/v1/entities/{type}/{id}.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates an HTTPClient. timeout bounds each request.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPClient) entityPath(entityType, entityID string) string {
	p := "/api/v1/entities/" + url.PathEscape(entityType)
	if entityID != "" {
		p += "/" + url.PathEscape(entityID)
	}
	return p
}

// Fetch implements API.
func (c *HTTPClient) Fetch(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, c.entityPath(entityType, entityID), nil)
}

// Create implements API.
func (c *HTTPClient) Create(ctx context.Context, entityType, entityID string, data map[string]any) (map[string]any, error) {
	body := make(map[string]any, len(data)+1)
	for k, v := range data {
		body[k] = v
	}
	if entityID != "" {
		body[IDField] = entityID
	}
	return c.do(ctx, http.MethodPost, c.entityPath(entityType, ""), body)
}

// Update implements API.
func (c *HTTPClient) Update(ctx context.Context, entityType, entityID string, data map[string]any) (map[string]any, error) {
	return c.do(ctx, http.MethodPut, c.entityPath(entityType, entityID), data)
}

// Delete implements API.
func (c *HTTPClient) Delete(ctx context.Context, entityType, entityID string) error {
	_, err := c.do(ctx, http.MethodDelete, c.entityPath(entityType, entityID), nil)
	return err
}

// Ping checks the backend health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: ErrValidation, Message: "encode request body", Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &Error{Kind: ErrNetwork, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &Error{Kind: ErrNetwork, Status: resp.StatusCode, Message: "read response body", Err: err}
	}

	if resp.StatusCode >= 300 {
		return nil, FromStatus(resp.StatusCode, problemDetail(raw))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Kind: ErrServer, Status: resp.StatusCode, Message: "decode response body", Err: err}
	}
	return out, nil
}

// problemDetail extracts a human-readable message from an RFC 7807 body, or
// returns the raw text.
func problemDetail(raw []byte) string {
	var p struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &p); err == nil {
		if p.Detail != "" {
			return p.Detail
		}
		if p.Title != "" {
			return p.Title
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
