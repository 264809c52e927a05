package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClient_Requests(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.EscapedPath(), r.Header.Get("Authorization")
		gotBody = nil
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&gotBody)
		}
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"id": "srv-1", "name": gotBody["name"]})
		default:
			json.NewEncoder(w).Encode(map[string]any{"id": "evt 1", "name": "A"})
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "secret", time.Second)
	ctx := context.Background()

	t.Run("fetch escapes path", func(t *testing.T) {
		got, err := c.Fetch(ctx, "Event", "evt 1")
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if gotMethod != http.MethodGet || gotPath != "/api/v1/entities/Event/evt%201" {
			t.Errorf("request = %s %s", gotMethod, gotPath)
		}
		if gotAuth != "Bearer secret" {
			t.Errorf("Authorization = %q", gotAuth)
		}
		if got["name"] != "A" {
			t.Errorf("unexpected body %v", got)
		}
	})

	t.Run("create without id lets server assign", func(t *testing.T) {
		got, err := c.Create(ctx, "Event", "", map[string]any{"name": "B"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if gotMethod != http.MethodPost || gotPath != "/api/v1/entities/Event" {
			t.Errorf("request = %s %s", gotMethod, gotPath)
		}
		if _, ok := gotBody["id"]; ok {
			t.Error("empty id must not be sent")
		}
		if got["id"] != "srv-1" {
			t.Errorf("id = %v", got["id"])
		}
	})

	t.Run("create with id sends it", func(t *testing.T) {
		if _, err := c.Create(ctx, "Event", "evt-9", map[string]any{"name": "B"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if gotBody["id"] != "evt-9" {
			t.Errorf("body id = %v", gotBody["id"])
		}
	})

	t.Run("update and delete", func(t *testing.T) {
		if _, err := c.Update(ctx, "Event", "evt-9", map[string]any{"name": "C"}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if gotMethod != http.MethodPut {
			t.Errorf("method = %s, want PUT", gotMethod)
		}
		if err := c.Delete(ctx, "Event", "evt-9"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if gotMethod != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", gotMethod)
		}
	})
}

func TestHTTPClient_ErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/entities/Event/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/api/v1/entities/Event/bad":
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"title":"Unprocessable Entity","detail":"name is required"}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	ctx := context.Background()

	if _, err := c.Fetch(ctx, "Event", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_, err := c.Update(ctx, "Event", "bad", map[string]any{})
	var remoteErr *Error
	if !errors.As(err, &remoteErr) || remoteErr.Message != "name is required" {
		t.Errorf("expected validation error with detail, got %v", err)
	}
	if IsTransient(err) {
		t.Error("validation failure should be permanent")
	}

	if _, err := c.Fetch(ctx, "Event", "other"); !errors.Is(err, ErrServer) || !IsTransient(err) {
		t.Errorf("expected transient server error, got %v", err)
	}
}

func TestHTTPClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(url, "", time.Second).Fetch(context.Background(), "Event", "1")
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}
