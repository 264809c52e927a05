package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/offsync/internal/metrics"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) metrics.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e metrics.Event
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatalf("decode event %q: %v", msg, err)
	}
	return e
}

func TestHub_Broadcast(t *testing.T) {
	// Given: a hub with one subscriber
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()
	conn := dialHub(t, srv, "")
	waitForClients(t, hub, 1)

	// When: an event is recorded
	hub.Record(metrics.Event{Type: metrics.ItemSynced, ChangeID: "c1", EntityType: "Event"})

	// Then: the subscriber receives it
	e := readEvent(t, conn)
	if e.Type != metrics.ItemSynced || e.ChangeID != "c1" {
		t.Errorf("event = %+v", e)
	}
}

func TestHub_TypeFilter(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()
	conn := dialHub(t, srv, "?types=pass.completed,%20item.failed")
	waitForClients(t, hub, 1)

	hub.Record(metrics.Event{Type: metrics.CacheHit})
	hub.Record(metrics.Event{Type: metrics.ItemFailed, ChangeID: "c2"})

	// Filtered events are skipped, so the first frame is the matching one.
	e := readEvent(t, conn)
	if e.Type != metrics.ItemFailed || e.ChangeID != "c2" {
		t.Errorf("event = %+v, want item.failed", e)
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()
	conn := dialHub(t, srv, "")
	waitForClients(t, hub, 1)

	conn.Close()

	waitForClients(t, hub, 0)
}

func TestHub_Close(t *testing.T) {
	// Given: a connected subscriber
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	conn := dialHub(t, srv, "")
	waitForClients(t, hub, 1)

	// When: the hub closes
	hub.Close()

	// Then: the subscriber is disconnected and new ones are turned away
	if hub.Clients() != 0 {
		t.Errorf("clients = %d after Close", hub.Clients())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected closed connection")
	}

	late := dialHub(t, srv, "")
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := late.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("late subscriber err = %v, want going-away close", err)
	}
}

func TestHub_RecordWithoutClients(t *testing.T) {
	hub := NewHub()
	hub.Record(metrics.Event{Type: metrics.PassStarted})
	if hub.Clients() != 0 {
		t.Errorf("clients = %d", hub.Clients())
	}
}

func TestParseEventFilter(t *testing.T) {
	if parseEventFilter("") != nil {
		t.Error("empty filter should be nil")
	}
	f := parseEventFilter("pass.started, ,item.synced")
	if len(f) != 2 || !f[metrics.PassStarted] || !f[metrics.ItemSynced] {
		t.Errorf("filter = %v", f)
	}
}
