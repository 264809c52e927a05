// Package e2e drives a fully wired daemon through the public client.
package e2e

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/offsync/internal/api"
	"github.com/hyperengineering/offsync/internal/cache"
	"github.com/hyperengineering/offsync/internal/conflict"
	"github.com/hyperengineering/offsync/internal/connectivity"
	"github.com/hyperengineering/offsync/internal/metrics"
	"github.com/hyperengineering/offsync/internal/remote"
	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/internal/syncer"
	"github.com/hyperengineering/offsync/internal/worker"
	"github.com/hyperengineering/offsync/pkg/client"
)

const testAPIKey = "e2e-secret"

// daemon is an in-process stack wired the way cmd/offsync wires it, with an
// in-memory backend and a switchable network.
type daemon struct {
	client    *client.Client
	remote    *remote.Memory
	network   *connectivity.Static
	monitor   *connectivity.Monitor
	store     *store.SQLiteStore
	scheduler *worker.Scheduler
	hub       *api.Hub
	srv       *httptest.Server
}

type daemonOption func(*daemonOptions)

type daemonOptions struct {
	resolver *conflict.Resolver
	dbPath   string
}

func withResolver(r *conflict.Resolver) daemonOption {
	return func(o *daemonOptions) { o.resolver = r }
}

func withDBPath(path string) daemonOption {
	return func(o *daemonOptions) { o.dbPath = path }
}

func startDaemon(t *testing.T, backend *remote.Memory, opts ...daemonOption) *daemon {
	t.Helper()
	o := &daemonOptions{dbPath: filepath.Join(t.TempDir(), "offsync.db")}
	for _, opt := range opts {
		opt(o)
	}
	if backend == nil {
		backend = remote.NewMemory()
	}

	db, err := store.NewSQLiteStore(o.dbPath, store.WithPriorityOrdering(true))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	hub := api.NewHub()
	recorder := metrics.Multi{metrics.NewLogRecorder(nil), hub}

	network := connectivity.NewStatic(connectivity.Online(connectivity.NetworkWiFi))
	monitor := connectivity.NewMonitor(network, connectivity.WithRecorder(recorder))
	monitor.Refresh(context.Background())

	manager := syncer.NewManager(db, backend, o.resolver, cache.New(cache.WithRecorder(recorder)), monitor,
		syncer.WithRecorder(recorder),
		syncer.WithMaxRetries(3),
	)

	scheduler := worker.NewScheduler(manager, monitor, db, 10*time.Second)
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}

	srv := httptest.NewServer(api.NewRouter(api.NewHandler(manager, scheduler, monitor, hub, nil, testAPIKey, "e2e")))

	c, err := client.New(client.Config{BaseURL: srv.URL, APIKey: testAPIKey, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	d := &daemon{
		client:    c,
		remote:    backend,
		network:   network,
		monitor:   monitor,
		store:     db,
		scheduler: scheduler,
		hub:       hub,
		srv:       srv,
	}
	t.Cleanup(d.stop)
	return d
}

// stop shuts down in the same order as the daemon: HTTP, scheduler, store.
// It is safe to call more than once.
func (d *daemon) stop() {
	if d.srv == nil {
		return
	}
	d.hub.Close()
	d.srv.Close()
	d.scheduler.Stop()
	d.store.Close()
	d.srv = nil
}

func (d *daemon) setOnline(online bool) {
	if online {
		d.network.Set(connectivity.Online(connectivity.NetworkWiFi))
	} else {
		d.network.Set(connectivity.Offline)
	}
	d.monitor.Refresh(context.Background())
}

func (d *daemon) queue(t *testing.T, op client.Operation) *client.Change {
	t.Helper()
	c, err := d.client.Queue(context.Background(), op)
	if err != nil {
		t.Fatalf("queue %+v: %v", op, err)
	}
	return c
}

func (d *daemon) change(t *testing.T, id string) *client.Change {
	t.Helper()
	c, err := d.client.GetChange(context.Background(), id)
	if err != nil {
		t.Fatalf("get change %s: %v", id, err)
	}
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (d *daemon) waitStatus(t *testing.T, id string, want client.Status) *client.Change {
	t.Helper()
	var last *client.Change
	waitFor(t, "change "+id+" to reach "+string(want), func() bool {
		last = d.change(t, id)
		return last.Status == want
	})
	return last
}

// waitIdle waits until no pass is running or requested.
func (d *daemon) waitIdle(t *testing.T) {
	t.Helper()
	waitFor(t, "scheduler to go idle", func() bool {
		st := d.scheduler.Status()
		return !st.Pending && !st.PassInProgress
	})
}
