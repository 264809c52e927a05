package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/offsync/internal/api"
	"github.com/hyperengineering/offsync/internal/audit"
	"github.com/hyperengineering/offsync/internal/cache"
	"github.com/hyperengineering/offsync/internal/config"
	"github.com/hyperengineering/offsync/internal/conflict"
	"github.com/hyperengineering/offsync/internal/connectivity"
	"github.com/hyperengineering/offsync/internal/metrics"
	"github.com/hyperengineering/offsync/internal/remote"
	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/internal/syncer"
	"github.com/hyperengineering/offsync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "offsync",
	Short:         "offsync - offline change queue and sync daemon",
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(changesCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(syncCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	slog.SetDefault(newLogger(cfg.Log))
	slog.Info("logger initialized", "level", cfg.Log.Level, "dev_mode", cfg.DevMode)

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	recovered, err := db.RecoverSyncing(ctx)
	if err != nil {
		db.Close()
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path, "recovered_syncing", recovered)

	// Event fan-out: Prometheus counters, structured log lines and websocket
	// subscribers all see the same stream.
	prom := metrics.NewPrometheus()
	hub := api.NewHub()
	recorder := metrics.Multi{prom, metrics.NewLogRecorder(nil), hub}

	monitor := connectivity.NewMonitor(newConnectivitySource(cfg),
		connectivity.WithInterval(time.Duration(cfg.Connectivity.ProbeInterval)),
		connectivity.WithAllowMetered(cfg.Connectivity.AllowMetered),
		connectivity.WithRecorder(recorder),
	)
	monitor.Refresh(ctx)
	slog.Info("connectivity monitor initialized", "state", monitor.Current())

	entityCache := cache.New(cache.WithRecorder(recorder))
	manager := syncer.NewManager(db, newRemote(cfg), newResolver(cfg.Sync), entityCache, monitor,
		managerOptions(cfg, recorder)...)
	slog.Info("sync manager initialized", "concurrency", cfg.Sync.Concurrency)

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "connectivity", monitor.Run)
	startWorker(ctx, &wg, "cache-sweeper", func(ctx context.Context) {
		entityCache.RunSweeper(ctx, time.Duration(cfg.Cache.SweepInterval))
	})
	if cfg.Retention.Mode == config.RetentionRetain {
		uploader, err := audit.NewUploader(cfg.AuditStorage)
		if err != nil {
			db.Close()
			return err
		}
		retention := worker.NewRetentionCoordinator(db, uploader,
			time.Duration(cfg.Retention.Interval),
			time.Duration(cfg.Retention.Period),
			cfg.Retention.AuditDir,
		)
		startWorker(ctx, &wg, "retention", retention.Run)
	}

	scheduler := worker.NewScheduler(manager, monitor, db, time.Duration(cfg.Sync.PassTimeout))
	if err := scheduler.Start(ctx); err != nil {
		db.Close()
		return err
	}
	// A persisted interval from an earlier run wins over the configured default.
	if scheduler.Interval() == 0 {
		if err := scheduler.SchedulePeriodicSync(ctx, time.Duration(cfg.Sync.PeriodicInterval)); err != nil {
			slog.Error("failed to schedule periodic sync", "error", err)
		}
	}
	scheduler.ScheduleImmediateSync()
	slog.Info("scheduler started", "interval", scheduler.Interval().String())

	handler := api.NewHandler(manager, scheduler, monitor, hub, prom.Handler(), cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Stop cancels an in-flight pass; its changes return to PENDING on the
	// next start.
	scheduler.Stop()
	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	opts := []store.Option{store.WithPriorityOrdering(cfg.Sync.PriorityOrdering)}
	if cfg.Retention.Mode == config.RetentionDelete {
		opts = append(opts, store.WithDeleteOnSync())
	}
	return store.NewSQLiteStore(cfg.Database.Path, opts...)
}

// newRemote returns the backend client. Dev mode without a URL syncs against
// an in-memory backend.
func newRemote(cfg *config.Config) remote.API {
	if cfg.DevMode && cfg.Remote.BaseURL == "" {
		slog.Warn("using in-memory remote", "component", "remote")
		return remote.NewMemory()
	}
	return remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, time.Duration(cfg.Remote.Timeout))
}

func newConnectivitySource(cfg *config.Config) connectivity.Source {
	if cfg.DevMode && cfg.Connectivity.ProbeURL == "" {
		return connectivity.NewStatic(connectivity.Online(connectivity.NetworkEthernet))
	}
	return connectivity.NewProbeSource(cfg.Connectivity.ProbeURL)
}

func managerOptions(cfg *config.Config, recorder metrics.Recorder) []syncer.Option {
	return []syncer.Option{
		syncer.WithRecorder(recorder),
		syncer.WithMaxRetries(cfg.Sync.MaxRetries),
		syncer.WithConcurrency(cfg.Sync.Concurrency),
		syncer.WithPlaceholderPrefix(cfg.Sync.PlaceholderPrefix),
		syncer.WithFetchTTL(time.Duration(cfg.Cache.DefaultTTL)),
	}
}

func newResolver(cfg config.SyncConfig) *conflict.Resolver {
	var opts []conflict.Option
	if len(cfg.TimestampFields) > 0 {
		opts = append(opts, conflict.WithTimestampFields(cfg.TimestampFields...))
	}
	if len(cfg.ManualEntityTypes) > 0 {
		opts = append(opts, conflict.WithManualEntityTypes(cfg.ManualEntityTypes...))
	}
	return conflict.NewResolver(opts...)
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
