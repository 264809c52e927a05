package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/offsync/internal/cache"
	"github.com/hyperengineering/offsync/internal/config"
	"github.com/hyperengineering/offsync/internal/connectivity"
	"github.com/hyperengineering/offsync/internal/metrics"
	"github.com/hyperengineering/offsync/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync pass and exit",
	Long:  "Push pending changes to the backend once, using the daemon's configuration. Do not run while the daemon is up.",
	Args:  cobra.NoArgs,
	RunE:  runSyncOnce,
}

func runSyncOnce(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if dbPathOverride != "" {
		cfg.Database.Path = dbPathOverride
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	monitor := connectivity.NewMonitor(newConnectivitySource(cfg),
		connectivity.WithAllowMetered(cfg.Connectivity.AllowMetered))
	monitor.Refresh(ctx)

	manager := syncer.NewManager(db, newRemote(cfg), newResolver(cfg.Sync), cache.New(), monitor,
		managerOptions(cfg, metrics.NewLogRecorder(nil))...)

	if timeout := time.Duration(cfg.Sync.PassTimeout); timeout > 0 {
		var cancelPass context.CancelFunc
		ctx, cancelPass = context.WithTimeout(ctx, timeout)
		defer cancelPass()
	}

	result, err := manager.RunPass(ctx)
	if err != nil {
		return fmt.Errorf("sync pass: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Attempted %d, succeeded %d, failed %d, deferred %d, requeued %d in %s\n",
		result.Attempted, result.Succeeded, result.Failed, result.Deferred, result.Requeued,
		result.Duration.Round(time.Millisecond))
	return nil
}
