package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/offsync/internal/store"
	offsync "github.com/hyperengineering/offsync/internal/sync"
	"github.com/hyperengineering/offsync/internal/validation"
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Inspect and manage queued offline changes",
	Long:  "List, retry, resolve, and discard changes in the local change log without running the daemon.",
}

var (
	listStatus     string
	listEntityType string
	listLimit      int
	retryAll       bool
	discardForce   bool
)

var changesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued changes",
	Args:  cobra.NoArgs,
	RunE:  runChangesList,
}

var changesRetryCmd = &cobra.Command{
	Use:   "retry [change-id]",
	Short: "Move FAILED changes back to PENDING",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runChangesRetry,
}

var changesResolveCmd = &cobra.Command{
	Use:   "resolve <change-id> <USE_LOCAL|USE_SERVER>",
	Short: "Record a manual conflict resolution",
	Args:  cobra.ExactArgs(2),
	RunE:  runChangesResolve,
}

var changesDiscardCmd = &cobra.Command{
	Use:   "discard <change-id>",
	Short: "Remove a change from the queue",
	Long:  "Permanently remove a change that is not currently syncing. Requires --force or interactive confirmation.",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesDiscard,
}

func init() {
	changesListCmd.Flags().StringVar(&listStatus, "status", "",
		"Filter by status (PENDING, SYNCING, SYNCED, FAILED)")
	changesListCmd.Flags().StringVar(&listEntityType, "entity-type", "",
		"Filter by entity type")
	changesListCmd.Flags().IntVar(&listLimit, "limit", 0,
		"Maximum number of changes to show")
	changesRetryCmd.Flags().BoolVar(&retryAll, "all", false,
		"Retry every FAILED change")
	changesDiscardCmd.Flags().BoolVar(&discardForce, "force", false,
		"Skip confirmation prompt")

	changesCmd.AddCommand(changesListCmd)
	changesCmd.AddCommand(changesRetryCmd)
	changesCmd.AddCommand(changesResolveCmd)
	changesCmd.AddCommand(changesDiscardCmd)
}

func runChangesList(cmd *cobra.Command, args []string) error {
	if verr := validation.ValidateStatusFilter("status", listStatus); verr != nil {
		return fmt.Errorf("--status %s", verr.Message)
	}
	if listLimit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}

	db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()

	changes, err := db.ListChanges(context.Background(), store.ChangeFilter{
		Status:     offsync.ChangeStatus(listStatus),
		EntityType: listEntityType,
		Limit:      listLimit,
	})
	if err != nil {
		return fmt.Errorf("list changes: %w", err)
	}

	if jsonOutput {
		if changes == nil {
			changes = []offsync.OfflineChange{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"changes": changes,
			"total":   len(changes),
		})
	}

	if len(changes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No changes found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tENTITY\tOP\tPRIORITY\tSTATUS\tRETRIES\tCREATED\tERROR")
	for _, c := range changes {
		lastErr := ""
		if c.LastError != nil {
			lastErr = *c.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.ID,
			offsync.EntityKey(c.EntityType, c.EntityID),
			c.OperationType,
			c.Priority,
			c.Status,
			c.RetryCount,
			c.CreatedAt.Format("2006-01-02 15:04"),
			orDash(lastErr),
		)
	}
	return w.Flush()
}

func runChangesRetry(cmd *cobra.Command, args []string) error {
	if retryAll == (len(args) == 1) {
		return fmt.Errorf("specify exactly one of <change-id> or --all")
	}

	db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := context.Background()

	if retryAll {
		n, err := db.RetryAllFailed(ctx)
		if err != nil {
			return fmt.Errorf("retry failed changes: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"requeued": n})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d change(s)\n", n)
		return nil
	}

	id := args[0]
	if err := db.RetryChange(ctx, id); err != nil {
		return fmt.Errorf("retry change %s: %w", id, err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "requeued": 1})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued change %s\n", id)
	return nil
}

func runChangesResolve(cmd *cobra.Command, args []string) error {
	id := args[0]
	strategy, err := offsync.ParseStrategy(args[1])
	if err != nil {
		return err
	}

	db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SetResolution(context.Background(), id, strategy); err != nil {
		return fmt.Errorf("resolve change %s: %w", id, err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "resolution": strategy})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for change %s\n", strategy, id)
	return nil
}

func runChangesDiscard(cmd *cobra.Command, args []string) error {
	id := args[0]

	db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := context.Background()

	change, err := db.GetChange(ctx, id)
	if err != nil {
		return fmt.Errorf("discard change %s: %w", id, err)
	}

	if !discardForce {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "WARNING: This will permanently discard the %s of %s.\n",
			change.OperationType, offsync.EntityKey(change.EntityType, change.EntityID))
		fmt.Fprint(errOut, "Type the change ID to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(input) != id {
			fmt.Fprintln(errOut, "Aborted. Change ID did not match.")
			return nil
		}
	}

	if err := db.DeleteChange(ctx, id); err != nil {
		return fmt.Errorf("discard change %s: %w", id, err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "discarded": true})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Discarded change %s\n", id)
	return nil
}
