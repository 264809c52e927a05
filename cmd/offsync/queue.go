package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	offsync "github.com/hyperengineering/offsync/internal/sync"
	"github.com/hyperengineering/offsync/internal/validation"
)

var (
	queueEntityType string
	queueEntityID   string
	queueOp         string
	queueData       string
	queuePriority   string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue an offline change",
	Long:  "Record a CREATE, UPDATE, or DELETE in the local change log. The daemon syncs it on its next pass.",
	Args:  cobra.NoArgs,
	RunE:  runQueue,
}

func init() {
	queueCmd.Flags().StringVar(&queueEntityType, "entity-type", "",
		"Entity type (required)")
	queueCmd.Flags().StringVar(&queueEntityID, "entity-id", "",
		"Entity ID (required for UPDATE and DELETE)")
	queueCmd.Flags().StringVar(&queueOp, "type", string(offsync.OperationCreate),
		"Operation type: CREATE, UPDATE, or DELETE")
	queueCmd.Flags().StringVar(&queueData, "data", "",
		"Entity payload as a JSON object")
	queueCmd.Flags().StringVar(&queuePriority, "priority", "",
		"Priority: LOW, NORMAL, or HIGH (default NORMAL)")
}

func runQueue(cmd *cobra.Command, args []string) error {
	op := offsync.SyncOperation{
		EntityType: queueEntityType,
		EntityID:   queueEntityID,
		Type:       offsync.OperationType(strings.ToUpper(queueOp)),
		Priority:   offsync.Priority(strings.ToUpper(queuePriority)),
	}
	if queueData != "" {
		if err := json.Unmarshal([]byte(queueData), &op.Data); err != nil {
			return fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}
	if errs := validation.ValidateOperation(op); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Field + " " + e.Message
		}
		return fmt.Errorf("invalid operation: %s", strings.Join(msgs, "; "))
	}

	db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()

	change, err := db.TrackChange(context.Background(), op.EntityType, op.EntityID, op.Type, op.Data, op.Priority)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), change)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s of %s as %s\n",
		change.OperationType, offsync.EntityKey(change.EntityType, change.EntityID), change.ID)
	return nil
}
