package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/hyperengineering/offsync/internal/config"
	"github.com/hyperengineering/offsync/internal/store"
)

// Flags shared by the offline subcommands.
var (
	dbPathOverride string
	jsonOutput     bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPathOverride, "db", "",
		"Change log path (overrides config and OFFSYNC_DB_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
}

// openLocalStore opens the change log directly so commands work while the
// daemon is stopped.
func openLocalStore() (*store.SQLiteStore, error) {
	path := dbPathOverride
	if path == "" {
		dbCfg, err := config.LoadDatabaseConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		path = dbCfg.Path
	}
	return store.NewSQLiteStore(path)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
