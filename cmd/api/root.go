package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"huddle/api/internal/config"
	"huddle/api/internal/logger"
	"huddle/api/internal/store"
)

var (
	cfg       config.Config
	dbTimeout time.Duration
)

// rootCmd serves the API when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:           "huddle-api",
	Short:         "Workspace chat API: membership, messages, realtime, search and attachments",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		cfg = config.Load()
		logger.Init(cfg.LogLevel, cfg.LogFormat)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("command_failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&dbTimeout, "db-wait", 30*time.Second, "how long to wait for the database at startup")
}

// openDatabase connects and applies the embedded migrations.
func openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, dbTimeout)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return db, nil
}
