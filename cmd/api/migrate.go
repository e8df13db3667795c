package main

import (
	"github.com/spf13/cobra"

	"huddle/api/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("migrate_done")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
