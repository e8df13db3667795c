package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"huddle/api/internal/logger"
	"huddle/api/internal/search"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Push every stored message to Meilisearch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if strings.TrimSpace(cfg.MeiliURL) == "" {
			return errors.New("MEILI_URL is not set")
		}
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		if !meiliClient.Healthy() {
			return errors.New("meilisearch is not reachable")
		}

		count, err := search.NewService(meiliClient, search.NewPgFTS(db)).ReindexAll(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info("reindex_done", "indexed", count)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}
