package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"huddle/api/internal/auth"
	"huddle/api/internal/util"
)

var (
	tokenSub   string
	tokenEmail string
	tokenTTL   time.Duration
)

// tokenCmd mints a bearer token with the shared secret for local development.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development bearer token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if tokenSub == "" || tokenEmail == "" {
			return errors.New("--sub and --email are required")
		}
		token, err := auth.NewVerifier(cfg.AuthSecret).Issue(tokenSub, tokenEmail, util.NewID("jti"), tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSub, "sub", "", "user id")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "user email")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
