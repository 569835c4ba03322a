package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/veilwork/chime/auth"
	"github.com/veilwork/chime/config"
	"github.com/veilwork/chime/db"
	"github.com/veilwork/chime/errors"
	"github.com/veilwork/chime/logger"
)

// TokenCmd manages access tokens
var TokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue and revoke access tokens",
}

var (
	tokenAccount string
	tokenLabel   string
	tokenTTL     time.Duration
)

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Mint a new access token for an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openTokenStore()
		if err != nil {
			return err
		}
		defer cleanup()

		token, err := store.Issue(tokenAccount, tokenLabel, tokenTTL)
		if err != nil {
			return err
		}

		// The plaintext is shown exactly once; only its hash is stored
		fmt.Println(token)
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke an access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openTokenStore()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := store.Revoke(args[0]); err != nil {
			return err
		}
		fmt.Println("Token revoked")
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenAccount, "account", "", "Account ID the token authenticates (required)")
	tokenIssueCmd.Flags().StringVar(&tokenLabel, "label", "", "Human-readable label (e.g., \"laptop\")")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (0 = never expires)")
	tokenIssueCmd.MarkFlagRequired("account")

	TokenCmd.AddCommand(tokenIssueCmd)
	TokenCmd.AddCommand(tokenRevokeCmd)
}

func openTokenStore() (*auth.TokenStore, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, nil, errors.Wrap(err, "failed to migrate database")
	}

	return auth.NewTokenStore(database), func() { database.Close() }, nil
}
