package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veilwork/chime/cmd/chime/commands"
	"github.com/veilwork/chime/config"
	"github.com/veilwork/chime/logger"
)

var rootCmd = &cobra.Command{
	Use:   "chime",
	Short: "Chime - Recurring task scheduler with real-time delivery",
	Long: `Chime schedules recurring and one-shot tasks and pushes their results
to connected clients in real time over SSE or WebSocket.

Available commands:
  serve   - Start the scheduler and delivery server
  token   - Issue and revoke access tokens
  version - Print the build version

Examples:
  chime serve                          # Start with chime.toml or defaults
  chime token issue --account acct-1   # Mint a push/API token
  chime token revoke <token>`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := logger.Initialize(cfg.Log.JSON); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.TokenCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
