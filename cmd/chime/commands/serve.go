package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veilwork/chime/auth"
	"github.com/veilwork/chime/bus"
	"github.com/veilwork/chime/config"
	"github.com/veilwork/chime/db"
	"github.com/veilwork/chime/errors"
	"github.com/veilwork/chime/logger"
	"github.com/veilwork/chime/server"
)

// ServeCmd starts the scheduler and delivery server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the scheduler and real-time delivery server",
	RunE:    runServe,
}

var (
	serveDBPath string
	servePort   int
)

func init() {
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if serveDBPath != "" {
		cfg.Database.Path = serveDBPath
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	log := logger.Logger

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	s := server.New(server.Options{
		DB:       database,
		Config:   cfg,
		Bus:      bus.New(),
		Verifier: auth.NewTokenStore(database),
		Logger:   log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Start(ctx)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Infow("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}
