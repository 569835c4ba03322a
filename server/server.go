// Package server exposes the task command API and the real-time push
// endpoints (SSE and WebSocket) over HTTP.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilwork/chime/auth"
	"github.com/veilwork/chime/bus"
	"github.com/veilwork/chime/config"
	"github.com/veilwork/chime/errors"
	"github.com/veilwork/chime/gateway"
	"github.com/veilwork/chime/schedule"
)

// Server wires the schedule store, ticker, and delivery gateway behind
// one HTTP listener.
type Server struct {
	db        *sql.DB
	cfg       *config.Config
	store     *schedule.Store
	evaluator *schedule.CronEvaluator
	ticker    *schedule.Ticker
	registry  *gateway.Registry
	gateway   *gateway.Gateway
	bus       bus.Bus
	verifier  auth.Verifier
	logger    *zap.SugaredLogger

	mux        *http.ServeMux
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries the collaborators the server needs.
type Options struct {
	DB       *sql.DB
	Config   *config.Config
	Bus      bus.Bus
	Verifier auth.Verifier
	Logger   *zap.SugaredLogger
}

// New assembles a server and its subsystems. Nothing runs until Start.
func New(opts Options) *Server {
	store := schedule.NewStore(opts.DB)
	evaluator := schedule.NewCronEvaluator()
	ticker := schedule.NewTicker(store, evaluator, opts.Bus, opts.Logger)
	if opts.Config.Schedule.TickerIntervalSeconds > 0 {
		ticker.SetInterval(time.Duration(opts.Config.Schedule.TickerIntervalSeconds) * time.Second)
	}

	registry := gateway.NewRegistry(opts.Logger)
	if opts.Config.Gateway.HeartbeatSeconds > 0 {
		registry.SetHeartbeatPeriod(time.Duration(opts.Config.Gateway.HeartbeatSeconds) * time.Second)
	}

	s := &Server{
		db:        opts.DB,
		cfg:       opts.Config,
		store:     store,
		evaluator: evaluator,
		ticker:    ticker,
		registry:  registry,
		gateway:   gateway.New(registry, opts.Bus, opts.Logger),
		bus:       opts.Bus,
		verifier:  opts.Verifier,
		logger:    opts.Logger,
		mux:       http.NewServeMux(),
	}
	s.setupHTTPRoutes()
	return s
}

// Handler returns the routing mux, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start launches the ticker, the gateway routing loop, and the HTTP
// listener. Blocks until the listener exits.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.ticker.Start(s.ctx)
	s.gateway.Start(s.ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: SSE and WebSocket connections are long-lived
	}

	s.logger.Infow("Server listening", "addr", addr, "db", s.cfg.Database.Path)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown stops accepting requests, tears down push connections, and
// waits for the subsystems to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("Server shutting down")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.gateway.Stop()
	s.ticker.Stop()
	s.registry.CloseAll()
	s.wg.Wait()

	return err
}
