// Package httpapi exposes the uplink endpoints and the operational endpoints of
// the ingest service.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/septivank/energy-uplink-ingest/internal/service"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
	readyTimeout      = 2 * time.Second

	defaultMaxBodyBytes = 1 << 20
)

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds HTTP server settings.
type Config struct {
	Port         string
	MaxBodyBytes int64
	// RateLimit is uplinks per second across all uplink routes; zero disables it.
	RateLimit float64
	RateBurst int
}

// Server is the HTTP API server.
type Server struct {
	cfg       Config
	pipelines *service.Pipelines
	db        Pinger
	logger    *zap.Logger
	router    *mux.Router
	handler   http.Handler
	limiter   *rate.Limiter
	server    *http.Server
}

// NewServer builds the router for every pipeline.
func NewServer(cfg Config, pipelines *service.Pipelines, db Pinger, logger *zap.Logger) *Server {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &Server{
		cfg:       cfg,
		pipelines: pipelines,
		db:        db,
		logger:    logger.With(zap.String("component", "http")),
		router:    mux.NewRouter(),
		limiter:   rate.NewLimiter(limit, burst),
	}
	s.setupRoutes()

	s.handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(s.logger)),
		handlers.PrintRecoveryStack(true),
	)(s.router)

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(instrument)

	for _, p := range s.pipelines.All() {
		s.router.Handle(p.Deployment().Path, s.rateLimited(s.handleUplink(p))).Methods(http.MethodPost)
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/cache/{deployment}", s.handleCacheListing).Methods(http.MethodGet)
}

// Handler returns the root handler, including panic recovery.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the port and serves in the background.
func (s *Server) Start(_ context.Context) error {
	addr := ":" + s.cfg.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		s.logger.Info("starting HTTP server", zap.String("addr", addr))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("stopping HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

// RegisterLifecycle registers the server with Fx lifecycle
func (s *Server) RegisterLifecycle(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}
