package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/server/handler"
	"github.com/alanyoungcy/marketfactory/internal/server/middleware"
	"github.com/alanyoungcy/marketfactory/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	APIKey       string
	CORSOrigins  []string
	RateLimit    int
	RateWindow   time.Duration
	WriteTimeout time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Metrics and
// Hub may be nil.
type Handlers struct {
	Health    *handler.HealthHandler
	Scheduler *handler.SchedulerHandler
	Odds      *handler.OddsHandler
	Factory   *handler.FactoryHandler
	Templates *handler.TemplateHandler
	Metrics   http.Handler
	Hub       *ws.Hub
}

// Server is the operator HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// publicPaths skip API key checks.
var publicPaths = []string{"/api/health", "/metrics"}

// NewServer registers every route and wraps the mux in CORS, access
// logging, auth and rate limiting (outermost first). limiter may be nil.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewHandler(cfg, h, limiter, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	if srv.WriteTimeout <= 0 {
		srv.WriteTimeout = 60 * time.Second
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("GET /api/scheduler/status", h.Scheduler.Status)
	mux.HandleFunc("POST /api/scheduler/enable", h.Scheduler.Enable)
	mux.HandleFunc("POST /api/scheduler/disable", h.Scheduler.Disable)

	mux.HandleFunc("POST /api/odds/sync", h.Odds.Sync)
	mux.HandleFunc("POST /api/odds/restart", h.Odds.Restart)
	mux.HandleFunc("GET /api/odds/queue", h.Odds.Queue)

	mux.HandleFunc("POST /api/settlement/run", h.Factory.RunSettlement)
	mux.HandleFunc("POST /api/relay/run", h.Factory.RunRelay)
	mux.HandleFunc("GET /api/factory/stats", h.Factory.Stats)
	mux.HandleFunc("GET /api/factory/audit", h.Factory.Audit)
	mux.HandleFunc("POST /api/factory/cleanup", h.Factory.Cleanup)

	mux.HandleFunc("GET /api/templates", h.Templates.List)
	mux.HandleFunc("POST /api/templates", h.Templates.Create)
	mux.HandleFunc("POST /api/templates/{id}/resume", h.Templates.Resume)

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}

	var next http.Handler = mux
	next = middleware.RateLimit(limiter, cfg.RateLimit, window, logger)(next)
	next = middleware.Auth(cfg.APIKey, publicPaths...)(next)
	next = middleware.Logging(logger)(next)
	next = middleware.CORS(cfg.CORSOrigins)(next)
	return next
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
