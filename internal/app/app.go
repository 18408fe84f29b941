// Package app wires the marketfactory dependencies and runs the loops of the
// configured mode: the scheduler, the price queue worker, the operator API,
// or all three.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketfactory/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run wires the dependencies, starts the mode's loops and blocks until ctx
// is cancelled or a loop fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("component", "app"),
		slog.String("mode", a.cfg.Mode),
		slog.Bool("scheduler", a.cfg.RunsScheduler()),
		slog.Bool("worker", a.cfg.RunsWorker()),
		slog.Bool("server", a.cfg.RunsServer()),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	return a.start(ctx, deps, buildComponents(a.cfg, deps, a.logger))
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application", slog.String("component", "app"))
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
