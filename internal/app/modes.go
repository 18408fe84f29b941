package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketfactory/internal/config"
	"github.com/alanyoungcy/marketfactory/internal/pipeline"
	"github.com/alanyoungcy/marketfactory/internal/server"
	"github.com/alanyoungcy/marketfactory/internal/server/handler"
	"github.com/alanyoungcy/marketfactory/internal/server/ws"
	"github.com/alanyoungcy/marketfactory/internal/service"
)

// components are the services built over Dependencies. Every mode builds
// the same set and starts a subset of their loops.
type components struct {
	binder     *service.Binder
	odds       *service.OddsSync
	writer     *service.OddsWriter
	settlement *service.Settlement
	relay      *service.Relay
	factory    *service.FactoryService
	scheduler  *pipeline.Scheduler
}

func buildComponents(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *components {
	c := &components{}

	c.binder = service.NewBinder(deps.Source, deps.InstrumentCache, service.BinderConfig{
		PageSize:            cfg.Binder.PageSize,
		MaxInstruments:      cfg.Binder.MaxInstruments,
		Window:              cfg.Binder.Window.Duration,
		MinScore:            cfg.Binder.MinScore,
		FifteenMinuteSeries: cfg.Binder.FifteenMinuteSeries,
		RefreshInterval:     cfg.Binder.RefreshInterval.Duration,
	}, logger)

	c.odds = service.NewOddsSync(deps.MarketStore, deps.Source, deps.PriceCache, deps.PriceQueue, deps.Metrics, service.OddsSyncConfig{
		Threshold:   cfg.Sync.ThresholdDecimal(),
		BatchLimit:  cfg.Sync.BatchLimit,
		Concurrency: cfg.Sync.Concurrency,
	}, logger)

	c.writer = service.NewOddsWriter(deps.PriceQueue, deps.MarketStore, deps.EventBus, deps.Metrics, service.OddsWriterConfig{
		Consumer:    "writer-" + uuid.NewString()[:8],
		Concurrency: cfg.Queue.WorkerConcurrency,
		RatePerSec:  cfg.Queue.WorkerRatePerSec,
		FetchCount:  cfg.Queue.FetchCount,
		Block:       cfg.Queue.Block.Duration,
	}, logger)

	c.settlement = service.NewSettlement(deps.MarketStore, deps.SettlementStore, deps.Source, service.SettlementDeps{
		Audit:   deps.AuditStore,
		Archive: deps.Archive,
		Alerter: deps.Notifier,
		Bus:     deps.EventBus,
		Metrics: deps.Metrics,
	}, service.SettlementConfig{
		ExternalWait:  cfg.Settlement.ExternalWait.Duration,
		BatchLimit:    cfg.Settlement.BatchLimit,
		RetryDelay:    cfg.Settlement.RetryDelay.Duration,
		ArchivePrefix: cfg.Settlement.ArchivePrefix,
	}, logger)

	c.relay = service.NewRelay(deps.TemplateStore, deps.MarketStore, c.binder, service.RelayDeps{
		Syncer:  c.odds,
		Alerter: deps.Notifier,
		Audit:   deps.AuditStore,
		Bus:     deps.EventBus,
		Metrics: deps.Metrics,
	}, service.RelayConfig{
		Buffer:           cfg.Relay.Buffer.Duration,
		MaxBatch:         cfg.Relay.MaxBatch,
		AlignToPeriod:    cfg.Relay.AlignToPeriod,
		FailureThreshold: cfg.Relay.FailureThreshold,
		BindLimit:        cfg.Relay.BindLimit,
		SyncOnBind:       cfg.Relay.SyncOnBind,
		MaxUnboundAge:    cfg.Relay.MaxUnboundAge.Duration,
	}, logger)

	c.factory = service.NewFactoryService(deps.TemplateStore, deps.MarketStore, deps.AuditStore, logger)

	c.scheduler = pipeline.NewScheduler(deps.StateStore, deps.Lease, c.odds, c.settlement, c.relay, deps.Metrics, pipeline.SchedulerConfig{
		Spec:       cfg.Scheduler.Spec,
		JobTimeout: cfg.Scheduler.JobTimeout.Duration,
		FailOpen:   cfg.Scheduler.FailOpen,
		LeaseTTL:   cfg.Scheduler.LeaseTTL.Duration,
	}, logger)

	return c
}

// start launches the loops the configured mode runs and blocks until ctx is
// cancelled or one of them fails.
func (a *App) start(ctx context.Context, deps *Dependencies, c *components) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.RunsScheduler() {
		g.Go(func() error {
			return c.scheduler.Run(ctx)
		})
	}

	if a.cfg.RunsWorker() {
		g.Go(func() error {
			return c.writer.Run(ctx)
		})
		g.Go(func() error {
			return a.reportQueue(ctx, c.odds)
		})
	}

	if a.cfg.RunsServer() {
		hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
			Mode:           a.cfg.Mode,
			StartedAt:      time.Now().UTC(),
			AllowedOrigins: a.cfg.Server.CORSOrigins,
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})

		srv := server.NewServer(server.Config{
			Port:         a.cfg.Server.Port,
			APIKey:       a.cfg.Server.APIKey,
			CORSOrigins:  a.cfg.Server.CORSOrigins,
			RateLimit:    a.cfg.Server.RateLimit,
			RateWindow:   a.cfg.Server.RateWindow.Duration,
			WriteTimeout: a.cfg.Server.WriteTimeout.Duration,
		}, a.handlers(deps, c, hub), deps.RateLimiter, a.logger)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	return g.Wait()
}

func (a *App) handlers(deps *Dependencies, c *components, hub *ws.Hub) server.Handlers {
	h := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks, a.logger),
		Scheduler: handler.NewSchedulerHandler(c.scheduler, a.logger),
		Odds:      handler.NewOddsHandler(c.scheduler, c.odds, a.logger),
		Factory:   handler.NewFactoryHandler(c.scheduler, c.factory, c.settlement, c.relay, a.logger),
		Templates: handler.NewTemplateHandler(c.factory, a.logger),
		Hub:       hub,
	}
	if deps.Metrics != nil {
		h.Metrics = deps.Metrics.Handler()
	}
	return h
}

// reportQueue refreshes the queue depth gauges between syncs.
func (a *App) reportQueue(ctx context.Context, odds *service.OddsSync) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := odds.QueueStats(ctx); err != nil {
				a.logger.WarnContext(ctx, "queue stats failed", slog.String("error", err.Error()))
			}
		}
	}
}
