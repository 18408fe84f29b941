package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/metrics"
)

// OddsWriterConfig tunes the durable-write worker pool.
type OddsWriterConfig struct {
	Consumer    string
	Concurrency int
	RatePerSec  float64
	FetchCount  int
	Block       time.Duration
}

func (c OddsWriterConfig) withDefaults() OddsWriterConfig {
	if c.Consumer == "" {
		c.Consumer = "odds-writer"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 100
	}
	if c.FetchCount <= 0 {
		c.FetchCount = 10
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	return c
}

// OddsWriter drains the price queue into the market store. Writes are last
// value wins, so redelivered tasks are harmless.
type OddsWriter struct {
	queue   domain.PriceConsumer
	markets domain.MarketStore
	bus     domain.EventBus
	metrics *metrics.Metrics
	limiter *rate.Limiter
	cfg     OddsWriterConfig
	logger  *slog.Logger
}

// NewOddsWriter creates an OddsWriter. bus and m may be nil.
func NewOddsWriter(
	queue domain.PriceConsumer,
	markets domain.MarketStore,
	bus domain.EventBus,
	m *metrics.Metrics,
	cfg OddsWriterConfig,
	logger *slog.Logger,
) *OddsWriter {
	cfg = cfg.withDefaults()
	return &OddsWriter{
		queue:   queue,
		markets: markets,
		bus:     bus,
		metrics: m,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Concurrency),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "odds_writer")),
	}
}

// Run starts Concurrency consumers and blocks until ctx is cancelled.
func (w *OddsWriter) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "odds writer started",
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Float64("rate_per_sec", w.cfg.RatePerSec),
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		name := fmt.Sprintf("%s-%d", w.cfg.Consumer, i)
		g.Go(func() error { return w.consume(gctx, name) })
	}
	err := g.Wait()
	w.logger.InfoContext(ctx, "odds writer stopped")
	return err
}

func (w *OddsWriter) consume(ctx context.Context, name string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		ds, err := w.queue.Fetch(ctx, name, w.cfg.FetchCount, w.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.WarnContext(ctx, "fetch failed",
				slog.String("consumer", name),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, d := range ds {
			if err := w.Handle(ctx, d); err != nil && ctx.Err() != nil {
				return nil
			}
		}
	}
}

// Handle persists one delivery and settles it on the queue.
func (w *OddsWriter) Handle(ctx context.Context, d domain.PriceDelivery) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := w.markets.UpdatePrices(ctx, d.Task); err != nil {
		again, rerr := w.queue.Retry(ctx, d)
		result := "retried"
		if !again {
			result = "dropped"
		}
		w.metrics.OddsWrite(result)
		w.logger.WarnContext(ctx, "price write failed",
			slog.String("market_id", d.Task.MarketID),
			slog.Int("attempt", d.Attempt),
			slog.Bool("will_retry", again),
			slog.String("error", err.Error()),
		)
		if rerr != nil {
			return fmt.Errorf("odds writer: retry %s: %w", d.ID, rerr)
		}
		return err
	}

	if err := w.queue.Ack(ctx, d); err != nil {
		return fmt.Errorf("odds writer: ack %s: %w", d.ID, err)
	}
	w.metrics.OddsWrite("written")
	publish(ctx, w.bus, w.logger, domain.ChannelOdds, "odds.updated", d.Task)
	return nil
}
