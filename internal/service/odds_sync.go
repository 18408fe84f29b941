package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/metrics"
)

// DefaultThreshold is the minimum YES price move, in 0-1 price space, that is
// worth persisting.
var DefaultThreshold = decimal.RequireFromString("0.001")

// OddsSyncConfig tunes the differential sync.
type OddsSyncConfig struct {
	Threshold   decimal.Decimal
	BatchLimit  int
	Concurrency int
}

func (c OddsSyncConfig) withDefaults() OddsSyncConfig {
	if !c.Threshold.IsPositive() {
		c.Threshold = DefaultThreshold
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 1000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

// SyncResult summarises one sync pass.
type SyncResult struct {
	Checked       int           `json:"checked"`
	Queued        int           `json:"queued"`
	Filtered      int           `json:"filtered"`
	Failed        int           `json:"failed"`
	NoPrice       int           `json:"no_price"`
	Closed        int64         `json:"closed"`
	DiffHitRate   int           `json:"diff_hit_rate"`
	FailedMarkets []string      `json:"failed_markets,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration_ns"`
}

// DiffHitRate is the percentage of checked markets the threshold filtered
// out, rounded to a whole number.
func DiffHitRate(filtered, checked int) int {
	if checked <= 0 {
		return 0
	}
	return int(decimal.NewFromInt(int64(filtered)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(checked))).
		Round(0).IntPart())
}

// OddsSync pulls reference prices for bound OPEN markets and queues only the
// material changes.
type OddsSync struct {
	markets domain.MarketStore
	source  domain.ReferenceSource
	cache   domain.PriceCache
	queue   domain.PriceQueue
	metrics *metrics.Metrics
	cfg     OddsSyncConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewOddsSync creates an OddsSync. m may be nil.
func NewOddsSync(
	markets domain.MarketStore,
	source domain.ReferenceSource,
	cache domain.PriceCache,
	queue domain.PriceQueue,
	m *metrics.Metrics,
	cfg OddsSyncConfig,
	logger *slog.Logger,
) *OddsSync {
	return &OddsSync{
		markets: markets,
		source:  source,
		cache:   cache,
		queue:   queue,
		metrics: m,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "odds_sync")),
		now:     time.Now,
	}
}

type syncOutcome int

const (
	outcomeQueued syncOutcome = iota
	outcomeFiltered
	outcomeFailed
	outcomeNoPrice
)

// Run performs one pass: close expired markets, then poll every bound OPEN
// market. Per-market failures are counted, never returned.
func (s *OddsSync) Run(ctx context.Context) (SyncResult, error) {
	res := SyncResult{StartedAt: s.now().UTC()}

	closed, err := s.markets.CloseExpired(ctx, res.StartedAt)
	if err != nil {
		s.logger.WarnContext(ctx, "close expired markets failed", slog.String("error", err.Error()))
	}
	res.Closed = closed

	markets, err := s.markets.ListOpenBound(ctx, s.cfg.BatchLimit)
	if err != nil {
		return res, fmt.Errorf("odds sync: list bound markets: %w", err)
	}

	var (
		mu    sync.Mutex
		tasks []domain.PriceUpdateTask
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, m := range markets {
		g.Go(func() error {
			task, outcome := s.evaluate(gctx, m)
			mu.Lock()
			defer mu.Unlock()
			res.Checked++
			switch outcome {
			case outcomeQueued:
				tasks = append(tasks, task)
			case outcomeFiltered:
				res.Filtered++
			case outcomeFailed:
				res.Failed++
				res.FailedMarkets = append(res.FailedMarkets, m.ID)
			case outcomeNoPrice:
				res.NoPrice++
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := s.emit(ctx, tasks); err != nil {
		res.Failed += len(tasks)
		s.finish(ctx, &res)
		return res, err
	}
	res.Queued = len(tasks)
	s.finish(ctx, &res)
	return res, nil
}

// SyncMarket runs the same evaluation for a single market, typically right
// after it was bound. It reports whether an update was queued.
func (s *OddsSync) SyncMarket(ctx context.Context, m domain.Market) (bool, error) {
	if !m.IsBound() {
		return false, nil
	}
	task, outcome := s.evaluate(ctx, m)
	if outcome != outcomeQueued {
		return false, nil
	}
	if err := s.emit(ctx, []domain.PriceUpdateTask{task}); err != nil {
		return false, err
	}
	return true, nil
}

// Restart clears the queue and performs one synchronous pass.
func (s *OddsSync) Restart(ctx context.Context) (SyncResult, error) {
	if err := s.queue.Clear(ctx); err != nil {
		return SyncResult{}, fmt.Errorf("odds sync: clear queue: %w", err)
	}
	s.logger.InfoContext(ctx, "price queue cleared")
	return s.Run(ctx)
}

// QueueStats reports the price queue.
func (s *OddsSync) QueueStats(ctx context.Context) (domain.QueueStats, error) {
	st, err := s.queue.Stats(ctx)
	if err != nil {
		return domain.QueueStats{}, err
	}
	s.metrics.SetQueueStats(st)
	return st, nil
}

func (s *OddsSync) evaluate(ctx context.Context, m domain.Market) (domain.PriceUpdateTask, syncOutcome) {
	inst, err := s.source.GetInstrument(ctx, *m.ExternalID)
	if err != nil {
		s.logger.DebugContext(ctx, "reference price unavailable",
			slog.String("market_id", m.ID),
			slog.String("external_id", *m.ExternalID),
			slog.String("error", err.Error()),
		)
		return domain.PriceUpdateTask{}, outcomeFailed
	}

	task, err := domain.NewPriceUpdateTask(m.ID, inst.OutcomePrices, s.now().UTC())
	if errors.Is(err, domain.ErrNoPrice) {
		s.logger.DebugContext(ctx, "reference returned no price", slog.String("market_id", m.ID))
		return domain.PriceUpdateTask{}, outcomeNoPrice
	}
	if err != nil {
		return domain.PriceUpdateTask{}, outcomeFailed
	}

	if !s.changed(ctx, m.ID, task.YesPrice) {
		return domain.PriceUpdateTask{}, outcomeFiltered
	}
	return task, outcomeQueued
}

// changed compares price with the cached value. A missing entry is a first
// observation; an unreadable cache is treated as a change.
func (s *OddsSync) changed(ctx context.Context, marketID string, price decimal.Decimal) bool {
	cached, found, err := s.cache.GetPrice(ctx, marketID)
	if err != nil {
		s.logger.WarnContext(ctx, "price cache read failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		return true
	}
	if !found {
		return true
	}
	return price.Sub(cached).Abs().GreaterThan(s.cfg.Threshold)
}

// emit queues tasks and only then seeds the cache, so a failed enqueue is
// retried on the next pass instead of being filtered out.
func (s *OddsSync) emit(ctx context.Context, tasks []domain.PriceUpdateTask) error {
	if len(tasks) == 0 {
		return nil
	}
	if err := s.queue.Enqueue(ctx, tasks...); err != nil {
		return fmt.Errorf("odds sync: enqueue %d tasks: %w", len(tasks), err)
	}
	for _, t := range tasks {
		if err := s.cache.SetPrice(ctx, t.MarketID, t.YesPrice); err != nil {
			s.logger.WarnContext(ctx, "price cache write failed",
				slog.String("market_id", t.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (s *OddsSync) finish(ctx context.Context, res *SyncResult) {
	res.DiffHitRate = DiffHitRate(res.Filtered, res.Checked)
	res.Duration = s.now().Sub(res.StartedAt)
	s.metrics.ObserveSync(res.Queued, res.Filtered, res.Failed, res.NoPrice, res.DiffHitRate)

	level := slog.LevelInfo
	if res.Failed > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "odds sync complete",
		slog.Int("checked", res.Checked),
		slog.Int("queued", res.Queued),
		slog.Int("filtered", res.Filtered),
		slog.Int("failed", res.Failed),
		slog.Int("no_price", res.NoPrice),
		slog.Int64("closed", res.Closed),
		slog.Int("diff_hit_rate", res.DiffHitRate),
		slog.Duration("duration", res.Duration),
	)
}
