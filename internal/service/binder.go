package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/marketfactory/internal/domain"
)

// BinderConfig tunes candidate fetching and matching.
type BinderConfig struct {
	PageSize       int
	MaxInstruments int
	Window         time.Duration
	MinScore       float64
	// FifteenMinuteSeries lists reference series ids accepted for 15 minute
	// templates even when the instrument title carries no period keyword.
	FifteenMinuteSeries []string
	// RefreshInterval bounds how often a miss may force a full refetch.
	// Every refresh pages the whole instrument list through the shared
	// rate limiter.
	RefreshInterval time.Duration
}

func (c BinderConfig) withDefaults() BinderConfig {
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	if c.MaxInstruments <= 0 {
		c.MaxInstruments = 6000
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Minute
	}
	if c.MinScore <= 0 {
		c.MinScore = 40
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	return c
}

// BindRequest describes the local market to find a reference instrument for.
type BindRequest struct {
	MarketID      string
	Symbol        string
	PeriodMinutes int
	ClosingDate   time.Time
	SeriesID      string
	LocalStatus   domain.MarketStatus
}

// Binder matches local markets to reference instruments. It is a pure
// lookup; callers persist the identifier.
type Binder struct {
	source domain.ReferenceSource
	cache  domain.InstrumentCache
	group  singleflight.Group
	cfg    BinderConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	lastFetch time.Time
}

// NewBinder creates a Binder. cache may be nil, in which case every lookup
// fetches (concurrent fetches are still collapsed).
func NewBinder(source domain.ReferenceSource, cache domain.InstrumentCache, cfg BinderConfig, logger *slog.Logger) *Binder {
	return &Binder{
		source: source,
		cache:  cache,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "binder")),
		now:    time.Now,
	}
}

// BindMarket looks up an instrument for m. An already bound market is never
// looked up again.
func (b *Binder) BindMarket(ctx context.Context, m domain.Market, t domain.MarketTemplate) (string, bool) {
	if m.IsBound() {
		return "", false
	}
	req := BindRequest{
		MarketID:      m.ID,
		Symbol:        m.Symbol,
		PeriodMinutes: m.PeriodMinutes,
		ClosingDate:   m.ClosingDate,
		LocalStatus:   m.Status,
	}
	if req.Symbol == "" {
		req.Symbol = t.Symbol
	}
	if req.PeriodMinutes == 0 {
		req.PeriodMinutes = t.PeriodMinutes
	}
	if t.SeriesID != nil {
		req.SeriesID = *t.SeriesID
	}
	return b.Bind(ctx, req)
}

// Bind returns the best matching instrument id, or ok=false when no
// candidate is confident enough. Source failures read as no match.
func (b *Binder) Bind(ctx context.Context, req BindRequest) (string, bool) {
	candidates, err := b.candidates(ctx, false)
	if err != nil {
		b.logger.DebugContext(ctx, "candidate fetch failed",
			slog.String("market_id", req.MarketID),
			slog.String("error", err.Error()),
		)
		return "", false
	}

	inst, score, ok := b.best(candidates, req)
	if !ok && req.LocalStatus == domain.MarketStatusOpen && b.refreshDue() {
		candidates, err = b.candidates(ctx, true)
		if err != nil {
			b.logger.DebugContext(ctx, "candidate refresh failed",
				slog.String("market_id", req.MarketID),
				slog.String("error", err.Error()),
			)
			return "", false
		}
		inst, score, ok = b.best(candidates, req)
	}
	if !ok {
		b.logger.DebugContext(ctx, "no confident match",
			slog.String("market_id", req.MarketID),
			slog.String("symbol", req.Symbol),
			slog.Int("period", req.PeriodMinutes),
			slog.Int("candidates", len(candidates)),
		)
		return "", false
	}

	b.logger.InfoContext(ctx, "matched reference instrument",
		slog.String("market_id", req.MarketID),
		slog.String("external_id", inst.ID),
		slog.String("title", inst.Title),
		slog.Float64("score", score),
	)
	return inst.ID, true
}

// candidates returns the open instrument snapshot, from cache unless force
// is set.
func (b *Binder) candidates(ctx context.Context, force bool) ([]domain.Instrument, error) {
	if !force && b.cache != nil {
		cached, found, err := b.cache.Get(ctx)
		if err != nil {
			b.logger.WarnContext(ctx, "instrument cache read failed", slog.String("error", err.Error()))
		} else if found {
			return cached, nil
		}
	}

	v, err, _ := b.group.Do("instruments", func() (interface{}, error) {
		all, err := b.fetchAll(ctx)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.lastFetch = b.now()
		b.mu.Unlock()
		if b.cache != nil {
			if err := b.cache.Set(ctx, all); err != nil {
				b.logger.WarnContext(ctx, "instrument cache write failed", slog.String("error", err.Error()))
			}
		}
		return all, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Instrument), nil
}

// refreshDue reports whether a miss may force a refetch. A snapshot this
// binder fetched within RefreshInterval is treated as current.
func (b *Binder) refreshDue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFetch.IsZero() || b.now().Sub(b.lastFetch) >= b.cfg.RefreshInterval
}

// fetchAll pages through open instruments up to MaxInstruments. A failure
// after the first page keeps what was already fetched.
func (b *Binder) fetchAll(ctx context.Context) ([]domain.Instrument, error) {
	var all []domain.Instrument
	for offset := 0; offset < b.cfg.MaxInstruments; offset += b.cfg.PageSize {
		page, err := b.source.ListOpenInstruments(ctx, offset, b.cfg.PageSize)
		if err != nil {
			if len(all) == 0 {
				return nil, fmt.Errorf("binder: fetch instruments: %w", err)
			}
			b.logger.WarnContext(ctx, "partial instrument fetch",
				slog.Int("fetched", len(all)),
				slog.String("error", err.Error()),
			)
			break
		}
		all = append(all, page...)
		if len(page) < b.cfg.PageSize {
			break
		}
	}
	if len(all) > b.cfg.MaxInstruments {
		all = all[:b.cfg.MaxInstruments]
	}
	return all, nil
}

// best scores every candidate and returns the highest. Ties keep the
// earlier candidate, which the source orders by volume.
func (b *Binder) best(candidates []domain.Instrument, req BindRequest) (domain.Instrument, float64, bool) {
	aliases := aliasesFor(domain.BaseAsset(req.Symbol))

	var best domain.Instrument
	bestScore := math.Inf(-1)
	for _, c := range candidates {
		score, ok := b.score(c, req, aliases)
		if ok && score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore <= b.cfg.MinScore {
		return domain.Instrument{}, 0, false
	}
	return best, bestScore, true
}

func (b *Binder) score(c domain.Instrument, req BindRequest, aliases []string) (float64, bool) {
	text := strings.ToUpper(strings.Join([]string{c.Title, c.Slug, c.Asset, c.Description}, " "))
	if !slices.ContainsFunc(aliases, func(a string) bool { return containsWord(text, a) }) {
		return 0, false
	}
	if !b.periodMatches(c, req) {
		return 0, false
	}
	if req.LocalStatus == domain.MarketStatusOpen && c.Closed {
		return 0, false
	}

	score := 100.0
	if c.EndDate != nil {
		diff := c.EndDate.Sub(req.ClosingDate)
		if diff < 0 {
			diff = -diff
		}
		if diff > b.cfg.Window {
			return 0, false
		}
		score -= diff.Minutes() * 0.5
	}
	switch {
	case req.LocalStatus == domain.MarketStatusOpen && !c.Closed:
		score += 10
	case req.LocalStatus == domain.MarketStatusClosed && c.Closed:
		score += 5
	}
	if c.Volume > 0 {
		score += 5
	}
	return score, true
}

func (b *Binder) periodMatches(c domain.Instrument, req BindRequest) bool {
	if req.SeriesID != "" && slices.Contains(c.SeriesIDs, req.SeriesID) {
		return true
	}
	if req.PeriodMinutes == 15 {
		for _, id := range c.SeriesIDs {
			if slices.Contains(b.cfg.FifteenMinuteSeries, id) {
				return true
			}
		}
	}
	return periodFromText(strings.ToUpper(c.Title+" "+c.Slug)) == req.PeriodMinutes
}
