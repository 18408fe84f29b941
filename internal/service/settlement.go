package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/metrics"
)

// Alerter delivers operator notifications. notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Notification event types.
const (
	EventTemplatePaused        = "template_paused"
	EventResolutionUnparseable = "resolution_unparseable"
	EventSettlementFailed      = "settlement_failed"
)

// SettlementConfig tunes the settlement engine.
type SettlementConfig struct {
	// ExternalWait is how long past closing a bound market waits for a
	// definitive external resolution before falling back to volume.
	ExternalWait  time.Duration
	BatchLimit    int
	RetryDelay    time.Duration
	ArchivePrefix string
}

func (c SettlementConfig) withDefaults() SettlementConfig {
	if c.ExternalWait < 0 {
		c.ExternalWait = 0
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 200
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = "settlements"
	}
	return c
}

// SettlementRunResult summarises one settlement scan.
type SettlementRunResult struct {
	RunID     string                   `json:"run_id"`
	Scanned   int                      `json:"scanned"`
	Settled   int                      `json:"settled"`
	External  int                      `json:"external"`
	Fallback  int                      `json:"fallback"`
	Deferred  int                      `json:"deferred"`
	Skipped   int                      `json:"skipped"`
	Failed    int                      `json:"failed"`
	Markets   []domain.SettlementStats `json:"markets,omitempty"`
	StartedAt time.Time                `json:"started_at"`
	Duration  time.Duration            `json:"duration_ns"`
}

// Settlement resolves expired markets and pays them out exactly once.
type Settlement struct {
	markets domain.MarketStore
	store   domain.SettlementStore
	source  domain.ReferenceSource
	audit   domain.AuditStore
	archive domain.ReportArchive
	alerter Alerter
	bus     domain.EventBus
	metrics *metrics.Metrics
	cfg     SettlementConfig
	logger  *slog.Logger
	now     func() time.Time
	alertMu sync.Mutex
	alerted map[string]map[string]bool
}

// SettlementDeps groups the optional collaborators of the engine. Any of
// them may be nil.
type SettlementDeps struct {
	Audit   domain.AuditStore
	Archive domain.ReportArchive
	Alerter Alerter
	Bus     domain.EventBus
	Metrics *metrics.Metrics
}

// NewSettlement creates a Settlement engine.
func NewSettlement(
	markets domain.MarketStore,
	store domain.SettlementStore,
	source domain.ReferenceSource,
	deps SettlementDeps,
	cfg SettlementConfig,
	logger *slog.Logger,
) *Settlement {
	return &Settlement{
		markets: markets,
		store:   store,
		source:  source,
		audit:   deps.Audit,
		archive: deps.Archive,
		alerter: deps.Alerter,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "settlement")),
		now:     time.Now,
		alerted: make(map[string]map[string]bool),
	}
}

// Run settles every expired market without an outcome. Markets whose
// storage write fails twice are left for the next scan and reported in the
// returned error.
func (s *Settlement) Run(ctx context.Context) (SettlementRunResult, error) {
	res := SettlementRunResult{RunID: uuid.NewString(), StartedAt: s.now().UTC()}

	markets, err := s.markets.ListExpiredUnresolved(ctx, res.StartedAt, s.cfg.BatchLimit)
	if err != nil {
		return res, fmt.Errorf("settlement: list expired markets: %w", err)
	}

	var errs []error
	for _, m := range markets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res.Scanned++
		if m.Settled() {
			res.Skipped++
			continue
		}

		stats, decided, err := s.SettleMarket(ctx, m)
		switch {
		case err != nil:
			res.Failed++
			errs = append(errs, err)
		case !decided:
			res.Deferred++
		case stats == nil:
			res.Skipped++
		default:
			res.Settled++
			if stats.Source == domain.SettlementSourceExternal {
				res.External++
			} else {
				res.Fallback++
			}
			res.Markets = append(res.Markets, *stats)
		}
	}

	res.Duration = s.now().Sub(res.StartedAt)
	s.archiveReport(ctx, res)
	s.logger.InfoContext(ctx, "settlement scan complete",
		slog.String("run_id", res.RunID),
		slog.Int("scanned", res.Scanned),
		slog.Int("settled", res.Settled),
		slog.Int("external", res.External),
		slog.Int("fallback", res.Fallback),
		slog.Int("deferred", res.Deferred),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
		slog.Duration("duration", res.Duration),
	)
	if len(errs) > 0 {
		return res, fmt.Errorf("settlement: %d markets failed: %w", len(errs), errors.Join(errs...))
	}
	return res, nil
}

// SettleMarket decides and applies the outcome for one expired market.
// decided is false when the market is waiting for the external source; a nil
// stats with decided true means the market was already settled or is gone.
func (s *Settlement) SettleMarket(ctx context.Context, m domain.Market) (*domain.SettlementStats, bool, error) {
	outcome, source, decided := s.decide(ctx, m)
	if !decided {
		return nil, false, nil
	}

	stats, err := s.apply(ctx, m.ID, outcome, source)
	if err == nil || errors.Is(err, domain.ErrAlreadySettled) || errors.Is(err, domain.ErrNotFound) {
		s.forgetAlerts(m.ID)
	}
	switch {
	case errors.Is(err, domain.ErrAlreadySettled):
		s.logger.DebugContext(ctx, "market already settled", slog.String("market_id", m.ID))
		return nil, true, nil
	case errors.Is(err, domain.ErrNotFound):
		s.logger.WarnContext(ctx, "market vanished before settlement", slog.String("market_id", m.ID))
		return nil, true, nil
	case err != nil:
		s.metrics.SettlementFailed()
		s.logger.ErrorContext(ctx, "settlement failed, market left unresolved",
			slog.String("market_id", m.ID),
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()),
		)
		s.alert(ctx, EventSettlementFailed, m.ID, "Settlement failed",
			fmt.Sprintf("market %s (%s): %v", m.ID, m.Title, err))
		return nil, true, fmt.Errorf("settlement: market %s: %w", m.ID, err)
	}

	s.metrics.Settled(stats.Source, stats.Outcome)
	s.logger.InfoContext(ctx, "market settled",
		slog.String("market_id", m.ID),
		slog.String("outcome", string(stats.Outcome)),
		slog.String("source", string(stats.Source)),
		slog.Int("orders", stats.TotalOrders),
		slog.Int("winning_orders", stats.WinningOrders),
		slog.Int("users", stats.AffectedUsers),
		slog.String("payout", stats.TotalPayout.String()),
	)
	if s.audit != nil {
		if err := s.audit.Log(ctx, "market_settled", map[string]any{
			"market_id":      stats.MarketID,
			"outcome":        stats.Outcome,
			"source":         stats.Source,
			"total_orders":   stats.TotalOrders,
			"winning_orders": stats.WinningOrders,
			"affected_users": stats.AffectedUsers,
			"total_payout":   stats.TotalPayout.String(),
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	publish(ctx, s.bus, s.logger, domain.ChannelSettlement, "market.settled", stats)
	return &stats, true, nil
}

// decide prefers a definitive external resolution. Bound markets wait up to
// ExternalWait past closing for one before falling back to volume.
func (s *Settlement) decide(ctx context.Context, m domain.Market) (domain.Outcome, domain.SettlementSource, bool) {
	if m.IsBound() {
		inst, err := s.source.GetInstrument(ctx, *m.ExternalID)
		if err != nil {
			s.logger.DebugContext(ctx, "external resolution unavailable",
				slog.String("market_id", m.ID),
				slog.String("external_id", *m.ExternalID),
				slog.String("error", err.Error()),
			)
		} else {
			if outcome, ok := inst.Resolution.Outcome(); ok {
				return outcome, domain.SettlementSourceExternal, true
			}
			if inst.Resolution.Kind == domain.ResolutionUnparseable {
				s.logger.WarnContext(ctx, "unparseable external resolution",
					slog.String("market_id", m.ID),
					slog.String("external_id", *m.ExternalID),
					slog.String("raw", inst.Resolution.Raw),
				)
				s.alert(ctx, EventResolutionUnparseable, m.ID, "Unparseable resolution",
					fmt.Sprintf("market %s external %s: %s", m.ID, *m.ExternalID, inst.Resolution.Raw))
			}
		}
		if s.now().Before(m.ClosingDate.Add(s.cfg.ExternalWait)) {
			return "", "", false
		}
	}
	return VolumeOutcome(m), domain.SettlementSourceVolume, true
}

// VolumeOutcome is the fallback decision: the side with strictly more
// accumulated volume wins and a tie is a push.
func VolumeOutcome(m domain.Market) domain.Outcome {
	switch m.TotalYes.Cmp(m.TotalNo) {
	case 1:
		return domain.OutcomeYes
	case -1:
		return domain.OutcomeNo
	default:
		return domain.OutcomeCanceled
	}
}

// apply writes the outcome, retrying once on a storage error.
func (s *Settlement) apply(ctx context.Context, marketID string, outcome domain.Outcome, source domain.SettlementSource) (domain.SettlementStats, error) {
	stats, err := s.store.ApplyOutcome(ctx, marketID, outcome, source)
	if err == nil || errors.Is(err, domain.ErrAlreadySettled) || errors.Is(err, domain.ErrNotFound) {
		return stats, err
	}
	s.logger.WarnContext(ctx, "settlement write failed, retrying",
		slog.String("market_id", marketID),
		slog.String("error", err.Error()),
	)
	select {
	case <-ctx.Done():
		return domain.SettlementStats{}, ctx.Err()
	case <-time.After(s.cfg.RetryDelay):
	}
	return s.store.ApplyOutcome(ctx, marketID, outcome, source)
}

// alert notifies once per market and event until the market leaves the
// settlement queue.
func (s *Settlement) alert(ctx context.Context, event, marketID, title, message string) {
	if s.alerter == nil {
		return
	}
	s.alertMu.Lock()
	events := s.alerted[marketID]
	if events == nil {
		events = make(map[string]bool)
		s.alerted[marketID] = events
	}
	seen := events[event]
	events[event] = true
	s.alertMu.Unlock()
	if seen {
		return
	}
	if err := s.alerter.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
	}
}

func (s *Settlement) forgetAlerts(marketID string) {
	s.alertMu.Lock()
	delete(s.alerted, marketID)
	s.alertMu.Unlock()
}

func (s *Settlement) archiveReport(ctx context.Context, res SettlementRunResult) {
	if s.archive == nil || res.Settled == 0 {
		return
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		s.logger.WarnContext(ctx, "encode settlement report failed", slog.String("error", err.Error()))
		return
	}
	path := fmt.Sprintf("%s/%s/%s.json", s.cfg.ArchivePrefix, res.StartedAt.Format("2006/01/02"), res.RunID)
	if err := s.archive.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		s.logger.WarnContext(ctx, "archive settlement report failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
