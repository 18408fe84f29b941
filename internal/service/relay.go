package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/metrics"
)

// MarketBinder finds a reference instrument for a market. *Binder satisfies
// it.
type MarketBinder interface {
	BindMarket(ctx context.Context, m domain.Market, t domain.MarketTemplate) (string, bool)
}

// MarketSyncer pulls a fresh price for one market. *OddsSync satisfies it.
type MarketSyncer interface {
	SyncMarket(ctx context.Context, m domain.Market) (bool, error)
}

// RelayConfig tunes market generation.
type RelayConfig struct {
	// Buffer is how far ahead of now the latest market must close; below it
	// the next instance is created. Zero means one template period.
	Buffer           time.Duration
	MaxBatch         int
	AlignToPeriod    bool
	FailureThreshold int
	BindLimit        int
	SyncOnBind       bool
	MaxUnboundAge    time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 4
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.BindLimit <= 0 {
		c.BindLimit = 200
	}
	if c.MaxUnboundAge <= 0 {
		c.MaxUnboundAge = 24 * time.Hour
	}
	return c
}

// RelayResult summarises one relay pass.
type RelayResult struct {
	Templates int           `json:"templates"`
	Created   int           `json:"created"`
	Bound     int           `json:"bound"`
	Failed    int           `json:"failed"`
	Paused    int           `json:"paused"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Relay keeps a forward supply of OPEN markets for every active template and
// binds new markets to reference instruments.
type Relay struct {
	templates domain.TemplateStore
	markets   domain.MarketStore
	binder    MarketBinder
	syncer    MarketSyncer
	alerter   Alerter
	audit     domain.AuditStore
	bus       domain.EventBus
	metrics   *metrics.Metrics
	cfg       RelayConfig
	logger    *slog.Logger
	now       func() time.Time
}

// RelayDeps groups the optional collaborators of the relay. Any may be nil.
type RelayDeps struct {
	Syncer  MarketSyncer
	Alerter Alerter
	Audit   domain.AuditStore
	Bus     domain.EventBus
	Metrics *metrics.Metrics
}

// NewRelay creates a Relay engine.
func NewRelay(
	templates domain.TemplateStore,
	markets domain.MarketStore,
	binder MarketBinder,
	deps RelayDeps,
	cfg RelayConfig,
	logger *slog.Logger,
) *Relay {
	return &Relay{
		templates: templates,
		markets:   markets,
		binder:    binder,
		syncer:    deps.Syncer,
		alerter:   deps.Alerter,
		audit:     deps.Audit,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(slog.String("component", "relay")),
		now:       time.Now,
	}
}

// Run generates missing markets for every active template, then binds
// unbound OPEN markets. A failing template never blocks the others; the
// returned error joins every template failure.
func (r *Relay) Run(ctx context.Context) (RelayResult, error) {
	res := RelayResult{StartedAt: r.now().UTC()}

	templates, err := r.templates.ListActive(ctx)
	if err != nil {
		return res, fmt.Errorf("relay: list templates: %w", err)
	}
	res.Templates = len(templates)

	byID := make(map[string]domain.MarketTemplate, len(templates))
	var errs []error
	for _, t := range templates {
		byID[t.ID] = t
		created, err := r.ensureSupply(ctx, t)
		res.Created += created
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("template %s: %w", t.ID, err))
			if r.recordFailure(ctx, t, err) {
				res.Paused++
			}
			continue
		}
		if t.FailureCount > 0 {
			if err := r.templates.ResetFailures(ctx, t.ID); err != nil {
				r.logger.WarnContext(ctx, "reset failures failed",
					slog.String("template_id", t.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	res.Bound = r.bindPass(ctx, byID)
	res.Duration = r.now().Sub(res.StartedAt)
	r.metrics.ObserveRelay(res.Created, res.Bound, res.Failed, res.Paused)
	r.logger.InfoContext(ctx, "relay pass complete",
		slog.Int("templates", res.Templates),
		slog.Int("created", res.Created),
		slog.Int("bound", res.Bound),
		slog.Int("failed", res.Failed),
		slog.Int("paused", res.Paused),
		slog.Duration("duration", res.Duration),
	)
	if len(errs) > 0 {
		return res, fmt.Errorf("relay: %d templates failed: %w", len(errs), errors.Join(errs...))
	}
	return res, nil
}

// ensureSupply creates instances of t until its latest market closes at
// least Buffer after now, bounded by MaxBatch.
func (r *Relay) ensureSupply(ctx context.Context, t domain.MarketTemplate) (int, error) {
	if t.PeriodMinutes <= 0 {
		return 0, fmt.Errorf("%w: period_minutes must be positive", domain.ErrInvalidTemplate)
	}
	now := r.now().UTC().Truncate(time.Second)
	buffer := r.cfg.Buffer
	if buffer <= 0 {
		buffer = t.Period()
	}

	var next time.Time
	latest, err := r.markets.LatestForTemplate(ctx, t.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		next = r.firstClosing(now, t)
	case err != nil:
		return 0, fmt.Errorf("latest market: %w", err)
	default:
		if latest.ClosingDate.Sub(now) >= buffer {
			return 0, nil
		}
		next = r.nextClosing(latest.ClosingDate, now, t)
	}

	created := 0
	for i := 0; i < r.cfg.MaxBatch; i++ {
		m, isNew, err := r.markets.Create(ctx, t, next)
		if err != nil {
			return created, fmt.Errorf("create market closing %s: %w", next.Format(time.RFC3339), err)
		}
		if isNew {
			created++
			r.logger.InfoContext(ctx, "market created",
				slog.String("template_id", t.ID),
				slog.String("market_id", m.ID),
				slog.Time("closing_date", m.ClosingDate),
			)
			publish(ctx, r.bus, r.logger, domain.ChannelRelay, "market.created", map[string]any{
				"market_id":    m.ID,
				"template_id":  t.ID,
				"closing_date": m.ClosingDate,
			})
		}
		if m.ClosingDate.Sub(now) >= buffer {
			break
		}
		next = r.nextClosing(m.ClosingDate, now, t)
	}
	return created, nil
}

func (r *Relay) firstClosing(now time.Time, t domain.MarketTemplate) time.Time {
	if r.cfg.AlignToPeriod {
		return NextBoundary(now, t.PeriodMinutes)
	}
	return now.Add(t.Period())
}

// nextClosing returns the slot after prev, skipping slots already in the
// past.
func (r *Relay) nextClosing(prev, now time.Time, t domain.MarketTemplate) time.Time {
	if r.cfg.AlignToPeriod {
		next := NextBoundary(prev, t.PeriodMinutes)
		if !next.After(now) {
			next = NextBoundary(now, t.PeriodMinutes)
		}
		return next
	}
	period := t.Period()
	next := prev.Add(period)
	if !next.After(now) {
		behind := now.Sub(next)
		next = next.Add((behind/period + 1) * period)
	}
	return next
}

// recordFailure counts a failure against t and reports whether it tripped
// the circuit breaker.
func (r *Relay) recordFailure(ctx context.Context, t domain.MarketTemplate, cause error) bool {
	reason := cause.Error()
	count, paused, err := r.templates.RecordFailure(ctx, t.ID, r.cfg.FailureThreshold, reason)
	if err != nil {
		r.logger.ErrorContext(ctx, "record template failure failed",
			slog.String("template_id", t.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	r.logger.WarnContext(ctx, "template generation failed",
		slog.String("template_id", t.ID),
		slog.Int("failure_count", count),
		slog.String("error", reason),
	)
	if !paused {
		return false
	}

	r.logger.ErrorContext(ctx, "template paused by circuit breaker",
		slog.String("template_id", t.ID),
		slog.Int("failure_count", count),
	)
	r.auditLog(ctx, "template_paused", map[string]any{
		"template_id":   t.ID,
		"failure_count": count,
		"reason":        reason,
	})
	if r.alerter != nil {
		msg := fmt.Sprintf("template %s (%s) paused after %d consecutive failures: %s", t.ID, t.Name, count, reason)
		if err := r.alerter.Notify(ctx, EventTemplatePaused, "Template paused", msg); err != nil {
			r.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
		}
	}
	return true
}

// bindPass offers every unbound OPEN template market to the binder and
// persists hits. templates caches the active set; paused templates are
// loaded on demand.
func (r *Relay) bindPass(ctx context.Context, templates map[string]domain.MarketTemplate) int {
	markets, err := r.markets.ListOpenUnbound(ctx, r.cfg.BindLimit)
	if err != nil {
		r.logger.WarnContext(ctx, "list unbound markets failed", slog.String("error", err.Error()))
		return 0
	}

	bound := 0
	for _, m := range markets {
		if ctx.Err() != nil {
			break
		}
		if !m.IsFactory() || m.IsBound() {
			continue
		}
		t, ok := templates[*m.TemplateID]
		if !ok {
			t, err = r.templates.GetByID(ctx, *m.TemplateID)
			if err != nil {
				continue
			}
			templates[t.ID] = t
		}

		externalID, ok := r.binder.BindMarket(ctx, m, t)
		if !ok {
			continue
		}
		if err := r.markets.SetExternalID(ctx, m.ID, externalID); err != nil {
			if !errors.Is(err, domain.ErrAlreadyBound) {
				r.logger.WarnContext(ctx, "persist binding failed",
					slog.String("market_id", m.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		bound++
		m.ExternalID = &externalID
		publish(ctx, r.bus, r.logger, domain.ChannelRelay, "market.bound", map[string]any{
			"market_id":   m.ID,
			"external_id": externalID,
		})

		if r.cfg.SyncOnBind && r.syncer != nil {
			if _, err := r.syncer.SyncMarket(ctx, m); err != nil {
				r.logger.WarnContext(ctx, "sync after bind failed",
					slog.String("market_id", m.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return bound
}

// Cleanup deletes OPEN template markets that never bound within
// MaxUnboundAge and hold no positions.
func (r *Relay) Cleanup(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.cfg.MaxUnboundAge)
	n, err := r.markets.DeleteUnboundBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("relay: cleanup: %w", err)
	}
	r.logger.InfoContext(ctx, "unbound markets removed",
		slog.Int64("deleted", n),
		slog.Time("cutoff", cutoff),
	)
	if n > 0 {
		r.auditLog(ctx, "unbound_cleanup", map[string]any{"deleted": n, "cutoff": cutoff})
	}
	return n, nil
}

// auditLog records an audit row. The audit trail never blocks the relay; a
// failed write is logged.
func (r *Relay) auditLog(ctx context.Context, event string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
