package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TemplateStore persists market templates.
type TemplateStore interface {
	Create(ctx context.Context, t MarketTemplate) (MarketTemplate, error)
	GetByID(ctx context.Context, id string) (MarketTemplate, error)
	List(ctx context.Context) ([]MarketTemplate, error)
	ListActive(ctx context.Context) ([]MarketTemplate, error)
	// RecordFailure increments the consecutive failure count and pauses the
	// template once threshold is reached. It returns the new count and
	// whether the template is now paused.
	RecordFailure(ctx context.Context, id string, threshold int, reason string) (count int, paused bool, err error)
	ResetFailures(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
}

// MarketStore persists markets.
type MarketStore interface {
	GetByID(ctx context.Context, id string) (Market, error)
	// Create inserts a market for template at closingDate. Creating the same
	// (template, closingDate) pair twice returns the existing market and
	// created=false.
	Create(ctx context.Context, t MarketTemplate, closingDate time.Time) (m Market, created bool, err error)
	LatestForTemplate(ctx context.Context, templateID string) (Market, error)
	ListOpenUnbound(ctx context.Context, limit int) ([]Market, error)
	ListOpenBound(ctx context.Context, limit int) ([]Market, error)
	ListExpiredUnresolved(ctx context.Context, now time.Time, limit int) ([]Market, error)
	// SetExternalID binds a market once. It returns ErrAlreadyBound when the
	// market already carries an external id.
	SetExternalID(ctx context.Context, id, externalID string) error
	UpdatePrices(ctx context.Context, task PriceUpdateTask) error
	// CloseExpired moves OPEN markets whose closing date has passed to
	// CLOSED and returns how many moved.
	CloseExpired(ctx context.Context, now time.Time) (int64, error)
	// DeleteUnboundBefore removes OPEN template markets that never bound to an
	// external instrument, hold no positions and were created before cutoff.
	DeleteUnboundBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (FactoryStats, error)
}

// SettlementStore applies market outcomes.
type SettlementStore interface {
	// ApplyOutcome settles one market in a single transaction: credits
	// positions, closes them and marks the market RESOLVED. A market that is
	// already settled yields ErrAlreadySettled and is left untouched.
	ApplyOutcome(ctx context.Context, marketID string, outcome Outcome, source SettlementSource) (SettlementStats, error)
}

// FactoryStats summarises factory market counts for operators.
type FactoryStats struct {
	Templates       int64           `json:"templates"`
	ActiveTemplates int64           `json:"active_templates"`
	OpenMarkets     int64           `json:"open_markets"`
	OpenUnbound     int64           `json:"open_unbound"`
	ClosedPending   int64           `json:"closed_pending"`
	Resolved        int64           `json:"resolved"`
	Canceled        int64           `json:"canceled"`
	TotalPayout     decimal.Decimal `json:"total_payout"`
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
