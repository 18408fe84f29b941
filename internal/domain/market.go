package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen     MarketStatus = "OPEN"
	MarketStatusClosed   MarketStatus = "CLOSED"
	MarketStatusResolved MarketStatus = "RESOLVED"
	MarketStatusCanceled MarketStatus = "CANCELED"
)

// Outcome is the settled result of a market.
type Outcome string

const (
	OutcomeYes      Outcome = "YES"
	OutcomeNo       Outcome = "NO"
	OutcomeCanceled Outcome = "CANCELED"
)

// Market is one instance of a template (or a manually authored market).
// ResolvedOutcome is set if and only if Status is RESOLVED, and ExternalID
// never changes once it has been set.
type Market struct {
	ID              string
	TemplateID      *string
	Title           string
	Symbol          string
	PeriodMinutes   int
	Status          MarketStatus
	ClosingDate     time.Time
	ExternalID      *string
	ResolvedOutcome *Outcome
	TotalYes        decimal.Decimal
	TotalNo         decimal.Decimal
	Prices          PriceSnapshot
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}

// PriceSnapshot is the last known price of a market as written by the odds
// worker.
type PriceSnapshot struct {
	YesPrice       decimal.Decimal
	NoPrice        decimal.Decimal
	OutcomePrices  []string
	YesProbability int
	NoProbability  int
	UpdatedAt      *time.Time
}

// IsBound reports whether the market has an external reference instrument.
func (m Market) IsBound() bool {
	return m.ExternalID != nil && *m.ExternalID != ""
}

// IsFactory reports whether the market was generated from a template.
func (m Market) IsFactory() bool {
	return m.TemplateID != nil && *m.TemplateID != ""
}

// Settled reports whether an outcome has already been recorded.
func (m Market) Settled() bool {
	return m.ResolvedOutcome != nil || m.Status == MarketStatusResolved
}

// TemplateStatus toggles whether the relay engine generates markets for a
// template.
type TemplateStatus string

const (
	TemplateStatusActive TemplateStatus = "ACTIVE"
	TemplateStatusPaused TemplateStatus = "PAUSED"
)

// MarketTemplate is a reusable recipe for factory markets.
type MarketTemplate struct {
	ID            string
	Name          string
	Symbol        string // e.g. "BTC/USD"
	PeriodMinutes int
	MarketType    string
	Status        TemplateStatus
	SeriesID      *string
	FailureCount  int
	PauseReason   *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Active reports whether the relay engine should generate markets for t.
func (t MarketTemplate) Active() bool {
	return t.Status == TemplateStatusActive
}

// Validate checks the fields an operator must supply.
func (t MarketTemplate) Validate() error {
	if BaseAsset(t.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidTemplate)
	}
	if t.PeriodMinutes <= 0 {
		return fmt.Errorf("%w: period_minutes must be positive", ErrInvalidTemplate)
	}
	if t.Status != "" && t.Status != TemplateStatusActive && t.Status != TemplateStatusPaused {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTemplate, t.Status)
	}
	return nil
}

// TitleFor names the instance of t that closes at closing.
func (t MarketTemplate) TitleFor(closing time.Time) string {
	return fmt.Sprintf("%s Up or Down %s - %s UTC",
		t.Asset(), periodLabel(t.PeriodMinutes), closing.UTC().Format("Jan 2 15:04"))
}

func periodLabel(minutes int) string {
	switch {
	case minutes%10080 == 0:
		return fmt.Sprintf("%dw", minutes/10080)
	case minutes%1440 == 0:
		return fmt.Sprintf("%dd", minutes/1440)
	case minutes%60 == 0:
		return fmt.Sprintf("%dh", minutes/60)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// Asset returns the base asset of the template symbol, upper-cased
// ("BTC/USD" -> "BTC").
func (t MarketTemplate) Asset() string {
	return BaseAsset(t.Symbol)
}

// Period returns the template period as a duration.
func (t MarketTemplate) Period() time.Duration {
	return time.Duration(t.PeriodMinutes) * time.Minute
}

// BaseAsset upper-cases symbol and strips any quote currency.
func BaseAsset(symbol string) string {
	base, _, _ := strings.Cut(symbol, "/")
	return strings.ToUpper(strings.TrimSpace(base))
}
