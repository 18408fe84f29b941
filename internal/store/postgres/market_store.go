package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketfactory/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketSelectCols = `id, template_id, title, symbol, period_minutes, status,
	closing_date, external_id, resolved_outcome, total_yes, total_no,
	yes_price, no_price, outcome_prices, yes_probability, no_probability,
	prices_updated_at, created_at, updated_at, resolved_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status string
	var outcome *string
	var pricesJSON []byte

	err := row.Scan(
		&m.ID, &m.TemplateID, &m.Title, &m.Symbol, &m.PeriodMinutes, &status,
		&m.ClosingDate, &m.ExternalID, &outcome, &m.TotalYes, &m.TotalNo,
		&m.Prices.YesPrice, &m.Prices.NoPrice, &pricesJSON,
		&m.Prices.YesProbability, &m.Prices.NoProbability,
		&m.Prices.UpdatedAt, &m.CreatedAt, &m.UpdatedAt, &m.ResolvedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	if outcome != nil {
		o := domain.Outcome(*outcome)
		m.ResolvedOutcome = &o
	}
	if len(pricesJSON) > 0 {
		if err := json.Unmarshal(pricesJSON, &m.Prices.OutcomePrices); err != nil {
			return domain.Market{}, fmt.Errorf("unmarshal outcome prices: %w", err)
		}
	}
	return m, nil
}

func collectMarkets(rows pgx.Rows) ([]domain.Market, error) {
	defer rows.Close()
	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MarketStore) queryMarkets(ctx context.Context, op, where string, args ...any) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	out, err := collectMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s scan: %w", op, err)
	}
	return out, nil
}

// GetByID retrieves a single market.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// Create inserts the instance of t closing at closingDate. The unique index on
// (template_id, closing_date) makes a repeated call return the existing row.
func (s *MarketStore) Create(ctx context.Context, t domain.MarketTemplate, closingDate time.Time) (domain.Market, bool, error) {
	closingDate = closingDate.UTC().Truncate(time.Second)

	const query = `
		INSERT INTO markets (id, template_id, title, symbol, period_minutes, status, closing_date)
		VALUES ($1, $2, $3, $4, $5, 'OPEN', $6)
		ON CONFLICT (template_id, closing_date) WHERE template_id IS NOT NULL DO NOTHING
		RETURNING ` + marketSelectCols

	m, err := scanMarket(s.pool.QueryRow(ctx, query,
		uuid.NewString(), t.ID, t.TitleFor(closingDate), t.Symbol, t.PeriodMinutes, closingDate,
	))
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, false, fmt.Errorf("postgres: create market for template %s: %w", t.ID, err)
	}

	existing, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE template_id = $1 AND closing_date = $2`,
		t.ID, closingDate,
	))
	if err != nil {
		return domain.Market{}, false, fmt.Errorf("postgres: load existing market for template %s: %w", t.ID, err)
	}
	return existing, false, nil
}

// LatestForTemplate returns the template's market with the latest closing date.
func (s *MarketStore) LatestForTemplate(ctx context.Context, templateID string) (domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets
		WHERE template_id = $1 ORDER BY closing_date DESC LIMIT 1`
	m, err := scanMarket(s.pool.QueryRow(ctx, query, templateID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: latest market for template %s: %w", templateID, err)
	}
	return m, nil
}

// ListOpenUnbound returns OPEN template markets still waiting for an
// external id, soonest closing first.
func (s *MarketStore) ListOpenUnbound(ctx context.Context, limit int) ([]domain.Market, error) {
	return s.queryMarkets(ctx, "list open unbound markets",
		`status = 'OPEN' AND external_id IS NULL AND template_id IS NOT NULL
		 ORDER BY closing_date ASC LIMIT $1`, limitOrDefault(limit))
}

// ListOpenBound returns OPEN markets with an external id, the odds sync set.
func (s *MarketStore) ListOpenBound(ctx context.Context, limit int) ([]domain.Market, error) {
	return s.queryMarkets(ctx, "list open bound markets",
		`status = 'OPEN' AND external_id IS NOT NULL
		 ORDER BY closing_date ASC LIMIT $1`, limitOrDefault(limit))
}

// ListExpiredUnresolved returns markets past their closing date with no
// recorded outcome.
func (s *MarketStore) ListExpiredUnresolved(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	return s.queryMarkets(ctx, "list expired unresolved markets",
		`closing_date <= $1 AND resolved_outcome IS NULL AND status NOT IN ('RESOLVED', 'CANCELED')
		 ORDER BY closing_date ASC LIMIT $2`, now, limitOrDefault(limit))
}

// SetExternalID binds id to externalID unless it is already bound.
func (s *MarketStore) SetExternalID(ctx context.Context, id, externalID string) error {
	const query = `
		UPDATE markets SET external_id = $2, updated_at = NOW()
		WHERE id = $1 AND external_id IS NULL`
	tag, err := s.pool.Exec(ctx, query, id, externalID)
	if err != nil {
		return fmt.Errorf("postgres: bind market %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}
	return domain.ErrAlreadyBound
}

// UpdatePrices overwrites the market's price snapshot. Settled markets are
// left alone so a late queue delivery cannot touch them.
func (s *MarketStore) UpdatePrices(ctx context.Context, task domain.PriceUpdateTask) error {
	prices := make([]string, len(task.OutcomePrices))
	for i, p := range task.OutcomePrices {
		prices[i] = p.String()
	}
	pricesJSON, err := json.Marshal(prices)
	if err != nil {
		return fmt.Errorf("postgres: marshal outcome prices %s: %w", task.MarketID, err)
	}

	const query = `
		UPDATE markets SET
			yes_price         = $2::numeric,
			no_price          = $3::numeric,
			outcome_prices    = $4,
			yes_probability   = $5,
			no_probability    = $6,
			prices_updated_at = $7,
			updated_at        = NOW()
		WHERE id = $1 AND status IN ('OPEN', 'CLOSED')`
	_, err = s.pool.Exec(ctx, query,
		task.MarketID, task.YesPrice.String(), task.NoPrice.String(), pricesJSON,
		task.YesProbability, task.NoProbability, task.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update prices %s: %w", task.MarketID, err)
	}
	return nil
}

// CloseExpired moves OPEN markets past their closing date to CLOSED.
func (s *MarketStore) CloseExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = 'CLOSED', updated_at = NOW() WHERE status = 'OPEN' AND closing_date <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: close expired markets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteUnboundBefore removes OPEN template markets that never bound, hold no
// positions and were created before cutoff.
func (s *MarketStore) DeleteUnboundBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		DELETE FROM markets m
		WHERE m.status = 'OPEN'
		  AND m.external_id IS NULL
		  AND m.template_id IS NOT NULL
		  AND m.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM positions p WHERE p.market_id = m.id)`
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete unbound markets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats summarises template and market counts.
func (s *MarketStore) Stats(ctx context.Context) (domain.FactoryStats, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM market_templates),
			(SELECT COUNT(*) FROM market_templates WHERE status = 'ACTIVE'),
			COUNT(*) FILTER (WHERE status = 'OPEN'),
			COUNT(*) FILTER (WHERE status = 'OPEN' AND external_id IS NULL),
			COUNT(*) FILTER (WHERE status = 'CLOSED'),
			COUNT(*) FILTER (WHERE status = 'RESOLVED' AND resolved_outcome <> 'CANCELED'),
			COUNT(*) FILTER (WHERE status = 'CANCELED' OR resolved_outcome = 'CANCELED'),
			(SELECT COALESCE(SUM(payout), 0)::text FROM positions WHERE status = 'CLOSED')
		FROM markets`

	var st domain.FactoryStats
	var payout string
	err := s.pool.QueryRow(ctx, query).Scan(
		&st.Templates, &st.ActiveTemplates, &st.OpenMarkets, &st.OpenUnbound,
		&st.ClosedPending, &st.Resolved, &st.Canceled, &payout,
	)
	if err != nil {
		return domain.FactoryStats{}, fmt.Errorf("postgres: factory stats: %w", err)
	}
	st.TotalPayout, err = decimal.NewFromString(payout)
	if err != nil {
		return domain.FactoryStats{}, fmt.Errorf("postgres: parse total payout: %w", err)
	}
	return st, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 500
	}
	return limit
}

var _ domain.MarketStore = (*MarketStore)(nil)
