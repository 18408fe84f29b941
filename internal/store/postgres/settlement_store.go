package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketfactory/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewSettlementStore creates a new SettlementStore backed by the given connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool, now: time.Now}
}

// ApplyOutcome settles marketID in one transaction. The market row is locked
// first, so two concurrent settlers serialise and the second sees
// ErrAlreadySettled.
func (s *SettlementStore) ApplyOutcome(ctx context.Context, marketID string, outcome domain.Outcome, source domain.SettlementSource) (domain.SettlementStats, error) {
	stats := domain.SettlementStats{
		MarketID:    marketID,
		Outcome:     outcome,
		Source:      source,
		TotalPayout: decimal.Zero,
		SettledAt:   s.now().UTC(),
	}

	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockUnsettledMarket(ctx, tx, marketID); err != nil {
			return err
		}

		positions, err := openPositions(ctx, tx, marketID)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		users := make(map[string]struct{})
		for _, p := range positions {
			payout := p.PayoutFor(outcome)
			stats.TotalOrders++
			users[p.UserID] = struct{}{}
			if outcome != domain.OutcomeCanceled && payout.IsPositive() {
				stats.WinningOrders++
			}
			stats.TotalPayout = stats.TotalPayout.Add(payout)

			batch.Queue(`
				UPDATE positions SET status = 'CLOSED', payout = $2::numeric, closed_at = $3
				WHERE id = $1`, p.ID, payout.String(), stats.SettledAt)
			if !payout.IsPositive() {
				continue
			}
			batch.Queue(`
				INSERT INTO balances (user_id, available, updated_at) VALUES ($1, $2::numeric, $3)
				ON CONFLICT (user_id) DO UPDATE SET
					available  = balances.available + EXCLUDED.available,
					updated_at = EXCLUDED.updated_at`, p.UserID, payout.String(), stats.SettledAt)
			batch.Queue(`
				INSERT INTO settlement_credits (market_id, position_id, user_id, amount, kind)
				VALUES ($1, $2, $3, $4::numeric, $5)`,
				marketID, p.ID, p.UserID, payout.String(), creditKind(outcome))
		}
		stats.AffectedUsers = len(users)

		batch.Queue(`
			UPDATE markets SET
				status = 'RESOLVED', resolved_outcome = $2, settlement_source = $3,
				resolved_at = $4, updated_at = NOW()
			WHERE id = $1`, marketID, string(outcome), string(source), stats.SettledAt)

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: apply settlement %s: %w", marketID, err)
		}
		return nil
	})
	if err != nil {
		return domain.SettlementStats{}, err
	}
	return stats, nil
}

func lockUnsettledMarket(ctx context.Context, tx pgx.Tx, marketID string) error {
	var status string
	var outcome *string
	err := tx.QueryRow(ctx,
		`SELECT status, resolved_outcome FROM markets WHERE id = $1 FOR UPDATE`, marketID,
	).Scan(&status, &outcome)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: lock market %s: %w", marketID, err)
	}
	switch domain.MarketStatus(status) {
	case domain.MarketStatusResolved, domain.MarketStatusCanceled:
		return domain.ErrAlreadySettled
	}
	if outcome != nil {
		return domain.ErrAlreadySettled
	}
	return nil
}

func openPositions(ctx context.Context, tx pgx.Tx, marketID string) ([]domain.Position, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, user_id, side, shares::text, cost::text
		FROM positions WHERE market_id = $1 AND status = 'OPEN'
		ORDER BY id FOR UPDATE`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load positions %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var side, shares, cost string
		if err := rows.Scan(&p.ID, &p.UserID, &side, &shares, &cost); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		p.MarketID = marketID
		p.Side = domain.Side(side)
		p.Status = domain.PositionStatusOpen
		if p.Shares, err = decimal.NewFromString(shares); err != nil {
			return nil, fmt.Errorf("postgres: position %s shares: %w", p.ID, err)
		}
		if p.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("postgres: position %s cost: %w", p.ID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load positions %s rows: %w", marketID, err)
	}
	return out, nil
}

func creditKind(outcome domain.Outcome) string {
	if outcome == domain.OutcomeCanceled {
		return "refund"
	}
	return "payout"
}

var _ domain.SettlementStore = (*SettlementStore)(nil)
