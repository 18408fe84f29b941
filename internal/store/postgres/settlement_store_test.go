package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/store/postgres"
)

// openTestDB connects to FACTORY_TEST_DSN and applies the migrations. Tests
// that need it are skipped when the variable is unset.
func openTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("FACTORY_TEST_DSN")
	if dsn == "" {
		t.Skip("FACTORY_TEST_DSN not set")
	}
	ctx := context.Background()
	client, err := postgres.New(ctx, postgres.ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.RunMigrations(ctx))
	return client.Pool()
}

type settleDB struct {
	pool    *pgxpool.Pool
	markets *postgres.MarketStore
	store   *postgres.SettlementStore
	alice   string
	bob     string
}

// seedMarket creates a template, one closed market and two positions: alice
// holds 10 YES for 6, bob holds 5 NO for 2. User ids are unique per test so
// balances start at zero.
func seedMarket(t *testing.T) (*settleDB, string) {
	t.Helper()
	ctx := context.Background()
	pool := openTestDB(t)
	db := &settleDB{
		pool:    pool,
		markets: postgres.NewMarketStore(pool),
		store:   postgres.NewSettlementStore(pool),
		alice:   "alice-" + uuid.NewString(),
		bob:     "bob-" + uuid.NewString(),
	}

	tpl, err := postgres.NewTemplateStore(pool).Create(ctx, domain.MarketTemplate{Symbol: "BTC/USD", PeriodMinutes: 15})
	require.NoError(t, err)
	m, created, err := db.markets.Create(ctx, tpl, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, created)
	_, err = pool.Exec(ctx, `UPDATE markets SET status = 'CLOSED' WHERE id = $1`, m.ID)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		INSERT INTO positions (id, market_id, user_id, side, shares, cost) VALUES
			($1, $3, $4, 'YES', 10, 6),
			($2, $3, $5, 'NO', 5, 2)`,
		uuid.NewString(), uuid.NewString(), m.ID, db.alice, db.bob)
	require.NoError(t, err)
	return db, m.ID
}

func (db *settleDB) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	var s *string
	err := db.pool.QueryRow(context.Background(),
		`SELECT (SELECT available::text FROM balances WHERE user_id = $1)`, user).Scan(&s)
	require.NoError(t, err)
	if s == nil {
		return decimal.Zero
	}
	return decimal.RequireFromString(*s)
}

func (db *settleDB) openPositions(t *testing.T, marketID string) int {
	t.Helper()
	var n int
	err := db.pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM positions WHERE market_id = $1 AND status = 'OPEN'`, marketID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestSettlementStore_ApplyOutcomePaysWinnersOnce(t *testing.T) {
	ctx := context.Background()
	db, marketID := seedMarket(t)

	stats, err := db.store.ApplyOutcome(ctx, marketID, domain.OutcomeYes, domain.SettlementSourceExternal)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalOrders)
	assert.Equal(t, 1, stats.WinningOrders)
	assert.Equal(t, 2, stats.AffectedUsers)
	assert.True(t, stats.TotalPayout.Equal(decimal.NewFromInt(10)), stats.TotalPayout.String())

	assert.True(t, db.balance(t, db.alice).Equal(decimal.NewFromInt(10)))
	assert.True(t, db.balance(t, db.bob).IsZero())
	assert.Zero(t, db.openPositions(t, marketID))

	m, err := db.markets.GetByID(ctx, marketID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	require.NotNil(t, m.ResolvedOutcome)
	assert.Equal(t, domain.OutcomeYes, *m.ResolvedOutcome)

	_, err = db.store.ApplyOutcome(ctx, marketID, domain.OutcomeNo, domain.SettlementSourceVolume)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
	assert.True(t, db.balance(t, db.alice).Equal(decimal.NewFromInt(10)), "a second settlement credits nothing")
	assert.True(t, db.balance(t, db.bob).IsZero())
}

func TestSettlementStore_CanceledRefundsCost(t *testing.T) {
	ctx := context.Background()
	db, marketID := seedMarket(t)

	stats, err := db.store.ApplyOutcome(ctx, marketID, domain.OutcomeCanceled, domain.SettlementSourceVolume)
	require.NoError(t, err)
	assert.Zero(t, stats.WinningOrders)
	assert.True(t, stats.TotalPayout.Equal(decimal.NewFromInt(8)), stats.TotalPayout.String())
	assert.True(t, db.balance(t, db.alice).Equal(decimal.NewFromInt(6)))
	assert.True(t, db.balance(t, db.bob).Equal(decimal.NewFromInt(2)))

	var refunds int
	err = db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM settlement_credits WHERE market_id = $1 AND kind = 'refund'`, marketID).Scan(&refunds)
	require.NoError(t, err)
	assert.Equal(t, 2, refunds)
}

func TestSettlementStore_ConcurrentSettlersSerialise(t *testing.T) {
	ctx := context.Background()
	db, marketID := seedMarket(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = db.store.ApplyOutcome(ctx, marketID, domain.OutcomeYes, domain.SettlementSourceExternal)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadySettled)
	}
	assert.Equal(t, 1, ok)
	assert.True(t, db.balance(t, db.alice).Equal(decimal.NewFromInt(10)))
}

func TestSettlementStore_MissingMarket(t *testing.T) {
	pool := openTestDB(t)
	_, err := postgres.NewSettlementStore(pool).ApplyOutcome(context.Background(), uuid.NewString(),
		domain.OutcomeYes, domain.SettlementSourceVolume)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
