package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/service"
)

// A BTC/USD 15 minute template goes from creation to payout.
func TestPipeline_BTCQuarterHourLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)}
	wantClosing := time.Date(2025, 1, 2, 15, 15, 0, 0, time.UTC)

	store := newMemStore()
	store.addTemplate(domain.MarketTemplate{ID: "t1", Name: "BTC 15m", Symbol: "BTC/USD", PeriodMinutes: 15})

	src := newFakeSource()
	btc := domain.Instrument{
		ID:            "42",
		Title:         "BTC 15 minute",
		EndDate:       timePtr(wantClosing),
		Volume:        1200,
		OutcomePrices: []decimal.Decimal{dec("0.63"), dec("0.37")},
	}
	src.instruments = []domain.Instrument{
		{ID: "7", Title: "Ethereum Up or Down 15 minute", EndDate: timePtr(wantClosing)},
		btc,
	}
	src.set(btc)

	cache := newFakePriceCache()
	queue := &fakeQueue{maxAttempt: 3}
	sync := service.NewOddsSync(store, src, cache, queue, nil, service.OddsSyncConfig{}, discardLogger())
	sync.SetClock(clock.Now)

	binder := service.NewBinder(src, &fakeInstrumentCache{}, service.BinderConfig{}, discardLogger())
	relay := service.NewRelay(templateStore{store}, store, binder, service.RelayDeps{Syncer: sync},
		service.RelayConfig{SyncOnBind: true}, discardLogger())
	relay.SetClock(clock.Now)

	// Relay: one market, one period out, bound and priced immediately.
	res, err := relay.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Bound)

	ms := store.marketsFor("t1")
	require.Len(t, ms, 1)
	m := ms[0]
	assert.Equal(t, wantClosing, m.ClosingDate)
	require.NotNil(t, m.ExternalID)
	assert.Equal(t, "42", *m.ExternalID)

	tasks, _, _ := queue.snapshot()
	require.Len(t, tasks, 1)
	assert.True(t, dec("0.63").Equal(tasks[0].YesPrice))

	// Worker persists the queued price.
	writer := service.NewOddsWriter(queue, store, nil, nil, service.OddsWriterConfig{}, discardLogger())
	for i, task := range tasks {
		d := domain.PriceDelivery{ID: fmt.Sprintf("%d-0", i), Attempt: 1, Task: task}
		require.NoError(t, writer.Handle(ctx, d))
	}
	assert.Equal(t, 63, store.market(m.ID).Prices.YesProbability)

	// A scheduled sync with the same price is filtered.
	syncRes, err := sync.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, syncRes.Filtered)
	assert.Equal(t, 100, syncRes.DiffHitRate)

	// Someone takes the YES side before the close.
	store.addPosition(domain.Position{ID: "p1", MarketID: m.ID, UserID: "alice", Side: domain.SideYes, Shares: dec("10"), Cost: dec("6.3")})

	// After closing the reference resolves YES.
	clock.t = wantClosing.Add(time.Minute)
	btc.Closed = true
	btc.Resolution = domain.Resolution{Kind: domain.ResolutionYes}
	src.set(btc)

	_, err = sync.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusClosed, store.market(m.ID).Status)

	settle := service.NewSettlement(store, store, src, service.SettlementDeps{},
		service.SettlementConfig{ExternalWait: 10 * time.Minute}, discardLogger())
	settle.SetClock(clock.Now)

	sres, err := settle.Run(ctx)
	require.NoError(t, err)
	require.Len(t, sres.Markets, 1)
	assert.Equal(t, domain.OutcomeYes, sres.Markets[0].Outcome)
	assert.Equal(t, domain.SettlementSourceExternal, sres.Markets[0].Source)
	assert.True(t, dec("10").Equal(store.balance("alice")))

	final := store.market(m.ID)
	assert.Equal(t, domain.MarketStatusResolved, final.Status)
	require.NotNil(t, final.ResolvedOutcome)
	assert.Equal(t, domain.OutcomeYes, *final.ResolvedOutcome)
}
