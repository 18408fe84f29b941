package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/service"
)

type settleFixture struct {
	store   *memStore
	src     *fakeSource
	audit   *memAudit
	bus     *memBus
	blob    *memBlob
	alerter *recordingAlerter
	engine  *service.Settlement
	clock   *fakeClock
}

func newSettleFixture(t *testing.T) *settleFixture {
	t.Helper()
	f := &settleFixture{
		store:   newMemStore(),
		src:     newFakeSource(),
		audit:   &memAudit{},
		bus:     &memBus{},
		blob:    &memBlob{},
		alerter: &recordingAlerter{},
		clock:   &fakeClock{t: closing.Add(time.Minute)},
	}
	f.engine = service.NewSettlement(f.store, f.store, f.src, service.SettlementDeps{
		Audit:   f.audit,
		Archive: f.blob,
		Alerter: f.alerter,
		Bus:     f.bus,
	}, service.SettlementConfig{ExternalWait: 10 * time.Minute, RetryDelay: time.Millisecond}, discardLogger())
	f.engine.SetClock(f.clock.Now)
	return f
}

func (f *settleFixture) market(id string, externalID *string, yes, no string) {
	f.store.addMarket(domain.Market{
		ID:          id,
		Title:       "BTC Up or Down 15m",
		Status:      domain.MarketStatusClosed,
		ClosingDate: closing,
		ExternalID:  externalID,
		TotalYes:    dec(yes),
		TotalNo:     dec(no),
	})
	f.store.addPosition(domain.Position{ID: id + "-a", MarketID: id, UserID: "alice", Side: domain.SideYes, Shares: dec("10"), Cost: dec("6")})
	f.store.addPosition(domain.Position{ID: id + "-b", MarketID: id, UserID: "bob", Side: domain.SideNo, Shares: dec("5"), Cost: dec("2")})
}

func (f *settleFixture) resolve(externalID string, kind domain.ResolutionKind) {
	f.src.set(domain.Instrument{ID: externalID, Closed: true, Resolution: domain.Resolution{Kind: kind, Raw: `{"resolution":"??"}`}})
}

func TestSettlement_ExternalResolutionPaysWinners(t *testing.T) {
	f := newSettleFixture(t)
	f.market("m1", strPtr("42"), "0", "100")
	f.resolve("42", domain.ResolutionYes)

	res, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, 1, res.External)
	require.Len(t, res.Markets, 1)

	stats := res.Markets[0]
	assert.Equal(t, domain.OutcomeYes, stats.Outcome)
	assert.Equal(t, domain.SettlementSourceExternal, stats.Source)
	assert.Equal(t, 2, stats.TotalOrders)
	assert.Equal(t, 1, stats.WinningOrders)
	assert.Equal(t, 2, stats.AffectedUsers)
	assert.True(t, dec("10").Equal(stats.TotalPayout))

	m := f.store.market("m1")
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	require.NotNil(t, m.ResolvedOutcome)
	assert.Equal(t, domain.OutcomeYes, *m.ResolvedOutcome)
	assert.True(t, dec("10").Equal(f.store.balance("alice")))
	assert.True(t, f.store.balance("bob").IsZero())

	assert.Equal(t, []string{"market_settled"}, f.audit.events())
	assert.Equal(t, 1, f.bus.count(domain.ChannelSettlement))

	path := "settlements/2025/01/02/" + res.RunID + ".json"
	require.Contains(t, f.blob.objects, path)
	var report service.SettlementRunResult
	require.NoError(t, json.Unmarshal(f.blob.objects[path], &report))
	assert.Equal(t, 1, report.Settled)
}

func TestSettlement_IsIdempotent(t *testing.T) {
	f := newSettleFixture(t)
	f.market("m1", strPtr("42"), "0", "0")
	f.resolve("42", domain.ResolutionNo)
	stale := f.store.market("m1")

	_, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, dec("5").Equal(f.store.balance("bob")))

	res, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)

	// A caller holding a stale copy cannot pay out twice either.
	stats, decided, err := f.engine.SettleMarket(context.Background(), stale)
	require.NoError(t, err)
	assert.True(t, decided)
	assert.Nil(t, stats)
	assert.True(t, dec("5").Equal(f.store.balance("bob")))
	assert.True(t, f.store.balance("alice").IsZero())
}

func TestSettlement_TieIsCanceledAndRefunded(t *testing.T) {
	f := newSettleFixture(t)
	f.market("m1", nil, "100", "100")

	res, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Markets, 1)
	assert.Equal(t, 1, res.Fallback)
	assert.Equal(t, domain.OutcomeCanceled, res.Markets[0].Outcome)
	assert.Equal(t, domain.SettlementSourceVolume, res.Markets[0].Source)
	assert.Zero(t, res.Markets[0].WinningOrders)

	assert.True(t, dec("6").Equal(f.store.balance("alice")))
	assert.True(t, dec("2").Equal(f.store.balance("bob")))
	assert.Equal(t, domain.MarketStatusResolved, f.store.market("m1").Status)
}

func TestVolumeOutcome(t *testing.T) {
	tests := []struct {
		yes, no string
		want    domain.Outcome
	}{
		{"200", "100", domain.OutcomeYes},
		{"100", "200", domain.OutcomeNo},
		{"0", "0", domain.OutcomeCanceled},
		{"50.5", "50.50", domain.OutcomeCanceled},
	}
	for _, tc := range tests {
		m := domain.Market{TotalYes: dec(tc.yes), TotalNo: dec(tc.no)}
		assert.Equal(t, tc.want, service.VolumeOutcome(m), "%s vs %s", tc.yes, tc.no)
	}
}

func TestSettlement_WaitsForExternalBeforeFallback(t *testing.T) {
	f := newSettleFixture(t)
	f.market("m1", strPtr("42"), "300", "100")
	f.resolve("42", domain.ResolutionUnresolved)

	f.clock.t = closing.Add(5 * time.Minute)
	res, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Nil(t, f.store.market("m1").ResolvedOutcome)

	f.clock.t = closing.Add(11 * time.Minute)
	res, err = f.engine.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Markets, 1)
	assert.Equal(t, domain.SettlementSourceVolume, res.Markets[0].Source)
	assert.Equal(t, domain.OutcomeYes, res.Markets[0].Outcome)
}

func TestSettlement_SourceErrorDefersBoundMarket(t *testing.T) {
	f := newSettleFixture(t)
	f.market("m1", strPtr("42"), "300", "100")
	f.src.getErr["42"] = errors.New("timeout")

	res, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
}

func TestSettlement_RetriesWriteOnce(t *testing.T) {
	f := newSettleFixture(t)
	f.market("m1", nil, "1", "0")
	f.store.applyErrs = []error{errors.New("serialization failure")}

	res, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, 2, f.store.applyCalls)
}

func TestSettlement_PersistentWriteFailureLeavesMarketUnresolved(t *testing.T) {
	f := newSettleFixture(t)
	f.market("m1", nil, "1", "0")
	f.market("m2", nil, "0", "1")
	f.store.applyErrs = []error{errors.New("db down"), errors.New("db down")}

	res, err := f.engine.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Settled, "one failing market does not stop the scan")
	assert.Nil(t, f.store.market("m1").ResolvedOutcome)
	assert.True(t, f.store.balance("alice").IsZero(), "m1 paid nothing and m2 is a NO win")
	assert.Equal(t, 1, f.alerter.count(service.EventSettlementFailed))
}

func TestSettlement_UnparseableResolutionAlertsOnce(t *testing.T) {
	f := newSettleFixture(t)
	f.market("m1", strPtr("42"), "0", "0")
	f.resolve("42", domain.ResolutionUnparseable)

	for i := 0; i < 2; i++ {
		res, err := f.engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Deferred)
	}
	assert.Equal(t, 1, f.alerter.count(service.EventResolutionUnparseable))
}

func TestSettlement_SettledMarketsDropAlertState(t *testing.T) {
	f := newSettleFixture(t)
	f.market("m1", strPtr("42"), "3", "1")
	f.resolve("42", domain.ResolutionUnparseable)

	_, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.engine.AlertedMarkets())

	f.clock.Advance(15 * time.Minute)
	res, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fallback)
	assert.Zero(t, f.engine.AlertedMarkets())
	assert.Equal(t, 1, f.alerter.count(service.EventResolutionUnparseable))
}

func TestSettlement_NoArchiveWhenNothingSettled(t *testing.T) {
	f := newSettleFixture(t)

	res, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
	assert.Empty(t, f.blob.objects)
}
