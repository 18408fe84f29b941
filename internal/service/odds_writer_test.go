package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/service"
)

func delivery(id, marketID, yes string) domain.PriceDelivery {
	task, _ := domain.NewPriceUpdateTask(marketID, []decimal.Decimal{dec(yes)}, closing)
	return domain.PriceDelivery{ID: id, Attempt: 1, Task: task}
}

func TestOddsWriter_HandleWritesAndAcks(t *testing.T) {
	store := newMemStore()
	store.addMarket(domain.Market{ID: "m1", Status: domain.MarketStatusOpen})
	queue := &fakeQueue{}
	bus := &memBus{}
	w := service.NewOddsWriter(queue, store, bus, nil, service.OddsWriterConfig{}, discardLogger())

	require.NoError(t, w.Handle(context.Background(), delivery("1-0", "m1", "0.63")))

	_, acked, retried := queue.snapshot()
	assert.Equal(t, []string{"1-0"}, acked)
	assert.Empty(t, retried)
	assert.True(t, dec("0.63").Equal(store.market("m1").Prices.YesPrice))
	assert.Equal(t, 1, bus.count(domain.ChannelOdds))
}

func TestOddsWriter_HandleRetriesOnWriteFailure(t *testing.T) {
	store := newMemStore()
	store.updateErr = errors.New("connection reset")
	queue := &fakeQueue{maxAttempt: 3}
	w := service.NewOddsWriter(queue, store, nil, nil, service.OddsWriterConfig{}, discardLogger())

	err := w.Handle(context.Background(), delivery("1-0", "m1", "0.63"))
	require.Error(t, err)

	_, acked, retried := queue.snapshot()
	assert.Empty(t, acked)
	assert.Equal(t, []string{"1-0"}, retried)
}

func TestOddsWriter_RunDrainsQueue(t *testing.T) {
	store := newMemStore()
	store.addMarket(domain.Market{ID: "m1", Status: domain.MarketStatusOpen})
	store.addMarket(domain.Market{ID: "m2", Status: domain.MarketStatusOpen})
	queue := &fakeQueue{pending: []domain.PriceDelivery{
		delivery("1-0", "m1", "0.6"),
		delivery("2-0", "m2", "0.3"),
	}}
	w := service.NewOddsWriter(queue, store, nil, nil, service.OddsWriterConfig{Concurrency: 2}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, acked, _ := queue.snapshot()
		return len(acked) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}
	assert.True(t, dec("0.3").Equal(store.market("m2").Prices.YesPrice))
}
