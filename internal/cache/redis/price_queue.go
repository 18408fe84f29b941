package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/marketfactory/internal/domain"
)

// PriceQueue is the typed "odds-sync" queue of domain.PriceUpdateTask.
type PriceQueue struct {
	q *WorkQueue
}

// NewPriceQueue wraps a WorkQueue carrying price updates.
func NewPriceQueue(q *WorkQueue) *PriceQueue {
	return &PriceQueue{q: q}
}

// Enqueue pushes tasks in one round trip.
func (pq *PriceQueue) Enqueue(ctx context.Context, tasks ...domain.PriceUpdateTask) error {
	payloads := make([][]byte, 0, len(tasks))
	for _, t := range tasks {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("redis: marshal price task %s: %w", t.MarketID, err)
		}
		payloads = append(payloads, data)
	}
	return pq.q.Push(ctx, payloads...)
}

// Fetch returns up to count decoded deliveries. Undecodable payloads are
// dead-lettered rather than returned.
func (pq *PriceQueue) Fetch(ctx context.Context, consumer string, count int, block time.Duration) ([]domain.PriceDelivery, error) {
	ds, err := pq.q.Fetch(ctx, consumer, count, block)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PriceDelivery, 0, len(ds))
	for _, d := range ds {
		var t domain.PriceUpdateTask
		if err := json.Unmarshal(d.Payload, &t); err != nil {
			_ = pq.q.deadLetter(ctx, d.ID, d.Payload)
			continue
		}
		out = append(out, domain.PriceDelivery{ID: d.ID, Attempt: d.Attempt, Task: t, Payload: d.Payload})
	}
	return out, nil
}

// Ack marks a delivery done.
func (pq *PriceQueue) Ack(ctx context.Context, d domain.PriceDelivery) error {
	return pq.q.Ack(ctx, toDelivery(d))
}

// Retry reschedules or dead-letters a failed delivery.
func (pq *PriceQueue) Retry(ctx context.Context, d domain.PriceDelivery) (bool, error) {
	return pq.q.Retry(ctx, toDelivery(d))
}

func toDelivery(d domain.PriceDelivery) Delivery {
	return Delivery{ID: d.ID, Attempt: d.Attempt, Payload: d.Payload}
}

// Clear obliterates the queue.
func (pq *PriceQueue) Clear(ctx context.Context) error {
	return pq.q.Clear(ctx)
}

// Stats reports queue depth and counters.
func (pq *PriceQueue) Stats(ctx context.Context) (domain.QueueStats, error) {
	return pq.q.Stats(ctx)
}

// Compile-time interface check.
var (
	_ domain.PriceQueue    = (*PriceQueue)(nil)
	_ domain.PriceConsumer = (*PriceQueue)(nil)
)
