package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// StateStore holds the pipeline's shared low-latency state: the global
// enable flag and the per-job heartbeat.
type StateStore interface {
	// SchedulerEnabled reports the global enable flag. A missing flag reads
	// as enabled; a read failure is returned to the caller, which decides
	// whether to fail open.
	SchedulerEnabled(ctx context.Context) (bool, error)
	SetSchedulerEnabled(ctx context.Context, enabled bool) error
	WriteHeartbeat(ctx context.Context, hb Heartbeat) error
	Heartbeats(ctx context.Context) ([]Heartbeat, error)
}

// Heartbeat is the last-tick record of one scheduler job. It is overwritten
// on every tick and never kept as history.
type Heartbeat struct {
	Job      string        `json:"job"`
	Status   string        `json:"status"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration_ns"`
	Detail   string        `json:"detail,omitempty"`
}

// Heartbeat statuses.
const (
	HeartbeatOK       = "ok"
	HeartbeatFailed   = "failed"
	HeartbeatDisabled = "disabled"
	HeartbeatSkipped  = "skipped"
)

// PriceCache stores the last price written per market for differential
// comparison. Entries are ephemeral.
type PriceCache interface {
	GetPrice(ctx context.Context, marketID string) (price decimal.Decimal, found bool, err error)
	SetPrice(ctx context.Context, marketID string, price decimal.Decimal) error
}

// Lease is a TTL'd exclusive claim on a named resource, used to keep two
// scheduler processes from running the same job at once.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// QueueStats is a point-in-time view of a work queue.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Backlog is the number of tasks not yet finished.
func (s QueueStats) Backlog() int64 {
	return s.Waiting + s.Active + s.Delayed
}

// PriceQueue is the at-least-once queue between the odds sync and the
// durable-write worker.
type PriceQueue interface {
	Enqueue(ctx context.Context, tasks ...PriceUpdateTask) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (QueueStats, error)
}

// PriceDelivery is one queued price update handed to a worker. It must be
// settled with Ack or Retry.
type PriceDelivery struct {
	ID      string
	Attempt int
	Task    PriceUpdateTask
	Payload []byte
}

// PriceConsumer is the worker side of the price queue.
type PriceConsumer interface {
	Fetch(ctx context.Context, consumer string, count int, block time.Duration) ([]PriceDelivery, error)
	Ack(ctx context.Context, d PriceDelivery) error
	// Retry reschedules a failed delivery and reports whether it will be
	// attempted again.
	Retry(ctx context.Context, d PriceDelivery) (bool, error)
}

// EventBus fans out pipeline events to live subscribers.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// InstrumentCache holds the binder's snapshot of open reference instruments
// so that several processes share one fetch per TTL.
type InstrumentCache interface {
	Get(ctx context.Context) (instruments []Instrument, found bool, err error)
	Set(ctx context.Context, instruments []Instrument) error
	Invalidate(ctx context.Context) error
}
