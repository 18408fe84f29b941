package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/redis/go-redis/v9"
)

// failedKeep bounds the dead-letter list.
const failedKeep int64 = 1000

// QueueConfig configures a WorkQueue.
type QueueConfig struct {
	Name        string
	Group       string
	MaxAttempts int
	// Backoff is the delay before the second attempt; it doubles per retry.
	Backoff time.Duration
	// ClaimIdle reclaims deliveries a crashed consumer left pending for at
	// least this long. Zero disables reclaiming.
	ClaimIdle time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Group == "" {
		c.Group = "workers"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	return c
}

// Delivery is one task handed to a consumer. It must be settled with Ack or
// Retry.
type Delivery struct {
	ID      string
	Attempt int
	Payload []byte
}

type envelope struct {
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
}

// WorkQueue is an at-least-once task queue built on a Redis stream with a
// consumer group. Failed deliveries are parked in a sorted set scored by
// their due time and promoted back onto the stream once due.
//
// Key schema (prefix queue:{name}):
//
//	:stream   - stream of envelopes, entries deleted once settled
//	:delayed  - zset of envelopes awaiting retry, score = due unix ms
//	:counters - hash with completed / failed totals
//	:failed   - list of the most recent dead-lettered envelopes
type WorkQueue struct {
	rdb        *redis.Client
	cfg        QueueConfig
	stream     string
	delayed    string
	counters   string
	failed     string
	groupReady atomic.Bool
	now        func() time.Time
}

// NewWorkQueue creates a WorkQueue backed by the given Client.
func NewWorkQueue(c *Client, cfg QueueConfig) *WorkQueue {
	cfg = cfg.withDefaults()
	prefix := "queue:" + cfg.Name
	return &WorkQueue{
		rdb:      c.rdb,
		cfg:      cfg,
		stream:   prefix + ":stream",
		delayed:  prefix + ":delayed",
		counters: prefix + ":counters",
		failed:   prefix + ":failed",
		now:      time.Now,
	}
}

func (q *WorkQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: create group %s: %w", q.stream, err)
	}
	q.groupReady.Store(true)
	return nil
}

// Push appends payloads as first attempts.
func (q *WorkQueue) Push(ctx context.Context, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	pipe := q.rdb.Pipeline()
	for _, p := range payloads {
		env, err := json.Marshal(envelope{Attempt: 1, Payload: p})
		if err != nil {
			return fmt.Errorf("redis: encode task %s: %w", q.cfg.Name, err)
		}
		q.xadd(ctx, pipe, env)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: push %s: %w", q.cfg.Name, err)
	}
	return nil
}

// xadd appends without MAXLEN: the stream holds only unacked entries, since
// settled ones are XDELed, and trimming would drop pending work.
func (q *WorkQueue) xadd(ctx context.Context, c redis.Cmdable, env []byte) {
	c.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"envelope": env},
	})
}

// Fetch returns up to count deliveries for consumer. With block <= 0 it
// returns immediately; an empty result is not an error.
func (q *WorkQueue) Fetch(ctx context.Context, consumer string, count int, block time.Duration) ([]Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	if q.cfg.ClaimIdle > 0 {
		claimed, err := q.reclaim(ctx, consumer, count)
		if err != nil {
			return nil, err
		}
		if len(claimed) > 0 {
			return claimed, nil
		}
	}

	msgs, err := q.readGroup(ctx, consumer, count, block)
	if err != nil && strings.HasPrefix(err.Error(), "NOGROUP") {
		// The queue was cleared underneath us; recreate and try once more.
		q.groupReady.Store(false)
		if err := q.ensureGroup(ctx); err != nil {
			return nil, err
		}
		msgs, err = q.readGroup(ctx, consumer, count, block)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: fetch %s: %w", q.cfg.Name, err)
	}
	return q.decode(ctx, msgs), nil
}

func (q *WorkQueue) readGroup(ctx context.Context, consumer string, count int, block time.Duration) ([]redis.XMessage, error) {
	args := &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(count),
		Block:    -1,
	}
	if block > 0 {
		args.Block = block
	}

	res, err := q.rdb.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []redis.XMessage
	for _, s := range res {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (q *WorkQueue) reclaim(ctx context.Context, consumer string, count int) ([]Delivery, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.cfg.Group,
		MinIdle:  q.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    int64(count),
		Consumer: consumer,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: reclaim %s: %w", q.cfg.Name, err)
	}
	return q.decode(ctx, msgs), nil
}

// decode turns stream entries into deliveries. Entries that cannot be decoded
// are dead-lettered immediately so they do not block the group.
func (q *WorkQueue) decode(ctx context.Context, msgs []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		var env envelope
		raw, _ := msg.Values["envelope"].(string)
		if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Attempt == 0 {
			q.deadLetter(ctx, msg.ID, []byte(raw))
			continue
		}
		out = append(out, Delivery{ID: msg.ID, Attempt: env.Attempt, Payload: env.Payload})
	}
	return out
}

// Ack marks d as done and removes it from the stream.
func (q *WorkQueue) Ack(ctx context.Context, d Delivery) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.stream, q.cfg.Group, d.ID)
	pipe.XDel(ctx, q.stream, d.ID)
	pipe.HIncrBy(ctx, q.counters, "completed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: ack %s %s: %w", q.cfg.Name, d.ID, err)
	}
	return nil
}

// Retry settles a failed delivery. It is rescheduled with exponential
// backoff until MaxAttempts is exhausted, then dead-lettered. It reports
// whether the task will be attempted again.
func (q *WorkQueue) Retry(ctx context.Context, d Delivery) (bool, error) {
	if d.Attempt >= q.cfg.MaxAttempts {
		env, _ := json.Marshal(envelope{Attempt: d.Attempt, Payload: d.Payload})
		return false, q.deadLetter(ctx, d.ID, env)
	}

	env, err := json.Marshal(envelope{Attempt: d.Attempt + 1, Payload: d.Payload})
	if err != nil {
		return false, fmt.Errorf("redis: encode retry %s: %w", q.cfg.Name, err)
	}
	due := q.now().Add(q.backoff(d.Attempt))

	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.stream, q.cfg.Group, d.ID)
	pipe.XDel(ctx, q.stream, d.ID)
	pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due.UnixMilli()), Member: string(env)})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: retry %s %s: %w", q.cfg.Name, d.ID, err)
	}
	return true, nil
}

// backoff returns the delay after the given attempt: Backoff, 2x, 4x, ...
func (q *WorkQueue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.cfg.Backoff << (attempt - 1)
}

func (q *WorkQueue) deadLetter(ctx context.Context, id string, env []byte) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.stream, q.cfg.Group, id)
	pipe.XDel(ctx, q.stream, id)
	pipe.HIncrBy(ctx, q.counters, "failed", 1)
	pipe.LPush(ctx, q.failed, env)
	pipe.LTrim(ctx, q.failed, 0, failedKeep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: dead-letter %s %s: %w", q.cfg.Name, id, err)
	}
	return nil
}

// promoteDue moves delayed envelopes whose due time has passed back onto the
// stream. ZREM decides which consumer wins a given envelope.
func (q *WorkQueue) promoteDue(ctx context.Context) error {
	due, err := q.rdb.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("redis: scan delayed %s: %w", q.cfg.Name, err)
	}
	for _, env := range due {
		removed, err := q.rdb.ZRem(ctx, q.delayed, env).Result()
		if err != nil {
			return fmt.Errorf("redis: promote %s: %w", q.cfg.Name, err)
		}
		if removed == 0 {
			continue
		}
		cmd := q.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: map[string]interface{}{"envelope": env},
		})
		if err := cmd.Err(); err != nil {
			return fmt.Errorf("redis: promote %s: %w", q.cfg.Name, err)
		}
	}
	return nil
}

// Stats reports queue depth and lifetime counters. Settled entries are
// deleted from the stream, so its length is waiting plus active.
func (q *WorkQueue) Stats(ctx context.Context) (domain.QueueStats, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return domain.QueueStats{}, err
	}

	pipe := q.rdb.Pipeline()
	lenCmd := pipe.XLen(ctx, q.stream)
	pendCmd := pipe.XPending(ctx, q.stream, q.cfg.Group)
	delayedCmd := pipe.ZCard(ctx, q.delayed)
	countCmd := pipe.HMGet(ctx, q.counters, "completed", "failed")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.QueueStats{}, fmt.Errorf("redis: stats %s: %w", q.cfg.Name, err)
	}

	var stats domain.QueueStats
	total := lenCmd.Val()
	if p, err := pendCmd.Result(); err == nil && p != nil {
		stats.Active = p.Count
	}
	stats.Waiting = total - stats.Active
	if stats.Waiting < 0 {
		stats.Waiting = 0
	}
	stats.Delayed = delayedCmd.Val()

	vals := countCmd.Val()
	if len(vals) == 2 {
		stats.Completed = parseCounter(vals[0])
		stats.Failed = parseCounter(vals[1])
	}
	return stats, nil
}

func parseCounter(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Clear obliterates the queue: waiting, active and delayed tasks and the
// counters. In-flight consumers finish their current delivery.
func (q *WorkQueue) Clear(ctx context.Context) error {
	if err := q.rdb.Del(ctx, q.stream, q.delayed, q.counters, q.failed).Err(); err != nil {
		return fmt.Errorf("redis: clear %s: %w", q.cfg.Name, err)
	}
	q.groupReady.Store(false)
	return nil
}
