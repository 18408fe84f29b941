package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultInstrumentTTL is how long a fetched candidate list stays fresh.
const DefaultInstrumentTTL = 5 * time.Minute

// InstrumentCache implements domain.InstrumentCache as a single hash at
// "oracle:instruments" with the JSON snapshot in field "data" and the fetch
// time in field "ts".
type InstrumentCache struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewInstrumentCache creates an InstrumentCache backed by the given Client.
func NewInstrumentCache(c *Client, ttl time.Duration) *InstrumentCache {
	if ttl <= 0 {
		ttl = DefaultInstrumentTTL
	}
	return &InstrumentCache{rdb: c.rdb, key: "oracle:instruments", ttl: ttl}
}

// Get returns the cached snapshot. found is false when nothing is cached or
// the entry has expired.
func (ic *InstrumentCache) Get(ctx context.Context) ([]domain.Instrument, bool, error) {
	data, err := ic.rdb.HGet(ctx, ic.key, "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis: get instruments: %w", err)
	}

	var out []domain.Instrument
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, fmt.Errorf("redis: unmarshal instruments: %w", err)
	}
	return out, true, nil
}

// Set replaces the snapshot and resets its TTL.
func (ic *InstrumentCache) Set(ctx context.Context, instruments []domain.Instrument) error {
	data, err := json.Marshal(instruments)
	if err != nil {
		return fmt.Errorf("redis: marshal instruments: %w", err)
	}

	pipe := ic.rdb.TxPipeline()
	pipe.HSet(ctx, ic.key, "data", data, "ts", time.Now().UTC().Format(time.RFC3339))
	pipe.Expire(ctx, ic.key, ic.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set instruments: %w", err)
	}
	return nil
}

// Invalidate drops the snapshot so the next Get misses.
func (ic *InstrumentCache) Invalidate(ctx context.Context) error {
	if err := ic.rdb.Del(ctx, ic.key).Err(); err != nil {
		return fmt.Errorf("redis: invalidate instruments: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.InstrumentCache = (*InstrumentCache)(nil)
