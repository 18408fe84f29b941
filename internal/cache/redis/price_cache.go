package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// DefaultPriceTTL bounds how long a cached price survives without refresh.
const DefaultPriceTTL = time.Hour

// PriceCache implements domain.PriceCache with one string key per market at
// "odds:price:{marketID}" holding the last written YES price.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. A
// non-positive ttl falls back to DefaultPriceTTL.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	return &PriceCache{rdb: c.rdb, ttl: ttl}
}

func priceKey(marketID string) string {
	return "odds:price:" + marketID
}

// GetPrice returns the cached price. found is false when no entry exists.
func (pc *PriceCache) GetPrice(ctx context.Context, marketID string) (decimal.Decimal, bool, error) {
	v, err := pc.rdb.Get(ctx, priceKey(marketID)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("redis: get price %s: %w", marketID, err)
	}
	price, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("redis: parse price %s: %w", marketID, err)
	}
	return price, true, nil
}

// SetPrice stores price with the cache TTL.
func (pc *PriceCache) SetPrice(ctx context.Context, marketID string, price decimal.Decimal) error {
	if err := pc.rdb.Set(ctx, priceKey(marketID), price.String(), pc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", marketID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
