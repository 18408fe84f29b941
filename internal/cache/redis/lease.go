package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLua deletes a lease key only if its value matches the caller's
// token, so one holder never releases another holder's lease.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Lease implements domain.Lease using SET NX with a TTL and a Lua-based
// conditional release.
type Lease struct {
	rdb       *redis.Client
	releaseSc *redis.Script
}

// NewLease creates a Lease backed by the given Client.
func NewLease(c *Client) *Lease {
	return &Lease{
		rdb:       c.rdb,
		releaseSc: redis.NewScript(releaseLua),
	}
}

func leaseKey(key string) string {
	return "lease:" + key
}

// Acquire claims key for ttl. The returned release func is safe to call more
// than once. It returns domain.ErrLockHeld when another holder owns the key.
func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := leaseKey(key)

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's context may already be cancelled at release time.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.releaseSc.Run(releaseCtx, l.rdb, []string{lk}, token).Err()
		})
	}

	return release, nil
}

// Compile-time interface check.
var _ domain.Lease = (*Lease)(nil)
