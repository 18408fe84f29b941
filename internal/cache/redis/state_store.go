package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Key schema:
//
//	SYSTEM:SCHEDULER_ACTIVE     - "true" / "false"; missing means enabled
//	SYSTEM:SCHEDULER_HEARTBEAT  - hash, field per job, JSON heartbeat
const (
	schedulerActiveKey    = "SYSTEM:SCHEDULER_ACTIVE"
	schedulerHeartbeatKey = "SYSTEM:SCHEDULER_HEARTBEAT"
)

// StateStore implements domain.StateStore with single-key reads and writes.
type StateStore struct {
	rdb *redis.Client
}

// NewStateStore creates a StateStore backed by the given Client.
func NewStateStore(c *Client) *StateStore {
	return &StateStore{rdb: c.rdb}
}

// SchedulerEnabled reads the global enable flag. Only the literal "true"
// enables the scheduler; an absent key counts as enabled.
func (s *StateStore) SchedulerEnabled(ctx context.Context) (bool, error) {
	v, err := s.rdb.Get(ctx, schedulerActiveKey).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: get scheduler flag: %w", err)
	}
	return strings.EqualFold(strings.TrimSpace(v), "true"), nil
}

// SetSchedulerEnabled writes the global enable flag without expiry.
func (s *StateStore) SetSchedulerEnabled(ctx context.Context, enabled bool) error {
	if err := s.rdb.Set(ctx, schedulerActiveKey, strconv.FormatBool(enabled), 0).Err(); err != nil {
		return fmt.Errorf("redis: set scheduler flag: %w", err)
	}
	return nil
}

// WriteHeartbeat overwrites the heartbeat for hb.Job.
func (s *StateStore) WriteHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("redis: marshal heartbeat %s: %w", hb.Job, err)
	}
	if err := s.rdb.HSet(ctx, schedulerHeartbeatKey, hb.Job, data).Err(); err != nil {
		return fmt.Errorf("redis: write heartbeat %s: %w", hb.Job, err)
	}
	return nil
}

// Heartbeats returns the latest heartbeat of every job, ordered by job name.
func (s *StateStore) Heartbeats(ctx context.Context) ([]domain.Heartbeat, error) {
	vals, err := s.rdb.HGetAll(ctx, schedulerHeartbeatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read heartbeats: %w", err)
	}
	out := make([]domain.Heartbeat, 0, len(vals))
	for job, raw := range vals {
		var hb domain.Heartbeat
		if err := json.Unmarshal([]byte(raw), &hb); err != nil {
			return nil, fmt.Errorf("redis: decode heartbeat %s: %w", job, err)
		}
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out, nil
}

// Compile-time interface check.
var _ domain.StateStore = (*StateStore)(nil)
