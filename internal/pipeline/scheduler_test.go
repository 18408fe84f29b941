package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/pipeline"
	"github.com/alanyoungcy/marketfactory/internal/service"
)

type memState struct {
	mu         sync.Mutex
	enabled    bool
	readErr    error
	heartbeats map[string]domain.Heartbeat
}

func newMemState() *memState {
	return &memState{enabled: true, heartbeats: map[string]domain.Heartbeat{}}
}

func (s *memState) SchedulerEnabled(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, s.readErr
}

func (s *memState) SetSchedulerEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	return nil
}

func (s *memState) WriteHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[hb.Job] = hb
	return nil
}

func (s *memState) Heartbeats(ctx context.Context) ([]domain.Heartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Heartbeat
	for _, hb := range s.heartbeats {
		out = append(out, hb)
	}
	return out, nil
}

func (s *memState) heartbeat(job string) (domain.Heartbeat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb, ok := s.heartbeats[job]
	return hb, ok
}

type heldLease struct{ err error }

func (l heldLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	return func() {}, nil
}

type fakeSync struct {
	calls atomic.Int32
	block chan struct{}
	err   error
}

func (f *fakeSync) Run(ctx context.Context) (service.SyncResult, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return service.SyncResult{}, ctx.Err()
		}
	}
	return service.SyncResult{Checked: 4, Queued: 1, Filtered: 3, DiffHitRate: 75}, f.err
}

type fakeSettler struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSettler) Run(ctx context.Context) (service.SettlementRunResult, error) {
	f.calls.Add(1)
	return service.SettlementRunResult{Settled: 2}, f.err
}

type fakeRelayer struct {
	calls atomic.Int32
}

func (f *fakeRelayer) Run(ctx context.Context) (service.RelayResult, error) {
	f.calls.Add(1)
	return service.RelayResult{Created: 1}, nil
}

type fixture struct {
	state   *memState
	sync    *fakeSync
	settler *fakeSettler
	relayer *fakeRelayer
}

func newFixture() *fixture {
	return &fixture{state: newMemState(), sync: &fakeSync{}, settler: &fakeSettler{}, relayer: &fakeRelayer{}}
}

func (f *fixture) scheduler(lease domain.Lease, cfg pipeline.SchedulerConfig) *pipeline.Scheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return pipeline.NewScheduler(f.state, lease, f.sync, f.settler, f.relayer, nil, cfg, logger)
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	f := newFixture()
	s := f.scheduler(nil, pipeline.SchedulerConfig{})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.ErrorIs(t, s.Start(context.Background()), domain.ErrAlreadyStarted)
	assert.True(t, s.Status(context.Background()).Started)
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	f := newFixture()
	s := f.scheduler(nil, pipeline.SchedulerConfig{Spec: "every now and then"})

	require.Error(t, s.Start(context.Background()))
	assert.False(t, s.Status(context.Background()).Started)
}

func TestScheduler_CronRunsJobs(t *testing.T) {
	f := newFixture()
	s := f.scheduler(nil, pipeline.SchedulerConfig{Spec: "* * * * * *"})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.sync.calls.Load() > 0 && f.relayer.calls.Load() > 0
	}, 3*time.Second, 20*time.Millisecond)
	s.Stop()

	hb, ok := f.state.heartbeat(pipeline.JobOddsSync)
	require.True(t, ok)
	assert.Equal(t, domain.HeartbeatOK, hb.Status)
}

func TestScheduler_TriggerWritesHeartbeat(t *testing.T) {
	f := newFixture()
	s := f.scheduler(nil, pipeline.SchedulerConfig{})

	res, err := s.Trigger(context.Background(), pipeline.JobOddsSync)
	require.NoError(t, err)
	assert.Equal(t, 75, res.(service.SyncResult).DiffHitRate)

	hb, ok := f.state.heartbeat(pipeline.JobOddsSync)
	require.True(t, ok)
	assert.Equal(t, domain.HeartbeatOK, hb.Status)
	assert.Contains(t, hb.Detail, "hit_rate=75")
}

func TestScheduler_DisabledFlagSkipsTicks(t *testing.T) {
	f := newFixture()
	f.state.enabled = false
	s := f.scheduler(nil, pipeline.SchedulerConfig{})

	_, err := s.Trigger(context.Background(), pipeline.JobSettleRelay)
	assert.ErrorIs(t, err, pipeline.ErrDisabled)
	assert.Zero(t, f.settler.calls.Load())

	hb, _ := f.state.heartbeat(pipeline.JobSettleRelay)
	assert.Equal(t, domain.HeartbeatDisabled, hb.Status)

	// Operator runs bypass the flag.
	_, err = s.RunNow(context.Background(), pipeline.JobSettleRelay)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.settler.calls.Load())
}

func TestScheduler_UnreadableFlag(t *testing.T) {
	f := newFixture()
	f.state.readErr = errors.New("redis down")

	_, err := f.scheduler(nil, pipeline.SchedulerConfig{FailOpen: true}).Trigger(context.Background(), pipeline.JobOddsSync)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.sync.calls.Load())

	_, err = f.scheduler(nil, pipeline.SchedulerConfig{FailOpen: false}).Trigger(context.Background(), pipeline.JobOddsSync)
	assert.ErrorIs(t, err, pipeline.ErrDisabled)
	assert.Equal(t, int32(1), f.sync.calls.Load())
}

func TestScheduler_JobNeverOverlapsItself(t *testing.T) {
	f := newFixture()
	f.sync.block = make(chan struct{})
	s := f.scheduler(nil, pipeline.SchedulerConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Trigger(context.Background(), pipeline.JobOddsSync)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.sync.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.RunNow(context.Background(), pipeline.JobOddsSync)
	assert.ErrorIs(t, err, pipeline.ErrJobRunning)

	// A different job is not blocked.
	_, err = s.RunNow(context.Background(), pipeline.JobSettleRelay)
	assert.NoError(t, err)

	close(f.sync.block)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), f.sync.calls.Load())
}

func TestScheduler_LeaseHeldElsewhere(t *testing.T) {
	f := newFixture()
	s := f.scheduler(heldLease{err: domain.ErrLockHeld}, pipeline.SchedulerConfig{})

	_, err := s.Trigger(context.Background(), pipeline.JobOddsSync)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Zero(t, f.sync.calls.Load())
}

func TestScheduler_LeaseErrorFollowsFailMode(t *testing.T) {
	f := newFixture()
	lease := heldLease{err: errors.New("redis down")}

	_, err := f.scheduler(lease, pipeline.SchedulerConfig{FailOpen: true}).Trigger(context.Background(), pipeline.JobOddsSync)
	require.NoError(t, err)

	_, err = f.scheduler(lease, pipeline.SchedulerConfig{}).Trigger(context.Background(), pipeline.JobOddsSync)
	require.Error(t, err)
	assert.Equal(t, int32(1), f.sync.calls.Load())
}

func TestScheduler_SettleRelayRunsRelayAfterSettlementFailure(t *testing.T) {
	f := newFixture()
	f.settler.err = errors.New("1 market failed")
	s := f.scheduler(nil, pipeline.SchedulerConfig{})

	res, err := s.Trigger(context.Background(), pipeline.JobSettleRelay)
	require.Error(t, err)
	assert.Equal(t, int32(1), f.relayer.calls.Load())

	out := res.(pipeline.SettleRelayResult)
	assert.Equal(t, 2, out.Settlement.Settled)
	assert.Equal(t, 1, out.Relay.Created)

	hb, _ := f.state.heartbeat(pipeline.JobSettleRelay)
	assert.Equal(t, domain.HeartbeatFailed, hb.Status)
}

func TestScheduler_JobTimeout(t *testing.T) {
	f := newFixture()
	f.sync.block = make(chan struct{})
	defer close(f.sync.block)
	s := f.scheduler(nil, pipeline.SchedulerConfig{JobTimeout: 20 * time.Millisecond})

	_, err := s.RunNow(context.Background(), pipeline.JobOddsSync)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_ExclusiveSharesLatch(t *testing.T) {
	f := newFixture()
	s := f.scheduler(nil, pipeline.SchedulerConfig{})

	ran := false
	_, err := s.Exclusive(context.Background(), pipeline.JobOddsSync, func(ctx context.Context) (any, string, error) {
		ran = true
		_, err := s.RunNow(ctx, pipeline.JobOddsSync)
		assert.ErrorIs(t, err, pipeline.ErrJobRunning)
		return nil, "restart", nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	_, err = s.RunNow(context.Background(), "nope")
	assert.ErrorIs(t, err, pipeline.ErrUnknownJob)
}

func TestScheduler_StopRefusesNewRunsWhileDraining(t *testing.T) {
	f := newFixture()
	f.sync.block = make(chan struct{})
	s := f.scheduler(nil, pipeline.SchedulerConfig{Spec: "0 0 0 1 1 *"})
	require.NoError(t, s.Start(context.Background()))

	running := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), pipeline.JobOddsSync)
		running <- err
	}()
	require.Eventually(t, func() bool { return f.sync.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		_, err := s.RunNow(context.Background(), pipeline.JobSettleRelay)
		return errors.Is(err, pipeline.ErrStopping)
	}, time.Second, 5*time.Millisecond)

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	default:
	}

	close(f.sync.block)
	require.NoError(t, <-running)
	<-stopped

	_, err := s.RunNow(context.Background(), pipeline.JobSettleRelay)
	assert.NoError(t, err, "runs are accepted again once Stop has drained")
}

func TestScheduler_SetEnabledAndStatus(t *testing.T) {
	f := newFixture()
	s := f.scheduler(nil, pipeline.SchedulerConfig{})

	require.NoError(t, s.SetEnabled(context.Background(), false))
	st := s.Status(context.Background())
	assert.False(t, st.Enabled)
	assert.Equal(t, "*/30 * * * * *", st.Spec)
	require.Len(t, st.Jobs, 2)
	assert.Equal(t, pipeline.JobOddsSync, st.Jobs[0].Name)
}
