package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/metrics"
	"github.com/alanyoungcy/marketfactory/internal/service"
)

// Job names.
const (
	JobOddsSync    = "odds_sync"
	JobSettleRelay = "settle_relay"
)

var (
	// ErrJobRunning is returned when a job is triggered while a previous run
	// of the same job has not finished.
	ErrJobRunning = errors.New("pipeline: job already running")
	// ErrDisabled is returned when the global enable flag is off.
	ErrDisabled = errors.New("pipeline: scheduler disabled")
	// ErrUnknownJob is returned for a job name that was never registered.
	ErrUnknownJob = errors.New("pipeline: unknown job")
	// ErrStopping is returned for runs requested while Stop is draining.
	ErrStopping = errors.New("pipeline: scheduler stopping")
)

// OddsSyncer runs one differential price sync.
type OddsSyncer interface {
	Run(ctx context.Context) (service.SyncResult, error)
}

// Settler runs one settlement scan.
type Settler interface {
	Run(ctx context.Context) (service.SettlementRunResult, error)
}

// Relayer runs one relay pass.
type Relayer interface {
	Run(ctx context.Context) (service.RelayResult, error)
}

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	// Spec is a six-field cron expression (with seconds).
	Spec       string
	JobTimeout time.Duration
	// FailOpen runs jobs when the enable flag cannot be read.
	FailOpen bool
	LeaseTTL time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Spec == "" {
		c.Spec = "*/30 * * * * *"
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 25 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = c.JobTimeout + 5*time.Second
	}
	return c
}

// SettleRelayResult is the combined result of the settlement-then-relay job.
type SettleRelayResult struct {
	Settlement service.SettlementRunResult `json:"settlement"`
	Relay      service.RelayResult         `json:"relay"`
}

// JobFunc is one unit of scheduled work. detail is a short summary stored in
// the heartbeat.
type JobFunc func(ctx context.Context) (result any, detail string, err error)

type job struct {
	name    string
	fn      JobFunc
	running atomic.Bool
}

// JobStatus is the live state of one job.
type JobStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// SchedulerStatus is the operator view of the scheduler.
type SchedulerStatus struct {
	Started    bool               `json:"started"`
	Enabled    bool               `json:"enabled"`
	FlagError  string             `json:"flag_error,omitempty"`
	Spec       string             `json:"spec"`
	Jobs       []JobStatus        `json:"jobs"`
	Heartbeats []domain.Heartbeat `json:"heartbeats"`
}

// Scheduler drives the pipeline jobs on a cron schedule. A job never
// overlaps itself; different jobs may run concurrently.
type Scheduler struct {
	state   domain.StateStore
	lease   domain.Lease
	metrics *metrics.Metrics
	cfg     SchedulerConfig
	logger  *slog.Logger

	jobs     map[string]*job
	started  atomic.Bool
	mu       sync.Mutex
	cron     *cron.Cron
	baseCtx  context.Context
	stopping bool
	// wg counts runs in flight; Add only under mu while not stopping.
	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler with the odds sync and settle-relay jobs
// registered. lease and m may be nil.
func NewScheduler(
	state domain.StateStore,
	lease domain.Lease,
	odds OddsSyncer,
	settler Settler,
	relayer Relayer,
	m *metrics.Metrics,
	cfg SchedulerConfig,
	logger *slog.Logger,
) *Scheduler {
	s := &Scheduler{
		state:   state,
		lease:   lease,
		metrics: m,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "scheduler")),
		jobs:    make(map[string]*job),
	}
	s.Register(JobOddsSync, func(ctx context.Context) (any, string, error) {
		res, err := odds.Run(ctx)
		return res, fmt.Sprintf("checked=%d queued=%d filtered=%d failed=%d hit_rate=%d",
			res.Checked, res.Queued, res.Filtered, res.Failed, res.DiffHitRate), err
	})
	s.Register(JobSettleRelay, func(ctx context.Context) (any, string, error) {
		var out SettleRelayResult
		var errs []error
		var err error
		if out.Settlement, err = settler.Run(ctx); err != nil {
			errs = append(errs, err)
		}
		if out.Relay, err = relayer.Run(ctx); err != nil {
			errs = append(errs, err)
		}
		detail := fmt.Sprintf("settled=%d deferred=%d created=%d bound=%d paused=%d",
			out.Settlement.Settled, out.Settlement.Deferred, out.Relay.Created, out.Relay.Bound, out.Relay.Paused)
		return out, detail, errors.Join(errs...)
	})
	return s
}

// Register adds or replaces a job. It must be called before Start.
func (s *Scheduler) Register(name string, fn JobFunc) {
	s.jobs[name] = &job{name: name, fn: fn}
}

// Start schedules every registered job. A second call returns
// domain.ErrAlreadyStarted and changes nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return domain.ErrAlreadyStarted
	}

	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	for _, name := range s.jobNames() {
		j := s.jobs[name]
		if _, err := c.AddFunc(s.cfg.Spec, func() { s.tick(j) }); err != nil {
			s.started.Store(false)
			return fmt.Errorf("pipeline: schedule %s with %q: %w", name, s.cfg.Spec, err)
		}
	}

	s.mu.Lock()
	s.cron = c
	s.baseCtx = ctx
	s.mu.Unlock()
	c.Start()

	s.logger.InfoContext(ctx, "scheduler started",
		slog.String("spec", s.cfg.Spec),
		slog.Duration("job_timeout", s.cfg.JobTimeout),
		slog.Bool("fail_open", s.cfg.FailOpen),
		slog.Bool("lease", s.lease != nil),
	)
	return nil
}

// Stop halts the cron driver and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	if c == nil {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	<-c.Stop().Done()
	s.wg.Wait()

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()
	s.started.Store(false)
	s.logger.Info("scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Trigger runs a job exactly as a cron tick would, honouring the enable flag.
func (s *Scheduler) Trigger(ctx context.Context, name string) (any, error) {
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j, j.fn, true)
}

// RunNow runs a job for an operator, bypassing the enable flag. It still
// shares the job's latch and lease.
func (s *Scheduler) RunNow(ctx context.Context, name string) (any, error) {
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j, j.fn, false)
}

// Exclusive runs fn under the latch and lease of job name, so operator
// actions such as a queue restart never overlap the scheduled run.
func (s *Scheduler) Exclusive(ctx context.Context, name string, fn JobFunc) (any, error) {
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j, fn, false)
}

// SetEnabled flips the global enable flag.
func (s *Scheduler) SetEnabled(ctx context.Context, enabled bool) error {
	if err := s.state.SetSchedulerEnabled(ctx, enabled); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "scheduler flag changed", slog.Bool("enabled", enabled))
	return nil
}

// Status reports the flag, job latches and last heartbeats.
func (s *Scheduler) Status(ctx context.Context) SchedulerStatus {
	st := SchedulerStatus{Started: s.started.Load(), Spec: s.cfg.Spec}
	enabled, err := s.state.SchedulerEnabled(ctx)
	if err != nil {
		st.FlagError = err.Error()
		enabled = s.cfg.FailOpen
	}
	st.Enabled = enabled
	for _, name := range s.jobNames() {
		st.Jobs = append(st.Jobs, JobStatus{Name: name, Running: s.jobs[name].running.Load()})
	}
	hbs, err := s.state.Heartbeats(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "read heartbeats failed", slog.String("error", err.Error()))
	}
	st.Heartbeats = hbs
	return st
}

func (s *Scheduler) jobNames() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) tick(j *job) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_, err := s.execute(ctx, j, j.fn, true)
	switch {
	case err == nil, errors.Is(err, ErrDisabled), errors.Is(err, domain.ErrLockHeld), errors.Is(err, ErrStopping):
	case errors.Is(err, ErrJobRunning):
		s.logger.DebugContext(ctx, "previous run still active, tick skipped", slog.String("job", j.name))
	default:
		s.logger.ErrorContext(ctx, "scheduled job failed",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
		)
	}
}

// admit registers a run with the drain group unless Stop is in progress.
func (s *Scheduler) admit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrStopping
	}
	s.wg.Add(1)
	return nil
}

func (s *Scheduler) execute(ctx context.Context, j *job, fn JobFunc, checkEnabled bool) (any, error) {
	if err := s.admit(); err != nil {
		return nil, err
	}
	defer s.wg.Done()

	if !j.running.CompareAndSwap(false, true) {
		s.metrics.JobRun(j.name, domain.HeartbeatSkipped, 0)
		return nil, ErrJobRunning
	}
	defer j.running.Store(false)

	if checkEnabled && !s.enabled(ctx) {
		s.metrics.JobRun(j.name, domain.HeartbeatDisabled, 0)
		s.heartbeat(ctx, j.name, domain.HeartbeatDisabled, 0, "")
		return nil, ErrDisabled
	}

	if s.lease != nil {
		release, err := s.lease.Acquire(ctx, "scheduler:"+j.name, s.cfg.LeaseTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			s.logger.DebugContext(ctx, "job held by another process", slog.String("job", j.name))
			s.metrics.JobRun(j.name, domain.HeartbeatSkipped, 0)
			return nil, err
		case err != nil && !s.cfg.FailOpen:
			return nil, fmt.Errorf("pipeline: lease %s: %w", j.name, err)
		case err != nil:
			s.logger.WarnContext(ctx, "lease unavailable, running unguarded",
				slog.String("job", j.name),
				slog.String("error", err.Error()),
			)
		default:
			defer release()
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	result, detail, err := fn(runCtx)
	took := time.Since(start)

	status := domain.HeartbeatOK
	if err != nil {
		status = domain.HeartbeatFailed
		if detail == "" {
			detail = err.Error()
		}
	}
	s.metrics.JobRun(j.name, status, took)
	s.heartbeat(ctx, j.name, status, took, detail)
	s.logger.InfoContext(ctx, "job finished",
		slog.String("job", j.name),
		slog.String("status", status),
		slog.Duration("duration", took),
		slog.String("detail", detail),
	)
	return result, err
}

// enabled reads the global flag, failing open or closed per config.
func (s *Scheduler) enabled(ctx context.Context) bool {
	on, err := s.state.SchedulerEnabled(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "enable flag unreadable",
			slog.Bool("fail_open", s.cfg.FailOpen),
			slog.String("error", err.Error()),
		)
		return s.cfg.FailOpen
	}
	return on
}

func (s *Scheduler) heartbeat(ctx context.Context, name, status string, took time.Duration, detail string) {
	hb := domain.Heartbeat{Job: name, Status: status, At: time.Now().UTC(), Duration: took, Detail: detail}
	if err := s.state.WriteHeartbeat(ctx, hb); err != nil {
		s.logger.WarnContext(ctx, "heartbeat write failed",
			slog.String("job", name),
			slog.String("error", err.Error()),
		)
	}
}

// cronLogger adapts slog to cron's logger for recovered panics.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
