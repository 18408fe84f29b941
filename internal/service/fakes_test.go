package service_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketfactory/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferLogger(b *syncBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func strPtr(s string) *string { return &s }

// fakeClock is a settable clock shared by the fakes and services.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory TemplateStore, MarketStore and SettlementStore.
type memStore struct {
	mu        sync.Mutex
	seq       int
	templates map[string]domain.MarketTemplate
	markets   map[string]domain.Market
	positions map[string][]domain.Position
	balances  map[string]decimal.Decimal
	prices    map[string]domain.PriceUpdateTask

	createErr   error
	applyErrs   []error
	applyCalls  int
	updateErr   error
	updateCalls int
}

func newMemStore() *memStore {
	return &memStore{
		templates: map[string]domain.MarketTemplate{},
		markets:   map[string]domain.Market{},
		positions: map[string][]domain.Position{},
		balances:  map[string]decimal.Decimal{},
		prices:    map[string]domain.PriceUpdateTask{},
	}
}

func (s *memStore) addTemplate(t domain.MarketTemplate) domain.MarketTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status == "" {
		t.Status = domain.TemplateStatusActive
	}
	s.templates[t.ID] = t
	return t
}

func (s *memStore) addMarket(m domain.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[m.ID] = m
}

func (s *memStore) addPosition(p domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Status = domain.PositionStatusOpen
	s.positions[p.MarketID] = append(s.positions[p.MarketID], p)
}

func (s *memStore) market(id string) domain.Market {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markets[id]
}

func (s *memStore) template(id string) domain.MarketTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.templates[id]
}

func (s *memStore) balance(user string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[user]
}

func (s *memStore) marketsFor(templateID string) []domain.Market {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if m.TemplateID != nil && *m.TemplateID == templateID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosingDate.Before(out[j].ClosingDate) })
	return out
}

// TemplateStore

func (s *memStore) Create(ctx context.Context, t domain.MarketTemplate, closing time.Time) (domain.Market, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return domain.Market{}, false, s.createErr
	}
	for _, m := range s.markets {
		if m.TemplateID != nil && *m.TemplateID == t.ID && m.ClosingDate.Equal(closing) {
			return m, false, nil
		}
	}
	s.seq++
	m := domain.Market{
		ID:            fmt.Sprintf("m%d", s.seq),
		TemplateID:    strPtr(t.ID),
		Title:         t.TitleFor(closing),
		Symbol:        t.Symbol,
		PeriodMinutes: t.PeriodMinutes,
		Status:        domain.MarketStatusOpen,
		ClosingDate:   closing,
	}
	s.markets[m.ID] = m
	return m, true, nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memStore) LatestForTemplate(ctx context.Context, templateID string) (domain.Market, error) {
	ms := s.marketsFor(templateID)
	if len(ms) == 0 {
		return domain.Market{}, domain.ErrNotFound
	}
	return ms[len(ms)-1], nil
}

func (s *memStore) list(pred func(domain.Market) bool) []domain.Market {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if pred(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) ListOpenUnbound(ctx context.Context, limit int) ([]domain.Market, error) {
	return s.list(func(m domain.Market) bool {
		return m.Status == domain.MarketStatusOpen && !m.IsBound() && m.IsFactory()
	}), nil
}

func (s *memStore) ListOpenBound(ctx context.Context, limit int) ([]domain.Market, error) {
	return s.list(func(m domain.Market) bool {
		return m.Status == domain.MarketStatusOpen && m.IsBound()
	}), nil
}

func (s *memStore) ListExpiredUnresolved(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	return s.list(func(m domain.Market) bool {
		return !m.ClosingDate.After(now) && m.ResolvedOutcome == nil &&
			m.Status != domain.MarketStatusResolved && m.Status != domain.MarketStatusCanceled
	}), nil
}

func (s *memStore) SetExternalID(ctx context.Context, id, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.IsBound() {
		return domain.ErrAlreadyBound
	}
	m.ExternalID = strPtr(externalID)
	s.markets[id] = m
	return nil
}

func (s *memStore) UpdatePrices(ctx context.Context, task domain.PriceUpdateTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	if s.updateErr != nil {
		return s.updateErr
	}
	s.prices[task.MarketID] = task
	if m, ok := s.markets[task.MarketID]; ok {
		m.Prices.YesPrice = task.YesPrice
		m.Prices.NoPrice = task.NoPrice
		m.Prices.YesProbability = task.YesProbability
		m.Prices.NoProbability = task.NoProbability
		s.markets[task.MarketID] = m
	}
	return nil
}

func (s *memStore) CloseExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.markets {
		if m.Status == domain.MarketStatusOpen && !m.ClosingDate.After(now) {
			m.Status = domain.MarketStatusClosed
			s.markets[id] = m
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteUnboundBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.markets {
		if m.Status == domain.MarketStatusOpen && !m.IsBound() && m.IsFactory() &&
			m.CreatedAt.Before(cutoff) && len(s.positions[id]) == 0 {
			delete(s.markets, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) Stats(ctx context.Context) (domain.FactoryStats, error) {
	open := s.list(func(m domain.Market) bool { return m.Status == domain.MarketStatusOpen })
	return domain.FactoryStats{Templates: int64(len(s.templates)), OpenMarkets: int64(len(open))}, nil
}

// templateStore adapts memStore to domain.TemplateStore; the method sets
// collide on Create and GetByID.
type templateStore struct{ s *memStore }

func (ts templateStore) Create(ctx context.Context, t domain.MarketTemplate) (domain.MarketTemplate, error) {
	if err := t.Validate(); err != nil {
		return domain.MarketTemplate{}, err
	}
	if t.ID == "" {
		t.ID = fmt.Sprintf("t%d", len(ts.s.templates)+1)
	}
	return ts.s.addTemplate(t), nil
}

func (ts templateStore) GetByID(ctx context.Context, id string) (domain.MarketTemplate, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	t, ok := ts.s.templates[id]
	if !ok {
		return domain.MarketTemplate{}, domain.ErrNotFound
	}
	return t, nil
}

func (ts templateStore) List(ctx context.Context) ([]domain.MarketTemplate, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	var out []domain.MarketTemplate
	for _, t := range ts.s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (ts templateStore) ListActive(ctx context.Context) ([]domain.MarketTemplate, error) {
	all, _ := ts.List(ctx)
	var out []domain.MarketTemplate
	for _, t := range all {
		if t.Active() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (ts templateStore) RecordFailure(ctx context.Context, id string, threshold int, reason string) (int, bool, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	t := ts.s.templates[id]
	t.FailureCount++
	if t.FailureCount >= threshold {
		t.Status = domain.TemplateStatusPaused
		t.PauseReason = strPtr(reason)
	}
	ts.s.templates[id] = t
	return t.FailureCount, t.Status == domain.TemplateStatusPaused, nil
}

func (ts templateStore) ResetFailures(ctx context.Context, id string) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	t := ts.s.templates[id]
	t.FailureCount = 0
	ts.s.templates[id] = t
	return nil
}

func (ts templateStore) Resume(ctx context.Context, id string) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	t, ok := ts.s.templates[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status, t.FailureCount, t.PauseReason = domain.TemplateStatusActive, 0, nil
	ts.s.templates[id] = t
	return nil
}

// ApplyOutcome mirrors the transactional store: all or nothing per market.
func (s *memStore) ApplyOutcome(ctx context.Context, marketID string, outcome domain.Outcome, source domain.SettlementSource) (domain.SettlementStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCalls++
	if len(s.applyErrs) > 0 {
		err := s.applyErrs[0]
		s.applyErrs = s.applyErrs[1:]
		if err != nil {
			return domain.SettlementStats{}, err
		}
	}
	m, ok := s.markets[marketID]
	if !ok {
		return domain.SettlementStats{}, domain.ErrNotFound
	}
	if m.Settled() || m.Status == domain.MarketStatusCanceled {
		return domain.SettlementStats{}, domain.ErrAlreadySettled
	}

	stats := domain.SettlementStats{MarketID: marketID, Outcome: outcome, Source: source, TotalPayout: decimal.Zero}
	users := map[string]bool{}
	for i, p := range s.positions[marketID] {
		if p.Status != domain.PositionStatusOpen {
			continue
		}
		payout := p.PayoutFor(outcome)
		stats.TotalOrders++
		users[p.UserID] = true
		if outcome != domain.OutcomeCanceled && payout.IsPositive() {
			stats.WinningOrders++
		}
		stats.TotalPayout = stats.TotalPayout.Add(payout)
		s.balances[p.UserID] = s.balances[p.UserID].Add(payout)
		p.Status, p.Payout = domain.PositionStatusClosed, payout
		s.positions[marketID][i] = p
	}
	stats.AffectedUsers = len(users)
	o := outcome
	m.Status, m.ResolvedOutcome = domain.MarketStatusResolved, &o
	s.markets[marketID] = m
	return stats, nil
}

// fakeSource is a scripted ReferenceSource.
type fakeSource struct {
	mu          sync.Mutex
	instruments []domain.Instrument
	byID        map[string]domain.Instrument
	listErr     error
	getErr      map[string]error
	listCalls   int
	getCalls    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{byID: map[string]domain.Instrument{}, getErr: map[string]error{}}
}

func (f *fakeSource) set(inst domain.Instrument) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[inst.ID] = inst
}

func (f *fakeSource) ListOpenInstruments(ctx context.Context, offset, limit int) ([]domain.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	if offset >= len(f.instruments) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.instruments) {
		end = len(f.instruments)
	}
	return f.instruments[offset:end], nil
}

func (f *fakeSource) GetInstrument(ctx context.Context, id string) (domain.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if err := f.getErr[id]; err != nil {
		return domain.Instrument{}, err
	}
	inst, ok := f.byID[id]
	if !ok {
		return domain.Instrument{}, domain.ErrNotFound
	}
	return inst, nil
}

// fakePriceCache is an in-memory PriceCache.
type fakePriceCache struct {
	mu      sync.Mutex
	prices  map[string]decimal.Decimal
	readErr error
}

func newFakePriceCache() *fakePriceCache {
	return &fakePriceCache{prices: map[string]decimal.Decimal{}}
}

func (c *fakePriceCache) GetPrice(ctx context.Context, id string) (decimal.Decimal, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return decimal.Zero, false, c.readErr
	}
	p, ok := c.prices[id]
	return p, ok, nil
}

func (c *fakePriceCache) SetPrice(ctx context.Context, id string, p decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[id] = p
	return nil
}

func (c *fakePriceCache) get(id string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[id]
	return p, ok
}

// fakeQueue records enqueued tasks and serves them to consumers.
type fakeQueue struct {
	mu         sync.Mutex
	tasks      []domain.PriceUpdateTask
	enqueueErr error
	cleared    int
	pending    []domain.PriceDelivery
	acked      []string
	retried    []string
	maxAttempt int
}

func (q *fakeQueue) Enqueue(ctx context.Context, tasks ...domain.PriceUpdateTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.tasks = append(q.tasks, tasks...)
	return nil
}

func (q *fakeQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleared++
	q.tasks = nil
	return nil
}

func (q *fakeQueue) Stats(ctx context.Context) (domain.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.QueueStats{Waiting: int64(len(q.tasks))}, nil
}

func (q *fakeQueue) Fetch(ctx context.Context, consumer string, count int, block time.Duration) ([]domain.PriceDelivery, error) {
	q.mu.Lock()
	if len(q.pending) > 0 {
		n := count
		if n > len(q.pending) {
			n = len(q.pending)
		}
		out := q.pending[:n]
		q.pending = q.pending[n:]
		q.mu.Unlock()
		return out, nil
	}
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (q *fakeQueue) Ack(ctx context.Context, d domain.PriceDelivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, d.ID)
	return nil
}

func (q *fakeQueue) Retry(ctx context.Context, d domain.PriceDelivery) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, d.ID)
	return d.Attempt < q.maxAttempt, nil
}

func (q *fakeQueue) snapshot() (tasks []domain.PriceUpdateTask, acked, retried []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.PriceUpdateTask(nil), q.tasks...),
		append([]string(nil), q.acked...),
		append([]string(nil), q.retried...)
}

// fakeInstrumentCache is an in-memory InstrumentCache.
type fakeInstrumentCache struct {
	mu    sync.Mutex
	data  []domain.Instrument
	found bool
	sets  int
}

func (c *fakeInstrumentCache) Get(ctx context.Context) ([]domain.Instrument, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, c.found, nil
}

func (c *fakeInstrumentCache) Set(ctx context.Context, in []domain.Instrument) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data, c.found = in, true
	c.sets++
	return nil
}

func (c *fakeInstrumentCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data, c.found = nil, false
	return nil
}

// recordingAlerter captures notifications.
type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(ctx context.Context, event, title, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAlerter) count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e == event {
			n++
		}
	}
	return n
}

// memBlob captures archived objects.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memBlob) Put(ctx context.Context, path string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[path] = data
	return nil
}

var (
	_ domain.MarketStore     = (*memStore)(nil)
	_ domain.SettlementStore = (*memStore)(nil)
	_ domain.TemplateStore   = templateStore{}
	_ domain.ReferenceSource = (*fakeSource)(nil)
	_ domain.PriceCache      = (*fakePriceCache)(nil)
	_ domain.PriceQueue      = (*fakeQueue)(nil)
	_ domain.PriceConsumer   = (*fakeQueue)(nil)
	_ domain.InstrumentCache = (*fakeInstrumentCache)(nil)
	_ domain.ReportArchive   = (*memBlob)(nil)
)

// memAudit records audit events.
type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
}

func (a *memAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, domain.AuditEntry{ID: int64(len(a.entries) + 1), Event: event, Detail: detail})
	return nil
}

func (a *memAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

func (a *memAudit) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Event)
	}
	return out
}

// memBus records published payloads by channel.
type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func (b *memBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = map[string][][]byte{}
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (b *memBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

var (
	_ domain.AuditStore = (*memAudit)(nil)
	_ domain.EventBus   = (*memBus)(nil)
)
