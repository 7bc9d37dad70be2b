package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/groupfinance/txengine/internal/domain"
	"github.com/groupfinance/txengine/internal/infra/memstore"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	okPayee   = "254712345678"
	failPayee = "254700000000"
)

// ─── Test Doubles ───────────────────────────────────────────────────────────

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
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

type armed struct {
	deadline time.Time
	fn       func()
}

// manualScheduler records armed callbacks; tests fire them explicitly.
type manualScheduler struct {
	mu    sync.Mutex
	armed map[string]armed
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{armed: make(map[string]armed)}
}

func (s *manualScheduler) ScheduleAt(key string, deadline time.Time, fn func()) {
	s.mu.Lock()
	s.armed[key] = armed{deadline: deadline, fn: fn}
	s.mu.Unlock()
}

func (s *manualScheduler) get(key string) (armed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.armed[key]
	return a, ok
}

func (s *manualScheduler) fire(t *testing.T, key string) {
	t.Helper()
	a, ok := s.get(key)
	if !ok {
		t.Fatalf("no timer armed for %s", key)
	}
	a.fn()
}

func (s *manualScheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

type fakeGateway struct {
	initiateErr error
	queryErr    error
	failHandle  string
	receipts    atomic.Int64
}

func (g *fakeGateway) Initiate(ctx context.Context, req domain.InitiationRequest) (string, error) {
	if g.initiateErr != nil {
		return "", g.initiateErr
	}
	return "REQ_" + req.Reference, nil
}

func (g *fakeGateway) QueryOutcome(_ context.Context, _ string, req domain.InitiationRequest) (domain.Outcome, error) {
	if g.queryErr != nil {
		return domain.Outcome{}, g.queryErr
	}
	if req.PayeeHandle == g.failHandle {
		return domain.Outcome{State: domain.OutcomeFailed, Note: "SIMULATED_FAILURE: Insufficient funds"}, nil
	}
	return domain.Outcome{State: domain.OutcomePending}, nil
}

func (g *fakeGateway) NewReceipt() string {
	return fmt.Sprintf("MPE%dA1", g.receipts.Add(1))
}

// flakyStore fails Finalize calls whose target status is listed.
type flakyStore struct {
	domain.TransactionStore
	mu        sync.Mutex
	failGet   bool
	failNotes map[string]int // note prefix → remaining failures (-1 = always)
}

var errDisk = errors.New("disk I/O error")

func (s *flakyStore) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.Lock()
	fail := s.failGet
	s.mu.Unlock()
	if fail {
		return nil, errDisk
	}
	return s.TransactionStore.Get(ctx, id)
}

func (s *flakyStore) Finalize(ctx context.Context, id string, f domain.Finalization) (bool, error) {
	s.mu.Lock()
	for prefix, n := range s.failNotes {
		if len(f.Note) >= len(prefix) && f.Note[:len(prefix)] == prefix && n != 0 {
			if n > 0 {
				s.failNotes[prefix] = n - 1
			}
			s.mu.Unlock()
			return false, errDisk
		}
	}
	s.mu.Unlock()
	return s.TransactionStore.Finalize(ctx, id, f)
}

// ─── Fixture ────────────────────────────────────────────────────────────────

type fixture struct {
	engine  *Engine
	sweeper *Sweeper
	store   domain.TransactionStore
	mem     *memstore.Store
	gateway *fakeGateway
	timers  *manualScheduler
	clock   *fakeClock
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newFixture(t *testing.T, wrap ...func(domain.TransactionStore) domain.TransactionStore) *fixture {
	t.Helper()
	mem := memstore.New()
	var store domain.TransactionStore = mem
	for _, w := range wrap {
		store = w(store)
	}
	gw := &fakeGateway{failHandle: failPayee}
	timers := newManualScheduler()
	clock := newClock()

	cfg := DefaultConfig()
	eng, err := New(cfg, store, gw, timers, quietLog())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	eng.now = clock.Now

	sw := NewSweeper(DefaultSweepConfig(), store, gw, quietLog())
	sw.now = clock.Now

	return &fixture{engine: eng, sweeper: sw, store: store, mem: mem, gateway: gw, timers: timers, clock: clock}
}

func contribution(payee string) domain.CreateRequest {
	return domain.CreateRequest{
		Amount:      decimal.NewFromInt(500),
		PayeeHandle: payee,
		Description: "monthly contribution",
		Category:    domain.CategoryContribution,
		OwnerID:     "alice",
	}
}

func (f *fixture) create(t *testing.T, payee string) *domain.Transaction {
	t.Helper()
	tx, err := f.engine.Create(context.Background(), contribution(payee))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return tx
}

func (f *fixture) get(t *testing.T, id string) *domain.Transaction {
	t.Helper()
	tx, err := f.mem.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error: %v", id, err)
	}
	return tx
}

// completed creates a transaction and settles it through the timer.
func (f *fixture) completed(t *testing.T) *domain.Transaction {
	t.Helper()
	tx := f.create(t, okPayee)
	f.timers.fire(t, tx.ID)
	got := f.get(t, tx.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("setup: status = %s, want COMPLETED", got.Status)
	}
	return got
}
