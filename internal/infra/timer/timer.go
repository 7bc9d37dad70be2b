// Package timer runs one-shot callbacks at absolute deadlines.
//
// Armed callbacks live in a binary min-heap ordered by deadline and are keyed
// by an opaque string (a transaction ID), never by a pointer into the record
// they act on. A single dispatch loop sleeps until the earliest deadline and
// hands each due callback to its own goroutine, so a slow callback never
// delays the next one and waiting holds no lock.
//
// Operations:
//
//	ScheduleAt:  O(log n), sift up
//	dispatch:    O(log n) per fired entry, sift down
//	Pending:     O(1)
//
// Re-arming a key replaces the previous entry; the stale heap slot is skipped
// when it reaches the top. Armed callbacks cannot be cancelled, callers are
// expected to re-check their own preconditions when fired.
package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/groupfinance/txengine/internal/infra/observability"
	"github.com/sirupsen/logrus"
)

type entry struct {
	key      string
	deadline time.Time
	seq      uint64
	fn       func()
}

// Timers is a deadline heap with a dispatch loop. The zero value is not
// usable; create with New.
type Timers struct {
	mu   sync.Mutex
	heap []entry
	live map[string]uint64 // key → seq of its current entry
	seq  uint64

	wake chan struct{}
	now  func() time.Time // injectable clock for testing
	log  *logrus.Entry

	running  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	inflight sync.WaitGroup
}

// New creates an idle facility. Callbacks scheduled before Start are kept and
// fire once the loop runs.
func New(log *logrus.Entry) *Timers {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Timers{
		live: make(map[string]uint64),
		wake: make(chan struct{}, 1),
		now:  time.Now,
		log:  log,
	}
}

// ScheduleAt arms fn to run at deadline. A deadline in the past fires on the
// next loop iteration.
func (t *Timers) ScheduleAt(key string, deadline time.Time, fn func()) {
	t.mu.Lock()
	t.seq++
	if _, replaced := t.live[key]; !replaced {
		observability.TimersPending.Inc()
	}
	t.live[key] = t.seq
	t.heap = append(t.heap, entry{key: key, deadline: deadline, seq: t.seq, fn: fn})
	t.siftUp(len(t.heap) - 1)
	t.mu.Unlock()

	t.signal()
}

// Schedule arms fn to run after delay.
func (t *Timers) Schedule(key string, delay time.Duration, fn func()) {
	t.ScheduleAt(key, t.now().Add(delay), fn)
}

// Pending returns the number of armed keys.
func (t *Timers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Start launches the dispatch loop.
func (t *Timers) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("timers already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.loopDone = make(chan struct{})
	t.running = true

	go t.loop(loopCtx, t.loopDone)
	return nil
}

// Stop halts the loop and waits for in-flight callbacks or ctx, whichever
// comes first. Entries not yet due stay in the heap.
func (t *Timers) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	cancel, loopDone := t.cancel, t.loopDone
	t.mu.Unlock()

	cancel()
	<-loopDone

	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Timers) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// ─── Dispatch Loop ──────────────────────────────────────────────────────────

func (t *Timers) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		wait, ok := t.fireDue()

		var timerC <-chan time.Time
		var tm *time.Timer
		if ok {
			tm = time.NewTimer(wait)
			timerC = tm.C
		}

		select {
		case <-ctx.Done():
			if tm != nil {
				tm.Stop()
			}
			return
		case <-t.wake:
		case <-timerC:
		}
		if tm != nil {
			tm.Stop()
		}
	}
}

// fireDue dispatches every due entry and returns how long to wait for the
// next one. ok is false when the heap is empty.
func (t *Timers) fireDue() (wait time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for len(t.heap) > 0 {
		top := t.heap[0]
		if t.live[top.key] != top.seq {
			t.pop()
			continue
		}
		if top.deadline.After(now) {
			return top.deadline.Sub(now), true
		}
		t.pop()
		delete(t.live, top.key)
		observability.TimersPending.Dec()
		observability.TimersFired.Inc()
		t.run(top)
	}
	return 0, false
}

// run must be called with t.mu held.
func (t *Timers) run(e entry) {
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				t.log.WithField("key", e.key).Errorf("timer callback panicked: %v", r)
			}
		}()
		e.fn()
	}()
}

// ─── Heap ───────────────────────────────────────────────────────────────────

func (t *Timers) pop() entry {
	top := t.heap[0]
	last := len(t.heap) - 1
	t.heap[0] = t.heap[last]
	t.heap[last] = entry{}
	t.heap = t.heap[:last]
	if len(t.heap) > 0 {
		t.siftDown(0)
	}
	return top
}

// less orders by deadline, then by arming order.
func (t *Timers) less(i, j int) bool {
	if !t.heap[i].deadline.Equal(t.heap[j].deadline) {
		return t.heap[i].deadline.Before(t.heap[j].deadline)
	}
	return t.heap[i].seq < t.heap[j].seq
}

func (t *Timers) siftUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if !t.less(idx, parent) {
			break
		}
		t.heap[idx], t.heap[parent] = t.heap[parent], t.heap[idx]
		idx = parent
	}
}

func (t *Timers) siftDown(idx int) {
	n := len(t.heap)
	for {
		smallest := idx
		left, right := 2*idx+1, 2*idx+2
		if left < n && t.less(left, smallest) {
			smallest = left
		}
		if right < n && t.less(right, smallest) {
			smallest = right
		}
		if smallest == idx {
			return
		}
		t.heap[idx], t.heap[smallest] = t.heap[smallest], t.heap[idx]
		idx = smallest
	}
}
