package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func startTimers(t *testing.T) *Timers {
	t.Helper()
	tm := New(quietLog())
	if err := tm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tm.Stop(ctx)
	})
	return tm
}

func waitFor(t *testing.T, ch <-chan string, d time.Duration) string {
	t.Helper()
	select {
	case k := <-ch:
		return k
	case <-time.After(d):
		t.Fatal("timed out waiting for callback")
		return ""
	}
}

// ─── Dispatch Tests ─────────────────────────────────────────────────────────

func TestTimers_FiresInDeadlineOrder(t *testing.T) {
	tm := startTimers(t)
	fired := make(chan string, 3)
	now := time.Now()

	tm.ScheduleAt("c", now.Add(60*time.Millisecond), func() { fired <- "c" })
	tm.ScheduleAt("a", now.Add(20*time.Millisecond), func() { fired <- "a" })
	tm.ScheduleAt("b", now.Add(40*time.Millisecond), func() { fired <- "b" })

	for _, want := range []string{"a", "b", "c"} {
		if got := waitFor(t, fired, time.Second); got != want {
			t.Errorf("fired %q, want %q", got, want)
		}
	}
	if n := tm.Pending(); n != 0 {
		t.Errorf("Pending() = %d after all fired, want 0", n)
	}
}

func TestTimers_PastDeadlineFiresImmediately(t *testing.T) {
	tm := startTimers(t)
	fired := make(chan string, 1)

	tm.ScheduleAt("late", time.Now().Add(-time.Hour), func() { fired <- "late" })
	if got := waitFor(t, fired, 500*time.Millisecond); got != "late" {
		t.Errorf("fired %q, want late", got)
	}
}

func TestTimers_ScheduleBeforeStart(t *testing.T) {
	tm := New(quietLog())
	fired := make(chan string, 1)
	tm.Schedule("early", time.Millisecond, func() { fired <- "early" })

	if n := tm.Pending(); n != 1 {
		t.Fatalf("Pending() = %d, want 1", n)
	}
	if err := tm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer tm.Stop(context.Background())

	waitFor(t, fired, time.Second)
}

func TestTimers_RearmReplacesEntry(t *testing.T) {
	tm := startTimers(t)
	var calls atomic.Int32
	fired := make(chan string, 2)

	tm.Schedule("tx", 10*time.Millisecond, func() { calls.Add(1); fired <- "first" })
	tm.Schedule("tx", 30*time.Millisecond, func() { calls.Add(1); fired <- "second" })

	if n := tm.Pending(); n != 1 {
		t.Errorf("Pending() = %d after re-arm, want 1", n)
	}
	if got := waitFor(t, fired, time.Second); got != "second" {
		t.Errorf("fired %q, want second", got)
	}
	time.Sleep(50 * time.Millisecond)
	if c := calls.Load(); c != 1 {
		t.Errorf("callbacks run = %d, want 1", c)
	}
}

func TestTimers_SlowCallbackDoesNotBlockOthers(t *testing.T) {
	tm := startTimers(t)
	release := make(chan struct{})
	fired := make(chan string, 1)

	tm.Schedule("slow", time.Millisecond, func() { <-release })
	tm.Schedule("fast", 20*time.Millisecond, func() { fired <- "fast" })

	waitFor(t, fired, time.Second)
	close(release)
}

func TestTimers_PanicIsRecovered(t *testing.T) {
	tm := startTimers(t)
	fired := make(chan string, 1)

	tm.Schedule("boom", time.Millisecond, func() { panic("boom") })
	tm.Schedule("after", 20*time.Millisecond, func() { fired <- "after" })

	waitFor(t, fired, time.Second)
}

// ─── Lifecycle Tests ────────────────────────────────────────────────────────

func TestTimers_StartTwice(t *testing.T) {
	tm := startTimers(t)
	if err := tm.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestTimers_StopWaitsForInflight(t *testing.T) {
	tm := New(quietLog())
	if err := tm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var finished atomic.Bool
	tm.Schedule("work", 0, func() {
		wg.Done()
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
	})
	wg.Wait()

	if err := tm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if !finished.Load() {
		t.Error("Stop returned before the in-flight callback finished")
	}
}

func TestTimers_StopHonoursContext(t *testing.T) {
	tm := New(quietLog())
	if err := tm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	tm.Schedule("stuck", 0, func() { close(started); <-release })
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tm.Stop(ctx); err == nil {
		t.Error("Stop() should report the expired context")
	}
}

func TestTimers_HeapOrdering(t *testing.T) {
	tm := New(quietLog())
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	offsets := []int{9, 3, 7, 1, 5, 2, 8, 4, 6, 0}
	for i, off := range offsets {
		tm.ScheduleAt(string(rune('a'+i)), base.Add(time.Duration(off)*time.Second), func() {})
	}

	var prev time.Time
	for len(tm.heap) > 0 {
		e := tm.pop()
		if e.deadline.Before(prev) {
			t.Fatalf("popped %v after %v", e.deadline, prev)
		}
		prev = e.deadline
	}
}
