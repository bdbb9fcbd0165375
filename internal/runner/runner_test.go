package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped bool
	mu      sync.Mutex
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ch: make(chan time.Time, 4)}
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// startLoop runs r in the background and returns a stop function that cancels it and waits
// for Run to return.
func startLoop(t *testing.T, r *Runner) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	return func() {
		t.Helper()
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("runner did not stop after cancel")
		}
	}
}

func countingCycle(calls chan<- struct{}, err error) func(context.Context) error {
	return func(context.Context) error {
		calls <- struct{}{}
		return err
	}
}

func TestRun_FirstCycleRunsWithoutTick(t *testing.T) {
	ticker := newFakeTicker()
	calls := make(chan struct{}, 2)

	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(func(time.Duration) Ticker { return ticker }),
		WithRunOnce(countingCycle(calls, nil)),
	)
	stop := startLoop(t, r)

	if !waitForCalls(calls, 1, time.Second) {
		t.Fatalf("expected a cycle before the first tick")
	}
	stop()
}

func TestRun_EachTickRunsACycle(t *testing.T) {
	ticker := newFakeTicker()
	calls := make(chan struct{}, 4)

	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(func(time.Duration) Ticker { return ticker }),
		WithRunOnce(countingCycle(calls, nil)),
	)
	stop := startLoop(t, r)

	ticker.ch <- time.Now()
	ticker.ch <- time.Now()

	// One startup cycle plus one per tick.
	if !waitForCalls(calls, 3, time.Second) {
		t.Fatalf("expected three cycles")
	}
	stop()

	if !ticker.Stopped() {
		t.Fatalf("expected ticker to be stopped")
	}
}

func TestRun_FailedCycleDoesNotStopLoop(t *testing.T) {
	ticker := newFakeTicker()
	calls := make(chan struct{}, 4)

	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(func(time.Duration) Ticker { return ticker }),
		WithRunOnce(countingCycle(calls, stepFailed("commit snapshot", errors.New("disk full")))),
	)
	stop := startLoop(t, r)

	ticker.ch <- time.Now()
	if !waitForCalls(calls, 2, time.Second) {
		t.Fatalf("loop should keep cycling after a failed cycle")
	}
	stop()
}

func TestRun_IdleLoopStopsOnCancel(t *testing.T) {
	ticker := newFakeTicker()
	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(func(time.Duration) Ticker { return ticker }),
	)
	startLoop(t, r)()

	if !ticker.Stopped() {
		t.Fatalf("expected ticker to be stopped")
	}
}

func TestRun_RejectsNonPositiveInterval(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		if err := New(zerolog.Nop(), interval).Run(context.Background()); err == nil {
			t.Fatalf("expected error for interval %s", interval)
		}
	}
}

func TestStepFailed(t *testing.T) {
	if stepFailed("noop", nil) != nil {
		t.Fatalf("nil error should stay nil")
	}
	cause := errors.New("boom")
	err := stepFailed("acquire lease", cause)
	var rt *RuntimeError
	if !errors.As(err, &rt) || rt.Step != "acquire lease" || !errors.Is(err, cause) {
		t.Fatalf("unexpected wrapped error %v", err)
	}
	if err.Error() != "scan acquire lease: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func waitForCalls(ch <-chan struct{}, count int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for i := 0; i < count; i++ {
		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
	return true
}
