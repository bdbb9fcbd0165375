package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nholik/fleet-sentinel/internal/backend"
	"github.com/nholik/fleet-sentinel/internal/inference"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/rs/zerolog"
)

type dispatchFunc func(ctx context.Context, b backend.Descriptor, req inference.Request) (inference.Response, error)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	fn    dispatchFunc
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, b backend.Descriptor, req inference.Request) (inference.Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, b.ID)
	d.mu.Unlock()
	return d.fn(ctx, b, req)
}

func (d *fakeDispatcher) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func okFrom(b backend.Descriptor) (inference.Response, error) {
	return inference.Response{Content: "answer from " + b.ID, Model: b.Model}, nil
}

func failing(ids ...string) dispatchFunc {
	return func(_ context.Context, b backend.Descriptor, _ inference.Request) (inference.Response, error) {
		for _, id := range ids {
			if b.ID == id {
				return inference.Response{}, &inference.Error{Backend: b.ID, StatusCode: 500, Err: errors.New("boom")}
			}
		}
		return okFrom(b)
	}
}

func testBackends() []backend.Descriptor {
	return []backend.Descriptor{
		{ID: "ollama", Kind: backend.KindLocal, Capacity: 1, Model: "qwen2.5-coder"},
		{ID: "gemini", Kind: backend.KindCloud, CostWeight: 1},
		{ID: "groq", Kind: backend.KindCloud, CostWeight: 2},
		{ID: "openai", Kind: backend.KindCloud, CostWeight: 5},
	}
}

func newTestGateway(t *testing.T, d Dispatcher, opts ...Option) *Gateway {
	t.Helper()
	pool, err := backend.NewPool(testBackends(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	var n atomic.Int32
	opts = append([]Option{WithIDGenerator(func() string {
		return fmt.Sprintf("req-%d", n.Add(1))
	})}, opts...)
	return New(pool, d, zerolog.Nop(), opts...)
}

func assertNoInFlight(t *testing.T, g *Gateway) {
	t.Helper()
	for _, b := range g.Pool().Snapshot() {
		if b.InFlight != 0 {
			t.Fatalf("backend %s still has %d in flight", b.ID, b.InFlight)
		}
	}
}

func TestHandle_PrimaryOK(t *testing.T) {
	d := &fakeDispatcher{fn: failing()}
	g := newTestGateway(t, d)

	res, err := g.Handle(context.Background(), Request{Prompt: "fix this bug"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.BackendUsed != "ollama" || res.AttemptCount != 1 || res.RequestID != "req-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Response.Content != "answer from ollama" {
		t.Fatalf("unexpected response: %+v", res.Response)
	}

	decisions := g.Decisions().Recent(0)
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	dec := decisions[0]
	if dec.Reason != ReasonPrimaryOK || dec.Intent != IntentCoding || dec.ChosenBackend != "ollama" {
		t.Fatalf("unexpected decision: %+v", dec)
	}
	assertNoInFlight(t, g)
}

func TestHandle_FallbackOK(t *testing.T) {
	d := &fakeDispatcher{fn: failing("ollama")}
	g := newTestGateway(t, d)

	res, err := g.Handle(context.Background(), Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.BackendUsed != "gemini" || res.AttemptCount != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls := d.Calls(); len(calls) != 2 || calls[0] != "ollama" || calls[1] != "gemini" {
		t.Fatalf("unexpected calls: %v", calls)
	}
	dec := g.Decisions().Recent(1)[0]
	if dec.Reason != ReasonFallbackOK || dec.Attempts[0].Outcome != OutcomeError || dec.Attempts[1].Outcome != OutcomeOK {
		t.Fatalf("unexpected decision: %+v", dec)
	}
	assertNoInFlight(t, g)
}

func TestHandle_AtMostTwoAttempts(t *testing.T) {
	d := &fakeDispatcher{fn: failing("ollama", "gemini", "groq", "openai")}
	g := newTestGateway(t, d)

	res, err := g.Handle(context.Background(), Request{Prompt: "hello"})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if len(d.Calls()) != 2 || res.AttemptCount != 2 {
		t.Fatalf("expected exactly 2 attempts, got calls %v result %+v", d.Calls(), res)
	}

	var uerr *UnavailableError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected *UnavailableError, got %T", err)
	}
	if uerr.Decision.Reason != ReasonFallbackFailed || uerr.Decision.ChosenBackend != "gemini" {
		t.Fatalf("unexpected decision: %+v", uerr.Decision)
	}
	var ierr *inference.Error
	if !errors.As(err, &ierr) || ierr.Backend != "gemini" {
		t.Fatalf("expected the last backend error to be wrapped, got %v", err)
	}
	if g.Decisions().Len() != 1 {
		t.Fatalf("expected one decision, got %d", g.Decisions().Len())
	}
	assertNoInFlight(t, g)
}

func TestHandle_TimeoutFallsBack(t *testing.T) {
	d := &fakeDispatcher{fn: func(ctx context.Context, b backend.Descriptor, _ inference.Request) (inference.Response, error) {
		if b.ID == "ollama" {
			<-ctx.Done()
			return inference.Response{}, ctx.Err()
		}
		return okFrom(b)
	}}
	g := newTestGateway(t, d, WithTimeout(20*time.Millisecond))

	res, err := g.Handle(context.Background(), Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.BackendUsed != "gemini" || res.AttemptCount != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	dec := g.Decisions().Recent(1)[0]
	if dec.Attempts[0].Outcome != OutcomeTimeout {
		t.Fatalf("expected timeout outcome, got %+v", dec.Attempts[0])
	}
	assertNoInFlight(t, g)
}

func TestHandle_CancelReleasesCapacity(t *testing.T) {
	started := make(chan struct{})
	d := &fakeDispatcher{fn: func(ctx context.Context, _ backend.Descriptor, _ inference.Request) (inference.Response, error) {
		close(started)
		<-ctx.Done()
		return inference.Response{}, ctx.Err()
	}}
	g := newTestGateway(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Handle(ctx, Request{Prompt: "hello"})
		errCh <- err
	}()

	<-started
	if b, _ := g.Pool().Get("ollama"); b.InFlight != 1 {
		t.Fatalf("expected ollama reserved, got %d", b.InFlight)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handle did not return after cancel")
	}

	if calls := d.Calls(); len(calls) != 1 {
		t.Fatalf("canceled requests must not retry, got %v", calls)
	}
	dec := g.Decisions().Recent(1)[0]
	if dec.Reason != ReasonCanceled || dec.Attempts[0].Outcome != OutcomeCanceled {
		t.Fatalf("unexpected decision: %+v", dec)
	}
	assertNoInFlight(t, g)
	if b, _ := g.Pool().Get("ollama"); b.Failures != 0 || !b.CooldownUntil.IsZero() {
		t.Fatalf("cancellation must not count against the backend: %+v", b)
	}
}

func TestHandle_NoBackend(t *testing.T) {
	d := &fakeDispatcher{fn: failing()}
	g := newTestGateway(t, d)
	for _, b := range testBackends() {
		if err := g.Pool().Cooldown(b.ID, time.Hour); err != nil {
			t.Fatalf("cooldown: %v", err)
		}
	}

	res, err := g.Handle(context.Background(), Request{Prompt: "hello"})
	if !errors.Is(err, ErrBackendUnavailable) || !errors.Is(err, backend.ErrNoneAvailable) {
		t.Fatalf("expected unavailable wrapping ErrNoneAvailable, got %v", err)
	}
	if res.AttemptCount != 0 || len(d.Calls()) != 0 {
		t.Fatalf("expected no attempts, got %+v", res)
	}
	if dec := g.Decisions().Recent(1)[0]; dec.Reason != ReasonNoBackend {
		t.Fatalf("unexpected reason %q", dec.Reason)
	}
}

func TestHandle_NoAlternate(t *testing.T) {
	d := &fakeDispatcher{fn: failing("ollama")}
	g := newTestGateway(t, d)
	for _, id := range []string{"gemini", "groq", "openai"} {
		if err := g.Pool().Cooldown(id, time.Hour); err != nil {
			t.Fatalf("cooldown: %v", err)
		}
	}

	_, err := g.Handle(context.Background(), Request{Prompt: "hello"})
	var uerr *UnavailableError
	if !errors.As(err, &uerr) || uerr.Decision.Reason != ReasonNoAlternate || uerr.Decision.AttemptCount != 1 {
		t.Fatalf("expected no-alternate after one attempt, got %v", err)
	}
}

func TestHandle_RateLimitedBackendCoolsDown(t *testing.T) {
	d := &fakeDispatcher{fn: func(_ context.Context, b backend.Descriptor, _ inference.Request) (inference.Response, error) {
		if b.ID == "ollama" {
			return inference.Response{}, &inference.Error{Backend: b.ID, StatusCode: 429, RateLimited: true, Err: errors.New("quota")}
		}
		return okFrom(b)
	}}
	g := newTestGateway(t, d)

	res, err := g.Handle(context.Background(), Request{Prompt: "hello"})
	if err != nil || res.BackendUsed != "gemini" {
		t.Fatalf("expected fallback to gemini, got %+v (%v)", res, err)
	}
	if b, _ := g.Pool().Get("ollama"); b.CooldownUntil.IsZero() {
		t.Fatalf("expected ollama to be cooling down")
	}

	res, err = g.Handle(context.Background(), Request{Prompt: "hello"})
	if err != nil || res.BackendUsed != "gemini" || res.AttemptCount != 1 {
		t.Fatalf("expected gemini as primary while ollama cools down, got %+v (%v)", res, err)
	}
}

func TestHandle_PinnedBackend(t *testing.T) {
	d := &fakeDispatcher{fn: failing("openai")}
	g := newTestGateway(t, d)

	res, err := g.Handle(context.Background(), Request{Prompt: "hello", Backend: "openai"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls := d.Calls(); calls[0] != "openai" || res.BackendUsed != "ollama" {
		t.Fatalf("expected pinned attempt then ranked fallback, got calls %v result %+v", calls, res)
	}
}

func TestHandle_RateLimited(t *testing.T) {
	limiter, err := NewLimiter([]RateClass{
		{Name: ClassGlobal, Burst: 10, PerMinute: 1},
		{Name: ClassExpensive, Burst: 1, PerMinute: 1},
	}, DefaultExpensiveModels, nil)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	d := &fakeDispatcher{fn: failing()}
	g := newTestGateway(t, d, WithLimiter(limiter))

	if _, err := g.Handle(context.Background(), Request{Prompt: "hi", ModelHint: "gpt-4o"}); err != nil {
		t.Fatalf("first expensive request should pass: %v", err)
	}
	_, err = g.Handle(context.Background(), Request{Prompt: "hi", ModelHint: "gpt-4o"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if _, err := g.Handle(context.Background(), Request{Prompt: "hi", ModelHint: "llama3"}); err != nil {
		t.Fatalf("cheap requests have no class bucket here: %v", err)
	}

	dec := g.Decisions().Recent(2)[1]
	if dec.Reason != ReasonRateLimited || dec.RateClass != ClassExpensive || dec.AttemptCount != 0 {
		t.Fatalf("unexpected decision: %+v", dec)
	}
	if len(d.Calls()) != 2 {
		t.Fatalf("rate limited request must not be dispatched, got %v", d.Calls())
	}
}

type fakeStore struct {
	mu    sync.Mutex
	snap  state.Snapshot
	reads atomic.Int32
	gate  chan struct{}
}

func (s *fakeStore) Checksum() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Checksum
}

func (s *fakeStore) Read() (state.Snapshot, error) {
	s.reads.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone(), nil
}

func (s *fakeStore) set(t *testing.T, providers ...state.ProviderState) {
	t.Helper()
	snap, err := state.NewSnapshot(time.Now(), state.Content{Providers: providers})
	if err != nil {
		t.Fatalf("new snapshot: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

func TestHandle_SyncsProvidersFromState(t *testing.T) {
	store := &fakeStore{}
	store.set(t, state.ProviderState{ID: "ollama", Kind: "local", Status: state.ProviderBusy})

	d := &fakeDispatcher{fn: failing()}
	g := newTestGateway(t, d, WithStateReader(store))

	res, err := g.Handle(context.Background(), Request{Prompt: "write a function"})
	if err != nil || res.BackendUsed != "gemini" {
		t.Fatalf("busy local GPU should route to cloud, got %+v (%v)", res, err)
	}

	if _, err := g.Handle(context.Background(), Request{Prompt: "again"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.reads.Load() != 1 {
		t.Fatalf("unchanged checksum should not re-read, got %d reads", store.reads.Load())
	}

	store.set(t, state.ProviderState{ID: "ollama", Kind: "local", Status: state.ProviderAvailable})
	res, err = g.Handle(context.Background(), Request{Prompt: "again"})
	if err != nil || res.BackendUsed != "ollama" {
		t.Fatalf("freed local GPU should be preferred, got %+v (%v)", res, err)
	}
	if store.reads.Load() != 2 {
		t.Fatalf("expected a second read after the checksum moved, got %d", store.reads.Load())
	}
}

func TestHandle_ConcurrentRefreshSharesRead(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{})}
	store.set(t, state.ProviderState{ID: "ollama", Status: state.ProviderAvailable})

	d := &fakeDispatcher{fn: failing()}
	g := newTestGateway(t, d, WithStateReader(store))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Handle(context.Background(), Request{Prompt: "hello"}); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	deadline := time.After(2 * time.Second)
	for store.reads.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("no refresh started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	if n := store.reads.Load(); n != 1 {
		t.Fatalf("expected concurrent refreshes to share one read, got %d", n)
	}
	assertNoInFlight(t, g)
}
