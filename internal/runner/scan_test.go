package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nholik/fleet-sentinel/internal/backend"
	"github.com/nholik/fleet-sentinel/internal/healthcheck"
	"github.com/nholik/fleet-sentinel/internal/lease"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/nholik/fleet-sentinel/internal/transition"
	"github.com/rs/zerolog"
)

const scanner = "scanner-test"

var fastBackoff = lease.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxElapsed: 50 * time.Millisecond}

type recordingNotifier struct {
	mu    sync.Mutex
	calls [][]transition.Transition
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, transitions []transition.Transition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, transitions)
	return nil
}

// nodeSource serves whatever nodes (or error) the test sets next.
type nodeSource struct {
	nodes []state.Node
	err   error
}

func (s *nodeSource) collector() Collector {
	return NewCollector("nodes", func(context.Context) (Patch, error) {
		if s.err != nil {
			return nil, s.err
		}
		nodes := s.nodes
		return func(c *state.Content) { c.Nodes = nodes }, nil
	})
}

func newScanner(t *testing.T, opts ...Option) (*Runner, *state.Store, *lease.Manager) {
	t.Helper()
	leases := lease.NewManager()
	store := state.New(leases, zerolog.Nop())
	opts = append([]Option{
		WithStore(store, leases, scanner),
		WithLease(time.Second, fastBackoff),
	}, opts...)
	return New(zerolog.Nop(), time.Second, opts...), store, leases
}

func TestRunOnce_CommitsCollectedSections(t *testing.T) {
	src := &nodeSource{nodes: []state.Node{{Name: "pve1", Status: "ready"}}}
	tracker := healthcheck.NewTracker()
	r, store, leases := newScanner(t,
		WithCollectors(src.collector(), StaticVMs([]state.VirtualMachine{{ID: "101", Name: "builder", Status: "running"}})),
		WithHealthTracker(tracker),
	)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	snap, err := store.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(snap.Nodes) != 1 || snap.Nodes[0].Name != "pve1" {
		t.Fatalf("nodes not committed: %+v", snap.Nodes)
	}
	if len(snap.VirtualMachines) != 1 || snap.VirtualMachines[0].ID != "101" {
		t.Fatalf("vms not committed: %+v", snap.VirtualMachines)
	}
	if _, held := leases.Current(); held {
		t.Fatalf("lease should be released after the cycle")
	}
	if !tracker.Ready() || tracker.Snapshot().SectionsCollected != 2 {
		t.Fatalf("cycle not recorded: %+v", tracker.Snapshot())
	}
}

func TestRunOnce_UnchangedContentNotRecommitted(t *testing.T) {
	src := &nodeSource{nodes: []state.Node{{Name: "pve1", Status: "ready"}}}
	r, store, _ := newScanner(t, WithCollectors(src.collector()))

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := store.Checksum()

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if store.Checksum() != first {
		t.Fatalf("identical content should not produce a new snapshot")
	}
}

func TestRunOnce_FailedCollectorCarriesForward(t *testing.T) {
	src := &nodeSource{nodes: []state.Node{{Name: "pve1", Status: "ready"}}}
	vms := []state.VirtualMachine{{ID: "101", Status: "running"}}
	r, store, _ := newScanner(t, WithCollectors(src.collector(), NewCollector("vms", func(context.Context) (Patch, error) {
		current := vms
		return func(c *state.Content) { c.VirtualMachines = current }, nil
	})))

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	src.err = errors.New("docker proxy unreachable")
	vms = []state.VirtualMachine{{ID: "101", Status: "stopped"}}
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	snap, _ := store.Read()
	if len(snap.Nodes) != 1 || snap.Nodes[0].Name != "pve1" {
		t.Fatalf("nodes should be carried forward, got %+v", snap.Nodes)
	}
	if snap.VirtualMachines[0].Status != "stopped" {
		t.Fatalf("healthy collectors should still update, got %+v", snap.VirtualMachines)
	}
}

func TestRunOnce_LeaseBusyIsRuntimeError(t *testing.T) {
	r, store, leases := newScanner(t, WithCollectors(StaticVMs([]state.VirtualMachine{{ID: "101"}})))
	if _, err := leases.Acquire("operator", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	before := store.Checksum()

	err := r.RunOnce(context.Background())

	var rt *RuntimeError
	if !errors.As(err, &rt) || rt.Step != "acquire lease" {
		t.Fatalf("expected runtime error for acquire lease, got %v", err)
	}
	if !errors.Is(err, lease.ErrLeaseBusy) {
		t.Fatalf("expected lease busy, got %v", err)
	}
	if store.Checksum() != before {
		t.Fatalf("store must not change without the lease")
	}
}

func TestRunOnce_AlertsOnNodeTransition(t *testing.T) {
	src := &nodeSource{nodes: []state.Node{{Name: "pve1", Status: "ready"}}}
	notifier := &recordingNotifier{}
	r, _, _ := newScanner(t, WithCollectors(src.collector()), WithNotifier(notifier))

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(notifier.calls) != 0 {
		t.Fatalf("healthy first run should not alert, got %+v", notifier.calls)
	}

	src.nodes = []state.Node{{Name: "pve1", Status: "down", Address: "10.0.0.1"}}
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(notifier.calls) != 1 || len(notifier.calls[0]) != 1 {
		t.Fatalf("expected one alert with one transition, got %+v", notifier.calls)
	}
	change := notifier.calls[0][0]
	if change.Subject != "node/pve1" || change.Previous != "ready" || change.Current != "down" || change.Healthy {
		t.Fatalf("unexpected transition: %+v", change)
	}
}

func TestProviderSeed_OnlyWhenEmpty(t *testing.T) {
	pool, err := backend.NewPool([]backend.Descriptor{
		{ID: "ollama", Kind: backend.KindLocal, Capacity: 1, Status: backend.StatusAvailable},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	patch, err := ProviderSeed(pool).Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	var empty state.Content
	patch(&empty)
	if len(empty.Providers) != 1 || empty.Providers[0].ID != "ollama" {
		t.Fatalf("expected declared providers, got %+v", empty.Providers)
	}

	published := state.Content{Providers: []state.ProviderState{{ID: "ollama", Status: state.ProviderBusy}}}
	patch(&published)
	if published.Providers[0].Status != state.ProviderBusy {
		t.Fatalf("published provider status must be kept, got %+v", published.Providers)
	}
}

func TestRunOnce_WithoutStoreIsNoop(t *testing.T) {
	r := New(zerolog.Nop(), time.Second)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
