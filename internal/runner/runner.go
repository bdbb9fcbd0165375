package runner

import (
	"context"
	"errors"
	"time"

	"github.com/nholik/fleet-sentinel/internal/healthcheck"
	"github.com/nholik/fleet-sentinel/internal/lease"
	"github.com/nholik/fleet-sentinel/internal/metrics"
	"github.com/nholik/fleet-sentinel/internal/notify"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/nholik/fleet-sentinel/internal/transition"
	"github.com/rs/zerolog"
)

const (
	alertScope      = "fleet"
	defaultLeaseTTL = 30 * time.Second
)

var errUnchanged = errors.New("snapshot content unchanged")

// Ticker is the minimal interface needed for driving the runner loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// Runner orchestrates the main execution loop. By default each cycle is a scan: collect the
// fleet inventory, take the write lease, commit the snapshot and alert on status changes.
type Runner struct {
	logger        zerolog.Logger
	pollInterval  time.Duration
	tickerFactory func(time.Duration) Ticker
	runOnce       func(context.Context) error

	store      *state.Store
	leases     *lease.Manager
	holder     string
	leaseTTL   time.Duration
	backoff    lease.Backoff
	collectors []Collector

	notifier    notify.Notifier
	transitions *transition.Tracker
	metrics     *metrics.Metrics
	health      *healthcheck.Tracker
	now         func() time.Time
}

// Option customizes runner behavior.
type Option func(*Runner)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(r *Runner) {
		r.tickerFactory = factory
	}
}

// WithRunOnce overrides the single-cycle execution step.
func WithRunOnce(runOnce func(context.Context) error) Option {
	return func(r *Runner) {
		r.runOnce = runOnce
	}
}

// WithStore sets where scans are committed and the lease guarding the commit.
func WithStore(store *state.Store, leases *lease.Manager, holder string) Option {
	return func(r *Runner) {
		r.store = store
		r.leases = leases
		r.holder = holder
	}
}

// WithLease overrides the lease TTL and the backoff used for both acquisition and conflicts.
func WithLease(ttl time.Duration, policy lease.Backoff) Option {
	return func(r *Runner) {
		if ttl > 0 {
			r.leaseTTL = ttl
		}
		r.backoff = policy
	}
}

// WithCollectors sets the snapshot sections gathered each cycle.
func WithCollectors(collectors ...Collector) Option {
	return func(r *Runner) {
		r.collectors = append(r.collectors, collectors...)
	}
}

// WithNotifier sends node, VM and backend transitions after each commit.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Runner) {
		r.notifier = n
	}
}

// WithMetrics records cycle metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithHealthTracker records completed cycles for /healthz and /readyz.
func WithHealthTracker(t *healthcheck.Tracker) Option {
	return func(r *Runner) {
		r.health = t
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// New constructs a Runner with the given logger and poll interval.
func New(logger zerolog.Logger, pollInterval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		logger:       logger,
		pollInterval: pollInterval,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
		leaseTTL:    defaultLeaseTTL,
		backoff:     lease.DefaultBackoff,
		transitions: transition.NewTracker(),
		now:         time.Now,
	}
	r.runOnce = r.defaultRunOnce

	for _, opt := range opts {
		opt(r)
	}
	if r.notifier == nil {
		r.notifier = notify.NewNoop(logger, "no notifier configured")
	}

	return r
}

// Run starts the main loop and blocks until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if r.pollInterval <= 0 {
		return errors.New("poll interval must be greater than zero")
	}

	// Run immediately on startup
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("initial run cycle failed")
	}

	ticker := r.tickerFactory(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("runner stopped")
			return nil
		case <-ticker.C():
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("run cycle failed")
			}
		}
	}
}

// RunOnce executes a single cycle of the runner.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.runOnce(ctx)
}

func (r *Runner) defaultRunOnce(ctx context.Context) error {
	if r.store == nil || r.leases == nil {
		return nil
	}
	start := r.now()

	// Collection happens before the lease is taken so slow sources never hold it.
	patches := r.collect(ctx)

	if _, err := r.leases.AcquireWithBackoff(ctx, r.holder, r.leaseTTL, r.backoff); err != nil {
		return stepFailed("acquire lease", err)
	}
	defer func() {
		if err := r.leases.Release(r.holder); err != nil {
			r.logger.Warn().Err(err).Msg("lease release failed")
		}
	}()

	checksum, err := r.store.UpdateWithRetry(ctx, r.holder, func(current state.Snapshot) (state.Content, error) {
		next := current.Content.Clone()
		for _, patch := range patches {
			patch(&next)
		}
		same, err := sameContent(current.Content, next)
		if err != nil {
			return state.Content{}, err
		}
		if same {
			return state.Content{}, errUnchanged
		}
		return next, nil
	}, r.backoff)
	switch {
	case errors.Is(err, errUnchanged):
		r.logger.Debug().Msg("fleet unchanged, nothing committed")
	case err != nil:
		return stepFailed("commit snapshot", err)
	default:
		r.logger.Info().
			Str("checksum", checksum).
			Int("sections", len(patches)).
			Msg("snapshot committed")
	}

	current, err := r.store.Read()
	if err != nil {
		return stepFailed("read snapshot", err)
	}
	r.alert(ctx, current.Content)

	duration := r.now().Sub(start)
	r.metrics.ObserveCycleDuration(duration)
	r.metrics.SetLastSuccessfulCycleTimestamp(r.now())
	r.health.RecordCycle(duration, len(patches), current.Checksum)
	return nil
}

// collect runs every collector. A failing collector contributes nothing, so its section of
// the previous snapshot is carried forward.
func (r *Runner) collect(ctx context.Context) []Patch {
	patches := make([]Patch, 0, len(r.collectors))
	for _, c := range r.collectors {
		patch, err := c.Collect(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("collector", c.Name()).Msg("collector failed, keeping previous data")
			continue
		}
		if patch != nil {
			patches = append(patches, patch)
		}
	}
	return patches
}

func (r *Runner) alert(ctx context.Context, content state.Content) {
	changes := r.transitions.Observe(observations(content))
	if len(changes) == 0 {
		return
	}
	for _, change := range changes {
		event := r.logger.Info()
		if !change.Healthy {
			event = r.logger.Warn()
		}
		event.Str("subject", change.Subject).
			Str("previous_status", change.Previous).
			Str("current_status", change.Current).
			Msg("fleet transition detected")
	}
	if err := r.notifier.Notify(ctx, alertScope, changes); err != nil {
		r.logger.Warn().Err(err).Int("transitions", len(changes)).Msg("alert delivery failed")
	}
}

func observations(content state.Content) map[string]transition.Observation {
	out := make(map[string]transition.Observation, len(content.Nodes)+len(content.VirtualMachines)+len(content.Providers))
	for _, n := range content.Nodes {
		obs := transition.Observation{
			Kind:    transition.KindNode,
			Status:  n.Status,
			Healthy: n.Status == "ready",
		}
		if n.Address != "" {
			obs.Details = map[string]string{"address": n.Address}
		}
		out["node/"+n.Name] = obs
	}
	for _, vm := range content.VirtualMachines {
		out["vm/"+vm.ID] = transition.Observation{
			Kind:    transition.KindNode,
			Status:  vm.Status,
			Healthy: vm.Status == "running",
			Details: map[string]string{"name": vm.Name, "node": vm.Node},
		}
	}
	for _, p := range content.Providers {
		out["backend/"+p.ID] = transition.Observation{
			Kind:    transition.KindBackend,
			Status:  p.Status,
			Healthy: p.Status == state.ProviderAvailable || p.Status == state.ProviderBusy,
			Details: map[string]string{"kind": p.Kind},
		}
	}
	return out
}

// sameContent compares content only, ignoring when it was captured.
func sameContent(a, b state.Content) (bool, error) {
	left, err := state.NewSnapshot(time.Time{}, a)
	if err != nil {
		return false, err
	}
	right, err := state.NewSnapshot(time.Time{}, b)
	if err != nil {
		return false, err
	}
	return left.Checksum == right.Checksum, nil
}
