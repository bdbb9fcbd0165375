package backend

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nholik/fleet-sentinel/internal/metrics"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/rs/zerolog"
)

const (
	defaultLatencyWeight   = 0.2
	defaultMaxFailures     = 3
	defaultFailureCooldown = 30 * time.Second
)

// Outcome reports how a dispatch on a reserved backend ended.
type Outcome struct {
	Latency time.Duration
	Err     error
	// RateLimited marks quota or 429 responses; the backend is put in cooldown.
	RateLimited bool
	// Canceled marks calls abandoned by the caller. Only capacity is returned.
	Canceled bool
}

// Pool tracks in-flight requests per backend. All routing state changes happen under one
// mutex so capacity checks and reservations are atomic.
type Pool struct {
	mu       sync.Mutex
	backends map[string]*Descriptor

	now             func() time.Time
	latencyWeight   float64
	maxFailures     int
	failureCooldown time.Duration
	rateCooldown    time.Duration
	metrics         *metrics.Metrics
	logger          zerolog.Logger
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithClock overrides the time source.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMetrics publishes in-flight gauges and latency histograms.
func WithMetrics(m *metrics.Metrics) PoolOption {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithFailurePolicy cools a backend down for cooldown after maxFailures consecutive errors.
func WithFailurePolicy(maxFailures int, cooldown time.Duration) PoolOption {
	return func(p *Pool) {
		if maxFailures > 0 {
			p.maxFailures = maxFailures
		}
		if cooldown > 0 {
			p.failureCooldown = cooldown
		}
	}
}

// WithRateLimitCooldown sets how long a backend rests after a rate-limited response.
func WithRateLimitCooldown(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.rateCooldown = d
		}
	}
}

// NewPool validates descs and returns a pool with no requests in flight.
func NewPool(descs []Descriptor, logger zerolog.Logger, opts ...PoolOption) (*Pool, error) {
	p := &Pool{
		backends:        make(map[string]*Descriptor, len(descs)),
		now:             time.Now,
		latencyWeight:   defaultLatencyWeight,
		maxFailures:     defaultMaxFailures,
		failureCooldown: defaultFailureCooldown,
		rateCooldown:    time.Minute,
		logger:          logger.With().Str("component", "backend_pool").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, d := range descs {
		if d.ID == "" {
			return nil, errors.New("backend id must not be empty")
		}
		if _, dup := p.backends[d.ID]; dup {
			return nil, fmt.Errorf("duplicate backend %q", d.ID)
		}
		switch d.Kind {
		case KindLocal:
			if d.Capacity <= 0 {
				return nil, fmt.Errorf("local backend %q needs a positive capacity", d.ID)
			}
		case KindCloud:
		default:
			return nil, fmt.Errorf("backend %q has unknown kind %q", d.ID, d.Kind)
		}
		if d.CostWeight < 0 {
			return nil, fmt.Errorf("backend %q has negative cost weight", d.ID)
		}
		desc := d
		desc.InFlight = 0
		if desc.Status == "" {
			desc.Status = StatusAvailable
		}
		p.backends[d.ID] = &desc
	}
	return p, nil
}

// Reservation holds one unit of capacity on a backend until released.
type Reservation struct {
	pool    *Pool
	backend Descriptor
	started time.Time
	once    sync.Once
}

// Backend returns the reserved backend as it was when reserved.
func (r *Reservation) Backend() Descriptor {
	return r.backend
}

// Release returns the capacity and records the outcome. Only the first call has an effect.
func (r *Reservation) Release(outcome Outcome) {
	r.once.Do(func() {
		r.pool.release(r.backend.ID, outcome)
	})
}

// Acquire reserves capacity on the best eligible backend for hint.
func (p *Pool) Acquire(hint Hint) (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	chosen, err := Select(hint, p.snapshotLocked(), now)
	if err != nil {
		return nil, err
	}

	b := p.backends[chosen.ID]
	b.InFlight++
	p.metrics.SetBackendInFlight(b.ID, b.InFlight)

	return &Reservation{pool: p, backend: *b, started: now}, nil
}

func (p *Pool) release(id string, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.backends[id]
	if !ok {
		return
	}
	if b.InFlight > 0 {
		b.InFlight--
	}
	p.metrics.SetBackendInFlight(b.ID, b.InFlight)

	now := p.now()
	switch {
	case outcome.Canceled:
		p.metrics.ObserveBackendLatency(b.ID, "canceled", outcome.Latency)
	case outcome.Err == nil:
		b.Failures = 0
		if outcome.Latency > 0 {
			if b.AvgLatency == 0 {
				b.AvgLatency = outcome.Latency
			} else {
				b.AvgLatency = time.Duration(math.Round(p.latencyWeight*float64(outcome.Latency) + (1-p.latencyWeight)*float64(b.AvgLatency)))
			}
		}
		p.metrics.ObserveBackendLatency(b.ID, "ok", outcome.Latency)
	case outcome.RateLimited:
		b.CooldownUntil = now.Add(p.rateCooldown)
		p.metrics.ObserveBackendLatency(b.ID, "rate_limited", outcome.Latency)
		p.logger.Warn().Str("backend", b.ID).Dur("cooldown", p.rateCooldown).Msg("backend rate limited")
	default:
		b.Failures++
		if b.Failures >= p.maxFailures {
			b.CooldownUntil = now.Add(p.failureCooldown)
			b.Failures = 0
			p.logger.Warn().Str("backend", b.ID).Dur("cooldown", p.failureCooldown).Msg("backend failing repeatedly")
		}
		p.metrics.ObserveBackendLatency(b.ID, "error", outcome.Latency)
	}
}

// Sync applies provider availability from a fleet snapshot. Providers the pool does not know
// are ignored; backends absent from providers keep their status.
func (p *Pool) Sync(providers []state.ProviderState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, provider := range providers {
		b, ok := p.backends[provider.ID]
		if !ok {
			continue
		}
		status := Status(provider.Status)
		switch status {
		case StatusAvailable, StatusBusy, StatusUnavailable:
		default:
			status = StatusUnavailable
		}
		if b.Status != status {
			p.logger.Info().
				Str("backend", b.ID).
				Str("from", string(b.Status)).
				Str("to", string(status)).
				Msg("backend status changed")
			b.Status = status
		}
	}
}

// Cooldown makes a backend ineligible for d.
func (p *Pool) Cooldown(id string, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.backends[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	b.CooldownUntil = p.now().Add(d)
	return nil
}

// Get returns one backend.
func (p *Pool) Get(id string) (Descriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.backends[id]
	if !ok {
		return Descriptor{}, false
	}
	return *b, true
}

// Snapshot returns a copy of every backend sorted by id.
func (p *Pool) Snapshot() []Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Providers returns the pool's backends as snapshot provider entries.
func (p *Pool) Providers() []state.ProviderState {
	snap := p.Snapshot()
	out := make([]state.ProviderState, 0, len(snap))
	for _, d := range snap {
		out = append(out, state.ProviderState{
			ID:     d.ID,
			Kind:   string(d.Kind),
			Status: string(d.Status),
			Model:  d.Model,
		})
	}
	return out
}

func (p *Pool) snapshotLocked() []Descriptor {
	out := make([]Descriptor, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
