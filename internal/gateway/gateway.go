package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/fleet-sentinel/internal/backend"
	"github.com/nholik/fleet-sentinel/internal/inference"
	"github.com/nholik/fleet-sentinel/internal/metrics"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const defaultTimeout = 40 * time.Second

// Dispatcher performs one call on one backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, b backend.Descriptor, req inference.Request) (inference.Response, error)
}

// StateReader exposes the fleet snapshot the gateway learns provider availability from.
type StateReader interface {
	Checksum() string
	Read() (state.Snapshot, error)
}

// Request is an inference request as received by the gateway.
type Request struct {
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	ModelHint string `json:"model_hint,omitempty"`
	// Backend pins the request to a backend when it is eligible.
	Backend string `json:"backend,omitempty"`
}

// Result is a served request.
type Result struct {
	RequestID    string             `json:"request_id"`
	BackendUsed  string             `json:"backend_used"`
	AttemptCount int                `json:"attempt_count"`
	Response     inference.Response `json:"result"`
	Decision     Decision           `json:"-"`
}

// Gateway routes inference requests across the backend pool with at most one fallback.
type Gateway struct {
	pool       *backend.Pool
	dispatcher Dispatcher
	store      StateReader
	limiter    *Limiter
	decisions  *DecisionLog
	timeout    time.Duration

	refreshGroup singleflight.Group
	checksumMu   sync.Mutex
	lastChecksum string

	newID   func() string
	now     func() time.Time
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithStateReader makes the gateway sync provider availability from the fleet snapshot.
func WithStateReader(store StateReader) Option {
	return func(g *Gateway) {
		g.store = store
	}
}

// WithLimiter enables rate-limit classes.
func WithLimiter(l *Limiter) Option {
	return func(g *Gateway) {
		g.limiter = l
	}
}

// WithDecisionLog sets where routing decisions are kept.
func WithDecisionLog(log *DecisionLog) Option {
	return func(g *Gateway) {
		if log != nil {
			g.decisions = log
		}
	}
}

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithMetrics records routing decisions and rate limiting.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithClock overrides the time source for decision timestamps and latencies.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(newID func() string) Option {
	return func(g *Gateway) {
		if newID != nil {
			g.newID = newID
		}
	}
}

// New returns a gateway dispatching through d onto pool.
func New(pool *backend.Pool, d Dispatcher, logger zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		pool:       pool,
		dispatcher: d,
		decisions:  NewDecisionLog(defaultDecisionLogSize),
		timeout:    defaultTimeout,
		newID:      uuid.NewString,
		now:        time.Now,
		logger:     logger.With().Str("component", "gateway").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Decisions returns the decision log.
func (g *Gateway) Decisions() *DecisionLog {
	return g.decisions
}

// Pool returns the backend pool.
func (g *Gateway) Pool() *backend.Pool {
	return g.pool
}

// Handle serves req. The primary backend gets one attempt bounded by the gateway timeout; on
// failure exactly one other backend is tried. A decision is recorded for every outcome.
func (g *Gateway) Handle(ctx context.Context, req Request) (Result, error) {
	dec := Decision{
		RequestID: g.newID(),
		Intent:    ClassifyIntent(req.Prompt),
		RateClass: ClassCheap,
		Timestamp: g.now().UTC(),
	}

	if g.limiter != nil {
		dec.RateClass = g.limiter.Classify(req.ModelHint)
		if err := g.limiter.Allow(dec.RateClass); err != nil {
			var rle *RateLimitError
			if errors.As(err, &rle) {
				g.metrics.IncRateLimited(rle.Class)
			}
			dec.Reason = ReasonRateLimited
			g.record(dec)
			return Result{RequestID: dec.RequestID}, err
		}
	}

	g.refresh()

	ireq := inference.Request{
		ID:     dec.RequestID,
		Prompt: req.Prompt,
		System: req.System,
		Model:  req.ModelHint,
	}
	hint := backend.Hint{Model: req.ModelHint, Intent: dec.Intent, Pinned: req.Backend}

	primary, err := g.pool.Acquire(hint)
	if err != nil {
		dec.Reason = ReasonNoBackend
		g.record(dec)
		return Result{RequestID: dec.RequestID}, &UnavailableError{Decision: dec, Err: err}
	}

	resp, err := g.attempt(ctx, primary, ireq, &dec)
	if err == nil {
		dec.Reason = ReasonPrimaryOK
		return g.complete(dec, resp), nil
	}
	if ctx.Err() != nil {
		dec.Reason = ReasonCanceled
		g.record(dec)
		return Result{RequestID: dec.RequestID, AttemptCount: dec.AttemptCount}, ctx.Err()
	}

	hint.Pinned = ""
	hint.Exclude = []string{primary.Backend().ID}
	fallback, ferr := g.pool.Acquire(hint)
	if ferr != nil {
		dec.Reason = ReasonNoAlternate
		g.record(dec)
		return Result{RequestID: dec.RequestID, AttemptCount: dec.AttemptCount}, &UnavailableError{Decision: dec, Err: err}
	}

	resp, err = g.attempt(ctx, fallback, ireq, &dec)
	if err == nil {
		dec.Reason = ReasonFallbackOK
		return g.complete(dec, resp), nil
	}
	if ctx.Err() != nil {
		dec.Reason = ReasonCanceled
		g.record(dec)
		return Result{RequestID: dec.RequestID, AttemptCount: dec.AttemptCount}, ctx.Err()
	}

	dec.Reason = ReasonFallbackFailed
	g.record(dec)
	return Result{RequestID: dec.RequestID, AttemptCount: dec.AttemptCount}, &UnavailableError{Decision: dec, Err: err}
}

func (g *Gateway) attempt(ctx context.Context, r *backend.Reservation, req inference.Request, dec *Decision) (inference.Response, error) {
	b := r.Backend()

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := g.now()
	resp, err := g.dispatcher.Dispatch(callCtx, b, req)
	latency := g.now().Sub(start)

	outcome := backend.Outcome{Latency: latency, Err: err}
	att := Attempt{Backend: b.ID, Outcome: OutcomeOK, Latency: latency}
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome.Canceled = true
		att.Outcome = OutcomeCanceled
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		att.Outcome = OutcomeTimeout
	case inference.IsRateLimited(err):
		outcome.RateLimited = true
		att.Outcome = OutcomeRateLimited
	default:
		att.Outcome = OutcomeError
	}
	if err != nil {
		att.Error = err.Error()
		g.logger.Warn().
			Err(err).
			Str("request_id", dec.RequestID).
			Str("backend", b.ID).
			Str("outcome", att.Outcome).
			Msg("backend attempt failed")
	}
	r.Release(outcome)

	dec.Attempts = append(dec.Attempts, att)
	dec.AttemptCount = len(dec.Attempts)
	dec.ChosenBackend = b.ID
	return resp, err
}

func (g *Gateway) complete(dec Decision, resp inference.Response) Result {
	g.record(dec)
	return Result{
		RequestID:    dec.RequestID,
		BackendUsed:  dec.ChosenBackend,
		AttemptCount: dec.AttemptCount,
		Response:     resp,
		Decision:     dec,
	}
}

func (g *Gateway) record(dec Decision) {
	g.decisions.Append(dec)
	g.metrics.IncRoutingDecisions(dec.ChosenBackend, dec.Reason, dec.Intent)
	g.logger.Info().
		Str("request_id", dec.RequestID).
		Str("backend", dec.ChosenBackend).
		Int("attempts", dec.AttemptCount).
		Str("reason", dec.Reason).
		Str("intent", dec.Intent).
		Msg("routing decision")
}

// refresh syncs the pool with the snapshot's providers when the checksum moved. Concurrent
// callers share one read.
func (g *Gateway) refresh() {
	if g.store == nil {
		return
	}
	checksum := g.store.Checksum()

	g.checksumMu.Lock()
	unchanged := checksum == g.lastChecksum
	g.checksumMu.Unlock()
	if unchanged {
		return
	}

	_, _, _ = g.refreshGroup.Do(checksum, func() (any, error) {
		g.checksumMu.Lock()
		done := g.lastChecksum == checksum
		g.checksumMu.Unlock()
		if done {
			return nil, nil
		}

		snap, err := g.store.Read()
		if err != nil {
			g.logger.Error().Err(err).Msg("unable to read fleet snapshot; keeping current backend view")
			return nil, err
		}
		g.pool.Sync(snap.Providers)

		g.checksumMu.Lock()
		g.lastChecksum = snap.Checksum
		g.checksumMu.Unlock()
		return nil, nil
	})
}
