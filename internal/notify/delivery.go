package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of a rejected response is kept for the error message.
const maxErrorBody = 1 << 10

// Policy controls how alerts are posted to a receiver.
type Policy struct {
	// Timeout bounds a single POST.
	Timeout time.Duration
	// MinInterval spaces alerts of the same scope; zero disables spacing.
	MinInterval time.Duration
	Burst       int
	// RetryInitial, RetryMax and GiveUpAfter shape the exponential retry of transient failures.
	RetryInitial time.Duration
	RetryMax     time.Duration
	GiveUpAfter  time.Duration
}

// DefaultPolicy is used by notifiers that are not given one.
var DefaultPolicy = Policy{
	Timeout:      10 * time.Second,
	MinInterval:  time.Second,
	Burst:        1,
	RetryInitial: time.Second,
	RetryMax:     10 * time.Second,
	GiveUpAfter:  30 * time.Second,
}

// DeliveryError describes a failed alert post. Status is zero when no response arrived.
type DeliveryError struct {
	Receiver   string
	Status     int
	Body       string
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: post failed: %v", e.Receiver, e.Err)
	}
	msg := fmt.Sprintf("%s: HTTP %d %s", e.Receiver, e.Status, http.StatusText(e.Status))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient reports whether posting the same payload again may succeed.
func (e *DeliveryError) Transient() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// receiver posts rendered alerts to one URL, spacing them per scope.
type receiver struct {
	name   string
	url    string
	policy Policy
	client *retryablehttp.Client
	logger zerolog.Logger

	mu     sync.Mutex
	scopes map[string]*rate.Limiter
}

func newReceiver(logger zerolog.Logger, name, url string, policy Policy) *receiver {
	client := retryablehttp.NewClient()
	// deliver owns retries.
	client.RetryMax = 0
	client.CheckRetry = func(context.Context, *http.Response, error) (bool, error) { return false, nil }
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: policy.Timeout}

	return &receiver{
		name:   name,
		url:    url,
		policy: policy,
		client: client,
		logger: logger.With().Str("receiver", name).Logger(),
		scopes: make(map[string]*rate.Limiter),
	}
}

// admit blocks until scope may send another alert or ctx ends.
func (r *receiver) admit(ctx context.Context, scope string) error {
	if r.policy.MinInterval <= 0 {
		return nil
	}
	r.mu.Lock()
	limiter, ok := r.scopes[scope]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(r.policy.MinInterval), max(r.policy.Burst, 1))
		r.scopes[scope] = limiter
	}
	r.mu.Unlock()
	return limiter.Wait(ctx)
}

// deliver posts payload, retrying transient failures with exponential backoff. A Retry-After
// from the receiver replaces the next backoff interval.
func (r *receiver) deliver(ctx context.Context, payload []byte) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.RetryInitial
	exp.MaxInterval = r.policy.RetryMax
	exp.MaxElapsedTime = r.policy.GiveUpAfter
	exp.Reset()
	schedule := &hintedBackOff{base: exp}

	attempt := func() error {
		err := r.send(ctx, payload)
		if err == nil {
			return nil
		}
		var de *DeliveryError
		if errors.As(err, &de) && de.Transient() {
			schedule.hint = de.RetryAfter
			return err
		}
		return backoff.Permanent(err)
	}
	onRetry := func(err error, wait time.Duration) {
		r.logger.Debug().Err(err).Dur("wait", wait).Msg("alert post failed; retrying")
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(schedule, ctx), onRetry)
}

// send performs one POST.
func (r *receiver) send(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", r.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fleet-sentinel")

	resp, err := r.client.Do(req)
	if err != nil {
		return &DeliveryError{Receiver: r.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &DeliveryError{
		Receiver:   r.name,
		Status:     resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: retryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	when, err := http.ParseTime(header)
	if err != nil {
		return 0
	}
	return max(when.Sub(now), 0)
}

// hintedBackOff follows base but lets a server-provided delay override the next interval.
type hintedBackOff struct {
	base backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.base.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if h.hint > 0 {
		next, h.hint = h.hint, 0
	}
	return next
}

func (h *hintedBackOff) Reset() {
	h.base.Reset()
	h.hint = 0
}
