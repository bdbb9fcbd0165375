package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/nholik/fleet-sentinel/internal/api"
	"github.com/nholik/fleet-sentinel/internal/depgraph"
	"github.com/nholik/fleet-sentinel/internal/gateway"
	"github.com/nholik/fleet-sentinel/internal/history"
	"github.com/nholik/fleet-sentinel/internal/lease"
	"github.com/nholik/fleet-sentinel/internal/registry"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultRetryMax = 3
	errorBodyLimit  = 64 * 1024
)

// APIError is a non-2xx response. It matches the domain sentinel for its code with errors.Is.
type APIError struct {
	Status int
	Body   api.ErrorBody
}

func (e *APIError) Error() string {
	if e.Body.Message == "" {
		return fmt.Sprintf("%d %s", e.Status, e.Body.Error)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Body.Error, e.Body.Message)
}

var sentinels = map[string]error{
	api.CodeConflict:           state.ErrConflict,
	api.CodeLeaseRequired:      state.ErrLeaseRequired,
	api.CodeCorruptSnapshot:    state.ErrCorruptSnapshot,
	api.CodeSnapshotNotFound:   state.ErrSnapshotNotFound,
	api.CodeLeaseBusy:          lease.ErrLeaseBusy,
	api.CodeLeaseExpired:       lease.ErrLeaseExpired,
	api.CodeUnknownProject:     registry.ErrUnknownProject,
	api.CodeRateLimited:        gateway.ErrRateLimited,
	api.CodeBackendUnavailable: gateway.ErrBackendUnavailable,
}

func (e *APIError) Is(target error) bool {
	sentinel, ok := sentinels[e.Body.Error]
	return ok && sentinel == target
}

// Client is safe for concurrent use.
type Client struct {
	base *url.URL
	http *retryablehttp.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithRetryMax sets how often idempotent failures are retried.
func WithRetryMax(n int) Option {
	return func(c *Client) {
		c.http.RetryMax = n
	}
}

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.HTTPClient.Timeout = d
		}
	}
}

// WithRetryWait overrides the backoff bounds between retries.
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.http.RetryWaitMin = minWait
		c.http.RetryWaitMax = maxWait
	}
}

// WithLogger logs retries at debug level.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.http.Logger = leveledLogger{logger: logger}
	}
}

// New returns a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must use http or https, got %q", baseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url must include a host, got %q", baseURL)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = defaultRetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.HTTPClient = &http.Client{Timeout: defaultTimeout}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{base: base, http: rc}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// checkRetry retries transport failures and gateway errors from proxies. Responses produced
// by the API itself carry a decision and are never retried.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// State returns the current snapshot.
func (c *Client) State(ctx context.Context) (api.StateView, error) {
	var view api.StateView
	err := c.do(ctx, http.MethodGet, "/v1/state", nil, nil, &view)
	return view, err
}

// Propose commits content against expected while holder owns the lease.
func (c *Client) Propose(ctx context.Context, holder string, content state.Content, expected string) (string, error) {
	var result api.CommitResult
	err := c.do(ctx, http.MethodPut, "/v1/state", nil, api.Proposal{
		Content:          &content,
		ExpectedChecksum: expected,
		HolderID:         holder,
	}, &result)
	return result.Checksum, err
}

// Rollback restores the archived snapshot with the given checksum.
func (c *Client) Rollback(ctx context.Context, holder, checksum, expected string) (string, error) {
	var result api.CommitResult
	err := c.do(ctx, http.MethodPost, "/v1/state/rollback", nil, api.RollbackRequest{
		Checksum:         checksum,
		ExpectedChecksum: expected,
		HolderID:         holder,
	}, &result)
	return result.Checksum, err
}

// History lists up to limit archived snapshots, most recent first.
func (c *Client) History(ctx context.Context, limit int) ([]history.Entry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page struct {
		Entries []history.Entry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/history", q, nil, &page)
	return page.Entries, err
}

// AcquireLease requests the writer lease. A zero ttl uses the server default.
func (c *Client) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (api.LeaseView, error) {
	req := api.LeaseRequest{HolderID: holder}
	if ttl > 0 {
		req.TTL = ttl.String()
	}
	var view api.LeaseView
	err := c.do(ctx, http.MethodPost, "/v1/lease/acquire", nil, req, &view)
	return view, err
}

// RenewLease extends holder's lease.
func (c *Client) RenewLease(ctx context.Context, holder string) (api.LeaseView, error) {
	var view api.LeaseView
	err := c.do(ctx, http.MethodPost, "/v1/lease/renew", nil, api.LeaseRequest{HolderID: holder}, &view)
	return view, err
}

// ReleaseLease gives up holder's lease.
func (c *Client) ReleaseLease(ctx context.Context, holder string) error {
	return c.do(ctx, http.MethodPost, "/v1/lease/release", nil, api.LeaseRequest{HolderID: holder}, nil)
}

// Dependents lists everything that depends on service.
func (c *Client) Dependents(ctx context.Context, service string) (api.DependentsView, error) {
	var view api.DependentsView
	err := c.do(ctx, http.MethodGet, "/v1/dependents/"+url.PathEscape(service), nil, nil, &view)
	return view, err
}

// CheckMutation reports whether service may be changed. A refusal is returned as the
// decision together with an error wrapping depgraph.DependencyViolation.
func (c *Client) CheckMutation(ctx context.Context, service string) (depgraph.Decision, error) {
	var decision depgraph.Decision
	err := c.do(ctx, http.MethodGet, "/v1/dependents/"+url.PathEscape(service)+"/check", nil, nil, &decision)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Body.Error == api.CodeDependencyViolation {
		decision = depgraph.Decision{
			Service:    service,
			Dependents: apiErr.Body.Dependents,
			Protected:  apiErr.Body.Protected,
		}
		return decision, errors.Join(decision.Err(), err)
	}
	return decision, err
}

// Projects lists registered projects.
func (c *Client) Projects(ctx context.Context) ([]registry.Descriptor, error) {
	var out []registry.Descriptor
	err := c.do(ctx, http.MethodGet, "/v1/projects", nil, nil, &out)
	return out, err
}

// Heartbeat marks a project alive.
func (c *Client) Heartbeat(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(name)+"/heartbeat", nil, nil, nil)
}

// Infer routes a prompt through the gateway.
func (c *Client) Infer(ctx context.Context, req gateway.Request) (gateway.Result, error) {
	var result gateway.Result
	err := c.do(ctx, http.MethodPost, "/v1/inference", nil, req, &result)
	return result, err
}

// Decisions returns up to limit recent routing decisions.
func (c *Client) Decisions(ctx context.Context, limit int) ([]gateway.Decision, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []gateway.Decision
	err := c.do(ctx, http.MethodGet, "/v1/routing", q, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "fleet-sentinel")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		if json.Unmarshal(raw, &apiErr.Body) != nil || apiErr.Body.Error == "" {
			apiErr.Body = api.ErrorBody{Error: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(raw))}
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.logger.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.logger.Warn().Fields(kv).Msg(msg) }
