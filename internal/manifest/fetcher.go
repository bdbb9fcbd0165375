package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultMaxBytes   int64 = 5 << 20
	defaultMaxRetries       = 2
	defaultRetryDelay       = 500 * time.Millisecond
)

// Fetcher retrieves raw manifest content.
type Fetcher interface {
	Fetch(ctx context.Context, previousETag string) (FetchResult, error)
}

// FetchResult contains the fetched bytes and response metadata.
type FetchResult struct {
	Body         []byte
	ETag         string
	LastModified string
	NotModified  bool
}

// HTTPFetcher retrieves manifest content over HTTP. Transport failures and 5xx responses are
// retried; anything else is returned on the first attempt.
type HTTPFetcher struct {
	url        string
	maxBytes   int64
	maxRetries int
	retryDelay time.Duration
	client     *retryablehttp.Client
}

// FetcherOption customizes an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithMaxRetries sets how many times a transient failure is retried. Zero disables retries.
func WithMaxRetries(n int) FetcherOption {
	return func(f *HTTPFetcher) {
		if n >= 0 {
			f.maxRetries = n
		}
	}
}

// WithRetryDelay sets the shortest wait between attempts.
func WithRetryDelay(d time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		if d > 0 {
			f.retryDelay = d
		}
	}
}

// NewHTTPFetcher constructs an HTTPFetcher for url. maxBytes <= 0 selects the default limit.
func NewHTTPFetcher(url string, timeout time.Duration, maxBytes int64, opts ...FetcherOption) (*HTTPFetcher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("manifest url must not be empty")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be greater than zero")
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	f := &HTTPFetcher{
		url:        url,
		maxBytes:   maxBytes,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(f)
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.Logger = nil
	client.RetryMax = f.maxRetries
	client.RetryWaitMin = f.retryDelay
	client.RetryWaitMax = 8 * f.retryDelay
	client.CheckRetry = retryTransient
	client.ErrorHandler = giveUp
	f.client = client
	return f, nil
}

// FetchError reports a non-OK HTTP response. Attempts counts requests made, retries included.
type FetchError struct {
	StatusCode int
	Status     string
	Attempts   int
}

func (e *FetchError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("unexpected status: %s after %d attempts", e.Status, e.Attempts)
	}
	return fmt.Sprintf("unexpected status: %s", e.Status)
}

// IsRetryable reports whether the response was a server error.
func (e *FetchError) IsRetryable() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

func retryTransient(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil {
		return true, nil
	}
	return resp.StatusCode >= http.StatusInternalServerError, nil
}

// giveUp runs once retries are exhausted or the context ended.
func giveUp(resp *http.Response, err error, attempts int) (*http.Response, error) {
	if resp != nil {
		resp.Body.Close()
		return nil, &FetchError{StatusCode: resp.StatusCode, Status: resp.Status, Attempts: attempts}
	}
	return nil, fmt.Errorf("fetch manifest after %d attempt(s): %w", attempts, err)
}

// Fetch downloads the content. A matching previousETag yields NotModified with no body.
func (f *HTTPFetcher) Fetch(ctx context.Context, previousETag string) (FetchResult, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("create request: %w", err)
	}
	if previousETag != "" {
		req.Header.Set("If-None-Match", previousETag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return FetchResult{}, ctxErr
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	meta := FetchResult{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	switch resp.StatusCode {
	case http.StatusNotModified:
		meta.NotModified = true
		return meta, nil
	case http.StatusOK:
	default:
		return FetchResult{}, &FetchError{StatusCode: resp.StatusCode, Status: resp.Status, Attempts: 1}
	}

	meta.Body, err = readWithLimit(resp.Body, f.maxBytes)
	if err != nil {
		return FetchResult{}, err
	}
	if len(meta.Body) == 0 {
		return FetchResult{}, errors.New("manifest body is empty")
	}
	return meta, nil
}

func readWithLimit(r io.Reader, maxBytes int64) ([]byte, error) {
	limited := io.LimitReader(r, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("manifest body exceeds %d bytes", maxBytes)
	}
	return body, nil
}

// FileFetcher reads manifest content from a local file. The ETag is derived from the file's
// size and modification time, so unchanged files report NotModified.
type FileFetcher struct {
	path     string
	maxBytes int64
}

// NewFileFetcher returns a fetcher for path.
func NewFileFetcher(path string, maxBytes int64) (*FileFetcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("manifest path must not be empty")
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &FileFetcher{path: path, maxBytes: maxBytes}, nil
}

func (f *FileFetcher) Fetch(ctx context.Context, previousETag string) (FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}
	file, err := os.Open(f.path)
	if err != nil {
		return FetchResult{}, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return FetchResult{}, fmt.Errorf("stat manifest: %w", err)
	}
	etag := strconv.FormatInt(info.Size(), 16) + "-" + strconv.FormatInt(info.ModTime().UnixNano(), 16)
	modified := info.ModTime().UTC().Format(http.TimeFormat)
	if previousETag != "" && previousETag == etag {
		return FetchResult{ETag: etag, LastModified: modified, NotModified: true}, nil
	}

	body, err := readWithLimit(file, f.maxBytes)
	if err != nil {
		return FetchResult{}, err
	}
	if len(body) == 0 {
		return FetchResult{}, errors.New("manifest body is empty")
	}
	return FetchResult{Body: body, ETag: etag, LastModified: modified}, nil
}
