package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPFetcher_Fetch(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		etag     string
		maxBytes int64
		want     FetchResult
		wantErr  string
	}{
		{
			name: "fresh body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("ETag", `"v1"`)
				w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
				_, _ = w.Write([]byte("name: api\n"))
			},
			want: FetchResult{Body: []byte("name: api\n"), ETag: `"v1"`, LastModified: "Mon, 01 Jan 2024 00:00:00 GMT"},
		},
		{
			name: "not modified",
			etag: `"v1"`,
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("If-None-Match") != `"v1"` {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.Header().Set("ETag", `"v1"`)
				w.WriteHeader(http.StatusNotModified)
			},
			want: FetchResult{ETag: `"v1"`, NotModified: true},
		},
		{
			name:    "empty body",
			handler: func(http.ResponseWriter, *http.Request) {},
			wantErr: "manifest body is empty",
		},
		{
			name: "oversize body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("abcdef"))
			},
			maxBytes: 4,
			wantErr:  "exceeds 4 bytes",
		},
		{
			name: "client error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			wantErr: "403 Forbidden",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			fetcher, err := NewHTTPFetcher(server.URL, time.Second, tt.maxBytes, WithRetryDelay(time.Millisecond))
			if err != nil {
				t.Fatalf("new fetcher: %v", err)
			}
			got, err := fetcher.Fetch(context.Background(), tt.etag)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if string(got.Body) != string(tt.want.Body) || got.ETag != tt.want.ETag ||
				got.LastModified != tt.want.LastModified || got.NotModified != tt.want.NotModified {
				t.Fatalf("unexpected result %+v", got)
			}
		})
	}
}

func TestHTTPFetcher_Retries(t *testing.T) {
	tests := []struct {
		name       string
		failures   int32
		status     int
		maxRetries int
		wantCalls  int32
		wantOK     bool
	}{
		{name: "recovers after server errors", failures: 2, status: http.StatusBadGateway, maxRetries: 2, wantCalls: 3, wantOK: true},
		{name: "gives up after retries", failures: 10, status: http.StatusInternalServerError, maxRetries: 2, wantCalls: 3},
		{name: "retries disabled", failures: 10, status: http.StatusServiceUnavailable, maxRetries: 0, wantCalls: 1},
		{name: "client errors are final", failures: 10, status: http.StatusNotFound, maxRetries: 2, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= tt.failures {
					w.WriteHeader(tt.status)
					return
				}
				_, _ = w.Write([]byte("ok"))
			}))
			defer server.Close()

			fetcher, err := NewHTTPFetcher(server.URL, time.Second, 0,
				WithMaxRetries(tt.maxRetries), WithRetryDelay(time.Millisecond))
			if err != nil {
				t.Fatalf("new fetcher: %v", err)
			}
			_, err = fetcher.Fetch(context.Background(), "")
			if got := calls.Load(); got != tt.wantCalls {
				t.Fatalf("expected %d calls, got %d", tt.wantCalls, got)
			}
			if tt.wantOK {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			var fetchErr *FetchError
			if !errors.As(err, &fetchErr) || fetchErr.StatusCode != tt.status {
				t.Fatalf("expected FetchError with status %d, got %v", tt.status, err)
			}
			if fetchErr.Attempts != int(tt.wantCalls) {
				t.Fatalf("expected %d attempts recorded, got %d", tt.wantCalls, fetchErr.Attempts)
			}
		})
	}
}

func TestHTTPFetcher_TransportErrorIsRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	fetcher, err := NewHTTPFetcher(url, time.Second, 0, WithMaxRetries(1), WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	_, err = fetcher.Fetch(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "after 2 attempt(s)") {
		t.Fatalf("expected exhausted transport error, got %v", err)
	}
}

func TestHTTPFetcher_StopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(server.URL, time.Second, 0,
		WithMaxRetries(10), WithRetryDelay(200*time.Millisecond))
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = fetcher.Fetch(ctx, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected the wait to be interrupted after one call, got %d", got)
	}
}

func TestNewHTTPFetcher_Validation(t *testing.T) {
	if _, err := NewHTTPFetcher(" ", time.Second, 0); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := NewHTTPFetcher("http://example.com", 0, 0); err == nil {
		t.Fatalf("expected error for zero timeout")
	}
}

func TestFileFetcher_Fetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compose.yml")
	if err := os.WriteFile(path, []byte(composeYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	fetcher, err := NewFileFetcher(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := fetcher.Fetch(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.NotModified || string(first.Body) != composeYAML || first.ETag == "" {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := fetcher.Fetch(context.Background(), first.ETag)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.NotModified || len(second.Body) != 0 {
		t.Fatalf("expected not modified, got %+v", second)
	}

	later := time.Now().Add(time.Minute)
	if err := os.WriteFile(path, []byte(composeYAML+"\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	third, err := fetcher.Fetch(context.Background(), first.ETag)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.NotModified || third.ETag == first.ETag {
		t.Fatalf("expected changed content, got %+v", third)
	}
}

func TestFileFetcher_Errors(t *testing.T) {
	if _, err := NewFileFetcher(" ", 0); err == nil {
		t.Fatalf("expected error for empty path")
	}

	missing, err := NewFileFetcher(filepath.Join(t.TempDir(), "missing.yml"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := missing.Fetch(context.Background(), ""); err == nil {
		t.Fatalf("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "big.yml")
	if err := os.WriteFile(path, []byte("abcdef"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	small, _ := NewFileFetcher(path, 4)
	if _, err := small.Fetch(context.Background(), ""); err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size error, got %v", err)
	}
}
