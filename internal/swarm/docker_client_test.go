package swarm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDockerClient_PingOverHTTP(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr bool
	}{
		{
			name: "daemon answers",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/_ping" {
					http.Error(w, "unexpected path", http.StatusNotFound)
					return
				}
				_, _ = w.Write([]byte("OK"))
			},
		},
		{
			name: "daemon error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)

			c, err := NewDockerClient(srv.URL, 2*time.Second)
			if err != nil {
				t.Fatalf("new docker client: %v", err)
			}
			t.Cleanup(func() { _ = c.Close() })

			err = c.Ping(context.Background())
			if tt.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDockerClient_NilIsNotInitialized(t *testing.T) {
	var c *DockerClient
	if err := c.Ping(context.Background()); err == nil {
		t.Fatalf("expected error from nil client ping")
	}
	if _, err := c.Collect(context.Background(), ""); err == nil {
		t.Fatalf("expected error from nil client collect")
	}
}
