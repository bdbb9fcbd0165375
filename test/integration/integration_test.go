//go:build integration

package integration

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/nholik/fleet-sentinel/internal/logging"
	"github.com/nholik/fleet-sentinel/internal/manifest"
	"github.com/nholik/fleet-sentinel/internal/swarm"
)

// TestIntegrationComposeAndSwarm exercises compose discovery and Swarm inventory against a
// real Docker daemon.
//
// Prerequisites:
//   - Docker daemon running in swarm mode
//   - an HTTP server serving a compose file and a docker socket proxy
//
// Run with: go test -tags=integration -v ./test/integration/...
func TestIntegrationComposeAndSwarm(t *testing.T) {
	composeServerURL := getEnv("TEST_COMPOSE_URL", "http://localhost:8888/healthy-stack.yml")
	dockerProxyURL := getEnv("TEST_DOCKER_PROXY_URL", "http://localhost:2375")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkEndpoint(ctx, composeServerURL); err != nil {
		t.Skipf("compose server not reachable: %v", err)
	}
	if err := checkEndpoint(ctx, dockerProxyURL+"/_ping"); err != nil {
		t.Skipf("docker proxy not reachable: %v", err)
	}

	logger := logging.New()

	t.Run("ComposeDiscovery", func(t *testing.T) {
		fetcher, err := manifest.NewHTTPFetcher(composeServerURL, 10*time.Second, 0)
		if err != nil {
			t.Fatalf("create fetcher: %v", err)
		}

		manifests, err := manifest.NewComposeSource(fetcher, "integration", logger).Discover(context.Background())
		if err != nil {
			t.Fatalf("discover: %v", err)
		}
		if len(manifests) == 0 {
			t.Fatal("expected at least one service in compose")
		}
		t.Logf("discovered %d projects from compose", len(manifests))
	})

	t.Run("DockerPing", func(t *testing.T) {
		client, err := swarm.NewDockerClient(dockerProxyURL, 10*time.Second)
		if err != nil {
			t.Fatalf("create docker client: %v", err)
		}
		defer client.Close()

		if err := client.Ping(context.Background()); err != nil {
			t.Fatalf("docker ping: %v", err)
		}
	})

	t.Run("Inventory", func(t *testing.T) {
		client, err := swarm.NewDockerClient(dockerProxyURL, 10*time.Second)
		if err != nil {
			t.Fatalf("create docker client: %v", err)
		}
		defer client.Close()

		inv, err := client.Collect(context.Background(), "")
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		if len(inv.Nodes) == 0 {
			t.Fatal("expected at least one swarm node")
		}
		t.Logf("found %d nodes and %d containers", len(inv.Nodes), len(inv.Containers))
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func checkEndpoint(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}
