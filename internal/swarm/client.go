package swarm

import (
	"context"

	"github.com/nholik/fleet-sentinel/internal/state"
)

// Inventory is what the fleet's container runtime reports in one collection pass.
type Inventory struct {
	Nodes      []state.Node
	Containers []state.Container
}

// Client collects the node and container inventory of a Swarm cluster.
type Client interface {
	// Ping validates connectivity to the Docker daemon.
	Ping(ctx context.Context) error

	// Collect lists nodes and running tasks, optionally scoped to a stack.
	Collect(ctx context.Context, stackName string) (*Inventory, error)

	// Close releases resources associated with the client.
	Close() error
}
