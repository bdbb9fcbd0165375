package runner

import (
	"context"

	"github.com/nholik/fleet-sentinel/internal/backend"
	"github.com/nholik/fleet-sentinel/internal/metrics"
	"github.com/nholik/fleet-sentinel/internal/registry"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/nholik/fleet-sentinel/internal/swarm"
)

// Patch applies one collector's result to the next snapshot's content.
type Patch func(*state.Content)

// Collector gathers one section of the fleet snapshot.
type Collector interface {
	Name() string
	Collect(ctx context.Context) (Patch, error)
}

type collectorFunc struct {
	name string
	fn   func(context.Context) (Patch, error)
}

func (c collectorFunc) Name() string { return c.name }

func (c collectorFunc) Collect(ctx context.Context) (Patch, error) { return c.fn(ctx) }

// NewCollector adapts a function to Collector.
func NewCollector(name string, fn func(context.Context) (Patch, error)) Collector {
	return collectorFunc{name: name, fn: fn}
}

// SwarmCollector replaces nodes and containers with what the Docker API reports.
func SwarmCollector(client swarm.Client, stackName string, m *metrics.Metrics) Collector {
	return NewCollector("swarm", func(ctx context.Context) (Patch, error) {
		inv, err := client.Collect(ctx, stackName)
		if err != nil {
			m.IncDockerAPIErrors()
			return nil, err
		}
		return func(c *state.Content) {
			c.Nodes = inv.Nodes
			c.Containers = inv.Containers
		}, nil
	})
}

// RegistryCollector records every registered project with its current health.
func RegistryCollector(reg *registry.Registry) Collector {
	return NewCollector("registry", func(context.Context) (Patch, error) {
		records := reg.Records()
		return func(c *state.Content) {
			c.Projects = records
		}, nil
	})
}

// StaticVMs writes a fixed VM inventory.
func StaticVMs(vms []state.VirtualMachine) Collector {
	return NewCollector("vms", func(context.Context) (Patch, error) {
		return func(c *state.Content) {
			c.VirtualMachines = vms
		}, nil
	})
}

// ProviderSeed fills the providers section from the declared backends while it is empty.
// Once present, provider status belongs to whoever publishes it and is carried forward.
func ProviderSeed(pool *backend.Pool) Collector {
	return NewCollector("providers", func(context.Context) (Patch, error) {
		declared := pool.Providers()
		return func(c *state.Content) {
			if len(c.Providers) == 0 {
				c.Providers = declared
			}
		}, nil
	})
}
