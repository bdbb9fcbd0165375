package swarm

import (
	"context"

	dockertypes "github.com/docker/docker/api/types"
	swarmtypes "github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
)

// dockerAPI defines the subset of Docker client operations used by DockerClient.
// Tests inject a mock in place of the SDK client.
type dockerAPI interface {
	Ping(ctx context.Context) (dockertypes.Ping, error)
	NodeList(ctx context.Context, options dockertypes.NodeListOptions) ([]swarmtypes.Node, error)
	ServiceList(ctx context.Context, options dockertypes.ServiceListOptions) ([]swarmtypes.Service, error)
	TaskList(ctx context.Context, options dockertypes.TaskListOptions) ([]swarmtypes.Task, error)
	Close() error
}

var _ dockerAPI = (*client.Client)(nil)
