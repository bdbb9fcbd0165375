package swarm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	swarmtypes "github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
)

const (
	defaultAPITimeout = 5 * time.Second
	stackLabel        = "com.docker.stack.namespace"
)

// DockerClient implements Client using the official Docker Go SDK.
type DockerClient struct {
	api     dockerAPI
	timeout time.Duration
}

// NewDockerClient initializes a Docker client for the given API host.
func NewDockerClient(host string, timeout time.Duration) (*DockerClient, error) {
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	httpClient := &http.Client{Timeout: timeout}

	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
		client.WithHTTPClient(httpClient),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}

	return &DockerClient{
		api:     api,
		timeout: timeout,
	}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *DockerClient) Ping(ctx context.Context) error {
	if c == nil || c.api == nil {
		return errors.New("docker client is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.api.Ping(ctx)
	return err
}

// Collect lists swarm nodes and the running tasks of every service. With a stack name only
// services labelled with that stack namespace are included, and their names lose the stack
// prefix.
func (c *DockerClient) Collect(ctx context.Context, stackName string) (*Inventory, error) {
	if c == nil || c.api == nil {
		return nil, errors.New("docker client is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	nodes, err := c.api.NodeList(ctx, dockertypes.NodeListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	serviceFilter := filters.NewArgs()
	if stackName != "" {
		serviceFilter.Add("label", stackLabel+"="+stackName)
	}
	services, err := listSharded(serviceFilter, func(f filters.Args) ([]swarmtypes.Service, error) {
		return c.api.ServiceList(ctx, dockertypes.ServiceListOptions{Filters: f})
	}, func(s swarmtypes.Service) string { return s.ID })
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}

	serviceNames := make(map[string]string, len(services))
	for _, svc := range services {
		serviceNames[svc.ID] = normalizeServiceName(svc.Spec.Name, stackName)
	}

	taskFilter := filters.NewArgs(filters.Arg("desired-state", string(swarmtypes.TaskStateRunning)))
	tasks, err := listSharded(taskFilter, func(f filters.Args) ([]swarmtypes.Task, error) {
		return c.api.TaskList(ctx, dockertypes.TaskListOptions{Filters: f})
	}, func(t swarmtypes.Task) string { return t.ID })
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	inv := &Inventory{}
	hostnames := make(map[string]string, len(nodes))
	for _, n := range nodes {
		node := nodeFromSwarm(n)
		hostnames[n.ID] = node.Name
		inv.Nodes = append(inv.Nodes, node)
	}

	for _, task := range tasks {
		service, ok := serviceNames[task.ServiceID]
		if !ok {
			continue
		}
		inv.Containers = append(inv.Containers, containerFromTask(task, service, hostnames))
	}

	sort.Slice(inv.Nodes, func(i, j int) bool { return inv.Nodes[i].Name < inv.Nodes[j].Name })
	sort.Slice(inv.Containers, func(i, j int) bool { return inv.Containers[i].Name < inv.Containers[j].Name })
	return inv, nil
}

// Close releases the underlying SDK client.
func (c *DockerClient) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}
