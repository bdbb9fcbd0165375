package swarm

import (
	"fmt"
	"maps"
	"strings"

	swarmtypes "github.com/docker/docker/api/types/swarm"
	"github.com/nholik/fleet-sentinel/internal/state"
)

func nodeFromSwarm(n swarmtypes.Node) state.Node {
	name := n.Description.Hostname
	if name == "" {
		name = n.ID
	}
	node := state.Node{
		Name:        name,
		Status:      string(n.Status.State),
		Address:     n.Status.Addr,
		Role:        string(n.Spec.Role),
		CPUCores:    int(n.Description.Resources.NanoCPUs / 1e9),
		MemoryBytes: n.Description.Resources.MemoryBytes,
	}
	if len(n.Spec.Labels) > 0 {
		node.Labels = maps.Clone(n.Spec.Labels)
	}
	return node
}

// containerFromTask names replicated tasks service.slot and global tasks service.node, the
// way `docker service ps` does.
func containerFromTask(task swarmtypes.Task, service string, hostnames map[string]string) state.Container {
	c := state.Container{
		ID:      task.ID,
		Service: service,
		Node:    hostnames[task.NodeID],
		Status:  string(task.Status.State),
	}
	if cs := task.Status.ContainerStatus; cs != nil && cs.ContainerID != "" {
		c.ID = cs.ContainerID
	}
	if spec := task.Spec.ContainerSpec; spec != nil {
		c.Image = normalizeImage(spec.Image)
	}
	if task.Slot > 0 {
		c.Name = fmt.Sprintf("%s.%d", service, task.Slot)
	} else {
		c.Name = service + "." + task.NodeID
	}
	return c
}

// normalizeServiceName strips the "<stack>_" prefix Swarm adds to stack services.
func normalizeServiceName(name, stackName string) string {
	if stackName == "" {
		return name
	}
	return strings.TrimPrefix(name, stackName+"_")
}

// normalizeImage drops the @sha256 digest the daemon appends after resolving a tag.
func normalizeImage(image string) string {
	ref, _, _ := strings.Cut(image, "@sha256:")
	return ref
}
