package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Node is a physical or virtual host taking part in the fleet.
type Node struct {
	Name        string            `json:"name"`
	Status      string            `json:"status"`
	Address     string            `json:"address,omitempty"`
	Role        string            `json:"role,omitempty"`
	CPUCores    int               `json:"cpu_cores,omitempty"`
	MemoryBytes int64             `json:"memory_bytes,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// VirtualMachine is a guest scheduled on a node.
type VirtualMachine struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Node        string   `json:"node,omitempty"`
	Status      string   `json:"status"`
	IPAddresses []string `json:"ip_addresses,omitempty"`
}

// Container is a running workload observed on a node.
type Container struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Node    string `json:"node,omitempty"`
	Image   string `json:"image,omitempty"`
	Service string `json:"service,omitempty"`
	Status  string `json:"status"`
}

// ProjectRecord is the registry view of a project captured in a snapshot.
type ProjectRecord struct {
	Name          string    `json:"name"`
	Endpoints     []string  `json:"endpoints,omitempty"`
	Health        string    `json:"health"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ProviderState is the declared availability of an inference backend.
type ProviderState struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
}

// Provider status values understood by the backend pool.
const (
	ProviderAvailable   = "available"
	ProviderBusy        = "busy"
	ProviderUnavailable = "unavailable"
)

// Content is everything a writer controls in a snapshot.
type Content struct {
	Nodes           []Node           `json:"nodes"`
	VirtualMachines []VirtualMachine `json:"virtual_machines"`
	Containers      []Container      `json:"containers"`
	Projects        []ProjectRecord  `json:"projects"`
	Providers       []ProviderState  `json:"providers"`
}

// Snapshot is an immutable, checksummed view of the fleet.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Content
	Checksum string `json:"checksum"`
}

// canonicalForm is the hashed projection of a snapshot: every field except the checksum.
type canonicalForm struct {
	Timestamp time.Time `json:"timestamp"`
	Content
}

// NewSnapshot seals content at ts with its checksum.
func NewSnapshot(ts time.Time, content Content) (Snapshot, error) {
	snap := Snapshot{Timestamp: ts.UTC(), Content: content.Clone()}
	sum, err := snap.ComputeChecksum()
	if err != nil {
		return Snapshot{}, err
	}
	snap.Checksum = sum
	return snap, nil
}

// Genesis is the snapshot an empty store serves before the first commit.
func Genesis() Snapshot {
	snap, err := NewSnapshot(time.Time{}, Content{})
	if err != nil {
		panic(fmt.Sprintf("genesis snapshot: %v", err))
	}
	return snap
}

// ComputeChecksum hashes the canonical JSON encoding of the snapshot without its checksum.
// Nil and empty collections hash identically.
func (s Snapshot) ComputeChecksum() (string, error) {
	payload, err := json.Marshal(canonicalForm{
		Timestamp: s.Timestamp.UTC(),
		Content:   s.Content.normalized(),
	})
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the checksum and compares it with the stored one.
func (s Snapshot) Verify() error {
	sum, err := s.ComputeChecksum()
	if err != nil {
		return err
	}
	if sum != s.Checksum {
		return &CorruptionError{Stored: s.Checksum, Computed: sum}
	}
	return nil
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	s.Content = s.Content.Clone()
	return s
}

// Clone returns a deep copy of the content.
func (c Content) Clone() Content {
	out := Content{
		Nodes:           slices.Clone(c.Nodes),
		VirtualMachines: slices.Clone(c.VirtualMachines),
		Containers:      slices.Clone(c.Containers),
		Projects:        slices.Clone(c.Projects),
		Providers:       slices.Clone(c.Providers),
	}
	for i := range out.Nodes {
		out.Nodes[i].Labels = maps.Clone(out.Nodes[i].Labels)
	}
	for i := range out.VirtualMachines {
		out.VirtualMachines[i].IPAddresses = slices.Clone(out.VirtualMachines[i].IPAddresses)
	}
	for i := range out.Projects {
		out.Projects[i].Endpoints = slices.Clone(out.Projects[i].Endpoints)
	}
	return out
}

func (c Content) normalized() Content {
	if c.Nodes == nil {
		c.Nodes = []Node{}
	}
	if c.VirtualMachines == nil {
		c.VirtualMachines = []VirtualMachine{}
	}
	if c.Containers == nil {
		c.Containers = []Container{}
	}
	if c.Providers == nil {
		c.Providers = []ProviderState{}
	}
	projects := make([]ProjectRecord, len(c.Projects))
	for i, p := range c.Projects {
		p.LastHeartbeat = p.LastHeartbeat.UTC()
		projects[i] = p
	}
	c.Projects = projects
	return c
}
