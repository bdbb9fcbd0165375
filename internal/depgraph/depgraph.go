package depgraph

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Edge declares that Service depends on every entry in DependsOn.
type Edge struct {
	Service   string   `yaml:"service" json:"service_id"`
	DependsOn []string `yaml:"depends_on" json:"depends_on"`
}

// CycleError reports a dependency cycle. Cycle lists the services on it, starting and ending
// with the same service.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// DependencyViolation is returned when a mutation would break dependents.
type DependencyViolation struct {
	Service    string
	Dependents []string
	Protected  bool
}

func (e *DependencyViolation) Error() string {
	if e.Protected {
		return fmt.Sprintf("service %q is protected", e.Service)
	}
	return fmt.Sprintf("service %q has dependents: %s", e.Service, strings.Join(e.Dependents, ", "))
}

// Decision is the outcome of CheckSafeToMutate.
type Decision struct {
	Service    string   `json:"service"`
	Allowed    bool     `json:"allowed"`
	Dependents []string `json:"dependents,omitempty"`
	Protected  bool     `json:"protected,omitempty"`
}

// Err returns nil when the mutation is allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DependencyViolation{Service: d.Service, Dependents: slices.Clone(d.Dependents), Protected: d.Protected}
}

// Graph is an immutable acyclic dependency graph.
type Graph struct {
	dependsOn  map[string][]string
	dependents map[string][]string
	order      []string
	protected  map[string]struct{}
}

// Option customizes Load.
type Option func(*Graph)

// WithProtected marks services that may never be mutated.
func WithProtected(services ...string) Option {
	return func(g *Graph) {
		for _, s := range services {
			if s = strings.TrimSpace(s); s != "" {
				g.protected[s] = struct{}{}
			}
		}
	}
}

// Load builds the graph. Edges for the same service are merged; self references and cycles
// are rejected.
func Load(edges []Edge, opts ...Option) (*Graph, error) {
	deps := map[string]map[string]struct{}{}
	ensure := func(id string) map[string]struct{} {
		set, ok := deps[id]
		if !ok {
			set = map[string]struct{}{}
			deps[id] = set
		}
		return set
	}

	for i, edge := range edges {
		service := strings.TrimSpace(edge.Service)
		if service == "" {
			return nil, fmt.Errorf("edge %d: service is required", i)
		}
		set := ensure(service)
		for _, dep := range edge.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				return nil, fmt.Errorf("service %q: empty dependency", service)
			}
			if dep == service {
				return nil, &CycleError{Cycle: []string{service, service}}
			}
			set[dep] = struct{}{}
			ensure(dep)
		}
	}

	g := &Graph{
		dependsOn:  make(map[string][]string, len(deps)),
		dependents: make(map[string][]string, len(deps)),
		protected:  map[string]struct{}{},
	}
	for service, set := range deps {
		list := make([]string, 0, len(set))
		for dep := range set {
			list = append(list, dep)
			g.dependents[dep] = append(g.dependents[dep], service)
		}
		sort.Strings(list)
		g.dependsOn[service] = list
	}
	for _, list := range g.dependents {
		sort.Strings(list)
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order

	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// topoSort runs Kahn's algorithm: dependencies come before their dependents. Ties are broken
// by name so the order is deterministic.
func (g *Graph) topoSort() ([]string, error) {
	remaining := make(map[string]int, len(g.dependsOn))
	var ready []string
	for service, deps := range g.dependsOn {
		remaining[service] = len(deps)
		if len(deps) == 0 {
			ready = append(ready, service)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.dependsOn))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		var unlocked []string
		for _, dependent := range g.dependents[next] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.dependsOn) {
		return nil, &CycleError{Cycle: g.findCycle(remaining)}
	}
	return order, nil
}

// findCycle walks unresolved services until one repeats.
func (g *Graph) findCycle(remaining map[string]int) []string {
	var start string
	for service, n := range remaining {
		if n > 0 && (start == "" || service < start) {
			start = service
		}
	}

	seen := map[string]int{}
	var path []string
	current := start
	for {
		if idx, ok := seen[current]; ok {
			return append(path[idx:], current)
		}
		seen[current] = len(path)
		path = append(path, current)

		var next string
		for _, dep := range g.dependsOn[current] {
			if remaining[dep] > 0 {
				next = dep
				break
			}
		}
		if next == "" {
			return path
		}
		current = next
	}
}

// Dependents returns every service that directly or transitively depends on id, sorted.
// Unknown services have no dependents.
func (g *Graph) Dependents(id string) []string {
	visited := map[string]struct{}{}
	queue := slices.Clone(g.dependents[id])
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, ok := visited[next]; ok {
			continue
		}
		visited[next] = struct{}{}
		queue = append(queue, g.dependents[next]...)
	}

	out := make([]string, 0, len(visited))
	for s := range visited {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DependsOn returns the direct dependencies of id.
func (g *Graph) DependsOn(id string) []string {
	return slices.Clone(g.dependsOn[id])
}

// Order returns services with dependencies before dependents.
func (g *Graph) Order() []string {
	return slices.Clone(g.order)
}

// Services returns every known service, sorted.
func (g *Graph) Services() []string {
	out := slices.Clone(g.order)
	sort.Strings(out)
	return out
}

// IsProtected reports whether id is on the protected list.
func (g *Graph) IsProtected(id string) bool {
	_, ok := g.protected[id]
	return ok
}

// CheckSafeToMutate allows a mutation only when nothing depends on id and id is not protected.
func (g *Graph) CheckSafeToMutate(id string) Decision {
	dependents := g.Dependents(id)
	protected := g.IsProtected(id)
	return Decision{
		Service:    id,
		Allowed:    len(dependents) == 0 && !protected,
		Dependents: dependents,
		Protected:  protected,
	}
}

// File is the on-disk dependency document.
type File struct {
	Dependencies []Edge   `yaml:"dependencies"`
	Protected    []string `yaml:"protected"`
}

// LoadFile reads a YAML dependency document.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc File
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse dependency file: %w", err)
	}
	g, err := Load(doc.Dependencies, WithProtected(doc.Protected...))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}
