package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nholik/fleet-sentinel/internal/health"
	"github.com/nholik/fleet-sentinel/internal/manifest"
	"github.com/nholik/fleet-sentinel/internal/metrics"
	"github.com/nholik/fleet-sentinel/internal/state"
	"github.com/nholik/fleet-sentinel/internal/transition"
	"github.com/rs/zerolog"
)

// ErrUnknownProject is returned for heartbeats from projects that never announced.
var ErrUnknownProject = errors.New("unknown project")

// Descriptor is a registered project with its health computed at read time.
type Descriptor struct {
	Name          string        `json:"name"`
	DisplayName   string        `json:"display_name,omitempty"`
	Description   string        `json:"description,omitempty"`
	Status        string        `json:"status,omitempty"`
	Path          string        `json:"path,omitempty"`
	Endpoints     []string      `json:"endpoints"`
	Health        health.Status `json:"health"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	AnnouncedAt   time.Time     `json:"announced_at"`
	Source        string        `json:"source,omitempty"`
}

type entry struct {
	manifest      manifest.Manifest
	lastHeartbeat time.Time
	announcedAt   time.Time
}

// Registry tracks announced projects and their heartbeats.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	thresholds health.Thresholds
	now        func() time.Time
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithThresholds sets the heartbeat ages at which projects degrade and go stale.
func WithThresholds(th health.Thresholds) Option {
	return func(r *Registry) {
		if th.DegradedAfter > 0 && th.StaleAfter >= th.DegradedAfter {
			r.thresholds = th
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics publishes per-health project counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New returns an empty registry.
func New(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:    make(map[string]*entry),
		thresholds: health.DefaultThresholds,
		now:        time.Now,
		logger:     logger.With().Str("component", "registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Announce registers a project or updates its manifest. The stored heartbeat is kept unless
// the manifest carries a newer one.
func (r *Registry) Announce(m manifest.Manifest) (Descriptor, error) {
	if err := m.Validate(); err != nil {
		return Descriptor{}, err
	}

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[m.Name]
	if !ok {
		e = &entry{announcedAt: now}
		r.entries[m.Name] = e
		r.logger.Info().Str("project", m.Name).Str("source", m.Source).Msg("project registered")
	}
	e.manifest = cloneManifest(m)
	if m.Heartbeat != nil && m.Heartbeat.After(e.lastHeartbeat) {
		e.lastHeartbeat = m.Heartbeat.UTC()
	}
	return r.describe(e, now), nil
}

// Heartbeat records that the project is alive.
func (r *Registry) Heartbeat(name string) error {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[strings.TrimSpace(name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProject, name)
	}
	e.lastHeartbeat = now.UTC()
	return nil
}

// Get returns one project.
func (r *Registry) Get(name string) (Descriptor, bool) {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.describe(e, now), true
}

// List returns every project sorted by name.
func (r *Registry) List() []Descriptor {
	now := r.now()

	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, r.describe(e, now))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove forgets a project. It reports whether the project was registered.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	return true
}

// EvictStale removes projects that have been stale for longer than grace and returns their
// names, sorted. Projects that never sent a heartbeat are not evicted.
func (r *Registry) EvictStale(grace time.Duration) []string {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := make([]string, 0)
	for name, e := range r.entries {
		since := health.StaleSince(e.lastHeartbeat, r.thresholds)
		if since.IsZero() {
			continue
		}
		if now.Sub(since) > grace {
			delete(r.entries, name)
			evicted = append(evicted, name)
		}
	}
	sort.Strings(evicted)
	if len(evicted) > 0 {
		r.logger.Info().Strs("projects", evicted).Msg("evicted stale projects")
	}
	return evicted
}

// Sync discovers manifests from every source and announces them. Invalid manifests and
// failing sources are reported together; the rest are still announced.
func (r *Registry) Sync(ctx context.Context, sources ...manifest.Source) (int, error) {
	var (
		announced int
		errs      []error
	)
	for _, src := range sources {
		manifests, err := src.Discover(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		for _, m := range manifests {
			if _, err := r.Announce(m); err != nil {
				errs = append(errs, fmt.Errorf("%s: %s: %w", src.Name(), m.Name, err))
				continue
			}
			announced++
		}
	}
	return announced, errors.Join(errs...)
}

// Records returns the projects in the form stored in fleet snapshots.
func (r *Registry) Records() []state.ProjectRecord {
	list := r.List()
	records := make([]state.ProjectRecord, 0, len(list))
	for _, d := range list {
		records = append(records, state.ProjectRecord{
			Name:          d.Name,
			Endpoints:     slices.Clone(d.Endpoints),
			Health:        string(d.Health),
			LastHeartbeat: d.LastHeartbeat,
		})
	}
	return records
}

// Observations returns the current project statuses keyed by "project/<name>", and updates
// the per-health gauges.
func (r *Registry) Observations() map[string]transition.Observation {
	list := r.List()
	counts := map[health.Status]int{
		health.StatusUnknown:  0,
		health.StatusHealthy:  0,
		health.StatusDegraded: 0,
		health.StatusStale:    0,
	}
	obs := make(map[string]transition.Observation, len(list))
	for _, d := range list {
		counts[d.Health]++
		o := transition.Observation{
			Kind:    transition.KindProject,
			Status:  string(d.Health),
			Healthy: d.Health == health.StatusHealthy,
			Details: map[string]string{},
		}
		if len(d.Endpoints) > 0 {
			o.Details["endpoints"] = strings.Join(d.Endpoints, ", ")
		}
		if !d.LastHeartbeat.IsZero() {
			o.Details["last_heartbeat"] = d.LastHeartbeat.Format(time.RFC3339)
			if !o.Healthy {
				o.Reasons = []string{fmt.Sprintf("no heartbeat for %s", r.now().Sub(d.LastHeartbeat).Round(time.Second))}
			}
		} else {
			o.Reasons = []string{"never sent a heartbeat"}
		}
		obs["project/"+d.Name] = o
	}
	for status, n := range counts {
		r.metrics.SetProjectsTotal(string(status), n)
	}
	return obs
}

func (r *Registry) describe(e *entry, now time.Time) Descriptor {
	m := e.manifest
	endpoints := slices.Clone(m.Endpoints)
	if endpoints == nil {
		endpoints = []string{}
	}
	return Descriptor{
		Name:          m.Name,
		DisplayName:   m.DisplayName,
		Description:   m.Description,
		Status:        m.Status,
		Path:          m.Path,
		Endpoints:     endpoints,
		Health:        health.Evaluate(e.lastHeartbeat, now, r.thresholds),
		LastHeartbeat: e.lastHeartbeat,
		AnnouncedAt:   e.announcedAt,
		Source:        m.Source,
	}
}

func cloneManifest(m manifest.Manifest) manifest.Manifest {
	m.Endpoints = slices.Clone(m.Endpoints)
	m.Heartbeat = nil
	return m
}
