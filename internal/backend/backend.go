package backend

import (
	"errors"
	"sort"
	"time"

	"github.com/nholik/fleet-sentinel/internal/state"
)

var (
	// ErrNoneAvailable is returned when no backend is eligible for a request.
	ErrNoneAvailable = errors.New("no backend available")
	// ErrUnknownBackend is returned for operations naming a backend the pool does not have.
	ErrUnknownBackend = errors.New("unknown backend")
)

// Kind separates capacity-bound local backends from metered cloud backends.
type Kind string

const (
	KindLocal Kind = "local"
	KindCloud Kind = "cloud"
)

// Status mirrors the provider status recorded in fleet snapshots.
type Status string

const (
	StatusAvailable   Status = state.ProviderAvailable
	StatusBusy        Status = state.ProviderBusy
	StatusUnavailable Status = state.ProviderUnavailable
)

// Descriptor describes one inference backend and its live routing state.
type Descriptor struct {
	ID            string        `json:"id"`
	Kind          Kind          `json:"kind"`
	Model         string        `json:"model,omitempty"`
	BaseURL       string        `json:"base_url,omitempty"`
	APIKeyEnv     string        `json:"-"`
	InFlight      int           `json:"in_flight_count"`
	Capacity      int           `json:"capacity"`
	AvgLatency    time.Duration `json:"avg_latency"`
	CostWeight    float64       `json:"cost_weight"`
	Status        Status        `json:"status"`
	CooldownUntil time.Time     `json:"cooldown_until,omitempty"`
	Failures      int           `json:"consecutive_failures"`
}

// Hint steers selection for a single request.
type Hint struct {
	// Model prefers backends serving this model within each kind.
	Model string
	// Intent is recorded on routing decisions; it does not affect ranking.
	Intent string
	// Pinned moves this backend to the front when it is eligible.
	Pinned string
	// Exclude removes backends from consideration.
	Exclude []string
}

// Eligible reports whether the backend can take a new request at now.
func (d Descriptor) Eligible(now time.Time) bool {
	if d.Status != StatusAvailable {
		return false
	}
	if now.Before(d.CooldownUntil) {
		return false
	}
	switch d.Kind {
	case KindLocal:
		return d.InFlight < d.Capacity
	case KindCloud:
		return d.Capacity <= 0 || d.InFlight < d.Capacity
	default:
		return false
	}
}

// Rank orders the eligible backends for hint: local before cloud, then by cost weight,
// average latency and id. Backends serving hint.Model go first within their kind, and an
// eligible pinned backend goes first overall. The result is deterministic for equal inputs.
func Rank(hint Hint, backends []Descriptor, now time.Time) []Descriptor {
	excluded := make(map[string]struct{}, len(hint.Exclude))
	for _, id := range hint.Exclude {
		excluded[id] = struct{}{}
	}

	ranked := make([]Descriptor, 0, len(backends))
	for _, b := range backends {
		if _, skip := excluded[b.ID]; skip {
			continue
		}
		if !b.Eligible(now) {
			continue
		}
		ranked = append(ranked, b)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if hint.Pinned != "" && (a.ID == hint.Pinned) != (b.ID == hint.Pinned) {
			return a.ID == hint.Pinned
		}
		if a.Kind != b.Kind {
			return a.Kind == KindLocal
		}
		if hint.Model != "" && (a.Model == hint.Model) != (b.Model == hint.Model) {
			return a.Model == hint.Model
		}
		if a.CostWeight != b.CostWeight {
			return a.CostWeight < b.CostWeight
		}
		if a.AvgLatency != b.AvgLatency {
			return a.AvgLatency < b.AvgLatency
		}
		return a.ID < b.ID
	})
	return ranked
}

// Select returns the best backend for hint.
func Select(hint Hint, backends []Descriptor, now time.Time) (Descriptor, error) {
	ranked := Rank(hint, backends, now)
	if len(ranked) == 0 {
		return Descriptor{}, ErrNoneAvailable
	}
	return ranked[0], nil
}
