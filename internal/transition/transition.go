package transition

import (
	"maps"
	"slices"
	"sort"
)

// Kind groups subjects by what they describe.
type Kind string

const (
	KindProject Kind = "project"
	KindNode    Kind = "node"
	KindBackend Kind = "backend"
	KindState   Kind = "state"
)

// StatusRemoved is reported for subjects that disappeared since the previous observation.
const StatusRemoved = "removed"

// Observation is the status of one subject at one instant.
type Observation struct {
	Kind    Kind
	Status  string
	Healthy bool
	Reasons []string
	Details map[string]string
}

// Transition captures a status change with details.
type Transition struct {
	Subject  string            `json:"subject"`
	Kind     Kind              `json:"kind"`
	Previous string            `json:"previous"`
	Current  string            `json:"current"`
	Healthy  bool              `json:"healthy"`
	Reasons  []string          `json:"reasons,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

// Detect compares previous and current observations keyed by subject. With no previous
// observations only unhealthy subjects are reported, so a fresh start does not flood alerts.
func Detect(prev, current map[string]Observation) []Transition {
	firstRun := len(prev) == 0

	transitions := make([]Transition, 0)
	for subject, obs := range current {
		before, hadPrev := prev[subject]

		if firstRun {
			if obs.Healthy {
				continue
			}
		} else if hadPrev {
			if before.Status == obs.Status {
				continue
			}
		} else if obs.Healthy {
			continue
		}

		transitions = append(transitions, Transition{
			Subject:  subject,
			Kind:     obs.Kind,
			Previous: before.Status,
			Current:  obs.Status,
			Healthy:  obs.Healthy,
			Reasons:  slices.Clone(obs.Reasons),
			Details:  maps.Clone(obs.Details),
		})
	}

	if !firstRun {
		for subject, before := range prev {
			if _, ok := current[subject]; ok {
				continue
			}
			transitions = append(transitions, Transition{
				Subject:  subject,
				Kind:     before.Kind,
				Previous: before.Status,
				Current:  StatusRemoved,
				Details:  maps.Clone(before.Details),
			})
		}
	}

	// Sort by subject for deterministic output
	sort.Slice(transitions, func(i, j int) bool {
		return transitions[i].Subject < transitions[j].Subject
	})

	return transitions
}

// Tracker remembers the last observations and reports changes against them.
type Tracker struct {
	last map[string]Observation
}

// NewTracker returns a tracker with no history, so the first Observe is a first run.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe records current and returns the transitions since the previous call.
func (t *Tracker) Observe(current map[string]Observation) []Transition {
	transitions := Detect(t.last, current)
	t.last = maps.Clone(current)
	if t.last == nil {
		t.last = map[string]Observation{}
	}
	return transitions
}
