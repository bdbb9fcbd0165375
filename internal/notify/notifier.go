package notify

import (
	"context"

	"github.com/nholik/fleet-sentinel/internal/transition"
)

// Notifier delivers transition alerts to external systems. Scope names the producer of the
// transitions (for example "projects" or "state") and keys per-scope rate limiting.
type Notifier interface {
	Notify(ctx context.Context, scope string, transitions []transition.Transition) error
}

func scopeOrDefault(scope string) string {
	if scope == "" {
		return "fleet"
	}
	return scope
}
