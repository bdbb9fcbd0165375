package notify

import (
	"context"

	"github.com/nholik/fleet-sentinel/internal/transition"
	"github.com/rs/zerolog"
)

// DryRunNotifier logs transitions without sending notifications.
type DryRunNotifier struct {
	logger zerolog.Logger
	inner  Notifier
}

// NewDryRunNotifier returns a notifier that suppresses delivery and logs instead.
func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	return &DryRunNotifier{logger: logger, inner: inner}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, scope string, transitions []transition.Transition) error {
	for _, change := range transitions {
		n.logger.Info().
			Str("scope", scopeOrDefault(scope)).
			Str("kind", string(change.Kind)).
			Str("subject", change.Subject).
			Str("previous_status", statusLabel(change.Previous)).
			Str("current_status", change.Current).
			Strs("reasons", change.Reasons).
			Msg("[DRY-RUN] Would notify")
	}
	return nil
}
