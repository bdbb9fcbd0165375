package notify

import (
	"context"
	"sync/atomic"

	"github.com/nholik/fleet-sentinel/internal/transition"
	"github.com/rs/zerolog"
)

// NoopNotifier counts and drops transitions when no receiver is configured.
type NoopNotifier struct {
	logger  zerolog.Logger
	dropped atomic.Int64
}

// NewNoop logs reason once, if given.
func NewNoop(logger zerolog.Logger, reason string) *NoopNotifier {
	if reason != "" {
		logger.Info().Msg(reason)
	}
	return &NoopNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *NoopNotifier) Notify(_ context.Context, scope string, transitions []transition.Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	total := n.dropped.Add(int64(len(transitions)))
	n.logger.Debug().Str("scope", scopeOrDefault(scope)).Int64("dropped_total", total).Msg("alert dropped")
	return nil
}

// Dropped returns how many transitions were discarded.
func (n *NoopNotifier) Dropped() int64 {
	return n.dropped.Load()
}
