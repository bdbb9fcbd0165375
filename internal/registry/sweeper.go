package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/nholik/fleet-sentinel/internal/manifest"
	"github.com/nholik/fleet-sentinel/internal/notify"
	"github.com/nholik/fleet-sentinel/internal/transition"
	"github.com/rs/zerolog"
)

const alertScope = "projects"

// Sweeper rescans discovery sources, alerts on project health changes and evicts projects that
// stayed stale past the grace period. Sweep is meant to be driven by a periodic loop.
type Sweeper struct {
	registry *Registry
	sources  []manifest.Source
	notifier notify.Notifier
	tracker  *transition.Tracker
	grace    time.Duration
	logger   zerolog.Logger
}

// NewSweeper returns a sweeper for reg. A nil notifier disables alerts.
func NewSweeper(reg *Registry, notifier notify.Notifier, grace time.Duration, logger zerolog.Logger, sources ...manifest.Source) *Sweeper {
	if notifier == nil {
		notifier = notify.NewNoop(logger, "")
	}
	return &Sweeper{
		registry: reg,
		sources:  sources,
		notifier: notifier,
		tracker:  transition.NewTracker(),
		grace:    grace,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Rescan announces everything the sources currently describe.
func (s *Sweeper) Rescan(ctx context.Context) {
	if len(s.sources) == 0 {
		return
	}
	n, err := s.registry.Sync(ctx, s.sources...)
	if err != nil {
		s.logger.Warn().Err(err).Msg("manifest discovery incomplete")
	}
	s.logger.Debug().Int("announced", n).Msg("manifests rescanned")
}

// Sweep runs one pass. Alert delivery failures are returned after eviction has run.
func (s *Sweeper) Sweep(ctx context.Context) error {
	s.Rescan(ctx)

	transitions := s.tracker.Observe(s.registry.Observations())

	var notifyErr error
	if len(transitions) > 0 {
		s.logger.Info().Int("transitions", len(transitions)).Msg("project health changed")
		if err := s.notifier.Notify(ctx, alertScope, transitions); err != nil {
			notifyErr = fmt.Errorf("notify project transitions: %w", err)
		}
	}

	if s.grace > 0 {
		s.registry.EvictStale(s.grace)
	}
	return notifyErr
}
