package coordinator

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Loop is a long-running component driven until its context is canceled.
type Loop struct {
	Name string
	Run  func(ctx context.Context) error
}

// Coordinator runs the fleet's background loops side by side.
// It spawns them in parallel and waits for context cancellation.
type Coordinator struct {
	logger     zerolog.Logger
	loops      []Loop
	loopErrors map[string]error
	mu         sync.RWMutex
}

// New constructs a Coordinator for the given loops.
func New(logger zerolog.Logger, loops ...Loop) *Coordinator {
	return &Coordinator{
		logger:     logger.With().Str("component", "coordinator").Logger(),
		loops:      loops,
		loopErrors: make(map[string]error),
	}
}

// Run starts all loops in parallel and blocks until every loop has returned.
// Returns nil on clean shutdown; logs any per-loop errors internally.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info().
		Int("loops", len(c.loops)).
		Msg("starting coordinator")

	var wg sync.WaitGroup
	for _, loop := range c.loops {
		wg.Add(1)
		go c.spawn(ctx, &wg, loop)
	}

	wg.Wait()
	c.logger.Info().Msg("all loops stopped")

	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, err := range c.loopErrors {
		if err != nil {
			c.logger.Error().Err(err).Str("loop", name).Msg("loop error")
		}
	}

	return nil
}

func (c *Coordinator) spawn(ctx context.Context, wg *sync.WaitGroup, loop Loop) {
	defer wg.Done()

	loopLogger := c.logger.With().Str("loop", loop.Name).Logger()
	loopLogger.Info().Msg("loop started")

	if err := loop.Run(ctx); err != nil {
		loopLogger.Error().Err(err).Msg("loop exited with error")
		c.recordError(loop.Name, err)
		return
	}
	loopLogger.Info().Msg("loop exited cleanly")
}

func (c *Coordinator) recordError(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loopErrors[name] = err
}

// Errors returns a copy of the per-loop errors recorded so far.
func (c *Coordinator) Errors() map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]error, len(c.loopErrors))
	for k, v := range c.loopErrors {
		result[k] = v
	}
	return result
}
