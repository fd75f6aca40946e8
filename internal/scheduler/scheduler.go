package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, now time.Time) error

// Options tune a periodic task.
type Options struct {
	Name         string
	Interval     time.Duration
	StartupDelay time.Duration
}

// Scheduler drives one named periodic task. Ticks are idempotent from the
// caller's perspective; a missed tick only delays detection.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("task", opts.Name).Logger(),
	}
}

// Run blocks, invoking the tick function at each interval until ctx is
// cancelled. Tick errors are logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := tick(ctx, now.UTC()); err != nil {
				s.logger.Error().Err(err).Msg("tick execution failed")
			}
		}
	}
}
