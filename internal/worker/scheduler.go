package worker

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Scheduler triggers the alert job every interval. A tick that arrives while
// a pass is still running is skipped.
type Scheduler struct {
	job      *AlertJob
	clock    clock.Clock
	config   JobConfig
	logger   zerolog.Logger
	inflight sync.WaitGroup
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	Job    *AlertJob
	Config JobConfig
	Clock  clock.Clock
	Logger zerolog.Logger
}

// NewScheduler creates a new scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Scheduler{
		job:    cfg.Job,
		clock:  clk,
		config: cfg.Config.withDefaults(),
		logger: cfg.Logger,
	}
}

// Start runs until ctx is cancelled, then waits for an in-flight pass.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info().
		Dur("interval", s.config.Interval).
		Bool("run_on_start", s.config.RunOnStart).
		Msg("starting alert scheduler")

	if s.config.RunOnStart {
		s.trigger(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			return ctx.Err()
		case <-s.clock.After(s.config.Interval):
			s.trigger(ctx)
		}
	}
}

// trigger starts a pass without blocking the timer loop. The job rejects
// the pass when the previous one is still running.
func (s *Scheduler) trigger(ctx context.Context) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		_, _ = s.job.Run(ctx)
	}()
}
