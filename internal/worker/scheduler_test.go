package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratepulse/ratepulse/internal/worker"
)

func TestScheduler_TicksAndSkipsOverlap(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC))
	runner := newBlockingRunner(true)
	job := worker.NewAlertJob(worker.AlertJobConfig{Runner: runner, Clock: clk, Logger: zerolog.Nop()})
	sched := worker.NewScheduler(worker.SchedulerConfig{
		Job:    job,
		Config: worker.JobConfig{Interval: time.Minute},
		Clock:  clk,
		Logger: zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- sched.Start(ctx) }()

	// First tick starts a pass that stays blocked.
	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	<-runner.started

	// Second tick arrives while the pass is running and is skipped.
	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	assert.Eventually(t, func() bool { return job.GetMetrics().SkippedRuns == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runner.calls.Load())

	// Once the pass finishes the next tick runs again.
	runner.gate <- struct{}{}
	assert.Eventually(t, func() bool { return !job.Running() }, time.Second, 5*time.Millisecond)
	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	<-runner.started
	assert.Equal(t, int32(2), runner.calls.Load())

	cancel()
	assert.ErrorIs(t, <-stopped, context.Canceled)
}

func TestScheduler_RunOnStart(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC))
	runner := newBlockingRunner(false)
	job := worker.NewAlertJob(worker.AlertJobConfig{Runner: runner, Clock: clk, Logger: zerolog.Nop()})
	sched := worker.NewScheduler(worker.SchedulerConfig{
		Job:    job,
		Config: worker.JobConfig{Interval: time.Hour, RunOnStart: true},
		Clock:  clk,
		Logger: zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- sched.Start(ctx) }()

	<-runner.started
	assert.Eventually(t, func() bool { return job.GetMetrics().TotalRuns == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-stopped, context.Canceled)
}
