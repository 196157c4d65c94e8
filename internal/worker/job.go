package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/ratepulse/ratepulse/internal/alert"
)

// ErrRunInProgress is returned when a pass is requested while another one is
// still running in this process.
var ErrRunInProgress = errors.New("alert run already in progress")

// Runner runs one evaluation pass.
type Runner interface {
	Run(ctx context.Context, debug bool) (*alert.RunResult, error)
}

// AlertJob runs the alert engine without debug output and keeps job
// statistics. Overlapping passes within one process are rejected.
type AlertJob struct {
	runner  Runner
	config  JobConfig
	clock   clock.Clock
	logger  zerolog.Logger
	running atomic.Bool
	metrics *JobMetrics
}

// JobMetrics tracks alert job statistics.
type JobMetrics struct {
	mu sync.RWMutex

	TotalRuns   int64
	FailedRuns  int64
	SkippedRuns int64
	TotalSent   int64

	LastRunAt       time.Time
	LastRunDuration time.Duration
	LastError       string
}

// AlertJobConfig holds configuration for creating an AlertJob.
type AlertJobConfig struct {
	Runner Runner
	Config JobConfig
	Clock  clock.Clock
	Logger zerolog.Logger
}

// NewAlertJob creates a new alert job.
func NewAlertJob(cfg AlertJobConfig) *AlertJob {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &AlertJob{
		runner:  cfg.Runner,
		config:  cfg.Config.withDefaults(),
		clock:   clk,
		logger:  cfg.Logger,
		metrics: &JobMetrics{},
	}
}

// Running reports whether a pass is in progress.
func (j *AlertJob) Running() bool {
	return j.running.Load()
}

// Run performs one pass. It returns ErrRunInProgress without running when
// another pass is active.
func (j *AlertJob) Run(ctx context.Context) (*alert.RunResult, error) {
	if !j.running.CompareAndSwap(false, true) {
		j.metrics.mu.Lock()
		j.metrics.SkippedRuns++
		j.metrics.mu.Unlock()
		j.logger.Warn().Msg("skipping alert run, previous run still in progress")
		return nil, ErrRunInProgress
	}
	defer j.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	start := j.clock.Now()
	result, err := j.runner.Run(ctx, false)
	duration := j.clock.Now().Sub(start)

	j.updateMetrics(start, duration, result, err)

	if err != nil {
		j.logger.Error().Err(err).Dur("duration", duration).Msg("alert job failed")
		return result, err
	}
	j.logger.Info().
		Str("day", result.Day).
		Int("devices", result.Devices).
		Int("sent", result.Sent).
		Int("errors", result.Errors).
		Dur("duration", duration).
		Msg("alert job completed")
	return result, nil
}

func (j *AlertJob) updateMetrics(start time.Time, duration time.Duration, result *alert.RunResult, err error) {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()

	j.metrics.TotalRuns++
	j.metrics.LastRunAt = start
	j.metrics.LastRunDuration = duration
	j.metrics.LastError = ""
	if err != nil {
		j.metrics.FailedRuns++
		j.metrics.LastError = err.Error()
	}
	if result != nil {
		j.metrics.TotalSent += int64(result.Sent)
	}
}

// GetMetrics returns a copy of the current metrics.
func (j *AlertJob) GetMetrics() JobMetrics {
	j.metrics.mu.RLock()
	defer j.metrics.mu.RUnlock()

	return JobMetrics{
		TotalRuns:       j.metrics.TotalRuns,
		FailedRuns:      j.metrics.FailedRuns,
		SkippedRuns:     j.metrics.SkippedRuns,
		TotalSent:       j.metrics.TotalSent,
		LastRunAt:       j.metrics.LastRunAt,
		LastRunDuration: j.metrics.LastRunDuration,
		LastError:       j.metrics.LastError,
	}
}

// MetricsSnapshot returns metrics as a map for logging.
func (j *AlertJob) MetricsSnapshot() map[string]interface{} {
	m := j.GetMetrics()
	return map[string]interface{}{
		"total_runs":        m.TotalRuns,
		"failed_runs":       m.FailedRuns,
		"skipped_runs":      m.SkippedRuns,
		"total_sent":        m.TotalSent,
		"last_run_at":       m.LastRunAt,
		"last_run_duration": m.LastRunDuration.String(),
		"last_error":        m.LastError,
	}
}
