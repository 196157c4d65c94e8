// Package worker runs the alert engine on a schedule, from Pub/Sub messages
// or an in-process timer.
package worker

import "time"

// JobConfig holds configuration for the alert job.
type JobConfig struct {
	// Timeout bounds a single pass.
	// Default: 5 minutes
	Timeout time.Duration

	// Interval is the scheduler period.
	// Default: 15 minutes
	Interval time.Duration

	// RunOnStart triggers a pass as soon as the scheduler starts.
	RunOnStart bool
}

// DefaultJobConfig returns the default job configuration.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		Timeout:  5 * time.Minute,
		Interval: 15 * time.Minute,
	}
}

func (c JobConfig) withDefaults() JobConfig {
	def := DefaultJobConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	return c
}
