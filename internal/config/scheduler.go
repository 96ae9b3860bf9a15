package config

import "time"

// SchedulerConfig holds configuration for the DB-coordinated scheduler loop.
type SchedulerConfig struct {
	PollSeconds int `env:"SCHEDULER_POLL_SECONDS" default:"30"`

	// RecoverInterruptedRuns marks runs left in 'running' by a dead worker
	// as failed during startup.
	RecoverInterruptedRuns bool `env:"RECOVER_INTERRUPTED_RUNS_ON_STARTUP" default:"true"`
}

// PollInterval returns the scheduler tick period as a duration.
func (c *SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}
