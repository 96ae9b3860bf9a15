package config

import "time"

// HeartbeatConfig holds configuration for the liveness reporter that POSTs
// to the web application.
type HeartbeatConfig struct {
	URL             string `env:"WORKER_HEARTBEAT_URL" default:"http://web:3000/api/internal/worker-heartbeat"`
	IntervalSeconds int    `env:"WORKER_HEARTBEAT_INTERVAL_SECONDS" default:"30"`
	TimeoutSeconds  int    `env:"WORKER_HEARTBEAT_TIMEOUT_SECONDS" default:"5"`

	// FailThreshold is how many consecutive failures are tolerated before
	// the health endpoint reports the heartbeat as degraded.
	FailThreshold int `env:"WORKER_HEARTBEAT_FAIL_THRESHOLD" default:"2"`
}

// Interval returns the heartbeat period as a duration.
func (c *HeartbeatConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Timeout returns the per-POST timeout as a duration.
func (c *HeartbeatConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
