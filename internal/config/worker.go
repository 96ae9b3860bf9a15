package config

import (
	"fmt"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/env"
)

// WorkerConfig holds all configuration for the worker binary.
type WorkerConfig struct {
	Database      DatabaseConfig
	Graph         GraphConfig
	Scheduler     SchedulerConfig
	Admin         AdminConfig
	Heartbeat     HeartbeatConfig
	MVRefresh     MVRefreshConfig
	Observability ObservabilityConfig
}

// LoadWorkerConfig loads and validates worker configuration from environment.
// Sub-config Validate methods run inside env.Load via the Validator hook.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}

	return cfg, nil
}
