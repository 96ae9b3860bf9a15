package config

// MVRefreshConfig holds configuration for the materialized view refresh job.
type MVRefreshConfig struct {
	MaxViewsPerRun int `env:"MV_REFRESH_MAX_VIEWS_PER_RUN" default:"20"`
}
