package config

import (
	"fmt"
	"time"
)

// GraphConfig holds configuration for the upstream Graph API client and
// the ingest stages that consume it.
type GraphConfig struct {
	BaseURL string `env:"GRAPH_BASE" default:"https://graph.microsoft.com/v1.0"`

	// Entra ID app registration used for client-credentials token grants.
	TenantID     string `env:"ENTRA_TENANT_ID"`
	ClientID     string `env:"ENTRA_CLIENT_ID"`
	ClientSecret string `env:"ENTRA_CLIENT_SECRET"`

	MaxRetries     int           `env:"GRAPH_MAX_RETRIES" default:"5"`
	ConnectTimeout time.Duration `env:"GRAPH_CONNECT_TIMEOUT" default:"10s"`
	ReadTimeout    time.Duration `env:"GRAPH_READ_TIMEOUT" default:"60s"`

	// MaxConcurrency bounds the worker pool used by the permissions scan.
	MaxConcurrency int `env:"GRAPH_MAX_CONCURRENCY" default:"4"`

	// PageSize is the $top value requested from collection endpoints.
	PageSize int `env:"GRAPH_PAGE_SIZE" default:"200"`

	PermissionsBatchSize       int `env:"GRAPH_PERMISSIONS_BATCH_SIZE" default:"50"`
	PermissionsStaleAfterHours int `env:"GRAPH_PERMISSIONS_STALE_AFTER_HOURS" default:"24"`

	// FlushEvery caps how many buffered rows an ingest stage accumulates
	// before writing them to the database.
	FlushEvery int `env:"FLUSH_EVERY" default:"500"`
}

// Validate validates the Graph API configuration.
func (c *GraphConfig) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("ENTRA_TENANT_ID is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("ENTRA_CLIENT_ID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("ENTRA_CLIENT_SECRET is required")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("GRAPH_MAX_CONCURRENCY must be >= 1, got %d", c.MaxConcurrency)
	}
	if c.FlushEvery < 1 {
		return fmt.Errorf("FLUSH_EVERY must be >= 1, got %d", c.FlushEvery)
	}
	return nil
}

// PermissionsStaleAfter returns the staleness cutoff interval for the
// permissions scan.
func (c *GraphConfig) PermissionsStaleAfter() time.Duration {
	return time.Duration(c.PermissionsStaleAfterHours) * time.Hour
}
