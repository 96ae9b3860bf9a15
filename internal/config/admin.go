package config

import "errors"

// ErrInternalAPITokenRequired is returned when the admin API shared secret is not configured.
var ErrInternalAPITokenRequired = errors.New("WORKER_INTERNAL_API_TOKEN is required")

// AdminConfig holds configuration for the internal admin HTTP server.
type AdminConfig struct {
	ListenAddr string `env:"WORKER_HTTP_ADDR" default:":5000"`

	// InternalAPIToken is the shared secret expected in the
	// X-Worker-Internal-Token header of every admin request.
	InternalAPIToken string `env:"WORKER_INTERNAL_API_TOKEN"`
}

// Validate validates the admin HTTP configuration.
func (c *AdminConfig) Validate() error {
	if c.InternalAPIToken == "" {
		return ErrInternalAPITokenRequired
	}
	return nil
}
