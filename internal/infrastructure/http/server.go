// Package http serves the worker's internal admin API: health, job status,
// and manual job control. Every route requires the shared internal token
// from the calling web application.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/runtimelog"
)

// Default configuration values for the admin HTTP server.
const (
	DefaultAddr              = ":5000"
	DefaultReadTimeout       = 15 * time.Second
	DefaultWriteTimeout      = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1MB
	DefaultMaxBodyBytes      = 1 << 20 // 1MB
)

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	Addr              string
	InternalToken     string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
}

// applyDefaults sets default values for any unset (zero) fields.
// InternalToken has no default: an empty token fails closed in the auth
// middleware.
func (cfg *ServerConfig) applyDefaults() {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// APIServer wraps the HTTP server with its router and middleware chain.
type APIServer struct {
	server *http.Server
}

// NewAPIServer mounts the admin API behind the middleware chain. Applies
// defaults for zero or invalid config values.
func NewAPIServer(api *API, cfg ServerConfig) *APIServer {
	cfg.applyDefaults()

	router := setupRouter(api, cfg)
	return &APIServer{server: setupHTTPServer(router, cfg)}
}

func setupRouter(api *API, cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(maxBodyBytes(cfg.MaxBodyBytes))
	r.Use(internalTokenAuth(cfg.InternalToken))

	r.Get("/health", api.health)
	r.Get("/jobs/status", api.jobsStatus)
	r.Post("/jobs/run-now", api.runNow)
	r.Post("/jobs/pause", api.pauseJob)
	r.Post("/jobs/resume", api.resumeJob)

	return r
}

func setupHTTPServer(router *chi.Mux, cfg ServerConfig) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *APIServer) Start() error {
	slog.Info("Starting admin HTTP server",
		runtimelog.AttrActor, runtimelog.ActorAPI,
		"addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server. The provided context
// bounds how long outstanding requests may take to drain.
func (s *APIServer) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down admin HTTP server",
		runtimelog.AttrActor, runtimelog.ActorAPI)
	return s.server.Shutdown(ctx)
}

// Handler returns the underlying router, for tests.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}
