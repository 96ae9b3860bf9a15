// Package heartbeat reports worker liveness to the web application. The web
// side stores the last beat it received and surfaces a worker-down banner
// when beats stop arriving.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/runtimelog"
)

// Defaults for the emitter knobs.
const (
	DefaultInterval      = 30 * time.Second
	DefaultTimeout       = 5 * time.Second
	DefaultFailThreshold = 2
)

// minInterval is the floor on the beat period; a misconfigured zero or
// negative interval must not turn the loop into a busy spin.
const minInterval = time.Second

// Config carries the emitter tuning.
type Config struct {
	URL           string
	Interval      time.Duration
	Timeout       time.Duration
	FailThreshold int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Interval < minInterval {
		c.Interval = minInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.FailThreshold < 1 {
		c.FailThreshold = DefaultFailThreshold
	}
	return c
}

// Status is a point-in-time snapshot of the emitter, shaped for the health
// endpoint.
type Status struct {
	LastAttemptAt       *time.Time `json:"last_attempt_at"`
	LastSuccessAt       *time.Time `json:"last_success_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           *string    `json:"last_error"`
	WebappReachable     bool       `json:"webapp_reachable"`
	IntervalSeconds     int        `json:"interval_seconds"`
	FailThreshold       int        `json:"fail_threshold"`
}

// Emitter POSTs a liveness beat on a fixed interval and tracks the outcome
// of recent attempts.
type Emitter struct {
	cfg    Config
	client *http.Client

	mu            sync.Mutex
	lastAttemptAt *time.Time
	lastSuccessAt *time.Time
	failures      int
	lastError     *string
}

// New creates an Emitter. Zero config fields fall back to the defaults.
func New(cfg Config) *Emitter {
	cfg = cfg.withDefaults()
	return &Emitter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Healthy reports whether consecutive failures are still under the
// threshold. A fresh emitter that has not attempted a beat yet is healthy.
func (e *Emitter) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures < e.cfg.FailThreshold
}

// Status returns a snapshot for the health endpoint.
func (e *Emitter) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		LastAttemptAt:       e.lastAttemptAt,
		LastSuccessAt:       e.lastSuccessAt,
		ConsecutiveFailures: e.failures,
		LastError:           e.lastError,
		WebappReachable:     e.failures < e.cfg.FailThreshold,
		IntervalSeconds:     int(e.cfg.Interval / time.Second),
		FailThreshold:       e.cfg.FailThreshold,
	}
}

// Start beats immediately, then on every interval until the context is
// canceled.
func (e *Emitter) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "Heartbeat started",
		runtimelog.AttrActor, runtimelog.ActorHeartbeat,
		"url", e.cfg.URL,
		"interval", e.cfg.Interval)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		e.beat(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			slog.InfoContext(ctx, "Heartbeat stopped",
				runtimelog.AttrActor, runtimelog.ActorHeartbeat)
			return nil
		}
	}
}

// beat sends one liveness POST and records the outcome. The attempt
// timestamp doubles as the payload's sent_at and, on success, the recorded
// success time.
func (e *Emitter) beat(ctx context.Context) {
	attemptedAt := time.Now().UTC()
	err := e.post(ctx, attemptedAt)
	failures := e.record(attemptedAt, err)
	if err != nil {
		slog.WarnContext(ctx, "Heartbeat delivery failed",
			runtimelog.AttrActor, runtimelog.ActorHeartbeat,
			"url", e.cfg.URL,
			"consecutive_failures", failures,
			"error", err)
	}
}

func (e *Emitter) post(ctx context.Context, attemptedAt time.Time) error {
	body, err := json.Marshal(map[string]string{
		"sent_at": attemptedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// record folds one attempt into the state and returns the consecutive
// failure count after it. A single success resets the count no matter how
// long the outage before it was.
func (e *Emitter) record(attemptedAt time.Time, err error) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastAttemptAt = &attemptedAt
	if err == nil {
		e.lastSuccessAt = &attemptedAt
		e.failures = 0
		e.lastError = nil
		return 0
	}
	msg := err.Error()
	e.failures++
	e.lastError = &msg
	return e.failures
}
