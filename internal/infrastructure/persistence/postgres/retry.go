package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
)

// SQLSTATEs treated as transient: serialization_failure, deadlock_detected,
// lock_not_available. Everything else fails the write immediately.
var retryableSQLStates = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

// RetryPolicy bounds the retry loop around write transactions that fail
// with a transient SQLSTATE.
type RetryPolicy struct {
	MaxRetries int
	BaseMS     int
	MaxMS      int
	JitterMS   int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseMS: 200, MaxMS: 5000, JitterMS: 200}
}

// Backoff returns the sleep before retry attempt (1-based):
// min(MaxMS, BaseMS*2^(attempt-1)) plus uniform jitter in [0, JitterMS).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.BaseMS) * math.Pow(2, float64(attempt-1))
	if backoff > float64(p.MaxMS) {
		backoff = float64(p.MaxMS)
	}
	if backoff < 0 {
		backoff = 0
	}
	delay := time.Duration(backoff) * time.Millisecond
	if p.JitterMS > 0 {
		delay += rand.N(time.Duration(p.JitterMS) * time.Millisecond)
	}
	return delay
}

// RetryableSQLState reports whether err carries a SQLSTATE worth retrying,
// returning the code when it does.
func RetryableSQLState(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && retryableSQLStates[pgErr.Code] {
		return pgErr.Code, true
	}
	return "", false
}

// RetryExhaustedError reports that every attempt at a retryable write
// failed. Code holds the SQLSTATE of the last failure.
type RetryExhaustedError struct {
	Code     string
	Attempts int
	Err      error
}

func (e RetryExhaustedError) Error() string {
	return fmt.Sprintf("write retry exhausted after %d attempts (sqlstate %s): %v", e.Attempts, e.Code, e.Err)
}

func (e RetryExhaustedError) Unwrap() error { return e.Err }

// Is matches domain.ErrWriteRetryExhausted so callers can detect exhaustion
// without depending on this package.
func (e RetryExhaustedError) Is(target error) bool {
	return target == domain.ErrWriteRetryExhausted
}

// SQLState returns the SQLSTATE of the last failed attempt.
func (e RetryExhaustedError) SQLState() string { return e.Code }

// WithRetry runs fn, retrying when it fails with a retryable SQLSTATE.
// It makes at most MaxRetries+1 attempts, sleeping per the policy between
// them, and returns the number of attempts made. Non-retryable errors are
// returned as-is after the attempt that produced them; exhaustion returns
// a RetryExhaustedError.
func (s *Store) WithRetry(ctx context.Context, operation string, fn func(ctx context.Context) error) (int, error) {
	total := s.retry.MaxRetries + 1
	if total < 1 {
		total = 1
	}

	var lastErr error
	var lastCode string
	for attempt := 1; attempt <= total; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}

		code, retryable := RetryableSQLState(err)
		if !retryable {
			return attempt, err
		}
		lastErr = err
		lastCode = code
		if attempt == total {
			break
		}

		delay := s.retry.Backoff(attempt)
		slog.WarnContext(ctx, "retrying write after transient database error",
			"operation", operation,
			"sqlstate", code,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds())
		if err := sleepCtx(ctx, delay); err != nil {
			return attempt, err
		}
	}

	slog.ErrorContext(ctx, "write retry exhausted",
		"operation", operation,
		"sqlstate", lastCode,
		"attempts", total)
	return total, RetryExhaustedError{Code: lastCode, Attempts: total, Err: lastErr}
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
