package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pgErr(code string) *pgconn.PgError {
	return &pgconn.PgError{Code: code, Message: "boom"}
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Run("doubles without jitter", func(t *testing.T) {
		p := RetryPolicy{MaxRetries: 3, BaseMS: 200, MaxMS: 5000, JitterMS: 0}

		assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
		assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
		assert.Equal(t, 800*time.Millisecond, p.Backoff(3))
		assert.Equal(t, 3200*time.Millisecond, p.Backoff(5))
	})

	t.Run("caps at max", func(t *testing.T) {
		p := RetryPolicy{BaseMS: 200, MaxMS: 5000}

		// base*2^5 = 6400ms would exceed the cap
		assert.Equal(t, 5*time.Second, p.Backoff(6))
		assert.Equal(t, 5*time.Second, p.Backoff(12))
	})

	t.Run("clamps attempt below one", func(t *testing.T) {
		p := RetryPolicy{BaseMS: 200, MaxMS: 5000}

		assert.Equal(t, 200*time.Millisecond, p.Backoff(0))
		assert.Equal(t, 200*time.Millisecond, p.Backoff(-3))
	})

	t.Run("jitter stays within bound", func(t *testing.T) {
		p := RetryPolicy{BaseMS: 100, MaxMS: 5000, JitterMS: 50}

		for range 100 {
			d := p.Backoff(1)
			assert.GreaterOrEqual(t, d, 100*time.Millisecond)
			assert.Less(t, d, 150*time.Millisecond)
		}
	})

	t.Run("never negative", func(t *testing.T) {
		p := RetryPolicy{BaseMS: -100, MaxMS: -50, JitterMS: 0}

		assert.GreaterOrEqual(t, p.Backoff(1), time.Duration(0))
	})
}

func TestRetryableSQLState(t *testing.T) {
	t.Run("transient codes", func(t *testing.T) {
		for _, code := range []string{"40001", "40P01", "55P03"} {
			got, ok := RetryableSQLState(pgErr(code))
			assert.True(t, ok, code)
			assert.Equal(t, code, got)
		}
	})

	t.Run("wrapped error still matches", func(t *testing.T) {
		err := fmt.Errorf("failed to upsert users: %w", pgErr("40P01"))

		got, ok := RetryableSQLState(err)
		assert.True(t, ok)
		assert.Equal(t, "40P01", got)
	})

	t.Run("other sqlstates are permanent", func(t *testing.T) {
		_, ok := RetryableSQLState(pgErr("23505"))
		assert.False(t, ok)
	})

	t.Run("plain errors are permanent", func(t *testing.T) {
		_, ok := RetryableSQLState(errors.New("connection refused"))
		assert.False(t, ok)
	})
}

func TestWithRetry(t *testing.T) {
	newStore := func(maxRetries int) *Store {
		return &Store{retry: RetryPolicy{MaxRetries: maxRetries, BaseMS: 1, MaxMS: 2, JitterMS: 0}}
	}

	t.Run("first attempt succeeds", func(t *testing.T) {
		calls := 0
		attempts, err := newStore(3).WithRetry(context.Background(), "write", func(ctx context.Context) error {
			calls++
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient failures until success", func(t *testing.T) {
		calls := 0
		attempts, err := newStore(3).WithRetry(context.Background(), "write", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return pgErr("40001")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("permanent errors stop immediately", func(t *testing.T) {
		boom := pgErr("23505")
		attempts, err := newStore(3).WithRetry(context.Background(), "write", func(ctx context.Context) error {
			return boom
		})

		assert.Equal(t, 1, attempts)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("exhaustion reports the last sqlstate", func(t *testing.T) {
		attempts, err := newStore(2).WithRetry(context.Background(), "write", func(ctx context.Context) error {
			return fmt.Errorf("failed to write batch: %w", pgErr("55P03"))
		})

		assert.Equal(t, 3, attempts)

		var exhausted RetryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, "55P03", exhausted.Code)
		assert.Equal(t, 3, exhausted.Attempts)
		assert.Equal(t, "55P03", exhausted.SQLState())

		// Callers outside this package match on the SQLState method.
		var state interface{ SQLState() string }
		require.ErrorAs(t, err, &state)
		assert.Equal(t, "55P03", state.SQLState())
	})

	t.Run("zero retries means one attempt", func(t *testing.T) {
		calls := 0
		attempts, err := newStore(0).WithRetry(context.Background(), "write", func(ctx context.Context) error {
			calls++
			return pgErr("40001")
		})

		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)

		var exhausted RetryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 1, exhausted.Attempts)
	})

	t.Run("cancelled context stops between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		_, err := newStore(5).WithRetry(ctx, "write", func(ctx context.Context) error {
			calls++
			cancel()
			return pgErr("40001")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
