package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/application/scheduler"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time verification that runSession implements the scheduler session.
var _ scheduler.RunSession = (*runSession)(nil)

// releaseLocksTimeout bounds the unlock-all call when a session is returned.
const releaseLocksTimeout = 5 * time.Second

// AcquireRunSession pins a pool connection for one scheduler pass. Advisory
// locks are session-level, so the lease transaction and the unlock at the end
// of the run must ride the same connection.
func (s *Store) AcquireRunSession(ctx context.Context) (scheduler.RunSession, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("run session: store is already transaction-scoped")
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run session connection: %w", err)
	}

	return &runSession{conn: conn, store: s}, nil
}

// runSession is a pinned pool connection carrying scheduler advisory locks.
type runSession struct {
	conn  *pgxpool.Conn
	store *Store
}

// Atomic executes the callback within a transaction on the pinned connection.
// Advisory locks taken inside belong to the session and survive the commit.
func (s *runSession) Atomic(ctx context.Context, fn func(repo scheduler.Repository) error) error {
	if s.conn == nil {
		return fmt.Errorf("run session: already released")
	}
	return s.store.executeInTransaction(ctx, "run_session", s.conn, func(txStore *Store) error {
		return fn(txStore)
	})
}

// Release returns the connection to the pool. A pooled connection keeps its
// session when it goes back, so any advisory lock still held would leak to
// the next borrower; unlock everything first.
func (s *runSession) Release() {
	if s.conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseLocksTimeout)
	defer cancel()
	if _, err := s.conn.Exec(ctx, "SELECT pg_advisory_unlock_all()"); err != nil {
		slog.ErrorContext(ctx, "failed to release advisory locks with run session", "error", err)
	}

	s.conn.Release()
	s.conn = nil
}

// TryAdvisoryLock attempts to take the session-level advisory lock keyed by
// hashtext(key). Returns false without waiting when another session holds it.
func (s *Store) TryAdvisoryLock(ctx context.Context, key string) (bool, error) {
	var locked bool
	if err := s.db.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&locked); err != nil {
		return false, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	return locked, nil
}

// AdvisoryUnlock releases a session-level advisory lock taken with
// TryAdvisoryLock. Returns false when this session did not hold it.
func (s *Store) AdvisoryUnlock(ctx context.Context, key string) (bool, error) {
	var unlocked bool
	if err := s.db.QueryRow(ctx, "SELECT pg_advisory_unlock(hashtext($1))", key).Scan(&unlocked); err != nil {
		return false, fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return unlocked, nil
}
