package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/application/ingest"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/application/mvrefresh"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/application/scheduler"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the query surface shared by a connection pool and a transaction.
// Repository methods run against it so the same code serves both scopes.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides the PostgreSQL implementation of all repository interfaces.
//
// This store implements:
// - application/scheduler.Repository (seed/lease/run bookkeeping)
// - application/scheduler.Store (pool-level bookkeeping and run sessions)
// - application/ingest.Store (entity upserts, sweeps, cursors, retry)
// - application/mvrefresh.Repository (refresh queue and registry)
//
// A Store obtained from NewStore runs against the pool; stores handed to
// Atomic callbacks run against the open transaction and carry a nil pool.
type Store struct {
	pool  *pgxpool.Pool
	db    DBTX
	retry RetryPolicy
}

// Compile-time verification that Store implements all repository interfaces.
var (
	_ scheduler.Repository = (*Store)(nil)
	_ scheduler.Store      = (*Store)(nil)
	_ ingest.Store         = (*Store)(nil)
	_ mvrefresh.Repository = (*Store)(nil)
)

// NewStore creates a PostgreSQL store over the given connection pool.
func NewStore(pool *pgxpool.Pool, retry RetryPolicy) *Store {
	return &Store{pool: pool, db: pool, retry: retry}
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// withTx returns a store scoped to the given transaction. The nil pool
// marks the scope so nested transactions are rejected.
func (s *Store) withTx(tx pgx.Tx) *Store {
	return &Store{db: tx, retry: s.retry}
}

// txBeginner abstracts where a transaction starts: the pool for ordinary
// work, a pinned connection for run sessions.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// finalizeTx handles transaction cleanup for normal error/success cases.
// Rolls back on error, commits on success.
// Note: Panics are handled separately in the defer blocks before finalizeTx is called.
func finalizeTx(ctx context.Context, tx pgx.Tx, err *error) {
	if *err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			slog.ErrorContext(ctx, "rollback failed",
				"original_error", *err,
				"rollback_error", rbErr)
			*err = fmt.Errorf("transaction failed: %w (rollback error: %v)", *err, rbErr)
		}
	} else {
		*err = tx.Commit(ctx)
		if *err != nil {
			slog.ErrorContext(ctx, "transaction commit failed",
				"error", *err)
		}
	}
}

// executeInTransaction is a helper that executes a callback within a transaction with logging and panic recovery.
func (s *Store) executeInTransaction(ctx context.Context, operationName string, begin txBeginner, fn func(txStore *Store) error) (err error) {
	start := time.Now().UTC()

	tx, err := begin.Begin(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to begin transaction",
			"operation", operationName,
			"error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "transaction panic, rolling back",
				"operation", operationName,
				"panic", p)
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.ErrorContext(ctx, "rollback after panic failed",
					"operation", operationName,
					"panic", p,
					"rollback_error", rbErr)
			}
			panic(p)
		}

		finalizeTx(ctx, tx, &err)
		if err == nil {
			slog.DebugContext(ctx, "transaction completed",
				"operation", operationName,
				"duration_ms", time.Since(start).Milliseconds())
		}
	}()

	err = fn(s.withTx(tx))
	return
}

// Atomic executes a callback function within a database transaction.
// All operations inside the callback succeed together or fail together.
// The callback receives a Repository instance that operates within the transaction.
// Commits the transaction if callback returns nil, rolls back if callback returns an error.
func (s *Store) Atomic(ctx context.Context, fn func(repo ingest.Repository) error) error {
	if s.pool == nil {
		return fmt.Errorf("atomic: store is already transaction-scoped")
	}
	return s.executeInTransaction(ctx, "atomic", s.pool, func(txStore *Store) error {
		return fn(txStore)
	})
}
