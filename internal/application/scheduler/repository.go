package scheduler

import (
	"context"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
)

// Repository defines the storage operations the scheduler performs inside a
// run session transaction. Locking queries use FOR UPDATE SKIP LOCKED so any
// number of worker replicas can poll the same tables.
type Repository interface {
	// === Schedule Operations ===

	// SeedableSchedule locks one enabled schedule whose next_run_at has not
	// been computed yet. Returns nil when there is none.
	SeedableSchedule(ctx context.Context) (*domain.ScheduleSeed, error)

	// LeaseDueSchedule locks the most overdue enabled schedule joined with
	// its enabled job. Returns nil when nothing is due.
	LeaseDueSchedule(ctx context.Context) (*domain.LeasedSchedule, error)

	// SetScheduleNextRun advances a schedule's next_run_at.
	SetScheduleNextRun(ctx context.Context, scheduleID string, nextRunAt time.Time) error

	// DisableSchedule turns a schedule off and clears its next_run_at.
	// Used when its cron expression no longer parses.
	DisableSchedule(ctx context.Context, scheduleID string) error

	// === Run Operations ===

	// InsertRunningRun creates a job_runs row in the running state and
	// returns its id.
	InsertRunningRun(ctx context.Context, jobID string) (string, error)

	// InsertFailedRun creates an already-finished failed run carrying the
	// given error. Used for synthetic failures such as an invalid cron.
	InsertFailedRun(ctx context.Context, jobID string, errMsg string) (string, error)

	// FinishRun stamps finished_at and records the final status and error.
	FinishRun(ctx context.Context, runID string, status string, errMsg *string) error

	// === Advisory Locks ===

	// TryAdvisoryLock attempts a session-level advisory lock keyed by
	// hashtext(key). Non-blocking; reports whether the lock was taken.
	TryAdvisoryLock(ctx context.Context, key string) (bool, error)

	// AdvisoryUnlock releases a lock taken by TryAdvisoryLock on the same
	// session. Reports whether a lock was actually held.
	AdvisoryUnlock(ctx context.Context, key string) (bool, error)
}

// RunSession is a single database session pinned for the lifetime of one
// leased run. Advisory locks are session-scoped, so every statement that
// takes or releases one must ride this session.
type RunSession interface {
	// Atomic executes fn within a transaction on the pinned session.
	Atomic(ctx context.Context, fn func(repo Repository) error) error

	// Release returns the session to the pool, dropping any advisory locks
	// still held on it. Safe to call more than once.
	Release()
}

// Store is the pool-level persistence surface of the scheduler: bookkeeping
// writes that must not ride the run session, plus session acquisition.
type Store interface {
	// AcquireRunSession pins one connection for a seed/lease pass.
	AcquireRunSession(ctx context.Context) (RunSession, error)

	// GetJob fetches a job row. Returns domain.ErrJobNotFound when absent.
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// RecoverInterruptedRuns closes runs left in the running state by a
	// previous worker process and returns the rows it touched.
	RecoverInterruptedRuns(ctx context.Context) ([]domain.RecoveredRun, error)

	// InsertRunLog appends one job_run_logs row.
	InsertRunLog(ctx context.Context, runID string, level string, message string, logCtx map[string]any) error

	// WriteAuditEvent appends one audit_events row.
	WriteAuditEvent(ctx context.Context, event domain.AuditEvent) error
}
