// Package scheduler leases due job schedules from the database and executes
// their jobs. Any number of worker replicas may run the loop against the same
// database: row locks keep them from leasing the same schedule, and a per-job
// advisory lock keeps two runs of one job from overlapping.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/runtimelog"
)

// Triggers recorded on audit events and run logs.
const (
	TriggerSchedule = "schedule"
	TriggerRunNow   = "run_now"
)

// DefaultPollInterval is how often the loop looks for work when the
// configuration does not say otherwise.
const DefaultPollInterval = 30 * time.Second

// finalizeTimeout bounds the bookkeeping writes that close a run, so a
// completed job is still recorded when the loop context is already canceled
// at shutdown.
const finalizeTimeout = 30 * time.Second

// JobRunner executes the body of one job type. A non-nil error marks the run
// failed, with err.Error() stored as the run error.
type JobRunner func(ctx context.Context, runID string, job *domain.Job, actor *domain.Actor) error

// Status is a point-in-time snapshot of the scheduler loop.
type Status struct {
	Running   bool       `json:"running"`
	LastTick  *time.Time `json:"last_tick"`
	LastError *string    `json:"last_error"`
}

// Scheduler drives the job lifecycle: seeding next_run_at on new schedules,
// leasing due ones, and running their jobs with per-job mutual exclusion.
type Scheduler struct {
	store   Store
	runners map[string]JobRunner
	poll    time.Duration

	mu     sync.Mutex
	status Status
}

// Option is a functional option for configuring Scheduler.
type Option func(*Scheduler)

// WithPollInterval sets how often the loop looks for due schedules.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.poll = d
		}
	}
}

// New creates a Scheduler over the given store.
func New(store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		runners: make(map[string]JobRunner),
		poll:    DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a job type to its runner. Call before Start; the map is not
// guarded against concurrent mutation.
func (s *Scheduler) Register(jobType string, runner JobRunner) {
	s.runners[jobType] = runner
}

// Status returns a copy of the loop state for the health endpoint.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start runs the scheduler loop until the context is canceled. Each tick
// performs at most one schedule action: a seed or a lease-and-run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.setRunning(true)
	defer s.setRunning(false)

	slog.InfoContext(ctx, "Scheduler started",
		runtimelog.AttrActor, runtimelog.ActorScheduler,
		"poll_interval", s.poll)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		s.markTick()
		err := s.tick(ctx)
		s.markTickResult(err)
		if err != nil {
			slog.ErrorContext(ctx, "Scheduler tick failed",
				runtimelog.AttrActor, runtimelog.ActorScheduler,
				"error", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			slog.InfoContext(ctx, "Scheduler stopped",
				runtimelog.AttrActor, runtimelog.ActorScheduler)
			return nil
		}
	}
}

// RecoverInterruptedRuns closes runs left in the running state by a dead
// worker process and writes an audit trail for each. Run once before the
// loop starts.
func (s *Scheduler) RecoverInterruptedRuns(ctx context.Context) (int, error) {
	recovered, err := s.store.RecoverInterruptedRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted runs: %w", err)
	}

	for _, run := range recovered {
		slog.WarnContext(ctx, "Recovered interrupted run",
			runtimelog.AttrActor, runtimelog.ActorScheduler,
			"run_id", run.RunID,
			"job_id", run.JobID)
		s.runLog(ctx, run.RunID, domain.RunLogError, "job_run_recovered", map[string]any{
			"job_id": run.JobID,
			"error":  "interrupted_worker_restart",
		})
		s.audit(ctx, domain.AuditEvent{
			Action:     domain.AuditJobRunRecovered,
			EntityType: domain.EntityJobRun,
			EntityID:   run.RunID,
			Details:    map[string]any{"job_id": run.JobID, "error": "interrupted_worker_restart"},
		})
	}
	return len(recovered), nil
}

// RunJobOnce executes a job immediately, bypassing its schedule. A disabled
// job still runs; the admin surface exists for manual override. When another
// session holds the job's advisory lock the call is a no-op.
func (s *Scheduler) RunJobOnce(ctx context.Context, job *domain.Job, actor *domain.Actor) error {
	session, err := s.store.AcquireRunSession(ctx)
	if err != nil {
		return err
	}
	defer session.Release()

	var runID string
	err = session.Atomic(ctx, func(repo Repository) error {
		locked, err := repo.TryAdvisoryLock(ctx, job.JobID)
		if err != nil {
			return err
		}
		if !locked {
			return nil
		}
		runID, err = repo.InsertRunningRun(ctx, job.JobID)
		return err
	})
	if err != nil {
		return err
	}
	if runID == "" {
		slog.InfoContext(ctx, "Job already running elsewhere, run-now skipped",
			runtimelog.AttrActor, runtimelog.ActorScheduler,
			"job_id", job.JobID)
		return nil
	}

	return s.runAndFinalize(ctx, session, runID, job, TriggerRunNow, actor)
}

// tick performs one pass: seed a single unseeded schedule, or lease and run
// the most overdue due schedule.
func (s *Scheduler) tick(ctx context.Context) error {
	session, err := s.store.AcquireRunSession(ctx)
	if err != nil {
		return err
	}
	defer session.Release()

	seeded, err := s.seedPass(ctx, session)
	if err != nil || seeded {
		return err
	}
	return s.leasePass(ctx, session)
}

// seedPass computes next_run_at for one schedule that has none. Returns true
// when a schedule was handled this tick, whether seeded or disabled.
func (s *Scheduler) seedPass(ctx context.Context, session RunSession) (bool, error) {
	var seeded bool
	var invalid *invalidCron

	err := session.Atomic(ctx, func(repo Repository) error {
		seed, err := repo.SeedableSchedule(ctx)
		if err != nil || seed == nil {
			return err
		}
		seeded = true

		next, cronErr := NextRun(seed.CronExpr, time.Now().UTC())
		if cronErr != nil {
			invalid, err = disableInvalidSchedule(ctx, repo, seed.ScheduleID, seed.JobID, seed.CronExpr, cronErr)
			return err
		}
		return repo.SetScheduleNextRun(ctx, seed.ScheduleID, next)
	})
	if err != nil {
		return seeded, err
	}
	if invalid != nil {
		s.reportInvalidSchedule(ctx, invalid)
	}
	return seeded, nil
}

// leasePass takes the most overdue due schedule, stamps its next fire time,
// and runs its job under the per-job advisory lock. The schedule advances
// before the body runs, so later ticks will not re-lease it mid-run.
func (s *Scheduler) leasePass(ctx context.Context, session RunSession) error {
	var (
		leased  *domain.LeasedSchedule
		runID   string
		invalid *invalidCron
	)

	err := session.Atomic(ctx, func(repo Repository) error {
		lease, err := repo.LeaseDueSchedule(ctx)
		if err != nil || lease == nil {
			return err
		}

		next, cronErr := NextRun(lease.CronExpr, time.Now().UTC())
		if cronErr != nil {
			invalid, err = disableInvalidSchedule(ctx, repo, lease.ScheduleID, lease.JobID, lease.CronExpr, cronErr)
			return err
		}

		locked, err := repo.TryAdvisoryLock(ctx, lease.JobID)
		if err != nil {
			return err
		}
		if !locked {
			// Another session is running this job; leave next_run_at due and
			// let a later tick retry.
			return nil
		}

		runID, err = repo.InsertRunningRun(ctx, lease.JobID)
		if err != nil {
			return err
		}
		if err := repo.SetScheduleNextRun(ctx, lease.ScheduleID, next); err != nil {
			return err
		}
		leased = lease
		return nil
	})
	if err != nil {
		return err
	}
	if invalid != nil {
		s.reportInvalidSchedule(ctx, invalid)
		return nil
	}
	if leased == nil {
		return nil
	}

	job := &domain.Job{
		JobID:   leased.JobID,
		JobType: leased.JobType,
		Enabled: true,
		Config:  leased.JobConfig,
	}
	return s.runAndFinalize(ctx, session, runID, job, TriggerSchedule, nil)
}

// runAndFinalize executes the job body outside any transaction, then closes
// the run row and releases the job's advisory lock on the leased session.
func (s *Scheduler) runAndFinalize(ctx context.Context, session RunSession, runID string, job *domain.Job, trigger string, actor *domain.Actor) error {
	s.audit(ctx, domain.AuditEvent{
		Actor:      actor,
		Action:     domain.AuditJobRunStarted,
		EntityType: domain.EntityJobRun,
		EntityID:   runID,
		Details:    map[string]any{"job_id": job.JobID, "job_type": job.JobType, "trigger": trigger},
	})
	slog.InfoContext(ctx, "Job run started",
		runtimelog.AttrActor, runtimelog.ActorScheduler,
		"run_id", runID,
		"job_id", job.JobID,
		"job_type", job.JobType,
		"trigger", trigger)

	status := domain.RunStatusSuccess
	var errMsg *string
	if runErr := s.runBody(ctx, runID, job, actor); runErr != nil {
		status = domain.RunStatusFailed
		msg := runErr.Error()
		errMsg = &msg
		s.runLog(ctx, runID, domain.RunLogError, "job_exception", map[string]any{
			"job_id":   job.JobID,
			"job_type": job.JobType,
			"error":    msg,
		})
	}

	// Bookkeeping must land even when ctx was canceled mid-run.
	finCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	err := session.Atomic(finCtx, func(repo Repository) error {
		if err := repo.FinishRun(finCtx, runID, status, errMsg); err != nil {
			return err
		}
		_, err := repo.AdvisoryUnlock(finCtx, job.JobID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to finalize run %s: %w", runID, err)
	}

	action := domain.AuditJobRunSucceeded
	level := domain.RunLogInfo
	if status != domain.RunStatusSuccess {
		action = domain.AuditJobRunFailed
		level = domain.RunLogError
	}
	s.audit(finCtx, domain.AuditEvent{
		Actor:      actor,
		Action:     action,
		EntityType: domain.EntityJobRun,
		EntityID:   runID,
		Details: map[string]any{
			"job_id":   job.JobID,
			"job_type": job.JobType,
			"trigger":  trigger,
			"error":    errMsg,
		},
	})
	s.runLog(finCtx, runID, level, "job_finished", map[string]any{
		"job_id":   job.JobID,
		"job_type": job.JobType,
		"trigger":  trigger,
		"status":   status,
		"error":    errMsg,
	})
	slog.Log(ctx, slogLevel(status), "Job run finished",
		runtimelog.AttrActor, runtimelog.ActorScheduler,
		"run_id", runID,
		"job_id", job.JobID,
		"job_type", job.JobType,
		"trigger", trigger,
		"status", status)
	return nil
}

// runBody dispatches to the runner registered for the job type, converting
// panics into run failures so one bad job cannot kill the loop.
func (s *Scheduler) runBody(ctx context.Context, runID string, job *domain.Job, actor *domain.Actor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stackTrace := string(debug.Stack())
			slog.ErrorContext(ctx, "Job run panicked",
				runtimelog.AttrActor, runtimelog.ActorScheduler,
				"run_id", runID,
				"job_id", job.JobID,
				"panic_value", r,
				"stack_trace", stackTrace)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	runner, ok := s.runners[job.JobType]
	if !ok {
		return fmt.Errorf("unknown_job_type:%s", job.JobType)
	}
	return runner(ctx, runID, job, actor)
}

// invalidCron carries what the post-commit audit trail needs about a
// schedule disabled for an unparseable cron expression.
type invalidCron struct {
	scheduleID string
	jobID      string
	cronExpr   string
	runID      string
	errMsg     string
}

// disableInvalidSchedule turns the schedule off and records a synthetic
// failed run, atomically with the row lock held by the caller.
func disableInvalidSchedule(ctx context.Context, repo Repository, scheduleID, jobID, cronExpr string, cronErr error) (*invalidCron, error) {
	if err := repo.DisableSchedule(ctx, scheduleID); err != nil {
		return nil, err
	}
	errMsg := fmt.Sprintf("invalid_cron_expr: %v", cronErr)
	runID, err := repo.InsertFailedRun(ctx, jobID, errMsg)
	if err != nil {
		return nil, err
	}
	return &invalidCron{
		scheduleID: scheduleID,
		jobID:      jobID,
		cronExpr:   cronExpr,
		runID:      runID,
		errMsg:     errMsg,
	}, nil
}

// reportInvalidSchedule writes the run log and audit trail after the disable
// transaction commits.
func (s *Scheduler) reportInvalidSchedule(ctx context.Context, inv *invalidCron) {
	slog.ErrorContext(ctx, "Schedule disabled: cron expression does not parse",
		runtimelog.AttrActor, runtimelog.ActorScheduler,
		"schedule_id", inv.scheduleID,
		"job_id", inv.jobID,
		"cron_expr", inv.cronExpr)
	s.runLog(ctx, inv.runID, domain.RunLogError, "schedule_invalid_cron_disabled", map[string]any{
		"job_id":      inv.jobID,
		"schedule_id": inv.scheduleID,
		"cron_expr":   inv.cronExpr,
		"error":       inv.errMsg,
	})
	s.audit(ctx, domain.AuditEvent{
		Action:     domain.AuditScheduleInvalidCronDisabled,
		EntityType: domain.EntitySchedule,
		EntityID:   inv.scheduleID,
		Details: map[string]any{
			"job_id":    inv.jobID,
			"cron_expr": inv.cronExpr,
			"error":     inv.errMsg,
		},
	})
}

// audit writes an audit event, logging instead of failing when the write
// itself fails: bookkeeping must not abort a run that already happened.
func (s *Scheduler) audit(ctx context.Context, event domain.AuditEvent) {
	if err := s.store.WriteAuditEvent(ctx, event); err != nil {
		slog.ErrorContext(ctx, "Failed to write audit event",
			runtimelog.AttrActor, runtimelog.ActorScheduler,
			"action", event.Action,
			"error", err)
	}
}

// runLog appends a job_run_logs row, logging instead of failing when the
// write itself fails.
func (s *Scheduler) runLog(ctx context.Context, runID, level, message string, logCtx map[string]any) {
	if err := s.store.InsertRunLog(ctx, runID, level, message, logCtx); err != nil {
		slog.ErrorContext(ctx, "Failed to write job run log",
			runtimelog.AttrActor, runtimelog.ActorScheduler,
			"run_id", runID,
			"message", message,
			"error", err)
	}
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.status.Running = v
	s.mu.Unlock()
}

func (s *Scheduler) markTick() {
	now := time.Now().UTC()
	s.mu.Lock()
	s.status.LastTick = &now
	s.mu.Unlock()
}

func (s *Scheduler) markTickResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		msg := err.Error()
		s.status.LastError = &msg
		return
	}
	s.status.LastError = nil
}

func slogLevel(runStatus string) slog.Level {
	if runStatus == domain.RunStatusSuccess {
		return slog.LevelInfo
	}
	return slog.LevelError
}
