package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// === Schedule Operations ===

// SeedableSchedule locks one enabled schedule with no next_run_at and
// returns it, or nil when every schedule is seeded. Uses SKIP LOCKED so
// concurrent workers each seed a different row.
func (s *Store) SeedableSchedule(ctx context.Context) (*domain.ScheduleSeed, error) {
	var seed domain.ScheduleSeed
	err := s.db.QueryRow(ctx, `
		SELECT schedule_id, job_id, cron_expr FROM job_schedules
		WHERE enabled = true AND next_run_at IS NULL
		ORDER BY schedule_id
		FOR UPDATE SKIP LOCKED
		LIMIT 1`).Scan(&seed.ScheduleID, &seed.JobID, &seed.CronExpr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select seedable schedule: %w", err)
	}
	return &seed, nil
}

// LeaseDueSchedule locks the most overdue enabled schedule whose job is also
// enabled and returns it joined with the job, or nil when nothing is due.
// The row lock is held until the surrounding transaction ends.
func (s *Store) LeaseDueSchedule(ctx context.Context) (*domain.LeasedSchedule, error) {
	var lease domain.LeasedSchedule
	err := s.db.QueryRow(ctx, `
		SELECT js.schedule_id, js.job_id, js.cron_expr, j.job_type, j.config
		FROM job_schedules js
		JOIN jobs j ON j.job_id = js.job_id
		WHERE js.enabled = true AND j.enabled = true AND js.next_run_at <= now()
		ORDER BY js.next_run_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`).Scan(&lease.ScheduleID, &lease.JobID, &lease.CronExpr, &lease.JobType, &lease.JobConfig)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease due schedule: %w", err)
	}
	return &lease, nil
}

// SetScheduleNextRun stores the next fire time for a schedule.
func (s *Store) SetScheduleNextRun(ctx context.Context, scheduleID string, nextRunAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE job_schedules SET next_run_at = $2 WHERE schedule_id = $1`,
		scheduleID, nextRunAt)
	if err != nil {
		return fmt.Errorf("failed to set schedule next run: %w", err)
	}
	return nil
}

// DisableSchedule turns a schedule off and clears its next fire time so it
// is never seeded or leased again until an operator re-enables it.
func (s *Store) DisableSchedule(ctx context.Context, scheduleID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE job_schedules SET enabled = false, next_run_at = NULL WHERE schedule_id = $1`,
		scheduleID)
	if err != nil {
		return fmt.Errorf("failed to disable schedule: %w", err)
	}
	return nil
}

// SetScheduleEnabled flips every schedule of a job on or off by job ID.
// next_run_at is cleared either way: a paused schedule must not fire, and a
// resumed one gets reseeded from its cron expression on the next tick.
// Updating a job with no schedule rows is a no-op, not an error.
func (s *Store) SetScheduleEnabled(ctx context.Context, jobID string, enabled bool) error {
	_, err := s.db.Exec(ctx, `
		UPDATE job_schedules SET enabled = $2, next_run_at = NULL WHERE job_id = $1`,
		jobID, enabled)
	if err != nil {
		return fmt.Errorf("failed to set schedule enabled: %w", err)
	}
	return nil
}

// === Run Operations ===

// InsertRunningRun opens a run row in the running state and returns its ID.
func (s *Store) InsertRunningRun(ctx context.Context, jobID string) (string, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate run ID: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO job_runs (run_id, job_id, started_at, status)
		VALUES ($1, $2, now(), $3)`,
		runID.String(), jobID, domain.RunStatusRunning)
	if err != nil {
		return "", fmt.Errorf("failed to insert running run: %w", err)
	}
	return runID.String(), nil
}

// InsertFailedRun records a run that failed before its job body ever
// started, such as a lease whose cron expression no longer parses.
func (s *Store) InsertFailedRun(ctx context.Context, jobID, errMsg string) (string, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate run ID: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO job_runs (run_id, job_id, started_at, finished_at, status, error)
		VALUES ($1, $2, now(), now(), $3, $4)`,
		runID.String(), jobID, domain.RunStatusFailed, errMsg)
	if err != nil {
		return "", fmt.Errorf("failed to insert failed run: %w", err)
	}
	return runID.String(), nil
}

// FinishRun closes a run with its terminal status. A nil errMsg clears the
// error column.
func (s *Store) FinishRun(ctx context.Context, runID, status string, errMsg *string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE job_runs SET finished_at = now(), status = $2, error = $3 WHERE run_id = $1`,
		runID, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// RecoverInterruptedRuns closes every run still marked running, assuming the
// worker that owned it died. Returns the runs it closed.
func (s *Store) RecoverInterruptedRuns(ctx context.Context) ([]domain.RecoveredRun, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE job_runs
		SET finished_at = now(), status = $1, error = COALESCE(error, 'interrupted_worker_restart')
		WHERE status = $2 AND finished_at IS NULL
		RETURNING run_id, job_id`,
		domain.RunStatusFailed, domain.RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	defer rows.Close()

	var recovered []domain.RecoveredRun
	for rows.Next() {
		var r domain.RecoveredRun
		if err := rows.Scan(&r.RunID, &r.JobID); err != nil {
			return nil, fmt.Errorf("failed to scan recovered run: %w", err)
		}
		recovered = append(recovered, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recovered runs: %w", err)
	}
	return recovered, nil
}

// === Job Lookup ===

// GetJob returns a job by ID. Returns domain.ErrJobNotFound when no job has
// that ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := s.db.QueryRow(ctx, `
		SELECT job_id, job_type, enabled, config FROM jobs WHERE job_id = $1`,
		jobID).Scan(&job.JobID, &job.JobType, &job.Enabled, &job.Config)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// JobStatuses returns every job joined with its schedule and latest run,
// ordered by job type. Jobs without a schedule or without runs still appear.
func (s *Store) JobStatuses(ctx context.Context) ([]domain.JobStatus, error) {
	rows, err := s.db.Query(ctx, `
		SELECT
			j.job_id, j.job_type, j.enabled,
			s.schedule_id, s.cron_expr, s.enabled AS schedule_enabled, s.next_run_at,
			r.run_id, r.started_at, r.finished_at, r.status AS latest_run_status, r.error
		FROM jobs j
		LEFT JOIN job_schedules s ON s.job_id = j.job_id
		LEFT JOIN LATERAL (
			SELECT run_id, started_at, finished_at, status, error
			FROM job_runs
			WHERE job_id = j.job_id
			ORDER BY started_at DESC NULLS LAST, run_id DESC
			LIMIT 1
		) r ON true
		ORDER BY j.job_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query job statuses: %w", err)
	}
	defer rows.Close()

	var statuses []domain.JobStatus
	for rows.Next() {
		var (
			st        domain.JobStatus
			runID     *string
			startedAt *time.Time
			finished  *time.Time
			runStatus *string
			runErr    *string
		)
		if err := rows.Scan(
			&st.JobID, &st.JobType, &st.Enabled,
			&st.ScheduleID, &st.CronExpr, &st.ScheduleEnabled, &st.NextRunAt,
			&runID, &startedAt, &finished, &runStatus, &runErr,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job status: %w", err)
		}
		if runID != nil {
			st.LastRun = &domain.JobRun{
				RunID:      *runID,
				JobID:      st.JobID,
				FinishedAt: finished,
				Error:      runErr,
			}
			if startedAt != nil {
				st.LastRun.StartedAt = *startedAt
			}
			if runStatus != nil {
				st.LastRun.Status = *runStatus
			}
		}
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job statuses: %w", err)
	}
	return statuses, nil
}
