// Package domain holds the shared types for jobs, runs, schedules, and audit
// events. It has no dependencies on storage or transport.
package domain

import "time"

// Job types dispatched by the scheduler.
const (
	JobTypeGraphIngest = "graph_ingest"
	JobTypeMVRefresh   = "mv_refresh"
)

// Run lifecycle states.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// Levels for per-run log rows.
const (
	RunLogInfo  = "INFO"
	RunLogWarn  = "WARN"
	RunLogError = "ERROR"
)

// Job is a registered unit of work. Immutable except for Enabled and Config.
type Job struct {
	JobID   string
	JobType string
	Enabled bool
	Config  map[string]any
}

// Schedule is a cron binding for a job. A nil NextRunAt means "compute on
// next tick"; Enabled=false means skip entirely.
type Schedule struct {
	ScheduleID string
	JobID      string
	CronExpr   string
	NextRunAt  *time.Time
	Enabled    bool
}

// ScheduleSeed is the slice of a schedule row needed to compute its first
// next_run_at.
type ScheduleSeed struct {
	ScheduleID string
	JobID      string
	CronExpr   string
}

// LeasedSchedule is a due schedule row locked for execution, joined with its
// job.
type LeasedSchedule struct {
	ScheduleID string
	CronExpr   string
	JobID      string
	JobType    string
	JobConfig  map[string]any
}

// JobRun records one execution of a job.
type JobRun struct {
	RunID      string
	JobID      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Error      *string
}

// RecoveredRun identifies a run closed by the startup recovery sweep.
type RecoveredRun struct {
	RunID string
	JobID string
}

// JobStatus is the admin view of a job joined with its schedule and most
// recent run.
type JobStatus struct {
	JobID           string
	JobType         string
	Enabled         bool
	ScheduleID      *string
	CronExpr        *string
	ScheduleEnabled *bool
	NextRunAt       *time.Time
	LastRun         *JobRun
}
