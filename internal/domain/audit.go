package domain

// Audit actions recorded by the worker.
const (
	AuditJobRunRequested             = "job_run_requested"
	AuditJobRunStarted               = "job_run_started"
	AuditJobRunSucceeded             = "job_run_succeeded"
	AuditJobRunFailed                = "job_run_failed"
	AuditJobPaused                   = "job_paused"
	AuditJobResumed                  = "job_resumed"
	AuditScheduleInvalidCronDisabled = "schedule_invalid_cron_disabled"
	AuditJobRunRecovered             = "job_run_recovered"
	AuditGraphIngestStarted          = "graph_ingest_started"
	AuditGraphIngestCompleted        = "graph_ingest_completed"
	AuditMVRefreshCompleted          = "mv_refresh_completed"
)

// Entity types referenced by audit events.
const (
	EntityJob      = "job"
	EntityJobRun   = "job_run"
	EntitySchedule = "job_schedule"
)

// Actor identifies the principal behind an admin-triggered action,
// extracted from the token claims forwarded by the calling service.
// A nil *Actor means the action was system-initiated.
type Actor struct {
	OID  string
	UPN  string
	Name string
}

// AuditEvent is an append-only record of a worker-side action.
// EventID and the occurrence timestamp are assigned at write time.
type AuditEvent struct {
	Actor      *Actor
	Action     string
	EntityType string
	EntityID   string
	Details    map[string]any
}
