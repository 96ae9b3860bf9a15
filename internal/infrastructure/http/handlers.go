package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/application/heartbeat"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/application/scheduler"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/runtimelog"
)

// Store is the slice of the persistence layer the admin API uses.
type Store interface {
	Ping(ctx context.Context) error
	JobStatuses(ctx context.Context) ([]domain.JobStatus, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	SetScheduleEnabled(ctx context.Context, jobID string, enabled bool) error
	WriteAuditEvent(ctx context.Context, event domain.AuditEvent) error
}

// JobScheduler exposes the scheduler loop to the admin surface.
type JobScheduler interface {
	Status() scheduler.Status
	RunJobOnce(ctx context.Context, job *domain.Job, actor *domain.Actor) error
}

// Heartbeat exposes the liveness emitter to the health endpoint.
type Heartbeat interface {
	Healthy() bool
	Status() heartbeat.Status
}

// API implements the admin endpoints.
type API struct {
	store     Store
	scheduler JobScheduler
	heartbeat Heartbeat
}

// NewAPI creates the admin API over its three collaborators.
func NewAPI(store Store, sched JobScheduler, hb Heartbeat) *API {
	return &API{store: store, scheduler: sched, heartbeat: hb}
}

type healthResponse struct {
	OK        bool             `json:"ok"`
	DB        bool             `json:"db"`
	Scheduler scheduler.Status `json:"scheduler"`
	Heartbeat heartbeat.Status `json:"heartbeat"`
}

// health always replies 200; the ok field carries the verdict so the web app
// can distinguish "worker down" from "worker up but degraded".
func (a *API) health(w http.ResponseWriter, r *http.Request) {
	dbOK := a.store.Ping(r.Context()) == nil
	writeJSON(w, http.StatusOK, healthResponse{
		OK:        dbOK && a.heartbeat.Healthy(),
		DB:        dbOK,
		Scheduler: a.scheduler.Status(),
		Heartbeat: a.heartbeat.Status(),
	})
}

// jobStatusRow flattens a job, its schedule, and its latest run into the row
// shape the web app consumes.
type jobStatusRow struct {
	JobID           string     `json:"job_id"`
	JobType         string     `json:"job_type"`
	Enabled         bool       `json:"enabled"`
	ScheduleID      *string    `json:"schedule_id"`
	CronExpr        *string    `json:"cron_expr"`
	NextRunAt       *time.Time `json:"next_run_at"`
	ScheduleEnabled *bool      `json:"schedule_enabled"`
	RunID           *string    `json:"run_id"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	Status          *string    `json:"status"`
	LatestRunStatus *string    `json:"latest_run_status"`
	Error           *string    `json:"error"`
}

func (a *API) jobsStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.store.JobStatuses(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Job status query failed",
			runtimelog.AttrActor, runtimelog.ActorAPI,
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	rows := make([]jobStatusRow, 0, len(statuses))
	for _, st := range statuses {
		row := jobStatusRow{
			JobID:           st.JobID,
			JobType:         st.JobType,
			Enabled:         st.Enabled,
			ScheduleID:      st.ScheduleID,
			CronExpr:        st.CronExpr,
			NextRunAt:       st.NextRunAt,
			ScheduleEnabled: st.ScheduleEnabled,
		}
		if run := st.LastRun; run != nil {
			row.RunID = &run.RunID
			row.StartedAt = &run.StartedAt
			row.FinishedAt = run.FinishedAt
			row.Status = &run.Status
			row.LatestRunStatus = &run.Status
			row.Error = run.Error
		}
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": rows})
}

type actorPayload struct {
	OID  string `json:"oid"`
	UPN  string `json:"upn"`
	Name string `json:"name"`
}

type jobActionRequest struct {
	JobID string        `json:"job_id"`
	Actor *actorPayload `json:"actor"`
}

func (req jobActionRequest) actor() *domain.Actor {
	if req.Actor == nil {
		return nil
	}
	return &domain.Actor{OID: req.Actor.OID, UPN: req.Actor.UPN, Name: req.Actor.Name}
}

// decodeJobAction parses the request body. A missing or malformed body is
// treated as empty so validation reports the missing job_id.
func decodeJobAction(r *http.Request) jobActionRequest {
	var req jobActionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	return req
}

// runNow audits the request and spawns the run in a goroutine. A disabled
// job still runs: the admin surface exists to override the schedule. The
// 202 means "accepted", not "started"; if the job is already running
// elsewhere the spawned attempt exits without creating a run.
func (a *API) runNow(w http.ResponseWriter, r *http.Request) {
	req := decodeJobAction(r)
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id_required")
		return
	}

	job, err := a.store.GetJob(r.Context(), req.JobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job_not_found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Job lookup failed",
			runtimelog.AttrActor, runtimelog.ActorAPI,
			"job_id", req.JobID,
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	actor := req.actor()
	err = a.store.WriteAuditEvent(r.Context(), domain.AuditEvent{
		Actor:      actor,
		Action:     domain.AuditJobRunRequested,
		EntityType: domain.EntityJob,
		EntityID:   job.JobID,
		Details:    map[string]any{"job_type": job.JobType},
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "Audit write failed",
			runtimelog.AttrActor, runtimelog.ActorAPI,
			"job_id", job.JobID,
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	// The run outlives the request. Only cancellation is detached; the
	// request ID stays on the run's log lines.
	runCtx := context.WithoutCancel(r.Context())
	go func() {
		if err := a.scheduler.RunJobOnce(runCtx, job, actor); err != nil {
			slog.ErrorContext(runCtx, "Run-now execution failed",
				runtimelog.AttrActor, runtimelog.ActorAPI,
				"job_id", job.JobID,
				"error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (a *API) pauseJob(w http.ResponseWriter, r *http.Request) {
	a.setSchedules(w, r, false)
}

func (a *API) resumeJob(w http.ResponseWriter, r *http.Request) {
	a.setSchedules(w, r, true)
}

// setSchedules flips every schedule of a job. A job_id with no schedule rows
// is a successful no-op; there is nothing to pause.
func (a *API) setSchedules(w http.ResponseWriter, r *http.Request, enabled bool) {
	req := decodeJobAction(r)
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id_required")
		return
	}

	if err := a.store.SetScheduleEnabled(r.Context(), req.JobID, enabled); err != nil {
		slog.ErrorContext(r.Context(), "Schedule update failed",
			runtimelog.AttrActor, runtimelog.ActorAPI,
			"job_id", req.JobID,
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	action, status := domain.AuditJobPaused, "paused"
	if enabled {
		action, status = domain.AuditJobResumed, "resumed"
	}
	err := a.store.WriteAuditEvent(r.Context(), domain.AuditEvent{
		Actor:      req.actor(),
		Action:     action,
		EntityType: domain.EntityJob,
		EntityID:   req.JobID,
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "Audit write failed",
			runtimelog.AttrActor, runtimelog.ActorAPI,
			"job_id", req.JobID,
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
