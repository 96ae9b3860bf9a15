package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runLogCall struct {
	runID   string
	level   string
	message string
	logCtx  map[string]any
}

type failedRunCall struct {
	jobID  string
	errMsg string
}

type finishCall struct {
	runID  string
	status string
	errMsg *string
}

// mockRepository serves canned schedule rows and records every write.
type mockRepository struct {
	seed        *domain.ScheduleSeed
	lease       *domain.LeasedSchedule
	lockGranted bool

	seedCalls  int
	leaseCalls int

	nextRuns    map[string]time.Time
	disabled    []string
	runningRuns []string
	failedRuns  []failedRunCall
	finished    []finishCall
	lockKeys    []string
	unlockKeys  []string
}

func (m *mockRepository) SeedableSchedule(ctx context.Context) (*domain.ScheduleSeed, error) {
	m.seedCalls++
	return m.seed, nil
}

func (m *mockRepository) LeaseDueSchedule(ctx context.Context) (*domain.LeasedSchedule, error) {
	m.leaseCalls++
	return m.lease, nil
}

func (m *mockRepository) SetScheduleNextRun(ctx context.Context, scheduleID string, nextRunAt time.Time) error {
	if m.nextRuns == nil {
		m.nextRuns = make(map[string]time.Time)
	}
	m.nextRuns[scheduleID] = nextRunAt
	return nil
}

func (m *mockRepository) DisableSchedule(ctx context.Context, scheduleID string) error {
	m.disabled = append(m.disabled, scheduleID)
	return nil
}

func (m *mockRepository) InsertRunningRun(ctx context.Context, jobID string) (string, error) {
	m.runningRuns = append(m.runningRuns, jobID)
	return fmt.Sprintf("run-%d", len(m.runningRuns)), nil
}

func (m *mockRepository) InsertFailedRun(ctx context.Context, jobID, errMsg string) (string, error) {
	m.failedRuns = append(m.failedRuns, failedRunCall{jobID: jobID, errMsg: errMsg})
	return fmt.Sprintf("failed-run-%d", len(m.failedRuns)), nil
}

func (m *mockRepository) FinishRun(ctx context.Context, runID, status string, errMsg *string) error {
	m.finished = append(m.finished, finishCall{runID: runID, status: status, errMsg: errMsg})
	return nil
}

func (m *mockRepository) TryAdvisoryLock(ctx context.Context, key string) (bool, error) {
	m.lockKeys = append(m.lockKeys, key)
	return m.lockGranted, nil
}

func (m *mockRepository) AdvisoryUnlock(ctx context.Context, key string) (bool, error) {
	m.unlockKeys = append(m.unlockKeys, key)
	return true, nil
}

type mockSession struct {
	repo     *mockRepository
	released bool
}

func (m *mockSession) Atomic(ctx context.Context, fn func(Repository) error) error {
	return fn(m.repo)
}

func (m *mockSession) Release() { m.released = true }

// mockStore hands out one session and records bookkeeping writes.
type mockStore struct {
	repo      *mockRepository
	session   *mockSession
	runLogs   []runLogCall
	audits    []domain.AuditEvent
	recovered []domain.RecoveredRun
}

func newMockStore(repo *mockRepository) *mockStore {
	return &mockStore{repo: repo, session: &mockSession{repo: repo}}
}

func (m *mockStore) AcquireRunSession(ctx context.Context) (RunSession, error) {
	return m.session, nil
}

func (m *mockStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return nil, domain.ErrJobNotFound
}

func (m *mockStore) RecoverInterruptedRuns(ctx context.Context) ([]domain.RecoveredRun, error) {
	return m.recovered, nil
}

func (m *mockStore) InsertRunLog(ctx context.Context, runID, level, message string, logCtx map[string]any) error {
	m.runLogs = append(m.runLogs, runLogCall{runID: runID, level: level, message: message, logCtx: logCtx})
	return nil
}

func (m *mockStore) WriteAuditEvent(ctx context.Context, event domain.AuditEvent) error {
	m.audits = append(m.audits, event)
	return nil
}

func dueLease() *domain.LeasedSchedule {
	return &domain.LeasedSchedule{
		ScheduleID: "sched-1",
		CronExpr:   "*/5 * * * *",
		JobID:      "job-1",
		JobType:    "mv_refresh",
		JobConfig:  map[string]any{"max_views_per_run": float64(20)},
	}
}

func TestTickSeedsScheduleAndStops(t *testing.T) {
	repo := &mockRepository{
		seed: &domain.ScheduleSeed{ScheduleID: "sched-1", JobID: "job-1", CronExpr: "*/5 * * * *"},
	}
	store := newMockStore(repo)
	s := New(store)

	require.NoError(t, s.tick(context.Background()))

	require.Contains(t, repo.nextRuns, "sched-1")
	assert.True(t, repo.nextRuns["sched-1"].After(time.Now().Add(-time.Second)))
	assert.Zero(t, repo.leaseCalls, "seeding a schedule ends the tick")
	assert.Empty(t, repo.runningRuns, "seeding must not create a run")
	assert.True(t, store.session.released)
}

func TestTickDisablesScheduleWithInvalidCron(t *testing.T) {
	repo := &mockRepository{
		seed: &domain.ScheduleSeed{ScheduleID: "sched-1", JobID: "job-1", CronExpr: "not a cron"},
	}
	store := newMockStore(repo)
	s := New(store)

	require.NoError(t, s.tick(context.Background()))

	assert.Equal(t, []string{"sched-1"}, repo.disabled)
	require.Len(t, repo.failedRuns, 1)
	assert.Equal(t, "job-1", repo.failedRuns[0].jobID)
	assert.True(t, strings.HasPrefix(repo.failedRuns[0].errMsg, "invalid_cron_expr:"))
	assert.Empty(t, repo.nextRuns)

	require.Len(t, store.runLogs, 1)
	assert.Equal(t, "schedule_invalid_cron_disabled", store.runLogs[0].message)
	assert.Equal(t, "failed-run-1", store.runLogs[0].runID)
	assert.Equal(t, domain.RunLogError, store.runLogs[0].level)

	require.Len(t, store.audits, 1)
	assert.Equal(t, domain.AuditScheduleInvalidCronDisabled, store.audits[0].Action)
	assert.Equal(t, domain.EntitySchedule, store.audits[0].EntityType)
	assert.Equal(t, "sched-1", store.audits[0].EntityID)
}

func TestTickLeasesAndRunsDueJob(t *testing.T) {
	repo := &mockRepository{lease: dueLease(), lockGranted: true}
	store := newMockStore(repo)
	s := New(store)

	var gotRunID string
	var gotJob *domain.Job
	s.Register("mv_refresh", func(ctx context.Context, runID string, job *domain.Job, actor *domain.Actor) error {
		gotRunID = runID
		gotJob = job
		return nil
	})

	require.NoError(t, s.tick(context.Background()))

	assert.Equal(t, []string{"job-1"}, repo.lockKeys)
	assert.Equal(t, []string{"job-1"}, repo.runningRuns)
	assert.Contains(t, repo.nextRuns, "sched-1")

	assert.Equal(t, "run-1", gotRunID)
	require.NotNil(t, gotJob)
	assert.Equal(t, "job-1", gotJob.JobID)
	assert.Equal(t, "mv_refresh", gotJob.JobType)
	assert.Equal(t, float64(20), gotJob.Config["max_views_per_run"])

	require.Len(t, repo.finished, 1)
	assert.Equal(t, "run-1", repo.finished[0].runID)
	assert.Equal(t, domain.RunStatusSuccess, repo.finished[0].status)
	assert.Nil(t, repo.finished[0].errMsg)
	assert.Equal(t, []string{"job-1"}, repo.unlockKeys)

	require.Len(t, store.audits, 2)
	assert.Equal(t, domain.AuditJobRunStarted, store.audits[0].Action)
	assert.Equal(t, TriggerSchedule, store.audits[0].Details["trigger"])
	assert.Equal(t, domain.AuditJobRunSucceeded, store.audits[1].Action)

	require.Len(t, store.runLogs, 1)
	assert.Equal(t, "job_finished", store.runLogs[0].message)
	assert.Equal(t, domain.RunLogInfo, store.runLogs[0].level)
	assert.Equal(t, domain.RunStatusSuccess, store.runLogs[0].logCtx["status"])
}

func TestTickSkipsJobWhoseLockIsHeld(t *testing.T) {
	repo := &mockRepository{lease: dueLease(), lockGranted: false}
	store := newMockStore(repo)
	s := New(store)

	var called bool
	s.Register("mv_refresh", func(ctx context.Context, runID string, job *domain.Job, actor *domain.Actor) error {
		called = true
		return nil
	})

	require.NoError(t, s.tick(context.Background()))

	assert.False(t, called)
	assert.Empty(t, repo.runningRuns)
	assert.Empty(t, repo.nextRuns, "schedule stays due so a later tick retries")
	assert.Empty(t, repo.finished)
	assert.Empty(t, store.audits)
}

func TestTickRecordsJobFailure(t *testing.T) {
	repo := &mockRepository{lease: dueLease(), lockGranted: true}
	store := newMockStore(repo)
	s := New(store)
	s.Register("mv_refresh", func(ctx context.Context, runID string, job *domain.Job, actor *domain.Actor) error {
		return errors.New("refresh exploded")
	})

	require.NoError(t, s.tick(context.Background()))

	require.Len(t, repo.finished, 1)
	assert.Equal(t, domain.RunStatusFailed, repo.finished[0].status)
	require.NotNil(t, repo.finished[0].errMsg)
	assert.Equal(t, "refresh exploded", *repo.finished[0].errMsg)
	assert.Equal(t, []string{"job-1"}, repo.unlockKeys, "advisory lock released on failure")

	var messages []string
	for _, l := range store.runLogs {
		messages = append(messages, l.message)
	}
	assert.Equal(t, []string{"job_exception", "job_finished"}, messages)
	assert.Equal(t, domain.RunLogError, store.runLogs[1].level)

	require.Len(t, store.audits, 2)
	assert.Equal(t, domain.AuditJobRunFailed, store.audits[1].Action)
}

func TestTickFailsUnknownJobType(t *testing.T) {
	lease := dueLease()
	lease.JobType = "mystery"
	repo := &mockRepository{lease: lease, lockGranted: true}
	store := newMockStore(repo)
	s := New(store)

	require.NoError(t, s.tick(context.Background()))

	require.Len(t, repo.finished, 1)
	assert.Equal(t, domain.RunStatusFailed, repo.finished[0].status)
	require.NotNil(t, repo.finished[0].errMsg)
	assert.Equal(t, "unknown_job_type:mystery", *repo.finished[0].errMsg)
	assert.Equal(t, []string{"job-1"}, repo.unlockKeys)
}

func TestTickRecoversFromRunnerPanic(t *testing.T) {
	repo := &mockRepository{lease: dueLease(), lockGranted: true}
	store := newMockStore(repo)
	s := New(store)
	s.Register("mv_refresh", func(ctx context.Context, runID string, job *domain.Job, actor *domain.Actor) error {
		panic("nil map write")
	})

	require.NoError(t, s.tick(context.Background()))

	require.Len(t, repo.finished, 1)
	assert.Equal(t, domain.RunStatusFailed, repo.finished[0].status)
	require.NotNil(t, repo.finished[0].errMsg)
	assert.True(t, strings.HasPrefix(*repo.finished[0].errMsg, "panic:"))
	assert.Equal(t, []string{"job-1"}, repo.unlockKeys)
}

func TestRunJobOnce(t *testing.T) {
	repo := &mockRepository{lockGranted: true}
	store := newMockStore(repo)
	s := New(store)

	var gotActor *domain.Actor
	s.Register("graph_ingest", func(ctx context.Context, runID string, job *domain.Job, actor *domain.Actor) error {
		gotActor = actor
		return nil
	})

	actor := &domain.Actor{OID: "oid-1", UPN: "ops@example.com", Name: "Ops"}
	job := &domain.Job{JobID: "job-9", JobType: "graph_ingest", Enabled: false}
	require.NoError(t, s.RunJobOnce(context.Background(), job, actor))

	require.NotNil(t, gotActor, "disabled jobs still run on demand")
	assert.Equal(t, "oid-1", gotActor.OID)
	assert.Equal(t, []string{"job-9"}, repo.runningRuns)
	assert.Empty(t, repo.nextRuns, "run-now never touches schedules")

	require.Len(t, store.audits, 2)
	assert.Equal(t, TriggerRunNow, store.audits[0].Details["trigger"])
	require.NotNil(t, store.audits[0].Actor)
	assert.Equal(t, "oid-1", store.audits[0].Actor.OID)
	assert.True(t, store.session.released)
}

func TestRunJobOnceSkipsWhenLockHeld(t *testing.T) {
	repo := &mockRepository{lockGranted: false}
	store := newMockStore(repo)
	s := New(store)

	var called bool
	s.Register("graph_ingest", func(ctx context.Context, runID string, job *domain.Job, actor *domain.Actor) error {
		called = true
		return nil
	})

	job := &domain.Job{JobID: "job-9", JobType: "graph_ingest", Enabled: true}
	require.NoError(t, s.RunJobOnce(context.Background(), job, nil))

	assert.False(t, called)
	assert.Empty(t, repo.runningRuns)
	assert.Empty(t, store.audits)
	assert.True(t, store.session.released)
}

func TestRecoverInterruptedRuns(t *testing.T) {
	repo := &mockRepository{}
	store := newMockStore(repo)
	store.recovered = []domain.RecoveredRun{
		{RunID: "run-a", JobID: "job-1"},
		{RunID: "run-b", JobID: "job-2"},
	}
	s := New(store)

	n, err := s.RecoverInterruptedRuns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, store.runLogs, 2)
	assert.Equal(t, "job_run_recovered", store.runLogs[0].message)
	assert.Equal(t, "run-a", store.runLogs[0].runID)

	require.Len(t, store.audits, 2)
	assert.Equal(t, domain.AuditJobRunRecovered, store.audits[0].Action)
	assert.Equal(t, domain.EntityJobRun, store.audits[0].EntityType)
	assert.Equal(t, "run-a", store.audits[0].EntityID)
}

func TestStatusSnapshot(t *testing.T) {
	s := New(newMockStore(&mockRepository{}))

	st := s.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.LastTick)
	assert.Nil(t, st.LastError)

	s.markTick()
	s.markTickResult(errors.New("db down"))
	st = s.Status()
	require.NotNil(t, st.LastTick)
	require.NotNil(t, st.LastError)
	assert.Equal(t, "db down", *st.LastError)

	s.markTickResult(nil)
	assert.Nil(t, s.Status().LastError)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	repo := &mockRepository{}
	store := newMockStore(repo)
	s := New(store, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.True(t, s.Status().Running)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	assert.False(t, s.Status().Running)
	require.NotNil(t, s.Status().LastTick)
}
