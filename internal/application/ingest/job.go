// Package ingest pulls the directory and collaboration graph out of the
// upstream API and into Postgres. One run walks up to seven stages in
// dependency order: users, groups, group memberships, sites, drives, drive
// items, permissions. Writes go through batched upserts with retry on
// transient SQLSTATEs, sites and drive items resume from stored delta
// cursors, and completed stages queue the materialized views built on the
// tables they touched.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/infrastructure/graph"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/runtimelog"
)

// Stage names, in default execution order.
const (
	StageUsers            = "users"
	StageGroups           = "groups"
	StageGroupMemberships = "group_memberships"
	StageSites            = "sites"
	StageDrives           = "drives"
	StageDriveItems       = "drive_items"
	StagePermissions      = "permissions"
)

var defaultStageOrder = []string{
	StageUsers,
	StageGroups,
	StageGroupMemberships,
	StageSites,
	StageDrives,
	StageDriveItems,
	StagePermissions,
}

// stageTables maps each stage to the tables it writes, for view refresh
// queueing. The drive-items stage also clears permission rows of removed
// items, so it touches the permission tables too.
var stageTables = map[string][]string{
	StageUsers:            {"graph_users"},
	StageGroups:           {"graph_groups"},
	StageGroupMemberships: {"graph_group_memberships"},
	StageSites:            {"graph_sites"},
	StageDrives:           {"graph_drives"},
	StageDriveItems: {
		"graph_drive_items",
		"graph_drive_item_permissions",
		"graph_drive_item_permission_grants",
	},
	StagePermissions: {
		"graph_drive_item_permissions",
		"graph_drive_item_permission_grants",
	},
}

// GraphAPI is the slice of the API client the stages consume.
type GraphAPI interface {
	GetJSON(ctx context.Context, pathOrURL string) (json.RawMessage, error)
	GetPage(ctx context.Context, pathOrURL string) (*graph.Page, error)
	Pages(ctx context.Context, pathOrURL string, fn func(json.RawMessage) error) error
}

// MVEnqueuer queues materialized views whose base tables changed.
type MVEnqueuer interface {
	EnqueueImpacted(ctx context.Context, tables []string) ([]string, error)
}

// Defaults for worker-level tuning knobs. Job config overrides them per run.
const (
	DefaultFlushEvery                 = 500
	DefaultPageSize                   = 200
	DefaultMaxConcurrency             = 4
	DefaultPermissionsBatchSize       = 50
	DefaultPermissionsStaleAfterHours = 24
)

// Config carries the worker-level tuning for ingest runs.
type Config struct {
	FlushEvery                 int
	PageSize                   int
	MaxConcurrency             int
	PermissionsBatchSize       int
	PermissionsStaleAfterHours int
}

func (c Config) withDefaults() Config {
	if c.FlushEvery < 1 {
		c.FlushEvery = DefaultFlushEvery
	}
	if c.PageSize < 1 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.PermissionsBatchSize < 1 {
		c.PermissionsBatchSize = DefaultPermissionsBatchSize
	}
	if c.PermissionsStaleAfterHours < 1 {
		c.PermissionsStaleAfterHours = DefaultPermissionsStaleAfterHours
	}
	return c
}

// Job runs graph ingest end to end.
type Job struct {
	store  Store
	client GraphAPI
	mvs    MVEnqueuer
	cfg    Config
}

// NewJob creates an ingest job. mvs may be nil when no refresh queue is
// wired.
func NewJob(store Store, client GraphAPI, mvs MVEnqueuer, cfg Config) *Job {
	return &Job{store: store, client: client, mvs: mvs, cfg: cfg.withDefaults()}
}

// runConfig is the per-run view of the job config merged over worker
// defaults.
type runConfig struct {
	flushEvery                 int
	pageSize                   int
	maxConcurrency             int
	permissionsBatchSize       int
	permissionsStaleAfterHours int
	pullPermissions            bool
	syncGroupMemberships       bool
	membershipsUsersOnly       bool
	stages                     []string
	skip                       map[string]struct{}
}

func (j *Job) parseConfig(cfg map[string]any) runConfig {
	rc := runConfig{
		flushEvery:                 configInt(cfg, "flush_every", j.cfg.FlushEvery),
		pageSize:                   j.cfg.PageSize,
		maxConcurrency:             j.cfg.MaxConcurrency,
		permissionsBatchSize:       configInt(cfg, "permissions_batch_size", j.cfg.PermissionsBatchSize),
		permissionsStaleAfterHours: configInt(cfg, "permissions_stale_after_hours", j.cfg.PermissionsStaleAfterHours),
		pullPermissions:            configBool(cfg, "pull_permissions", true),
		syncGroupMemberships:       configBool(cfg, "sync_group_memberships", true),
		membershipsUsersOnly:       configBool(cfg, "group_memberships_users_only", true),
		stages:                     defaultStageOrder,
		skip:                       map[string]struct{}{},
	}
	if rc.flushEvery < 1 {
		rc.flushEvery = 1
	}
	if rc.permissionsStaleAfterHours < 0 {
		rc.permissionsStaleAfterHours = 0
	}
	if requested := configStrings(cfg, "stages"); len(requested) > 0 {
		rc.stages = requested
	}
	for _, s := range configStrings(cfg, "skip_stages") {
		rc.skip[s] = struct{}{}
	}
	return rc
}

// Run executes one ingest run. Per-entity upstream errors are contained and
// counted inside their stage; a stage error aborts the run so the scheduler
// records the run as failed.
func (j *Job) Run(ctx context.Context, runID, jobID string, cfg map[string]any, actor *domain.Actor) error {
	startedAt := time.Now().UTC()
	rc := j.parseConfig(cfg)
	r := &run{job: j, runID: runID, cfg: rc}

	err := j.store.WriteAuditEvent(ctx, domain.AuditEvent{
		Actor:      actor,
		Action:     domain.AuditGraphIngestStarted,
		EntityType: domain.EntityJobRun,
		EntityID:   runID,
		Details:    map[string]any{"job_id": jobID},
	})
	if err != nil {
		return err
	}
	err = r.log(ctx, domain.RunLogInfo, "graph_ingest_started", map[string]any{
		"job_id":     jobID,
		"started_at": startedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}

	stages := map[string]any{}
	var touched []string
	for _, stage := range rc.stages {
		if _, skip := rc.skip[stage]; skip {
			stages[stage] = map[string]any{"skipped": true}
			continue
		}

		err := r.log(ctx, domain.RunLogInfo, "stage_started:"+stage, map[string]any{"job_id": jobID})
		if err != nil {
			return err
		}

		var result map[string]any
		switch stage {
		case StageUsers:
			result, err = r.ingestUsers(ctx)
		case StageGroups:
			result, err = r.ingestGroups(ctx)
		case StageGroupMemberships:
			if !rc.syncGroupMemberships {
				result = map[string]any{"skipped": true, "reason": "sync_group_memberships_disabled"}
			} else {
				result, err = r.ingestGroupMemberships(ctx)
			}
		case StageSites:
			result, err = r.ingestSites(ctx)
		case StageDrives:
			result, err = r.ingestDrives(ctx)
		case StageDriveItems:
			result, err = r.ingestDriveItems(ctx)
		case StagePermissions:
			if !rc.pullPermissions {
				result = map[string]any{"skipped": true, "reason": "pull_permissions_disabled"}
			} else {
				result, err = r.scanPermissions(ctx)
			}
		default:
			result = map[string]any{"skipped": true, "reason": "unknown_stage"}
		}
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
		stages[stage] = result
		if _, skipped := result["skipped"]; !skipped {
			touched = append(touched, stageTables[stage]...)
		}
	}

	j.enqueueImpacted(ctx, touched)

	err = r.log(ctx, domain.RunLogInfo, "graph_ingest_completed", map[string]any{
		"job_id":     jobID,
		"stages":     stages,
		"started_at": startedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return j.store.WriteAuditEvent(ctx, domain.AuditEvent{
		Actor:      actor,
		Action:     domain.AuditGraphIngestCompleted,
		EntityType: domain.EntityJobRun,
		EntityID:   runID,
		Details:    map[string]any{"job_id": jobID, "stages": stages},
	})
}

// enqueueImpacted queues view refreshes for the touched tables. Failures
// are logged and swallowed: the ingested data is already committed and the
// next completed run queues the same views again.
func (j *Job) enqueueImpacted(ctx context.Context, tables []string) {
	if j.mvs == nil || len(tables) == 0 {
		return
	}
	queued, err := j.mvs.EnqueueImpacted(ctx, tables)
	if err != nil {
		slog.WarnContext(ctx, "Failed to queue materialized view refreshes",
			runtimelog.AttrActor, runtimelog.ActorScheduler,
			"error", err)
		return
	}
	if len(queued) > 0 {
		slog.InfoContext(ctx, "Queued materialized views for refresh",
			runtimelog.AttrActor, runtimelog.ActorScheduler,
			"views", strings.Join(queued, ","))
	}
}

// run carries per-run state shared by the stages.
type run struct {
	job      *Job
	runID    string
	cfg      runConfig
	resolver *Resolver
}

func (r *run) log(ctx context.Context, level, message string, logCtx map[string]any) error {
	return r.job.store.InsertRunLog(ctx, r.runID, level, message, logCtx)
}

// identities loads the principal resolver once per run. Stages after users
// see the freshly upserted rows.
func (r *run) identities(ctx context.Context) (*Resolver, error) {
	if r.resolver != nil {
		return r.resolver, nil
	}
	resolver, err := LoadResolver(ctx, r.job.store)
	if err != nil {
		return nil, err
	}
	r.resolver = resolver
	return resolver, nil
}

// sqlStateOf extracts the SQLSTATE carried by a write error, if any.
func sqlStateOf(err error) string {
	var coded interface{ SQLState() string }
	if errors.As(err, &coded) {
		return coded.SQLState()
	}
	return ""
}

// configInt reads an integer config value, tolerating the float64 form that
// jsonb decoding produces and numeric strings from hand-edited configs.
func configInt(cfg map[string]any, key string, def int) int {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return parsed
		}
	}
	return def
}

func configBool(cfg map[string]any, key string, def bool) bool {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
			return parsed
		}
	}
	return def
}

// configStrings reads a string-list config value in either the typed or the
// jsonb []any form.
func configStrings(cfg map[string]any, key string) []string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}
