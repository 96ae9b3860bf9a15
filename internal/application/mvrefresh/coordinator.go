// Package mvrefresh keeps materialized views fresh. Ingest stages enqueue
// views whose base tables changed; the scheduler drains the queue in bounded
// runs, refreshing each view concurrently so readers are never blocked.
package mvrefresh

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/runtimelog"
)

// DefaultMaxViewsPerRun bounds one drain pass when the job config does not
// set max_views_per_run.
const DefaultMaxViewsPerRun = 20

// maxViewsCeiling caps max_views_per_run regardless of configuration.
const maxViewsCeiling = 200

// mvNamePattern restricts refreshable names to plain identifiers. The name
// is embedded into the REFRESH statement and cannot be parameterized.
var mvNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Coordinator queues dirty materialized views and refreshes them in bounded
// batches.
type Coordinator struct {
	repo Repository
}

// NewCoordinator creates a Coordinator backed by the given repository.
func NewCoordinator(repo Repository) *Coordinator {
	return &Coordinator{repo: repo}
}

// FailedView records one view whose refresh failed during a run.
type FailedView struct {
	Name  string `json:"mv_name"`
	Error string `json:"error"`
}

// Summary aggregates the outcome of one refresh run.
type Summary struct {
	MaxViewsPerRun int
	PendingSeen    int
	Attempted      int
	Refreshed      int
	Failed         int
	RefreshedMVs   []string
	FailedMVs      []FailedView
	FinishedAt     time.Time
}

// logContext renders the summary for run logs and audit details.
func (s *Summary) logContext() map[string]any {
	return map[string]any{
		"max_views_per_run": s.MaxViewsPerRun,
		"pending_seen":      s.PendingSeen,
		"attempted":         s.Attempted,
		"refreshed":         s.Refreshed,
		"failed":            s.Failed,
		"refreshed_mvs":     s.RefreshedMVs,
		"failed_mvs":        s.FailedMVs,
		"finished_at":       s.FinishedAt.Format(time.RFC3339Nano),
	}
}

// EnqueueImpacted marks every view that depends on one of the given tables
// as dirty. Already-queued views stay untouched, so repeat calls with the
// same tables are idempotent. Returns the names actually queued.
func (c *Coordinator) EnqueueImpacted(ctx context.Context, tables []string) ([]string, error) {
	normalized := normalizeTableNames(tables)
	if len(normalized) == 0 {
		return nil, nil
	}
	queued, err := c.repo.EnqueueImpacted(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue impacted views: %w", err)
	}
	return queued, nil
}

// Run drains up to max_views_per_run queued views. A failure to refresh one
// view is recorded in the summary and the run moves on; failures of the run's
// own bookkeeping (queue reads, attempt counting, run logs) abort it.
func (c *Coordinator) Run(ctx context.Context, runID, jobID string, cfg map[string]any, actor *domain.Actor) (*Summary, error) {
	maxViews := clampMaxViews(configInt(cfg, "max_views_per_run", DefaultMaxViewsPerRun))

	pending, err := c.repo.PendingViews(ctx, maxViews)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh queue: %w", err)
	}

	summary := &Summary{
		MaxViewsPerRun: maxViews,
		PendingSeen:    len(pending),
		RefreshedMVs:   []string{},
		FailedMVs:      []FailedView{},
		FinishedAt:     time.Now().UTC(),
	}

	slog.InfoContext(ctx, "MV refresh run started",
		runtimelog.AttrActor, runtimelog.ActorScheduler,
		"run_id", runID,
		"job_id", jobID,
		"pending", summary.PendingSeen,
		"limit", maxViews)
	err = c.repo.InsertRunLog(ctx, runID, domain.RunLogInfo, "mv_refresh_started", map[string]any{
		"job_id":            jobID,
		"pending":           summary.PendingSeen,
		"max_views_per_run": maxViews,
	})
	if err != nil {
		return nil, err
	}

	for _, view := range pending {
		summary.Attempted++
		if err := c.repo.MarkRefreshAttempt(ctx, view.Name); err != nil {
			return nil, err
		}
		if err := c.refreshOne(ctx, view.Name); err != nil {
			summary.Failed++
			summary.FailedMVs = append(summary.FailedMVs, FailedView{Name: view.Name, Error: err.Error()})
			slog.WarnContext(ctx, "MV refresh failed",
				runtimelog.AttrActor, runtimelog.ActorScheduler,
				"mv_name", view.Name,
				"error", err)
			continue
		}
		summary.Refreshed++
		summary.RefreshedMVs = append(summary.RefreshedMVs, view.Name)
		slog.InfoContext(ctx, "MV refreshed",
			runtimelog.AttrActor, runtimelog.ActorScheduler,
			"mv_name", view.Name)
	}

	level := domain.RunLogInfo
	if summary.Failed > 0 {
		level = domain.RunLogWarn
	}
	err = c.repo.InsertRunLog(ctx, runID, level, "mv_refresh_completed", map[string]any{
		"job_id":  jobID,
		"summary": summary.logContext(),
	})
	if err != nil {
		return nil, err
	}
	err = c.repo.WriteAuditEvent(ctx, domain.AuditEvent{
		Actor:      actor,
		Action:     domain.AuditMVRefreshCompleted,
		EntityType: domain.EntityJobRun,
		EntityID:   runID,
		Details:    map[string]any{"job_id": jobID, "summary": summary.logContext()},
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "MV refresh run finished",
		runtimelog.AttrActor, runtimelog.ActorScheduler,
		"run_id", runID,
		"job_id", jobID,
		"refreshed", summary.Refreshed,
		"failed", summary.Failed)
	return summary, nil
}

// refreshOne validates and refreshes a single view, then records the refresh
// and clears its queue row. Any step failing fails the view as a unit.
func (c *Coordinator) refreshOne(ctx context.Context, name string) error {
	if !mvNamePattern.MatchString(name) {
		return fmt.Errorf("invalid_mv_name:%s", name)
	}
	if err := c.repo.RefreshMaterializedView(ctx, name); err != nil {
		return err
	}
	if err := c.repo.RecordRefreshed(ctx, name); err != nil {
		return err
	}
	return c.repo.RemoveFromQueue(ctx, name)
}

// normalizeTableNames trims, drops empties, dedupes, and sorts.
func normalizeTableNames(tables []string) []string {
	seen := make(map[string]struct{}, len(tables))
	out := make([]string, 0, len(tables))
	for _, name := range tables {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func clampMaxViews(n int) int {
	return max(1, min(n, maxViewsCeiling))
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
