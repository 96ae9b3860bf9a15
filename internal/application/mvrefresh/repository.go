package mvrefresh

import (
	"context"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
)

// QueuedView is one materialized view waiting for a refresh.
type QueuedView struct {
	Name       string
	DirtySince time.Time
	Attempts   int
}

// Repository defines the storage operations of the refresh coordinator.
// Refreshes run outside transactions because REFRESH MATERIALIZED VIEW
// CONCURRENTLY cannot execute inside one.
type Repository interface {
	// EnqueueImpacted queues every view registered as depending on one of
	// the given tables. Already-queued views are left untouched. Returns
	// the names newly queued, sorted.
	EnqueueImpacted(ctx context.Context, tables []string) ([]string, error)

	// PendingViews returns queued views known to the dependency registry,
	// dirtiest first, capped at limit.
	PendingViews(ctx context.Context, limit int) ([]QueuedView, error)

	// MarkRefreshAttempt bumps the attempt counter before a refresh is
	// tried, so repeated failures stay visible in the queue.
	MarkRefreshAttempt(ctx context.Context, name string) error

	// RefreshMaterializedView runs REFRESH MATERIALIZED VIEW CONCURRENTLY
	// on an autocommit connection. The caller must validate the name.
	RefreshMaterializedView(ctx context.Context, name string) error

	// RecordRefreshed upserts the refresh log row for a view.
	RecordRefreshed(ctx context.Context, name string) error

	// RemoveFromQueue deletes a view's queue row after a successful refresh.
	RemoveFromQueue(ctx context.Context, name string) error

	// === Run Bookkeeping ===

	InsertRunLog(ctx context.Context, runID string, level string, message string, logCtx map[string]any) error
	WriteAuditEvent(ctx context.Context, event domain.AuditEvent) error
}
