package postgres

import (
	"context"
	"fmt"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/application/mvrefresh"
	"github.com/jackc/pgx/v5"
)

// === Refresh Queue ===

// EnqueueImpacted queues every materialized view depending on one of the
// given tables, skipping views already queued. Returns the names actually
// queued this call.
func (s *Store) EnqueueImpacted(ctx context.Context, tables []string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		WITH impacted AS (
		  SELECT DISTINCT mv_name
		  FROM mv_dependencies
		  WHERE table_name = ANY($1::text[])
		),
		queued AS (
		  INSERT INTO mv_refresh_queue (mv_name, dirty_since)
		  SELECT mv_name, now()
		  FROM impacted
		  ON CONFLICT (mv_name) DO NOTHING
		  RETURNING mv_name
		)
		SELECT mv_name
		FROM queued
		ORDER BY mv_name`,
		tables)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue impacted views: %w", err)
	}
	defer rows.Close()

	var queued []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan queued view: %w", err)
		}
		queued = append(queued, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queued views: %w", err)
	}
	return queued, nil
}

// PendingViews returns up to limit queued views that still have a
// dependency mapping, dirtiest first. Queue rows without a mapping are
// ignored rather than refreshed blind.
func (s *Store) PendingViews(ctx context.Context, limit int) ([]mvrefresh.QueuedView, error) {
	rows, err := s.db.Query(ctx, `
		SELECT q.mv_name, q.dirty_since, q.attempts
		FROM mv_refresh_queue q
		JOIN (SELECT DISTINCT mv_name FROM mv_dependencies) d ON d.mv_name = q.mv_name
		ORDER BY q.dirty_since ASC, q.mv_name ASC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending views: %w", err)
	}
	defer rows.Close()

	var pending []mvrefresh.QueuedView
	for rows.Next() {
		var v mvrefresh.QueuedView
		if err := rows.Scan(&v.Name, &v.DirtySince, &v.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan pending view: %w", err)
		}
		pending = append(pending, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending views: %w", err)
	}
	return pending, nil
}

// MarkRefreshAttempt bumps the attempt counter before the refresh so a
// crash mid-refresh still leaves a trace.
func (s *Store) MarkRefreshAttempt(ctx context.Context, name string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE mv_refresh_queue SET last_attempt_at = now(), attempts = attempts + 1 WHERE mv_name = $1`,
		name)
	if err != nil {
		return fmt.Errorf("failed to mark refresh attempt: %w", err)
	}
	return nil
}

// RefreshMaterializedView runs a concurrent refresh of the named view. The
// statement cannot run inside a transaction; the caller validates the name
// and this quotes it into the DDL.
func (s *Store) RefreshMaterializedView(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("REFRESH MATERIALIZED VIEW CONCURRENTLY %s", pgx.Identifier{name}.Sanitize())
	if _, err := s.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to refresh materialized view %s: %w", name, err)
	}
	return nil
}

// RecordRefreshed stamps the refresh registry for a view.
func (s *Store) RecordRefreshed(ctx context.Context, name string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mv_refresh_log (mv_name, last_refreshed_at)
		VALUES ($1, now())
		ON CONFLICT (mv_name)
		DO UPDATE SET last_refreshed_at = EXCLUDED.last_refreshed_at`,
		name)
	if err != nil {
		return fmt.Errorf("failed to record refreshed view: %w", err)
	}
	return nil
}

// RemoveFromQueue drops a view from the refresh queue after a successful
// refresh.
func (s *Store) RemoveFromQueue(ctx context.Context, name string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM mv_refresh_queue WHERE mv_name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to remove view from queue: %w", err)
	}
	return nil
}
