package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
	"github.com/google/uuid"
)

// WriteAuditEvent appends one row to the audit trail. A nil event.Actor
// records a system-initiated action.
func (s *Store) WriteAuditEvent(ctx context.Context, event domain.AuditEvent) error {
	eventID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate event ID: %w", err)
	}

	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	var actorOID, actorUPN, actorName *string
	if event.Actor != nil {
		actorOID = nullIfEmpty(event.Actor.OID)
		actorUPN = nullIfEmpty(event.Actor.UPN)
		actorName = nullIfEmpty(event.Actor.Name)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO audit_events (event_id, occurred_at, actor_oid, actor_upn, actor_name, action, entity_type, entity_id, details)
		VALUES ($1, now(), $2, $3, $4, $5, $6, $7, $8)`,
		eventID.String(), actorOID, actorUPN, actorName,
		event.Action, event.EntityType, event.EntityID, json.RawMessage(payload))
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// InsertRunLog appends one structured log row for a job run.
func (s *Store) InsertRunLog(ctx context.Context, runID, level, message string, logCtx map[string]any) error {
	if logCtx == nil {
		logCtx = map[string]any{}
	}
	payload, err := json.Marshal(logCtx)
	if err != nil {
		return fmt.Errorf("failed to encode run log context: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO job_run_logs (run_id, level, message, context)
		VALUES ($1, $2, $3, $4)`,
		runID, level, message, json.RawMessage(payload))
	if err != nil {
		return fmt.Errorf("failed to insert run log: %w", err)
	}
	return nil
}

// nullIfEmpty maps the empty string to SQL NULL.
func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
