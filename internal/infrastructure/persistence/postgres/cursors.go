package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DeltaCursor returns the stored cursor token for a resource partition, or
// the empty string when no cursor has been saved yet.
func (s *Store) DeltaCursor(ctx context.Context, resourceType, partitionKey string) (string, error) {
	var token string
	err := s.db.QueryRow(ctx, `
		SELECT cursor_token FROM delta_state
		WHERE resource_type = $1 AND partition_key = $2`,
		resourceType, partitionKey).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read delta cursor: %w", err)
	}
	return token, nil
}

// SaveDeltaCursor stores the cursor token for a resource partition,
// replacing any previous one.
func (s *Store) SaveDeltaCursor(ctx context.Context, resourceType, partitionKey, token string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO delta_state (resource_type, partition_key, cursor_token, last_synced_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (resource_type, partition_key)
		DO UPDATE SET cursor_token = EXCLUDED.cursor_token, last_synced_at = now()`,
		resourceType, partitionKey, token)
	if err != nil {
		return fmt.Errorf("failed to save delta cursor: %w", err)
	}
	return nil
}

// DeleteDeltaCursor drops the stored cursor so the next pass starts from a
// full enumeration. Deleting a cursor that does not exist is not an error.
func (s *Store) DeleteDeltaCursor(ctx context.Context, resourceType, partitionKey string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM delta_state
		WHERE resource_type = $1 AND partition_key = $2`,
		resourceType, partitionKey)
	if err != nil {
		return fmt.Errorf("failed to delete delta cursor: %w", err)
	}
	return nil
}
