package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
)

// ingestUsers lists every user in the tenant, upserts them in batches, then
// soft-deletes the rows the pass did not touch.
func (r *run) ingestUsers(ctx context.Context) (map[string]any, error) {
	syncedAt := time.Now().UTC()

	var (
		total    int
		upserted int
		dropped  int
		batch    []domain.User
	)
	flush := func() error {
		deduped, dups := dedupeKeepLast(batch, func(u domain.User) string { return u.ID })
		dropped += dups
		if len(deduped) > 0 {
			if err := r.job.store.UpsertUsers(ctx, deduped, syncedAt); err != nil {
				return err
			}
			upserted += len(deduped)
		}
		batch = batch[:0]
		return nil
	}

	url := fmt.Sprintf("/users?$select=%s&$top=999", userSelect)
	err := r.job.client.Pages(ctx, url, func(raw json.RawMessage) error {
		var v userView
		if err := json.Unmarshal(raw, &v); err != nil || v.ID == "" {
			return nil
		}
		batch = append(batch, v.toDomain(raw))
		total++
		if len(batch) >= r.cfg.flushEvery {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}

	markedDeleted, err := r.job.store.SweepUsers(ctx, syncedAt)
	if err != nil {
		return nil, err
	}

	err = r.log(ctx, domain.RunLogInfo, "users_ingested", map[string]any{
		"synced_at":          syncedAt.Format(time.RFC3339Nano),
		"total_seen":         total,
		"upserted":           upserted,
		"dropped_duplicates": dropped,
		"marked_deleted":     markedDeleted,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"total_seen":         total,
		"upserted":           upserted,
		"dropped_duplicates": dropped,
		"marked_deleted":     markedDeleted,
	}, nil
}

// ingestGroups mirrors ingestUsers for groups.
func (r *run) ingestGroups(ctx context.Context) (map[string]any, error) {
	syncedAt := time.Now().UTC()

	var (
		total    int
		upserted int
		dropped  int
		batch    []domain.Group
	)
	flush := func() error {
		deduped, dups := dedupeKeepLast(batch, func(g domain.Group) string { return g.ID })
		dropped += dups
		if len(deduped) > 0 {
			if err := r.job.store.UpsertGroups(ctx, deduped, syncedAt); err != nil {
				return err
			}
			upserted += len(deduped)
		}
		batch = batch[:0]
		return nil
	}

	url := fmt.Sprintf("/groups?$select=%s&$top=999", groupSelect)
	err := r.job.client.Pages(ctx, url, func(raw json.RawMessage) error {
		var v groupView
		if err := json.Unmarshal(raw, &v); err != nil || v.ID == "" {
			return nil
		}
		batch = append(batch, v.toDomain(raw))
		total++
		if len(batch) >= r.cfg.flushEvery {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}

	markedDeleted, err := r.job.store.SweepGroups(ctx, syncedAt)
	if err != nil {
		return nil, err
	}

	err = r.log(ctx, domain.RunLogInfo, "groups_ingested", map[string]any{
		"synced_at":          syncedAt.Format(time.RFC3339Nano),
		"total_seen":         total,
		"upserted":           upserted,
		"dropped_duplicates": dropped,
		"marked_deleted":     markedDeleted,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"total_seen":         total,
		"upserted":           upserted,
		"dropped_duplicates": dropped,
		"marked_deleted":     markedDeleted,
	}, nil
}
