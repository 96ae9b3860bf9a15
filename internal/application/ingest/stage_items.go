package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/infrastructure/graph"
)

const driveItemsResource = "drive_items"

type itemCounters struct {
	drivesProcessed    int
	drivesSkippedError int
	drivesDeltaResets  int
	itemsSeen          int
	itemsRemoved       int
	upsertedActive     int
	upsertedRemoved    int
	droppedActive      int
	droppedRemoved     int
}

// ingestDriveItems walks the delta feed of every active drive. Each drive
// keeps its own cursor; an expired cursor (410) is reset once and the walk
// restarts from scratch. A drive that keeps failing, upstream or on the
// removal cascade, is skipped without committing its cursor so the next
// run replays the window.
func (r *run) ingestDriveItems(ctx context.Context) (map[string]any, error) {
	syncedAt := time.Now().UTC()

	resolver, err := r.identities(ctx)
	if err != nil {
		return nil, err
	}

	var c itemCounters
	driveIDs, err := r.job.store.ListActiveDriveIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, driveID := range driveIDs {
		c.drivesProcessed++
		if err := r.syncDriveItems(ctx, driveID, syncedAt, resolver, &c); err != nil {
			return nil, err
		}
	}

	err = r.log(ctx, domain.RunLogInfo, "drive_items_ingested", map[string]any{
		"synced_at":                  syncedAt.Format(time.RFC3339Nano),
		"drives_processed":           c.drivesProcessed,
		"drives_skipped_error":       c.drivesSkippedError,
		"drives_delta_resets":        c.drivesDeltaResets,
		"items_seen":                 c.itemsSeen,
		"items_removed_seen":         c.itemsRemoved,
		"upserted_active":            c.upsertedActive,
		"upserted_removed":           c.upsertedRemoved,
		"dropped_active_duplicates":  c.droppedActive,
		"dropped_removed_duplicates": c.droppedRemoved,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"drives_processed":           c.drivesProcessed,
		"drives_skipped_error":       c.drivesSkippedError,
		"drives_delta_resets":        c.drivesDeltaResets,
		"items_seen":                 c.itemsSeen,
		"items_removed_seen":         c.itemsRemoved,
		"upserted_active":            c.upsertedActive,
		"upserted_removed":           c.upsertedRemoved,
		"dropped_active_duplicates":  c.droppedActive,
		"dropped_removed_duplicates": c.droppedRemoved,
	}, nil
}

func (r *run) syncDriveItems(ctx context.Context, driveID string, syncedAt time.Time, resolver *Resolver, c *itemCounters) error {
	baseURL := fmt.Sprintf("/drives/%s/root/delta?$top=%d&$select=%s", driveID, r.cfg.pageSize, itemSelect)
	cursor, err := r.job.store.DeltaCursor(ctx, driveItemsResource, driveID)
	if err != nil {
		return err
	}
	next := cursor
	if next == "" {
		next = baseURL
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := r.walkDriveDelta(ctx, driveID, next, syncedAt, resolver, c)
		if err == nil {
			return nil
		}

		var ge *graph.GraphError
		if errors.As(err, &ge) {
			if ge.StatusCode == http.StatusGone && attempt == 0 && cursor != "" {
				c.drivesDeltaResets++
				err := r.log(ctx, domain.RunLogWarn, "drive_items_delta_expired_reset", map[string]any{
					"drive_id":    driveID,
					"status_code": ge.StatusCode,
					"error":       ge.Error(),
				})
				if err != nil {
					return err
				}
				if err := r.job.store.DeleteDeltaCursor(ctx, driveItemsResource, driveID); err != nil {
					return err
				}
				cursor = ""
				next = baseURL
				continue
			}
			c.drivesSkippedError++
			return r.log(ctx, domain.RunLogWarn, "drive_items_skipped", map[string]any{
				"drive_id":    driveID,
				"status_code": ge.StatusCode,
				"error":       ge.Error(),
			})
		}
		if errors.Is(err, domain.ErrWriteRetryExhausted) {
			c.drivesSkippedError++
			return r.log(ctx, domain.RunLogWarn, "drive_items_skipped", map[string]any{
				"drive_id": driveID,
				"error":    "db_write_retry_exhausted:" + sqlStateOf(err),
			})
		}
		return err
	}
	return nil
}

// walkDriveDelta consumes one drive's delta pages and commits the cursor
// only after every batch landed. Removal tombstones and their permission
// rows go in one retried transaction so a removed item can never keep
// orphaned grants.
func (r *run) walkDriveDelta(ctx context.Context, driveID, startURL string, syncedAt time.Time, resolver *Resolver, c *itemCounters) error {
	var (
		activeBatch  []domain.DriveItem
		removedBatch []domain.DriveItemTombstone
	)
	flushActive := func() error {
		deduped, dups := dedupeKeepLast(activeBatch, func(i domain.DriveItem) [2]string {
			return [2]string{i.DriveID, i.ID}
		})
		c.droppedActive += dups
		if len(deduped) > 0 {
			if err := r.job.store.UpsertDriveItems(ctx, deduped, syncedAt); err != nil {
				return err
			}
			c.upsertedActive += len(deduped)
		}
		activeBatch = activeBatch[:0]
		return nil
	}
	flushRemoved := func() error {
		deduped, dups := dedupeKeepLast(removedBatch, func(t domain.DriveItemTombstone) [2]string {
			return [2]string{t.DriveID, t.ID}
		})
		c.droppedRemoved += dups
		if len(deduped) == 0 {
			removedBatch = removedBatch[:0]
			return nil
		}
		refs := make([]ItemRef, len(deduped))
		for i, t := range deduped {
			refs[i] = ItemRef{DriveID: t.DriveID, ItemID: t.ID}
		}
		_, err := r.job.store.WithRetry(ctx, "drive_items_removed_cascade", func(ctx context.Context) error {
			return r.job.store.Atomic(ctx, func(repo Repository) error {
				if err := repo.UpsertRemovedDriveItems(ctx, deduped, syncedAt); err != nil {
					return err
				}
				if err := repo.DeleteItemPermissionGrants(ctx, refs); err != nil {
					return err
				}
				return repo.DeleteItemPermissions(ctx, refs)
			})
		})
		if err != nil {
			return err
		}
		c.upsertedRemoved += len(deduped)
		removedBatch = removedBatch[:0]
		return nil
	}

	next := startURL
	var newCursor string
	for next != "" {
		page, err := r.job.client.GetPage(ctx, next)
		if err != nil {
			return err
		}
		for _, raw := range page.Value {
			var v itemView
			if err := json.Unmarshal(raw, &v); err != nil || v.ID == "" {
				continue
			}
			c.itemsSeen++
			if v.removed() {
				c.itemsRemoved++
				removedBatch = append(removedBatch, domain.DriveItemTombstone{DriveID: driveID, ID: v.ID, Raw: raw})
			} else {
				activeBatch = append(activeBatch, itemFromView(driveID, v, raw, resolver))
			}
			if len(activeBatch) >= r.cfg.flushEvery {
				if err := flushActive(); err != nil {
					return err
				}
			}
			if len(removedBatch) >= r.cfg.flushEvery {
				if err := flushRemoved(); err != nil {
					return err
				}
			}
		}
		next = page.NextLink
		if page.DeltaLink != "" {
			newCursor = page.DeltaLink
		}
	}

	if len(activeBatch) > 0 {
		if err := flushActive(); err != nil {
			return err
		}
	}
	if len(removedBatch) > 0 {
		if err := flushRemoved(); err != nil {
			return err
		}
	}
	if newCursor != "" {
		return r.job.store.SaveDeltaCursor(ctx, driveItemsResource, driveID, newCursor)
	}
	return nil
}
