package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/infrastructure/graph"
)

const (
	sitesResource        = "sites"
	sitesPartitionGlobal = "global"
)

// ingestSites consumes the tenant-wide sites delta feed, which carries both
// live sites and removal tombstones. When the delta fetch fails upstream
// (an expired token, a tenant that does not expose the feed) the stage
// rolls over to a full list enumeration and starts its counts over; rows
// committed by the delta attempt are simply re-upserted.
func (r *run) ingestSites(ctx context.Context) (map[string]any, error) {
	syncedAt := time.Now().UTC()

	var (
		total           int
		removedSeen     int
		upsertedActive  int
		upsertedRemoved int
		droppedActive   int
		droppedRemoved  int
		activeBatch     []domain.Site
		removedBatch    []domain.SiteTombstone
	)
	mode := "delta"

	flushActive := func() error {
		deduped, dups := dedupeKeepLast(activeBatch, func(s domain.Site) string { return s.ID })
		droppedActive += dups
		if len(deduped) > 0 {
			if err := r.job.store.UpsertSites(ctx, deduped, syncedAt); err != nil {
				return err
			}
			upsertedActive += len(deduped)
		}
		activeBatch = activeBatch[:0]
		return nil
	}
	flushRemoved := func() error {
		deduped, dups := dedupeKeepLast(removedBatch, func(s domain.SiteTombstone) string { return s.ID })
		droppedRemoved += dups
		if len(deduped) > 0 {
			if err := r.job.store.UpsertRemovedSites(ctx, deduped, syncedAt); err != nil {
				return err
			}
			upsertedRemoved += len(deduped)
		}
		removedBatch = removedBatch[:0]
		return nil
	}
	consume := func(raw json.RawMessage) error {
		var v siteView
		if err := json.Unmarshal(raw, &v); err != nil || v.ID == "" {
			return nil
		}
		total++
		if len(v.Removed) > 0 {
			removedSeen++
			removedBatch = append(removedBatch, domain.SiteTombstone{ID: v.ID, Raw: raw})
		} else {
			activeBatch = append(activeBatch, normalizeSite(v, raw))
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
		return nil
	}

	cursor, err := r.job.store.DeltaCursor(ctx, sitesResource, sitesPartitionGlobal)
	if err != nil {
		return nil, err
	}
	next := cursor
	if next == "" {
		next = fmt.Sprintf("/sites/delta?$select=%s&$top=999", siteSelect)
	}

	var newCursor string
	deltaErr := func() error {
		for next != "" {
			page, err := r.job.client.GetPage(ctx, next)
			if err != nil {
				return err
			}
			for _, raw := range page.Value {
				if err := consume(raw); err != nil {
					return err
				}
			}
			next = page.NextLink
			if page.DeltaLink != "" {
				newCursor = page.DeltaLink
			}
		}
		return nil
	}()
	if deltaErr != nil {
		var ge *graph.GraphError
		if !errors.As(deltaErr, &ge) {
			return nil, deltaErr
		}
		mode = "list_fallback"
		err := r.log(ctx, domain.RunLogWarn, "sites_delta_failed_fallback_to_list", map[string]any{
			"status_code": ge.StatusCode,
			"error":       ge.Error(),
		})
		if err != nil {
			return nil, err
		}

		activeBatch = activeBatch[:0]
		removedBatch = removedBatch[:0]
		total, removedSeen = 0, 0
		upsertedActive, upsertedRemoved = 0, 0

		url := fmt.Sprintf("/sites?search=*&$select=%s&$top=999", siteSelect)
		err = r.job.client.Pages(ctx, url, func(raw json.RawMessage) error {
			var v siteView
			if err := json.Unmarshal(raw, &v); err != nil || v.ID == "" {
				return nil
			}
			total++
			activeBatch = append(activeBatch, normalizeSite(v, raw))
			if len(activeBatch) >= r.cfg.flushEvery {
				return flushActive()
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if len(activeBatch) > 0 {
		if err := flushActive(); err != nil {
			return nil, err
		}
	}
	if len(removedBatch) > 0 {
		if err := flushRemoved(); err != nil {
			return nil, err
		}
	}

	if mode == "delta" && newCursor != "" {
		if err := r.job.store.SaveDeltaCursor(ctx, sitesResource, sitesPartitionGlobal, newCursor); err != nil {
			return nil, err
		}
	}

	err = r.log(ctx, domain.RunLogInfo, "sites_ingested", map[string]any{
		"mode":                       mode,
		"synced_at":                  syncedAt.Format(time.RFC3339Nano),
		"total_seen":                 total,
		"removed_seen":               removedSeen,
		"upserted_active":            upsertedActive,
		"upserted_removed":           upsertedRemoved,
		"dropped_active_duplicates":  droppedActive,
		"dropped_removed_duplicates": droppedRemoved,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"mode":                       mode,
		"total_seen":                 total,
		"removed_seen":               removedSeen,
		"upserted_active":            upsertedActive,
		"upserted_removed":           upsertedRemoved,
		"dropped_active_duplicates":  droppedActive,
		"dropped_removed_duplicates": droppedRemoved,
	}, nil
}
