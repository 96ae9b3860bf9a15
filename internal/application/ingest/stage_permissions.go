package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
)

// maxErrorLen caps the error text stored on a drive item row.
const maxErrorLen = 500

// permissionFetch is the outcome of fetching one item's permission pages.
type permissionFetch struct {
	pages []json.RawMessage
	err   error
}

// scanPermissions sweeps file items whose permissions are stale, fetching
// their permission sets concurrently and replacing the stored rows batch by
// batch. Every selected item gets its scan marker stamped, success or not,
// so the scan always moves forward.
func (r *run) scanPermissions(ctx context.Context) (map[string]any, error) {
	staleHours := r.cfg.permissionsStaleAfterHours
	cutoff := time.Now().UTC().Add(-time.Duration(staleHours) * time.Hour)
	syncedAt := time.Now().UTC()

	resolver, err := r.identities(ctx)
	if err != nil {
		return nil, err
	}

	var (
		batches                 int
		itemsProcessed          int
		itemsOK                 int
		itemsErr                int
		droppedPermissions      int
		droppedGrants           int
		dbRetryAttempts         int
		dbRetryExhaustedBatches int
	)

	for {
		refs, err := r.job.store.StalePermissionItems(ctx, cutoff, r.cfg.permissionsBatchSize)
		if err != nil {
			return nil, err
		}
		if len(refs) == 0 {
			break
		}
		batches++
		itemsProcessed += len(refs)

		results := r.fetchPermissionBatch(ctx, refs)

		var (
			okRefs    []ItemRef
			failures  []PermissionFailure
			permRows  []domain.DriveItemPermission
			grantRows []domain.PermissionGrant
			samples   []map[string]any
		)
		for i, ref := range refs {
			res := results[i]
			if res.err != nil {
				msg := res.err.Error()
				if msg == "" {
					msg = "permissions_fetch_failed"
				}
				failure := PermissionFailure{
					DriveID: ref.DriveID,
					ItemID:  ref.ItemID,
					Error:   truncateError(msg, maxErrorLen),
				}
				failures = append(failures, failure)
				if len(samples) < 5 {
					samples = append(samples, map[string]any{
						"drive_id": failure.DriveID,
						"item_id":  failure.ItemID,
						"error":    failure.Error,
					})
				}
				continue
			}
			okRefs = append(okRefs, ref)
			for _, raw := range res.pages {
				var v permissionView
				if err := json.Unmarshal(raw, &v); err != nil || v.ID == "" {
					continue
				}
				permRows = append(permRows, permissionFromView(ref.DriveID, ref.ItemID, v, raw))
				grantRows = append(grantRows, extractGrants(ref.DriveID, ref.ItemID, v, resolver)...)
			}
		}

		dedupedPerms, permDups := dedupeKeepLast(permRows, func(p domain.DriveItemPermission) [3]string {
			return [3]string{p.DriveID, p.ItemID, p.PermissionID}
		})
		droppedPermissions += permDups
		dedupedGrants, grantDups := dedupeKeepLast(grantRows, func(g domain.PermissionGrant) [5]string {
			return [5]string{g.DriveID, g.ItemID, g.PermissionID, g.PrincipalType, g.PrincipalID}
		})
		droppedGrants += grantDups

		attempts, err := r.job.store.WithRetry(ctx, "permissions_batch", func(ctx context.Context) error {
			return r.job.store.Atomic(ctx, func(repo Repository) error {
				if len(okRefs) > 0 {
					if err := repo.DeleteItemPermissionGrants(ctx, okRefs); err != nil {
						return err
					}
					if err := repo.DeleteItemPermissions(ctx, okRefs); err != nil {
						return err
					}
					if len(dedupedPerms) > 0 {
						if err := repo.InsertItemPermissions(ctx, dedupedPerms, syncedAt); err != nil {
							return err
						}
					}
					if len(dedupedGrants) > 0 {
						if err := repo.InsertPermissionGrants(ctx, dedupedGrants, syncedAt); err != nil {
							return err
						}
					}
					if err := repo.MarkItemPermissionsSynced(ctx, okRefs, syncedAt); err != nil {
						return err
					}
				}
				if len(failures) > 0 {
					return repo.MarkItemPermissionsFailed(ctx, failures, syncedAt)
				}
				return nil
			})
		})
		dbRetryAttempts += attempts - 1
		if err != nil {
			if !errors.Is(err, domain.ErrWriteRetryExhausted) {
				return nil, err
			}
			// The batch transaction kept colliding. Mark the whole batch
			// failed so the scan does not reselect it forever; the next
			// sweep past the stale window gets another go.
			dbRetryExhaustedBatches++
			marker := "db_write_retry_exhausted:" + sqlStateOf(err)
			marks := append([]PermissionFailure{}, failures...)
			for _, ref := range okRefs {
				marks = append(marks, PermissionFailure{DriveID: ref.DriveID, ItemID: ref.ItemID, Error: marker})
			}
			markAttempts, markErr := r.job.store.WithRetry(ctx, "permissions_batch_mark_failed", func(ctx context.Context) error {
				return r.job.store.MarkItemPermissionsFailed(ctx, marks, syncedAt)
			})
			dbRetryAttempts += markAttempts - 1
			if markErr != nil {
				return nil, markErr
			}
			itemsErr += len(refs)

			sample := make([]map[string]any, 0, 5)
			for _, m := range marks {
				if len(sample) == 5 {
					break
				}
				sample = append(sample, map[string]any{
					"drive_id": m.DriveID,
					"item_id":  m.ItemID,
					"error":    m.Error,
				})
			}
			err = r.log(ctx, domain.RunLogWarn, "permissions_batch_errors", map[string]any{
				"batch":  batches,
				"errors": len(refs),
				"sample": sample,
			})
			if err != nil {
				return nil, err
			}
			continue
		}

		itemsOK += len(okRefs)
		itemsErr += len(failures)
		if len(failures) > 0 {
			err = r.log(ctx, domain.RunLogWarn, "permissions_batch_errors", map[string]any{
				"batch":  batches,
				"errors": len(failures),
				"sample": samples,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	err = r.log(ctx, domain.RunLogInfo, "permissions_scan_completed", map[string]any{
		"synced_at":                     syncedAt.Format(time.RFC3339Nano),
		"cutoff":                        cutoff.Format(time.RFC3339Nano),
		"batches":                       batches,
		"items_processed":               itemsProcessed,
		"items_ok":                      itemsOK,
		"items_err":                     itemsErr,
		"dropped_permission_duplicates": droppedPermissions,
		"dropped_grant_duplicates":      droppedGrants,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"batches":                       batches,
		"items_processed":               itemsProcessed,
		"items_ok":                      itemsOK,
		"items_err":                     itemsErr,
		"stale_after_hours":             staleHours,
		"dropped_permission_duplicates": droppedPermissions,
		"dropped_grant_duplicates":      droppedGrants,
		"db_retry_attempts":             dbRetryAttempts,
		"db_retry_exhausted_batches":    dbRetryExhaustedBatches,
	}, nil
}

// fetchPermissionBatch pulls the permission pages of each item, bounded by
// the configured concurrency. Fetch outcomes land at the item's own index;
// a failed item never fails the batch.
func (r *run) fetchPermissionBatch(ctx context.Context, refs []ItemRef) []permissionFetch {
	results := make([]permissionFetch, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.maxConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			url := fmt.Sprintf("/drives/%s/items/%s/permissions?$select=%s&$top=200",
				ref.DriveID, ref.ItemID, permissionSelect)
			var pages []json.RawMessage
			err := r.job.client.Pages(gctx, url, func(raw json.RawMessage) error {
				pages = append(pages, raw)
				return nil
			})
			if err != nil {
				results[i] = permissionFetch{err: err}
				return nil
			}
			results[i] = permissionFetch{pages: pages}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
