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

// ingestGroupMemberships walks the member list of every active group. A
// group whose member fetch fails upstream is skipped and the stage moves
// on; edges flushed before the failure stay counted because they are
// already committed.
func (r *run) ingestGroupMemberships(ctx context.Context) (map[string]any, error) {
	syncedAt := time.Now().UTC()

	var (
		groupsProcessed int
		edgesUpserted   int
		dropped         int
		skippedGroups   int
	)

	groupIDs, err := r.job.store.ListActiveGroupIDs(ctx)
	if err != nil {
		return nil, err
	}

	for _, groupID := range groupIDs {
		groupsProcessed++
		upserts, dups, err := r.syncGroupEdges(ctx, groupID, syncedAt)
		edgesUpserted += upserts
		dropped += dups
		if err != nil {
			var ge *graph.GraphError
			if errors.As(err, &ge) {
				skippedGroups++
				err = r.log(ctx, domain.RunLogWarn, "group_memberships_skipped", map[string]any{
					"group_id":    groupID,
					"status_code": ge.StatusCode,
					"error":       ge.Error(),
				})
				if err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
	}

	err = r.log(ctx, domain.RunLogInfo, "group_memberships_ingested", map[string]any{
		"synced_at":          syncedAt.Format(time.RFC3339Nano),
		"groups_processed":   groupsProcessed,
		"edges_upserted":     edgesUpserted,
		"dropped_duplicates": dropped,
		"skipped_groups":     skippedGroups,
		"users_only":         r.cfg.membershipsUsersOnly,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"groups_processed":   groupsProcessed,
		"edges_upserted":     edgesUpserted,
		"dropped_duplicates": dropped,
		"skipped_groups":     skippedGroups,
		"users_only":         r.cfg.membershipsUsersOnly,
	}, nil
}

// syncGroupEdges ingests one group's member edges and sweeps the stale
// ones. Returns the counts committed so far even when the walk fails
// partway.
func (r *run) syncGroupEdges(ctx context.Context, groupID string, syncedAt time.Time) (int, int, error) {
	var (
		upserted int
		dropped  int
		batch    []domain.GroupMembership
	)
	flush := func() error {
		deduped, dups := dedupeKeepLast(batch, func(e domain.GroupMembership) [3]string {
			return [3]string{e.GroupID, e.MemberID, e.MemberType}
		})
		dropped += dups
		if len(deduped) > 0 {
			if err := r.job.store.UpsertGroupMemberships(ctx, deduped, syncedAt); err != nil {
				return err
			}
			upserted += len(deduped)
		}
		batch = batch[:0]
		return nil
	}

	url := fmt.Sprintf("/groups/%s/members?$select=%s&$top=999", groupID, memberSelect)
	err := r.job.client.Pages(ctx, url, func(raw json.RawMessage) error {
		var v memberView
		if err := json.Unmarshal(raw, &v); err != nil || v.ID == "" {
			return nil
		}
		mtype := memberType(v.ODataType)
		if r.cfg.membershipsUsersOnly && mtype != "user" {
			return nil
		}
		batch = append(batch, domain.GroupMembership{
			GroupID:    groupID,
			MemberID:   v.ID,
			MemberType: mtype,
			Raw:        raw,
		})
		if len(batch) >= r.cfg.flushEvery {
			return flush()
		}
		return nil
	})
	if err != nil {
		return upserted, dropped, err
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return upserted, dropped, err
		}
	}

	if _, err := r.job.store.SweepGroupMemberships(ctx, groupID, syncedAt); err != nil {
		return upserted, dropped, err
	}
	return upserted, dropped, nil
}
