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

// noDriveStatuses are the responses meaning a principal has no drive
// provisioned: forbidden, not found, or gone.
var noDriveStatuses = []int{403, 404, 410}

// ingestDrives enumerates document libraries from three angles: the drives
// of every non-personal site, then the default drive of every group and
// every user. The same drive often shows up in more than one pass, so
// flushes merge duplicate rows field-wise instead of letting the last,
// possibly sparser, row win.
func (r *run) ingestDrives(ctx context.Context) (map[string]any, error) {
	syncedAt := time.Now().UTC()

	resolver, err := r.identities(ctx)
	if err != nil {
		return nil, err
	}

	var (
		sitesProcessed       int
		sitesSkippedPersonal int
		sitesSkippedError    int
		groupsProcessed      int
		groupsNoDrive        int
		usersProcessed       int
		usersNoDrive         int
		driveUpserts         int
		dropped              int
		batch                []domain.Drive
	)
	flush := func() error {
		merged, dups := mergeDrives(batch)
		dropped += dups
		if len(merged) > 0 {
			if err := r.job.store.UpsertDrives(ctx, merged, syncedAt); err != nil {
				return err
			}
			driveUpserts += len(merged)
		}
		batch = batch[:0]
		return nil
	}
	add := func(raw json.RawMessage, siteID *string, fallback *fallbackOwner) bool {
		var v driveView
		if err := json.Unmarshal(raw, &v); err != nil || v.ID == "" {
			return false
		}
		batch = append(batch, driveFromView(v, raw, siteID, fallback, resolver))
		return true
	}

	sites, err := r.job.store.ListActiveSites(ctx)
	if err != nil {
		return nil, err
	}
	for _, site := range sites {
		sitesProcessed++
		if personalSite(site) {
			sitesSkippedPersonal++
			continue
		}
		siteID := site.ID
		url := fmt.Sprintf("/sites/%s/drives?$top=%d", siteID, r.cfg.pageSize)
		err := r.job.client.Pages(ctx, url, func(raw json.RawMessage) error {
			add(raw, &siteID, nil)
			if len(batch) >= r.cfg.flushEvery {
				return flush()
			}
			return nil
		})
		if err != nil {
			var ge *graph.GraphError
			if !errors.As(err, &ge) {
				return nil, err
			}
			sitesSkippedError++
			err = r.log(ctx, domain.RunLogWarn, "site_drives_skipped", map[string]any{
				"site_id":     siteID,
				"status_code": ge.StatusCode,
				"error":       ge.Error(),
			})
			if err != nil {
				return nil, err
			}
		}
	}

	groupIDs, err := r.job.store.ListActiveGroupIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, groupID := range groupIDs {
		groupsProcessed++
		raw, err := r.job.client.GetJSON(ctx, "/groups/"+groupID+"/drive")
		if err != nil {
			if graph.HasStatus(err, noDriveStatuses...) {
				groupsNoDrive++
				continue
			}
			return nil, err
		}
		add(raw, nil, &fallbackOwner{id: groupID, principalType: domain.PrincipalTypeGroup})
		if len(batch) >= r.cfg.flushEvery {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	userIDs, err := r.job.store.ListActiveUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, userID := range userIDs {
		usersProcessed++
		raw, err := r.job.client.GetJSON(ctx, "/users/"+userID+"/drive")
		if err != nil {
			if graph.HasStatus(err, noDriveStatuses...) {
				usersNoDrive++
				continue
			}
			return nil, err
		}
		add(raw, nil, &fallbackOwner{id: userID, principalType: domain.PrincipalTypeUser})
		if len(batch) >= r.cfg.flushEvery {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	if len(batch) > 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}

	err = r.log(ctx, domain.RunLogInfo, "drives_ingested", map[string]any{
		"synced_at":              syncedAt.Format(time.RFC3339Nano),
		"sites_processed":        sitesProcessed,
		"sites_skipped_personal": sitesSkippedPersonal,
		"sites_skipped_error":    sitesSkippedError,
		"groups_processed":       groupsProcessed,
		"groups_no_drive":        groupsNoDrive,
		"users_processed":        usersProcessed,
		"users_no_drive":         usersNoDrive,
		"drive_upserts":          driveUpserts,
		"dropped_duplicates":     dropped,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sites_processed":        sitesProcessed,
		"sites_skipped_personal": sitesSkippedPersonal,
		"sites_skipped_error":    sitesSkippedError,
		"groups_processed":       groupsProcessed,
		"groups_no_drive":        groupsNoDrive,
		"users_processed":        usersProcessed,
		"users_no_drive":         usersNoDrive,
		"drive_upserts":          driveUpserts,
		"dropped_duplicates":     dropped,
	}, nil
}
