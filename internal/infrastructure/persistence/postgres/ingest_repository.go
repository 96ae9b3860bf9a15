package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/application/ingest"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
)

// Upsert batches arrive pre-deduplicated by natural key: a single INSERT
// cannot update the same row twice, so duplicate keys inside one page would
// fail the whole statement.

// === Users ===

// UpsertUsers writes a users batch, resurrecting soft-deleted rows.
func (s *Store) UpsertUsers(ctx context.Context, users []domain.User, syncedAt time.Time) error {
	rows := make([][]any, 0, len(users))
	for _, u := range users {
		rows = append(rows, []any{
			u.ID, u.DisplayName, u.UserPrincipalName, u.Mail, u.AccountEnabled,
			u.UserType, u.JobTitle, u.Department, u.OfficeLocation, u.UsageLocation,
			u.CreatedAt, syncedAt, nil, u.Raw,
		})
	}

	prefix := `
		INSERT INTO graph_users
		  (id, display_name, user_principal_name, mail, account_enabled, user_type, job_title,
		   department, office_location, usage_location, created_dt, synced_at, deleted_at, raw_json)
		VALUES `
	suffix := `
		ON CONFLICT (id) DO UPDATE SET
		  display_name = EXCLUDED.display_name,
		  user_principal_name = EXCLUDED.user_principal_name,
		  mail = EXCLUDED.mail,
		  account_enabled = EXCLUDED.account_enabled,
		  user_type = EXCLUDED.user_type,
		  job_title = EXCLUDED.job_title,
		  department = EXCLUDED.department,
		  office_location = EXCLUDED.office_location,
		  usage_location = EXCLUDED.usage_location,
		  created_dt = EXCLUDED.created_dt,
		  synced_at = EXCLUDED.synced_at,
		  deleted_at = NULL,
		  raw_json = EXCLUDED.raw_json`

	if _, err := s.execValues(ctx, prefix, rows, suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to upsert users: %w", err)
	}
	return nil
}

// SweepUsers soft-deletes users not seen in the current pass.
func (s *Store) SweepUsers(ctx context.Context, syncedAt time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE graph_users
		SET deleted_at = $1, synced_at = $1
		WHERE synced_at < $1 AND deleted_at IS NULL`,
		syncedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep users: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListActiveUserIDs returns ids of users not soft-deleted.
func (s *Store) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	ids, err := s.queryStrings(ctx, `SELECT id FROM graph_users WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	return ids, nil
}

// ListResolverUsers returns the identity projection of all active users.
func (s *Store) ListResolverUsers(ctx context.Context) ([]ingest.ResolverUser, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, mail, user_principal_name
		FROM graph_users
		WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolver users: %w", err)
	}
	defer rows.Close()

	var users []ingest.ResolverUser
	for rows.Next() {
		var u ingest.ResolverUser
		if err := rows.Scan(&u.ID, &u.Mail, &u.UserPrincipalName); err != nil {
			return nil, fmt.Errorf("failed to scan resolver user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read resolver users: %w", err)
	}
	return users, nil
}

// === Groups ===

// UpsertGroups writes a groups batch, resurrecting soft-deleted rows.
func (s *Store) UpsertGroups(ctx context.Context, groups []domain.Group, syncedAt time.Time) error {
	rows := make([][]any, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, []any{
			g.ID, g.DisplayName, g.Mail, g.MailEnabled, g.SecurityEnabled,
			g.GroupTypes, g.Visibility, g.IsAssignableToRole,
			g.CreatedAt, syncedAt, nil, g.Raw,
		})
	}

	prefix := `
		INSERT INTO graph_groups
		  (id, display_name, mail, mail_enabled, security_enabled, group_types,
		   visibility, is_assignable_to_role, created_dt, synced_at, deleted_at, raw_json)
		VALUES `
	suffix := `
		ON CONFLICT (id) DO UPDATE SET
		  display_name = EXCLUDED.display_name,
		  mail = EXCLUDED.mail,
		  mail_enabled = EXCLUDED.mail_enabled,
		  security_enabled = EXCLUDED.security_enabled,
		  group_types = EXCLUDED.group_types,
		  visibility = EXCLUDED.visibility,
		  is_assignable_to_role = EXCLUDED.is_assignable_to_role,
		  created_dt = EXCLUDED.created_dt,
		  synced_at = EXCLUDED.synced_at,
		  deleted_at = NULL,
		  raw_json = EXCLUDED.raw_json`

	if _, err := s.execValues(ctx, prefix, rows, suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to upsert groups: %w", err)
	}
	return nil
}

// SweepGroups soft-deletes groups not seen in the current pass.
func (s *Store) SweepGroups(ctx context.Context, syncedAt time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE graph_groups
		SET deleted_at = $1, synced_at = $1
		WHERE synced_at < $1 AND deleted_at IS NULL`,
		syncedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep groups: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListActiveGroupIDs returns ids of groups not soft-deleted.
func (s *Store) ListActiveGroupIDs(ctx context.Context) ([]string, error) {
	ids, err := s.queryStrings(ctx, `SELECT id FROM graph_groups WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active groups: %w", err)
	}
	return ids, nil
}

// === Group Memberships ===

// UpsertGroupMemberships writes membership edges for the current pass.
func (s *Store) UpsertGroupMemberships(ctx context.Context, edges []domain.GroupMembership, syncedAt time.Time) error {
	rows := make([][]any, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, []any{e.GroupID, e.MemberID, e.MemberType, syncedAt, nil, e.Raw})
	}

	prefix := `
		INSERT INTO graph_group_memberships
		  (group_id, member_id, member_type, synced_at, deleted_at, raw_json)
		VALUES `
	suffix := `
		ON CONFLICT (group_id, member_id, member_type) DO UPDATE SET
		  synced_at = EXCLUDED.synced_at,
		  deleted_at = NULL,
		  raw_json = EXCLUDED.raw_json`

	if _, err := s.execValues(ctx, prefix, rows, suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to upsert group memberships: %w", err)
	}
	return nil
}

// SweepGroupMemberships soft-deletes edges of one group not seen in the
// current pass. synced_at stays untouched so a later pass can resurrect
// the edge.
func (s *Store) SweepGroupMemberships(ctx context.Context, groupID string, syncedAt time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE graph_group_memberships
		SET deleted_at = $1
		WHERE group_id = $2 AND synced_at < $1 AND deleted_at IS NULL`,
		syncedAt, groupID)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep group memberships: %w", err)
	}
	return tag.RowsAffected(), nil
}

// === Sites ===

// UpsertSites writes active site rows.
func (s *Store) UpsertSites(ctx context.Context, sites []domain.Site, syncedAt time.Time) error {
	rows := make([][]any, 0, len(sites))
	for _, site := range sites {
		rows = append(rows, []any{
			site.ID, site.Name, site.WebURL, site.Hostname, site.SiteCollectionID,
			site.CreatedAt, syncedAt, nil, site.Raw,
		})
	}

	prefix := `
		INSERT INTO graph_sites
		  (id, name, web_url, hostname, site_collection_id, created_dt, synced_at, deleted_at, raw_json)
		VALUES `
	suffix := `
		ON CONFLICT (id) DO UPDATE SET
		  name = EXCLUDED.name,
		  web_url = EXCLUDED.web_url,
		  hostname = EXCLUDED.hostname,
		  site_collection_id = EXCLUDED.site_collection_id,
		  created_dt = EXCLUDED.created_dt,
		  synced_at = EXCLUDED.synced_at,
		  deleted_at = NULL,
		  raw_json = EXCLUDED.raw_json`

	if _, err := s.execValues(ctx, prefix, rows, suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to upsert sites: %w", err)
	}
	return nil
}

// UpsertRemovedSites writes tombstones for sites a delta page reported
// removed.
func (s *Store) UpsertRemovedSites(ctx context.Context, sites []domain.SiteTombstone, syncedAt time.Time) error {
	rows := make([][]any, 0, len(sites))
	for _, site := range sites {
		rows = append(rows, []any{site.ID, syncedAt, syncedAt, site.Raw})
	}

	prefix := `
		INSERT INTO graph_sites
		  (id, synced_at, deleted_at, raw_json)
		VALUES `
	suffix := `
		ON CONFLICT (id) DO UPDATE SET
		  synced_at = EXCLUDED.synced_at,
		  deleted_at = EXCLUDED.deleted_at,
		  raw_json = EXCLUDED.raw_json`

	if _, err := s.execValues(ctx, prefix, rows, suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to upsert removed sites: %w", err)
	}
	return nil
}

// ListActiveSites returns the site slices the drives stage filters on.
func (s *Store) ListActiveSites(ctx context.Context) ([]ingest.SiteRef, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, hostname, web_url, raw_json
		FROM graph_sites
		WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sites: %w", err)
	}
	defer rows.Close()

	var sites []ingest.SiteRef
	for rows.Next() {
		var ref ingest.SiteRef
		if err := rows.Scan(&ref.ID, &ref.Hostname, &ref.WebURL, &ref.Raw); err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read active sites: %w", err)
	}
	return sites, nil
}

// === Drives ===

// UpsertDrives writes drive rows merged across their owning endpoints.
func (s *Store) UpsertDrives(ctx context.Context, drives []domain.Drive, syncedAt time.Time) error {
	rows := make([][]any, 0, len(drives))
	for _, d := range drives {
		rows = append(rows, []any{
			d.ID, d.SiteID, d.Name, d.DriveType, d.WebURL,
			d.OwnerID, d.OwnerPrincipalType, d.CreatedByUserID, d.LastModifiedByUserID,
			d.QuotaTotal, d.QuotaUsed, d.CreatedAt, syncedAt, nil, d.Raw,
		})
	}

	prefix := `
		INSERT INTO graph_drives
		  (id, site_id, name, drive_type, web_url, owner_id, owner_principal_type,
		   created_by_user_id, last_modified_by_user_id, quota_total, quota_used,
		   created_dt, synced_at, deleted_at, raw_json)
		VALUES `
	suffix := `
		ON CONFLICT (id) DO UPDATE SET
		  site_id = EXCLUDED.site_id,
		  name = EXCLUDED.name,
		  drive_type = EXCLUDED.drive_type,
		  web_url = EXCLUDED.web_url,
		  owner_id = EXCLUDED.owner_id,
		  owner_principal_type = EXCLUDED.owner_principal_type,
		  created_by_user_id = EXCLUDED.created_by_user_id,
		  last_modified_by_user_id = EXCLUDED.last_modified_by_user_id,
		  quota_total = EXCLUDED.quota_total,
		  quota_used = EXCLUDED.quota_used,
		  created_dt = EXCLUDED.created_dt,
		  synced_at = EXCLUDED.synced_at,
		  deleted_at = NULL,
		  raw_json = EXCLUDED.raw_json`

	if _, err := s.execValues(ctx, prefix, rows, suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to upsert drives: %w", err)
	}
	return nil
}

// ListActiveDriveIDs returns ids of drives not soft-deleted.
func (s *Store) ListActiveDriveIDs(ctx context.Context) ([]string, error) {
	ids, err := s.queryStrings(ctx, `SELECT id FROM graph_drives WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active drives: %w", err)
	}
	return ids, nil
}

// === Drive Items ===

// UpsertDriveItems writes active items. Updated rows get their
// permission_last_* markers cleared so the next permissions scan revisits
// them.
func (s *Store) UpsertDriveItems(ctx context.Context, items []domain.DriveItem, syncedAt time.Time) error {
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, []any{
			it.DriveID, it.ID, it.Name, it.WebURL, it.ParentID, it.Path, it.PathLevel,
			it.IsFolder, it.Size, it.MimeType, it.FileHashSHA1,
			it.CreatedAt, it.ModifiedAt, it.CreatedByUserID, it.LastModifiedByUserID,
			nil, nil, nil,
			syncedAt, nil, it.Raw,
		})
	}

	prefix := `
		INSERT INTO graph_drive_items
		  (drive_id, id, name, web_url, parent_id, path, path_level, is_folder, size, mime_type,
		   file_hash_sha1, created_dt, modified_dt, created_by_user_id, last_modified_by_user_id,
		   permission_last_synced_at, permission_last_error_at, permission_last_error,
		   synced_at, deleted_at, raw_json)
		VALUES `
	suffix := `
		ON CONFLICT (drive_id, id) DO UPDATE SET
		  name = EXCLUDED.name,
		  web_url = EXCLUDED.web_url,
		  parent_id = EXCLUDED.parent_id,
		  path = EXCLUDED.path,
		  path_level = EXCLUDED.path_level,
		  is_folder = EXCLUDED.is_folder,
		  size = EXCLUDED.size,
		  mime_type = EXCLUDED.mime_type,
		  file_hash_sha1 = EXCLUDED.file_hash_sha1,
		  created_dt = EXCLUDED.created_dt,
		  modified_dt = EXCLUDED.modified_dt,
		  created_by_user_id = EXCLUDED.created_by_user_id,
		  last_modified_by_user_id = EXCLUDED.last_modified_by_user_id,
		  permission_last_synced_at = NULL,
		  permission_last_error_at = NULL,
		  permission_last_error = NULL,
		  synced_at = EXCLUDED.synced_at,
		  deleted_at = NULL,
		  raw_json = EXCLUDED.raw_json`

	if _, err := s.execValues(ctx, prefix, rows, suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to upsert drive items: %w", err)
	}
	return nil
}

// UpsertRemovedDriveItems writes removal tombstones.
func (s *Store) UpsertRemovedDriveItems(ctx context.Context, items []domain.DriveItemTombstone, syncedAt time.Time) error {
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, []any{it.DriveID, it.ID, syncedAt, syncedAt, it.Raw})
	}

	prefix := `
		INSERT INTO graph_drive_items
		  (drive_id, id, synced_at, deleted_at, raw_json)
		VALUES `
	suffix := `
		ON CONFLICT (drive_id, id) DO UPDATE SET
		  synced_at = EXCLUDED.synced_at,
		  deleted_at = EXCLUDED.deleted_at,
		  raw_json = EXCLUDED.raw_json`

	if _, err := s.execValues(ctx, prefix, rows, suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to upsert removed drive items: %w", err)
	}
	return nil
}

// === Item Permissions ===

// itemRefRows flattens item refs for a VALUES splice.
func itemRefRows(refs []ingest.ItemRef) [][]any {
	rows := make([][]any, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, []any{ref.DriveID, ref.ItemID})
	}
	return rows
}

// DeleteItemPermissions removes all permission rows for the given items.
func (s *Store) DeleteItemPermissions(ctx context.Context, refs []ingest.ItemRef) error {
	prefix := `
		DELETE FROM graph_drive_item_permissions p
		USING (VALUES `
	suffix := `) AS v(drive_id, item_id)
		WHERE p.drive_id = v.drive_id AND p.item_id = v.item_id`

	if _, err := s.execValues(ctx, prefix, itemRefRows(refs), suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to delete item permissions: %w", err)
	}
	return nil
}

// DeleteItemPermissionGrants removes all grant rows for the given items.
func (s *Store) DeleteItemPermissionGrants(ctx context.Context, refs []ingest.ItemRef) error {
	prefix := `
		DELETE FROM graph_drive_item_permission_grants g
		USING (VALUES `
	suffix := `) AS v(drive_id, item_id)
		WHERE g.drive_id = v.drive_id AND g.item_id = v.item_id`

	if _, err := s.execValues(ctx, prefix, itemRefRows(refs), suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to delete item permission grants: %w", err)
	}
	return nil
}

// StalePermissionItems returns file items whose permissions were never
// scanned or were scanned before cutoff, oldest first.
func (s *Store) StalePermissionItems(ctx context.Context, cutoff time.Time, limit int) ([]ingest.ItemRef, error) {
	rows, err := s.db.Query(ctx, `
		SELECT drive_id, id
		FROM graph_drive_items
		WHERE deleted_at IS NULL
		  AND is_folder = false
		  AND (permission_last_synced_at IS NULL OR permission_last_synced_at < $1)
		ORDER BY permission_last_synced_at NULLS FIRST
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select stale permission items: %w", err)
	}
	defer rows.Close()

	var refs []ingest.ItemRef
	for rows.Next() {
		var ref ingest.ItemRef
		if err := rows.Scan(&ref.DriveID, &ref.ItemID); err != nil {
			return nil, fmt.Errorf("failed to scan stale permission item: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stale permission items: %w", err)
	}
	return refs, nil
}

// InsertItemPermissions writes fresh permission rows after a rescan.
func (s *Store) InsertItemPermissions(ctx context.Context, perms []domain.DriveItemPermission, syncedAt time.Time) error {
	rows := make([][]any, 0, len(perms))
	for _, p := range perms {
		rows = append(rows, []any{
			p.DriveID, p.ItemID, p.PermissionID, p.Source, p.Roles,
			p.LinkType, p.LinkScope, p.LinkWebURL, p.LinkPreventsDownload, p.LinkExpiresAt,
			p.InheritedFromID, syncedAt, nil, p.Raw,
		})
	}

	prefix := `
		INSERT INTO graph_drive_item_permissions
		  (drive_id, item_id, permission_id, source, roles, link_type, link_scope, link_web_url,
		   link_prevents_download, link_expiration_dt, inherited_from_id, synced_at, deleted_at, raw_json)
		VALUES `
	suffix := `
		ON CONFLICT (drive_id, item_id, permission_id) DO UPDATE SET
		  source = EXCLUDED.source,
		  roles = EXCLUDED.roles,
		  link_type = EXCLUDED.link_type,
		  link_scope = EXCLUDED.link_scope,
		  link_web_url = EXCLUDED.link_web_url,
		  link_prevents_download = EXCLUDED.link_prevents_download,
		  link_expiration_dt = EXCLUDED.link_expiration_dt,
		  inherited_from_id = EXCLUDED.inherited_from_id,
		  synced_at = EXCLUDED.synced_at,
		  deleted_at = NULL,
		  raw_json = EXCLUDED.raw_json`

	if _, err := s.execValues(ctx, prefix, rows, suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to insert item permissions: %w", err)
	}
	return nil
}

// InsertPermissionGrants writes the principals granted by fresh permission
// rows.
func (s *Store) InsertPermissionGrants(ctx context.Context, grants []domain.PermissionGrant, syncedAt time.Time) error {
	rows := make([][]any, 0, len(grants))
	for _, g := range grants {
		rows = append(rows, []any{
			g.DriveID, g.ItemID, g.PermissionID, g.PrincipalType, g.PrincipalID,
			g.PrincipalDisplayName, g.PrincipalEmail, g.PrincipalUPN, g.LocalUserID,
			syncedAt, nil, g.Raw,
		})
	}

	prefix := `
		INSERT INTO graph_drive_item_permission_grants
		  (drive_id, item_id, permission_id, principal_type, principal_id, principal_display_name,
		   principal_email, principal_user_principal_name, local_user_id, synced_at, deleted_at, raw_json)
		VALUES `
	suffix := `
		ON CONFLICT (drive_id, item_id, permission_id, principal_type, principal_id) DO UPDATE SET
		  principal_display_name = EXCLUDED.principal_display_name,
		  principal_email = EXCLUDED.principal_email,
		  principal_user_principal_name = EXCLUDED.principal_user_principal_name,
		  local_user_id = EXCLUDED.local_user_id,
		  synced_at = EXCLUDED.synced_at,
		  deleted_at = NULL,
		  raw_json = EXCLUDED.raw_json`

	if _, err := s.execValues(ctx, prefix, rows, suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to insert permission grants: %w", err)
	}
	return nil
}

// MarkItemPermissionsSynced stamps a successful scan and clears the error
// markers.
func (s *Store) MarkItemPermissionsSynced(ctx context.Context, refs []ingest.ItemRef, syncedAt time.Time) error {
	rows := make([][]any, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, []any{ref.DriveID, ref.ItemID, syncedAt})
	}

	prefix := `
		UPDATE graph_drive_items d
		SET permission_last_synced_at = v.synced_at,
		    permission_last_error_at = NULL,
		    permission_last_error = NULL
		FROM (VALUES `
	suffix := `) AS v(drive_id, item_id, synced_at)
		WHERE d.drive_id = v.drive_id AND d.id = v.item_id`

	if _, err := s.execValues(ctx, prefix, rows, suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to mark item permissions synced: %w", err)
	}
	return nil
}

// MarkItemPermissionsFailed stamps a failed scan, keeping the error for
// operators. Callers truncate the error text before handing it in.
func (s *Store) MarkItemPermissionsFailed(ctx context.Context, fails []ingest.PermissionFailure, syncedAt time.Time) error {
	rows := make([][]any, 0, len(fails))
	for _, f := range fails {
		rows = append(rows, []any{f.DriveID, f.ItemID, syncedAt, syncedAt, f.Error})
	}

	prefix := `
		UPDATE graph_drive_items d
		SET permission_last_synced_at = v.synced_at,
		    permission_last_error_at = v.error_at,
		    permission_last_error = v.error
		FROM (VALUES `
	suffix := `) AS v(drive_id, item_id, synced_at, error_at, error)
		WHERE d.drive_id = v.drive_id AND d.id = v.item_id`

	if _, err := s.execValues(ctx, prefix, rows, suffix, DefaultBulkPageSize); err != nil {
		return fmt.Errorf("failed to mark item permissions failed: %w", err)
	}
	return nil
}

// queryStrings runs a query returning a single text column.
func (s *Store) queryStrings(ctx context.Context, sql string) ([]string, error) {
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
