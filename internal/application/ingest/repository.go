package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
)

// ResolverUser is the projection of a synced user loaded by the identity
// resolver.
type ResolverUser struct {
	ID                string
	Mail              *string
	UserPrincipalName *string
}

// SiteRef is the slice of a site row the drives stage needs to decide
// whether the site is a personal one.
type SiteRef struct {
	ID       string
	Hostname *string
	WebURL   *string
	Raw      json.RawMessage
}

// ItemRef identifies one drive item.
type ItemRef struct {
	DriveID string
	ItemID  string
}

// PermissionFailure records a failed permission fetch for one item. Error
// is truncated before persisting.
type PermissionFailure struct {
	DriveID string
	ItemID  string
	Error   string
}

// Repository defines the storage operations of the ingest stages. Upserts
// take pre-deduplicated batches; callers pass the pass timestamp so every
// row in a flush lands with the same synced_at.
type Repository interface {
	// === Users ===

	// UpsertUsers writes a users batch, resurrecting soft-deleted rows.
	UpsertUsers(ctx context.Context, users []domain.User, syncedAt time.Time) error

	// SweepUsers soft-deletes users not seen in the current pass and
	// returns how many rows it marked.
	SweepUsers(ctx context.Context, syncedAt time.Time) (int64, error)

	// ListActiveUserIDs returns ids of users not soft-deleted.
	ListActiveUserIDs(ctx context.Context) ([]string, error)

	// ListResolverUsers returns the identity projection of all active users.
	ListResolverUsers(ctx context.Context) ([]ResolverUser, error)

	// === Groups ===

	UpsertGroups(ctx context.Context, groups []domain.Group, syncedAt time.Time) error
	SweepGroups(ctx context.Context, syncedAt time.Time) (int64, error)
	ListActiveGroupIDs(ctx context.Context) ([]string, error)

	// === Group Memberships ===

	UpsertGroupMemberships(ctx context.Context, edges []domain.GroupMembership, syncedAt time.Time) error

	// SweepGroupMemberships soft-deletes edges of one group not seen in the
	// current pass. The sweep leaves synced_at untouched so a later pass
	// can still resurrect the edge.
	SweepGroupMemberships(ctx context.Context, groupID string, syncedAt time.Time) (int64, error)

	// === Sites ===

	UpsertSites(ctx context.Context, sites []domain.Site, syncedAt time.Time) error
	UpsertRemovedSites(ctx context.Context, sites []domain.SiteTombstone, syncedAt time.Time) error
	ListActiveSites(ctx context.Context) ([]SiteRef, error)

	// === Drives ===

	UpsertDrives(ctx context.Context, drives []domain.Drive, syncedAt time.Time) error
	ListActiveDriveIDs(ctx context.Context) ([]string, error)

	// === Drive Items ===

	// UpsertDriveItems writes active items. Updated rows get their
	// permission_last_* markers cleared so the next permissions scan
	// revisits them.
	UpsertDriveItems(ctx context.Context, items []domain.DriveItem, syncedAt time.Time) error

	// UpsertRemovedDriveItems writes removal tombstones.
	UpsertRemovedDriveItems(ctx context.Context, items []domain.DriveItemTombstone, syncedAt time.Time) error

	// === Item Permissions ===

	// DeleteItemPermissions removes all permission rows for the given items.
	DeleteItemPermissions(ctx context.Context, refs []ItemRef) error

	// DeleteItemPermissionGrants removes all grant rows for the given items.
	DeleteItemPermissionGrants(ctx context.Context, refs []ItemRef) error

	// StalePermissionItems returns file items whose permissions were never
	// scanned or were scanned before cutoff, oldest first.
	StalePermissionItems(ctx context.Context, cutoff time.Time, limit int) ([]ItemRef, error)

	InsertItemPermissions(ctx context.Context, perms []domain.DriveItemPermission, syncedAt time.Time) error
	InsertPermissionGrants(ctx context.Context, grants []domain.PermissionGrant, syncedAt time.Time) error

	// MarkItemPermissionsSynced stamps a successful scan and clears the
	// error markers.
	MarkItemPermissionsSynced(ctx context.Context, refs []ItemRef, syncedAt time.Time) error

	// MarkItemPermissionsFailed stamps a failed scan, keeping the truncated
	// error for operators.
	MarkItemPermissionsFailed(ctx context.Context, fails []PermissionFailure, syncedAt time.Time) error

	// === Delta Cursors ===

	// DeltaCursor returns the stored cursor token, or "" when none exists.
	DeltaCursor(ctx context.Context, resourceType string, partitionKey string) (string, error)
	SaveDeltaCursor(ctx context.Context, resourceType string, partitionKey string, token string) error
	DeleteDeltaCursor(ctx context.Context, resourceType string, partitionKey string) error

	// === Run Bookkeeping ===

	InsertRunLog(ctx context.Context, runID string, level string, message string, logCtx map[string]any) error
	WriteAuditEvent(ctx context.Context, event domain.AuditEvent) error
}

// Store is the full persistence surface of an ingest run: the repository
// plus transaction and retry control for write sequences that must land
// together.
type Store interface {
	Repository

	// Atomic executes fn within a database transaction. All operations in
	// the callback succeed together or fail together.
	Atomic(ctx context.Context, fn func(repo Repository) error) error

	// WithRetry runs fn, retrying when it fails with a transient database
	// error. Returns the number of attempts made alongside the final error.
	WithRetry(ctx context.Context, operation string, fn func(ctx context.Context) error) (int, error)
}
