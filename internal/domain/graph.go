package domain

import (
	"encoding/json"
	"time"
)

// Principal types assigned by the identity resolver.
const (
	PrincipalTypeUser        = "user"
	PrincipalTypeGroup       = "group"
	PrincipalTypeApplication = "application"
	PrincipalTypeSharePoint  = "sharepoint"
	PrincipalTypeSystem      = "system"
	PrincipalTypeUnknown     = "unknown"
	PrincipalTypeLink        = "link"
)

// Permission sources on a drive item.
const (
	PermissionSourceDirect    = "direct"
	PermissionSourceInherited = "inherited"
)

// User is a directory user as synced from the upstream API.
// Pointer fields are nullable columns; Raw keeps the source payload.
type User struct {
	ID                string
	DisplayName       *string
	UserPrincipalName *string
	Mail              *string
	AccountEnabled    *bool
	UserType          *string
	JobTitle          *string
	Department        *string
	OfficeLocation    *string
	UsageLocation     *string
	CreatedAt         *time.Time
	Raw               json.RawMessage
}

// Group is a directory group.
type Group struct {
	ID                 string
	DisplayName        *string
	Mail               *string
	MailEnabled        *bool
	SecurityEnabled    *bool
	GroupTypes         json.RawMessage
	Visibility         *string
	IsAssignableToRole *bool
	CreatedAt          *time.Time
	Raw                json.RawMessage
}

// GroupMembership is one (group, member) edge. MemberType is derived from
// the member's @odata.type annotation (for example "user" or "group").
type GroupMembership struct {
	GroupID    string
	MemberID   string
	MemberType string
	Raw        json.RawMessage
}

// Site is a collaboration site.
type Site struct {
	ID               string
	Name             *string
	WebURL           *string
	Hostname         *string
	SiteCollectionID *string
	CreatedAt        *time.Time
	Raw              json.RawMessage
}

// SiteTombstone marks a site reported removed by a delta page.
type SiteTombstone struct {
	ID  string
	Raw json.RawMessage
}

// Drive is a document library or personal drive. OwnerID is the upstream
// principal id of the owner; OwnerPrincipalType classifies it.
type Drive struct {
	ID                   string
	SiteID               *string
	Name                 *string
	DriveType            *string
	WebURL               *string
	OwnerID              *string
	OwnerPrincipalType   *string
	CreatedByUserID      *string
	LastModifiedByUserID *string
	QuotaTotal           *int64
	QuotaUsed            *int64
	CreatedAt            *time.Time
	Raw                  json.RawMessage
}

// DriveItem is a file or folder inside a drive. Path is the drive-relative
// path and PathLevel its number of segments.
type DriveItem struct {
	DriveID              string
	ID                   string
	Name                 *string
	WebURL               *string
	ParentID             *string
	Path                 *string
	PathLevel            *int
	IsFolder             bool
	Size                 *int64
	MimeType             *string
	FileHashSHA1         *string
	CreatedAt            *time.Time
	ModifiedAt           *time.Time
	CreatedByUserID      *string
	LastModifiedByUserID *string
	Raw                  json.RawMessage
}

// DriveItemTombstone marks an item reported removed by a delta page.
type DriveItemTombstone struct {
	DriveID string
	ID      string
	Raw     json.RawMessage
}

// DriveItemPermission is one permission entry on a drive item. Source is
// "inherited" when the permission carries an inheritedFrom reference,
// otherwise "direct". Link fields are set for sharing-link permissions.
type DriveItemPermission struct {
	DriveID              string
	ItemID               string
	PermissionID         string
	Source               string
	Roles                json.RawMessage
	LinkType             *string
	LinkScope            *string
	LinkWebURL           *string
	LinkPreventsDownload *bool
	LinkExpiresAt        *time.Time
	InheritedFromID      *string
	Raw                  json.RawMessage
}

// PermissionGrant is one principal granted by a permission entry.
// LocalUserID is set when the resolver matched the principal to a synced
// user. A sharing link yields a single grant with PrincipalType and
// PrincipalID both set to "link".
type PermissionGrant struct {
	DriveID              string
	ItemID               string
	PermissionID         string
	PrincipalType        string
	PrincipalID          string
	PrincipalDisplayName *string
	PrincipalEmail       *string
	PrincipalUPN         *string
	LocalUserID          *string
	Raw                  json.RawMessage
}
