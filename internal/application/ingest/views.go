package ingest

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
)

// Field lists requested from the upstream API. Narrow selects keep pages
// small; raw_json still stores the payload as returned.
var (
	userSelect = strings.Join([]string{
		"id", "displayName", "userPrincipalName", "mail", "accountEnabled",
		"userType", "jobTitle", "department", "officeLocation", "usageLocation",
		"createdDateTime",
	}, ",")

	groupSelect = strings.Join([]string{
		"id", "displayName", "mail", "mailEnabled", "securityEnabled",
		"groupTypes", "visibility", "isAssignableToRole", "createdDateTime",
	}, ",")

	memberSelect = strings.Join([]string{
		"id", "displayName", "userPrincipalName", "mail",
	}, ",")

	siteSelect = strings.Join([]string{
		"id", "name", "displayName", "webUrl", "createdDateTime",
		"siteCollection", "sharepointIds", "isPersonalSite",
	}, ",")

	itemSelect = strings.Join([]string{
		"id", "name", "parentReference", "webUrl", "size",
		"createdDateTime", "lastModifiedDateTime", "createdBy", "lastModifiedBy",
		"file", "folder", "fileSystemInfo", "shared", "remoteItem",
		"sharepointIds", "deleted",
	}, ",")

	permissionSelect = strings.Join([]string{
		"id", "roles", "link", "inheritedFrom",
		"grantedTo", "grantedToV2", "grantedToIdentities", "grantedToIdentitiesV2",
	}, ",")
)

// parseGraphTime parses the RFC 3339 timestamps the API emits. An
// unparseable value drops to NULL rather than failing the row.
func parseGraphTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// jsonPresent reports whether a raw fragment holds a value.
func jsonPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// firstNonEmpty returns the first pointer holding a non-empty string.
func firstNonEmpty(ptrs ...*string) *string {
	for _, p := range ptrs {
		if p != nil && *p != "" {
			return p
		}
	}
	return nil
}

type userView struct {
	ID                string  `json:"id"`
	DisplayName       *string `json:"displayName"`
	UserPrincipalName *string `json:"userPrincipalName"`
	Mail              *string `json:"mail"`
	AccountEnabled    *bool   `json:"accountEnabled"`
	UserType          *string `json:"userType"`
	JobTitle          *string `json:"jobTitle"`
	Department        *string `json:"department"`
	OfficeLocation    *string `json:"officeLocation"`
	UsageLocation     *string `json:"usageLocation"`
	CreatedDateTime   *string `json:"createdDateTime"`
}

func (v userView) toDomain(raw json.RawMessage) domain.User {
	return domain.User{
		ID:                v.ID,
		DisplayName:       v.DisplayName,
		UserPrincipalName: v.UserPrincipalName,
		Mail:              v.Mail,
		AccountEnabled:    v.AccountEnabled,
		UserType:          v.UserType,
		JobTitle:          v.JobTitle,
		Department:        v.Department,
		OfficeLocation:    v.OfficeLocation,
		UsageLocation:     v.UsageLocation,
		CreatedAt:         parseGraphTime(v.CreatedDateTime),
		Raw:               raw,
	}
}

type groupView struct {
	ID                 string          `json:"id"`
	DisplayName        *string         `json:"displayName"`
	Mail               *string         `json:"mail"`
	MailEnabled        *bool           `json:"mailEnabled"`
	SecurityEnabled    *bool           `json:"securityEnabled"`
	GroupTypes         json.RawMessage `json:"groupTypes"`
	Visibility         *string         `json:"visibility"`
	IsAssignableToRole *bool           `json:"isAssignableToRole"`
	CreatedDateTime    *string         `json:"createdDateTime"`
}

func (v groupView) toDomain(raw json.RawMessage) domain.Group {
	return domain.Group{
		ID:                 v.ID,
		DisplayName:        v.DisplayName,
		Mail:               v.Mail,
		MailEnabled:        v.MailEnabled,
		SecurityEnabled:    v.SecurityEnabled,
		GroupTypes:         v.GroupTypes,
		Visibility:         v.Visibility,
		IsAssignableToRole: v.IsAssignableToRole,
		CreatedAt:          parseGraphTime(v.CreatedDateTime),
		Raw:                raw,
	}
}

type memberView struct {
	ID        string `json:"id"`
	ODataType string `json:"@odata.type"`
}

// memberType trims the OData namespace off a member annotation, falling
// back to directoryObject when the annotation is missing.
func memberType(odataType string) string {
	t := strings.TrimSpace(odataType)
	t = strings.TrimPrefix(t, "#microsoft.graph.")
	t = strings.TrimPrefix(t, "#")
	if t == "" {
		return "directoryObject"
	}
	return t
}

type siteView struct {
	ID              string          `json:"id"`
	Name            *string         `json:"name"`
	DisplayName     *string         `json:"displayName"`
	WebURL          *string         `json:"webUrl"`
	CreatedDateTime *string         `json:"createdDateTime"`
	IsPersonalSite  *bool           `json:"isPersonalSite"`
	SiteCollection  *siteCollection `json:"siteCollection"`
	SharePointIDs   *sharePointIDs  `json:"sharepointIds"`
	Removed         json.RawMessage `json:"@removed"`
}

type siteCollection struct {
	ID       *string `json:"id"`
	Hostname *string `json:"hostname"`
}

type sharePointIDs struct {
	SiteID *string `json:"siteId"`
}

// normalizeSite flattens a site payload. Composite ids of the form
// "hostname,collection-guid,web-guid" backfill hostname and collection id
// when the payload omits them.
func normalizeSite(v siteView, raw json.RawMessage) domain.Site {
	site := domain.Site{
		ID:        v.ID,
		Name:      firstNonEmpty(v.Name, v.DisplayName),
		WebURL:    v.WebURL,
		CreatedAt: parseGraphTime(v.CreatedDateTime),
		Raw:       raw,
	}
	if v.SiteCollection != nil {
		site.Hostname = firstNonEmpty(v.SiteCollection.Hostname)
	}
	if v.SharePointIDs != nil {
		site.SiteCollectionID = firstNonEmpty(v.SharePointIDs.SiteID)
	}
	if site.SiteCollectionID == nil && v.SiteCollection != nil {
		site.SiteCollectionID = firstNonEmpty(v.SiteCollection.ID)
	}
	if strings.Count(v.ID, ",") >= 2 {
		parts := strings.SplitN(v.ID, ",", 3)
		if site.Hostname == nil {
			site.Hostname = &parts[0]
		}
		if site.SiteCollectionID == nil {
			site.SiteCollectionID = &parts[1]
		}
	}
	return site
}

// personalSite reports whether a site row is a personal (OneDrive) site.
// The stored columns are consulted first; an unparseable raw payload falls
// back to them alone.
func personalSite(ref SiteRef) bool {
	var raw siteView
	if len(ref.Raw) > 0 {
		_ = json.Unmarshal(ref.Raw, &raw)
	}
	if raw.IsPersonalSite != nil && *raw.IsPersonalSite {
		return true
	}

	hostname := ""
	if ref.Hostname != nil {
		hostname = *ref.Hostname
	}
	if hostname == "" && raw.SiteCollection != nil && raw.SiteCollection.Hostname != nil {
		hostname = *raw.SiteCollection.Hostname
	}
	webURL := ""
	if ref.WebURL != nil {
		webURL = *ref.WebURL
	}
	if webURL == "" && raw.WebURL != nil {
		webURL = *raw.WebURL
	}

	return strings.HasSuffix(strings.ToLower(hostname), "my.sharepoint.com") ||
		strings.Contains(strings.ToLower(webURL), "/personal/")
}

type driveView struct {
	ID              string       `json:"id"`
	Name            *string      `json:"name"`
	DriveType       *string      `json:"driveType"`
	WebURL          *string      `json:"webUrl"`
	CreatedDateTime *string      `json:"createdDateTime"`
	Quota           *driveQuota  `json:"quota"`
	Owner           *identitySet `json:"owner"`
	CreatedBy       *identitySet `json:"createdBy"`
	LastModifiedBy  *identitySet `json:"lastModifiedBy"`
}

type driveQuota struct {
	Total *int64 `json:"total"`
	Used  *int64 `json:"used"`
}

// fallbackOwner names the principal a drive was enumerated under, used when
// the payload's owner facet is missing or unresolvable.
type fallbackOwner struct {
	id            string
	principalType string
}

func driveFromView(v driveView, raw json.RawMessage, siteID *string, fallback *fallbackOwner, resolver *Resolver) domain.Drive {
	d := domain.Drive{
		ID:        v.ID,
		SiteID:    siteID,
		Name:      v.Name,
		DriveType: v.DriveType,
		WebURL:    v.WebURL,
		CreatedAt: parseGraphTime(v.CreatedDateTime),
		Raw:       raw,
	}
	if v.Quota != nil {
		d.QuotaTotal = v.Quota.Total
		d.QuotaUsed = v.Quota.Used
	}
	if v.Owner != nil {
		owner := resolver.Resolve(*v.Owner)
		d.OwnerID = owner.storageID()
		if d.OwnerID != nil {
			principalType := owner.PrincipalType
			d.OwnerPrincipalType = &principalType
		}
	}
	if d.OwnerID == nil && fallback != nil {
		id := fallback.id
		principalType := fallback.principalType
		d.OwnerID = &id
		d.OwnerPrincipalType = &principalType
	}
	d.CreatedByUserID = resolver.UserID(v.CreatedBy)
	d.LastModifiedByUserID = resolver.UserID(v.LastModifiedBy)
	return d
}

type itemView struct {
	ID                   string           `json:"id"`
	Name                 *string          `json:"name"`
	WebURL               *string          `json:"webUrl"`
	Size                 *int64           `json:"size"`
	CreatedDateTime      *string          `json:"createdDateTime"`
	LastModifiedDateTime *string          `json:"lastModifiedDateTime"`
	ParentReference      *parentReference `json:"parentReference"`
	CreatedBy            *identitySet     `json:"createdBy"`
	LastModifiedBy       *identitySet     `json:"lastModifiedBy"`
	File                 *fileFacet       `json:"file"`
	Folder               json.RawMessage  `json:"folder"`
	Deleted              json.RawMessage  `json:"deleted"`
	Removed              json.RawMessage  `json:"@removed"`
}

type parentReference struct {
	ID   *string `json:"id"`
	Path *string `json:"path"`
}

type fileFacet struct {
	MimeType *string     `json:"mimeType"`
	Hashes   *fileHashes `json:"hashes"`
}

type fileHashes struct {
	SHA1 *string `json:"sha1Hash"`
}

// removed reports whether a delta entry tombstones the item.
func (v itemView) removed() bool {
	return len(v.Removed) > 0 || len(v.Deleted) > 0
}

// itemPath builds the drive-relative path of an item. Parent paths arrive
// as "/drives/{id}/root:/Sub/Folder"; the part after the first colon is the
// usable one.
func itemPath(v itemView) *string {
	if v.Name == nil || *v.Name == "" {
		return nil
	}
	name := *v.Name

	parentPath := ""
	if v.ParentReference != nil && v.ParentReference.Path != nil {
		parentPath = *v.ParentReference.Path
	}
	if idx := strings.Index(parentPath, ":"); idx >= 0 {
		parentPath = parentPath[idx+1:]
	}
	parentPath = strings.TrimSpace(parentPath)

	var path string
	switch {
	case parentPath == "":
		path = name
	case strings.HasSuffix(parentPath, "/"):
		path = parentPath + name
	default:
		path = parentPath + "/" + name
	}
	return &path
}

// pathLevel counts the non-empty segments of a drive-relative path, so a
// root-level item sits at level 1.
func pathLevel(path *string) *int {
	if path == nil {
		return nil
	}
	level := 0
	for _, seg := range strings.Split(*path, "/") {
		if seg != "" {
			level++
		}
	}
	return &level
}

func itemFromView(driveID string, v itemView, raw json.RawMessage, resolver *Resolver) domain.DriveItem {
	item := domain.DriveItem{
		DriveID:    driveID,
		ID:         v.ID,
		Name:       v.Name,
		WebURL:     v.WebURL,
		IsFolder:   jsonPresent(v.Folder),
		Size:       v.Size,
		CreatedAt:  parseGraphTime(v.CreatedDateTime),
		ModifiedAt: parseGraphTime(v.LastModifiedDateTime),
		Raw:        raw,
	}
	if v.ParentReference != nil {
		item.ParentID = v.ParentReference.ID
	}
	item.Path = itemPath(v)
	item.PathLevel = pathLevel(item.Path)
	if v.File != nil {
		item.MimeType = v.File.MimeType
		if v.File.Hashes != nil {
			item.FileHashSHA1 = v.File.Hashes.SHA1
		}
	}
	item.CreatedByUserID = resolver.UserID(v.CreatedBy)
	item.LastModifiedByUserID = resolver.UserID(v.LastModifiedBy)
	return item
}

type permissionView struct {
	ID                    string            `json:"id"`
	Roles                 json.RawMessage   `json:"roles"`
	Link                  json.RawMessage   `json:"link"`
	InheritedFrom         *itemReference    `json:"inheritedFrom"`
	GrantedTo             json.RawMessage   `json:"grantedTo"`
	GrantedToV2           json.RawMessage   `json:"grantedToV2"`
	GrantedToIdentities   []json.RawMessage `json:"grantedToIdentities"`
	GrantedToIdentitiesV2 []json.RawMessage `json:"grantedToIdentitiesV2"`
}

type itemReference struct {
	ID *string `json:"id"`
}

type sharingLink struct {
	Type               *string `json:"type"`
	Scope              *string `json:"scope"`
	WebURL             *string `json:"webUrl"`
	PreventsDownload   *bool   `json:"preventsDownload"`
	ExpirationDateTime *string `json:"expirationDateTime"`
}

func (v permissionView) sharingLink() *sharingLink {
	if !jsonPresent(v.Link) {
		return nil
	}
	var link sharingLink
	if err := json.Unmarshal(v.Link, &link); err != nil {
		return nil
	}
	return &link
}

func permissionFromView(driveID, itemID string, v permissionView, raw json.RawMessage) domain.DriveItemPermission {
	p := domain.DriveItemPermission{
		DriveID:      driveID,
		ItemID:       itemID,
		PermissionID: v.ID,
		Source:       domain.PermissionSourceDirect,
		Roles:        v.Roles,
		Raw:          raw,
	}
	if v.InheritedFrom != nil && v.InheritedFrom.ID != nil && *v.InheritedFrom.ID != "" {
		p.Source = domain.PermissionSourceInherited
		p.InheritedFromID = v.InheritedFrom.ID
	}
	if link := v.sharingLink(); link != nil {
		p.LinkType = link.Type
		p.LinkScope = link.Scope
		p.LinkWebURL = link.WebURL
		p.LinkPreventsDownload = link.PreventsDownload
		p.LinkExpiresAt = parseGraphTime(link.ExpirationDateTime)
	}
	return p
}

// extractGrants flattens the principals granted by one permission. V2
// identity shapes take over entirely when the payload carries any of them.
// A sharing link grants through a single synthetic "link" principal whose
// raw_json is the link object itself.
func extractGrants(driveID, itemID string, v permissionView, resolver *Resolver) []domain.PermissionGrant {
	var candidates []json.RawMessage
	if jsonPresent(v.GrantedToV2) || len(v.GrantedToIdentitiesV2) > 0 {
		if jsonPresent(v.GrantedToV2) {
			candidates = append(candidates, v.GrantedToV2)
		}
		candidates = append(candidates, v.GrantedToIdentitiesV2...)
	} else {
		if jsonPresent(v.GrantedTo) {
			candidates = append(candidates, v.GrantedTo)
		}
		candidates = append(candidates, v.GrantedToIdentities...)
	}

	var grants []domain.PermissionGrant
	for _, candidate := range candidates {
		var set identitySet
		if err := json.Unmarshal(candidate, &set); err != nil {
			continue
		}
		res := resolver.Resolve(set)
		if res.ExternalID == nil {
			continue
		}
		grants = append(grants, domain.PermissionGrant{
			DriveID:              driveID,
			ItemID:               itemID,
			PermissionID:         v.ID,
			PrincipalType:        res.PrincipalType,
			PrincipalID:          *res.ExternalID,
			PrincipalDisplayName: res.DisplayName,
			PrincipalEmail:       res.Email,
			PrincipalUPN:         res.UPN,
			LocalUserID:          res.LocalUserID,
			Raw:                  candidate,
		})
	}

	if jsonPresent(v.Link) {
		grants = append(grants, domain.PermissionGrant{
			DriveID:       driveID,
			ItemID:        itemID,
			PermissionID:  v.ID,
			PrincipalType: domain.PrincipalTypeLink,
			PrincipalID:   "link",
			Raw:           v.Link,
		})
	}
	return grants
}
