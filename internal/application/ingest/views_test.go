package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/ptr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"#microsoft.graph.user", "user"},
		{"#microsoft.graph.group", "group"},
		{"#microsoft.graph.device", "device"},
		{"#something.else", "something.else"},
		{"servicePrincipal", "servicePrincipal"},
		{"", "directoryObject"},
		{"  ", "directoryObject"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, memberType(tt.in), "odata type %q", tt.in)
	}
}

func TestParseGraphTime(t *testing.T) {
	got := parseGraphTime(ptr.To("2024-03-01T10:30:00Z"))
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), *got)

	got = parseGraphTime(ptr.To("2024-03-01T10:30:00.1234567Z"))
	require.NotNil(t, got)
	assert.Equal(t, 123456700, got.Nanosecond())

	assert.Nil(t, parseGraphTime(nil))
	assert.Nil(t, parseGraphTime(ptr.To("")))
	assert.Nil(t, parseGraphTime(ptr.To("not-a-time")))
}

func TestNormalizeSiteBackfillsFromCompositeID(t *testing.T) {
	raw := json.RawMessage(`{"id":"contoso.sharepoint.com,11111111-aaaa,22222222-bbbb"}`)
	var v siteView
	require.NoError(t, json.Unmarshal(raw, &v))

	site := normalizeSite(v, raw)

	assert.Equal(t, "contoso.sharepoint.com,11111111-aaaa,22222222-bbbb", site.ID)
	require.NotNil(t, site.Hostname)
	assert.Equal(t, "contoso.sharepoint.com", *site.Hostname)
	require.NotNil(t, site.SiteCollectionID)
	assert.Equal(t, "11111111-aaaa", *site.SiteCollectionID)
}

func TestNormalizeSitePrefersPayloadFields(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "contoso.sharepoint.com,col-1,web-1",
		"displayName": "Team Site",
		"webUrl": "https://contoso.sharepoint.com/sites/team",
		"createdDateTime": "2023-06-15T08:00:00Z",
		"siteCollection": {"id": "col-from-collection", "hostname": "contoso.sharepoint.com"},
		"sharepointIds": {"siteId": "col-from-spids"}
	}`)
	var v siteView
	require.NoError(t, json.Unmarshal(raw, &v))

	site := normalizeSite(v, raw)

	assert.Equal(t, "Team Site", *site.Name, "displayName fills in for a missing name")
	assert.Equal(t, "https://contoso.sharepoint.com/sites/team", *site.WebURL)
	assert.Equal(t, "contoso.sharepoint.com", *site.Hostname)
	assert.Equal(t, "col-from-spids", *site.SiteCollectionID, "sharepointIds.siteId wins over siteCollection.id")
	require.NotNil(t, site.CreatedAt)
	assert.Equal(t, 2023, site.CreatedAt.Year())
}

func TestPersonalSite(t *testing.T) {
	tests := []struct {
		name string
		ref  SiteRef
		want bool
	}{
		{
			name: "flag in raw payload",
			ref:  SiteRef{ID: "s1", Raw: json.RawMessage(`{"isPersonalSite": true}`)},
			want: true,
		},
		{
			name: "mysite hostname column",
			ref:  SiteRef{ID: "s2", Hostname: ptr.To("contoso-my.sharepoint.com")},
			want: true,
		},
		{
			name: "personal path in web url",
			ref:  SiteRef{ID: "s3", WebURL: ptr.To("https://contoso-my.sharepoint.com/personal/jane_contoso_com")},
			want: true,
		},
		{
			name: "hostname from raw when column empty",
			ref:  SiteRef{ID: "s4", Raw: json.RawMessage(`{"siteCollection":{"hostname":"contoso-MY.sharepoint.com"}}`)},
			want: true,
		},
		{
			name: "regular team site",
			ref: SiteRef{
				ID:       "s5",
				Hostname: ptr.To("contoso.sharepoint.com"),
				WebURL:   ptr.To("https://contoso.sharepoint.com/sites/team"),
				Raw:      json.RawMessage(`{"isPersonalSite": false}`),
			},
			want: false,
		},
		{
			name: "garbage raw falls back to columns",
			ref:  SiteRef{ID: "s6", Hostname: ptr.To("contoso.sharepoint.com"), Raw: json.RawMessage(`{{`)},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, personalSite(tt.ref))
		})
	}
}

func TestItemPathAndLevel(t *testing.T) {
	tests := []struct {
		name      string
		item      string
		wantPath  *string
		wantLevel *int
	}{
		{
			name:      "nested file",
			item:      `{"name":"report.docx","parentReference":{"path":"/drives/d1/root:/Projects/Q3"}}`,
			wantPath:  ptr.To("/Projects/Q3/report.docx"),
			wantLevel: ptr.To(3),
		},
		{
			name:      "root file has empty parent path",
			item:      `{"name":"readme.md","parentReference":{"path":"/drives/d1/root:"}}`,
			wantPath:  ptr.To("readme.md"),
			wantLevel: ptr.To(1),
		},
		{
			name:      "no parent reference",
			item:      `{"name":"loose.txt"}`,
			wantPath:  ptr.To("loose.txt"),
			wantLevel: ptr.To(1),
		},
		{
			name:      "trailing slash joins cleanly",
			item:      `{"name":"a.txt","parentReference":{"path":"/drives/d1/root:/Sub/"}}`,
			wantPath:  ptr.To("/Sub/a.txt"),
			wantLevel: ptr.To(2),
		},
		{
			name:      "unnamed item has no path",
			item:      `{"parentReference":{"path":"/drives/d1/root:/Sub"}}`,
			wantPath:  nil,
			wantLevel: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v itemView
			require.NoError(t, json.Unmarshal(json.RawMessage(tt.item), &v))
			path := itemPath(v)
			if tt.wantPath == nil {
				assert.Nil(t, path)
			} else {
				require.NotNil(t, path)
				assert.Equal(t, *tt.wantPath, *path)
			}
			level := pathLevel(path)
			if tt.wantLevel == nil {
				assert.Nil(t, level)
			} else {
				require.NotNil(t, level)
				assert.Equal(t, *tt.wantLevel, *level)
			}
		})
	}
}

func TestItemFromView(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "item-1",
		"name": "spec.pdf",
		"webUrl": "https://contoso.sharepoint.com/doc.pdf",
		"size": 2048,
		"createdDateTime": "2024-01-02T03:04:05Z",
		"lastModifiedDateTime": "2024-02-02T03:04:05Z",
		"parentReference": {"id": "parent-1", "path": "/drives/d1/root:/Specs"},
		"file": {"mimeType": "application/pdf", "hashes": {"sha1Hash": "DEADBEEF"}},
		"createdBy": {"user": {"id": "u1", "displayName": "Jane"}}
	}`)
	var v itemView
	require.NoError(t, json.Unmarshal(raw, &v))
	require.False(t, v.removed())

	resolver := resolverWith(t, ResolverUser{ID: "u1"})
	item := itemFromView("d1", v, raw, resolver)

	assert.Equal(t, "d1", item.DriveID)
	assert.Equal(t, "item-1", item.ID)
	assert.False(t, item.IsFolder)
	assert.Equal(t, "parent-1", *item.ParentID)
	assert.Equal(t, "/Specs/spec.pdf", *item.Path)
	assert.Equal(t, 2, *item.PathLevel)
	assert.Equal(t, int64(2048), *item.Size)
	assert.Equal(t, "application/pdf", *item.MimeType)
	assert.Equal(t, "DEADBEEF", *item.FileHashSHA1)
	assert.Equal(t, "u1", *item.CreatedByUserID)
	assert.Nil(t, item.LastModifiedByUserID)
}

func TestItemViewRemovedDetection(t *testing.T) {
	var tombstone itemView
	require.NoError(t, json.Unmarshal(json.RawMessage(`{"id":"x","@removed":{"reason":"deleted"}}`), &tombstone))
	assert.True(t, tombstone.removed())

	var deleted itemView
	require.NoError(t, json.Unmarshal(json.RawMessage(`{"id":"x","deleted":{"state":"deleted"}}`), &deleted))
	assert.True(t, deleted.removed())

	var folder itemView
	require.NoError(t, json.Unmarshal(json.RawMessage(`{"id":"x","folder":{"childCount":2}}`), &folder))
	assert.False(t, folder.removed())
	assert.True(t, jsonPresent(folder.Folder))
}

func TestPermissionFromViewSource(t *testing.T) {
	direct := json.RawMessage(`{"id":"p1","roles":["read"]}`)
	var v permissionView
	require.NoError(t, json.Unmarshal(direct, &v))
	p := permissionFromView("d1", "i1", v, direct)
	assert.Equal(t, domain.PermissionSourceDirect, p.Source)
	assert.Nil(t, p.InheritedFromID)

	inherited := json.RawMessage(`{"id":"p2","roles":["write"],"inheritedFrom":{"id":"anc-1"}}`)
	var v2 permissionView
	require.NoError(t, json.Unmarshal(inherited, &v2))
	p2 := permissionFromView("d1", "i1", v2, inherited)
	assert.Equal(t, domain.PermissionSourceInherited, p2.Source)
	assert.Equal(t, "anc-1", *p2.InheritedFromID)

	emptyAncestor := json.RawMessage(`{"id":"p3","inheritedFrom":{}}`)
	var v3 permissionView
	require.NoError(t, json.Unmarshal(emptyAncestor, &v3))
	p3 := permissionFromView("d1", "i1", v3, emptyAncestor)
	assert.Equal(t, domain.PermissionSourceDirect, p3.Source, "ancestor without id is not inherited")
}

func TestPermissionFromViewLinkFields(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "p1",
		"roles": ["read"],
		"link": {
			"type": "view",
			"scope": "anonymous",
			"webUrl": "https://contoso.sharepoint.com/:x:/s/link",
			"preventsDownload": true,
			"expirationDateTime": "2025-01-01T00:00:00Z"
		}
	}`)
	var v permissionView
	require.NoError(t, json.Unmarshal(raw, &v))

	p := permissionFromView("d1", "i1", v, raw)

	assert.Equal(t, "view", *p.LinkType)
	assert.Equal(t, "anonymous", *p.LinkScope)
	assert.Equal(t, true, *p.LinkPreventsDownload)
	require.NotNil(t, p.LinkExpiresAt)
	assert.Equal(t, 2025, p.LinkExpiresAt.Year())
}

func TestExtractGrantsV1(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "p1",
		"grantedTo": {"user": {"id": "u1", "displayName": "Jane", "email": "jane@contoso.com"}},
		"grantedToIdentities": [
			{"group": {"id": "g1", "displayName": "Engineering"}},
			{"user": {"displayName": "No ID Here"}}
		]
	}`)
	var v permissionView
	require.NoError(t, json.Unmarshal(raw, &v))

	resolver := resolverWith(t, ResolverUser{ID: "u1", Mail: ptr.To("jane@contoso.com")})
	grants := extractGrants("d1", "i1", v, resolver)

	require.Len(t, grants, 2, "identity without an id is dropped")
	assert.Equal(t, domain.PrincipalTypeUser, grants[0].PrincipalType)
	assert.Equal(t, "u1", grants[0].PrincipalID)
	assert.Equal(t, "u1", *grants[0].LocalUserID)
	assert.Equal(t, domain.PrincipalTypeGroup, grants[1].PrincipalType)
	assert.Equal(t, "g1", grants[1].PrincipalID)
	assert.Nil(t, grants[1].LocalUserID)
}

func TestExtractGrantsPrefersV2(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "p1",
		"grantedTo": {"user": {"id": "v1-user"}},
		"grantedToV2": {"siteUser": {"id": "7", "displayName": "Jane", "email": "jane@contoso.com"}},
		"grantedToIdentities": [{"user": {"id": "v1-other"}}]
	}`)
	var v permissionView
	require.NoError(t, json.Unmarshal(raw, &v))

	resolver := resolverWith(t, ResolverUser{ID: "u1", Mail: ptr.To("jane@contoso.com")})
	grants := extractGrants("d1", "i1", v, resolver)

	require.Len(t, grants, 1, "V1 shapes are ignored when any V2 field is present")
	assert.Equal(t, domain.PrincipalTypeSharePoint, grants[0].PrincipalType)
	assert.Equal(t, "7", grants[0].PrincipalID, "site-local id is kept as the external id")
	require.NotNil(t, grants[0].LocalUserID)
	assert.Equal(t, "u1", *grants[0].LocalUserID, "site user resolves to the directory user by email")
}

func TestExtractGrantsSynthesizesLinkPrincipal(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "p1",
		"link": {"type": "view", "scope": "organization"},
		"grantedToIdentitiesV2": [{"user": {"id": "u2"}}]
	}`)
	var v permissionView
	require.NoError(t, json.Unmarshal(raw, &v))

	resolver := resolverWith(t)
	grants := extractGrants("d1", "i1", v, resolver)

	require.Len(t, grants, 2)
	assert.Equal(t, domain.PrincipalTypeUser, grants[0].PrincipalType)

	link := grants[1]
	assert.Equal(t, domain.PrincipalTypeLink, link.PrincipalType)
	assert.Equal(t, "link", link.PrincipalID)
	assert.JSONEq(t, `{"type": "view", "scope": "organization"}`, string(link.Raw))
}

func TestDriveFromView(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "drv-1",
		"name": "Documents",
		"driveType": "documentLibrary",
		"quota": {"total": 1000, "used": 250},
		"owner": {"group": {"id": "g1", "displayName": "Engineering"}},
		"lastModifiedBy": {"user": {"id": "u1"}}
	}`)
	var v driveView
	require.NoError(t, json.Unmarshal(raw, &v))

	resolver := resolverWith(t, ResolverUser{ID: "u1"})
	d := driveFromView(v, raw, ptr.To("site-1"), nil, resolver)

	assert.Equal(t, "drv-1", d.ID)
	assert.Equal(t, "site-1", *d.SiteID)
	assert.Equal(t, int64(1000), *d.QuotaTotal)
	assert.Equal(t, int64(250), *d.QuotaUsed)
	assert.Equal(t, "g1", *d.OwnerID)
	assert.Equal(t, domain.PrincipalTypeGroup, *d.OwnerPrincipalType)
	assert.Nil(t, d.CreatedByUserID)
	assert.Equal(t, "u1", *d.LastModifiedByUserID)
}

func TestDriveFromViewFallbackOwner(t *testing.T) {
	raw := json.RawMessage(`{"id": "drv-2"}`)
	var v driveView
	require.NoError(t, json.Unmarshal(raw, &v))

	resolver := resolverWith(t)
	d := driveFromView(v, raw, nil, &fallbackOwner{id: "g9", principalType: domain.PrincipalTypeGroup}, resolver)

	assert.Equal(t, "g9", *d.OwnerID)
	assert.Equal(t, domain.PrincipalTypeGroup, *d.OwnerPrincipalType)
	assert.Nil(t, d.SiteID)
}

// resolverWith builds a resolver over a fixed user set without a store.
func resolverWith(t *testing.T, users ...ResolverUser) *Resolver {
	t.Helper()
	r, err := LoadResolver(context.Background(), staticUsers(users))
	require.NoError(t, err)
	return r
}

type staticUsers []ResolverUser

func (s staticUsers) ListResolverUsers(ctx context.Context) ([]ResolverUser, error) {
	return s, nil
}
