package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
)

type identity struct {
	ID                *string `json:"id"`
	DisplayName       *string `json:"displayName"`
	Email             *string `json:"email"`
	UserPrincipalName *string `json:"userPrincipalName"`
}

// identitySet mirrors the API's identitySet shape. The V2 variants add the
// siteUser and siteGroup members for SharePoint-local principals.
type identitySet struct {
	ODataType   *string   `json:"@odata.type"`
	User        *identity `json:"user"`
	Group       *identity `json:"group"`
	Application *identity `json:"application"`
	SiteUser    *identity `json:"siteUser"`
	SiteGroup   *identity `json:"siteGroup"`
}

// principal picks the populated member of the set and its principal type.
// Sets with no member fall back to the @odata.type annotation.
func (s identitySet) principal() (*identity, string) {
	switch {
	case s.User != nil:
		return s.User, domain.PrincipalTypeUser
	case s.Group != nil:
		return s.Group, domain.PrincipalTypeGroup
	case s.SiteUser != nil:
		return s.SiteUser, domain.PrincipalTypeSharePoint
	case s.SiteGroup != nil:
		return s.SiteGroup, domain.PrincipalTypeSharePoint
	case s.Application != nil:
		return s.Application, domain.PrincipalTypeApplication
	}
	return nil, typeFromAnnotation(s.ODataType)
}

// typeFromAnnotation maps an @odata.type annotation to a principal type.
// The siteUser/siteGroup checks come first: those names also contain
// "user" and "group".
func typeFromAnnotation(odataType *string) string {
	if odataType == nil {
		return domain.PrincipalTypeUnknown
	}
	t := strings.ToLower(*odataType)
	if idx := strings.LastIndex(t, "."); idx >= 0 {
		t = t[idx+1:]
	}
	switch {
	case strings.Contains(t, "siteuser"), strings.Contains(t, "sitegroup"), strings.Contains(t, "sharepoint"):
		return domain.PrincipalTypeSharePoint
	case strings.Contains(t, "application"):
		return domain.PrincipalTypeApplication
	case strings.Contains(t, "group"):
		return domain.PrincipalTypeGroup
	case strings.Contains(t, "user"):
		return domain.PrincipalTypeUser
	}
	return domain.PrincipalTypeUnknown
}

// systemDisplayNames are the well-known names SharePoint uses for its
// internal service principal.
var systemDisplayNames = map[string]struct{}{
	"system account":    {},
	"system":            {},
	`sharepoint\system`: {},
}

// isSystemIdentity detects the SharePoint system principal: a well-known
// display name, or a user-shaped record carrying a name but neither id nor
// any email address.
func isSystemIdentity(p *identity, principalType string) bool {
	if p == nil {
		return false
	}
	if p.DisplayName != nil {
		if _, ok := systemDisplayNames[strings.ToLower(strings.TrimSpace(*p.DisplayName))]; ok {
			return true
		}
	}
	if principalType != domain.PrincipalTypeUser && principalType != domain.PrincipalTypeSharePoint {
		return false
	}
	hasName := p.DisplayName != nil && *p.DisplayName != ""
	hasID := p.ID != nil && *p.ID != ""
	hasEmail := (p.Email != nil && *p.Email != "") || (p.UserPrincipalName != nil && *p.UserPrincipalName != "")
	return hasName && !hasID && !hasEmail
}

// ResolvedIdentity is the outcome of mapping an API identity onto the
// directory: the principal type, the external id the API reported, and the
// local user id when the principal matched an ingested user.
type ResolvedIdentity struct {
	LocalUserID   *string
	PrincipalType string
	DisplayName   *string
	Email         *string
	UPN           *string
	ExternalID    *string
}

// storageID prefers the local user id and falls back to the external one.
func (r ResolvedIdentity) storageID() *string {
	if r.LocalUserID != nil {
		return r.LocalUserID
	}
	return r.ExternalID
}

// UserLoader supplies the user rows the resolver indexes.
type UserLoader interface {
	ListResolverUsers(ctx context.Context) ([]ResolverUser, error)
}

// Resolver maps identity payloads onto ingested users by id and, for
// SharePoint-local shapes that lack directory ids, by email or UPN.
type Resolver struct {
	byID    map[string]struct{}
	byEmail map[string]string
}

// LoadResolver indexes the active user set for principal resolution.
func LoadResolver(ctx context.Context, loader UserLoader) (*Resolver, error) {
	users, err := loader.ListResolverUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity resolver: %w", err)
	}
	r := &Resolver{
		byID:    make(map[string]struct{}, len(users)),
		byEmail: make(map[string]string),
	}
	for _, u := range users {
		r.byID[u.ID] = struct{}{}
		if u.Mail != nil && *u.Mail != "" {
			r.byEmail[strings.ToLower(*u.Mail)] = u.ID
		}
		if u.UserPrincipalName != nil && *u.UserPrincipalName != "" {
			r.byEmail[strings.ToLower(*u.UserPrincipalName)] = u.ID
		}
	}
	return r, nil
}

// matchUser finds the local user for a principal, by id first and then by
// lowercased email or UPN.
func (r *Resolver) matchUser(p *identity) *string {
	if p.ID != nil && *p.ID != "" {
		if _, ok := r.byID[*p.ID]; ok {
			return p.ID
		}
	}
	if p.Email != nil && *p.Email != "" {
		if id, ok := r.byEmail[strings.ToLower(*p.Email)]; ok {
			return &id
		}
	}
	if p.UserPrincipalName != nil && *p.UserPrincipalName != "" {
		if id, ok := r.byEmail[strings.ToLower(*p.UserPrincipalName)]; ok {
			return &id
		}
	}
	return nil
}

// Resolve classifies one identity set and links it to a local user where
// possible. SharePoint-shaped principals resolve through email/UPN because
// their ids are site-local, not directory ids.
func (r *Resolver) Resolve(set identitySet) ResolvedIdentity {
	p, principalType := set.principal()
	res := ResolvedIdentity{PrincipalType: principalType}
	if p == nil {
		return res
	}

	res.DisplayName = firstNonEmpty(p.DisplayName)
	res.Email = firstNonEmpty(p.Email)
	res.UPN = firstNonEmpty(p.UserPrincipalName)
	if p.ID != nil && *p.ID != "" {
		res.ExternalID = p.ID
	}

	if isSystemIdentity(p, principalType) {
		res.PrincipalType = domain.PrincipalTypeSystem
		return res
	}

	if principalType == domain.PrincipalTypeUser || principalType == domain.PrincipalTypeSharePoint {
		res.LocalUserID = r.matchUser(p)
	}
	return res
}

// UserID resolves an identity set to a user id for attribution columns,
// preferring the local match and accepting the external id only for plain
// user principals.
func (r *Resolver) UserID(set *identitySet) *string {
	if set == nil {
		return nil
	}
	res := r.Resolve(*set)
	if res.LocalUserID != nil {
		return res.LocalUserID
	}
	if res.PrincipalType == domain.PrincipalTypeUser {
		return res.ExternalID
	}
	return nil
}
