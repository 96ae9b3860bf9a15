package ingest

import (
	"slices"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/domain"
)

// dedupeKeepLast drops earlier occurrences of a key so the final duplicate
// wins, matching what a row-by-row upsert would leave behind. Order of the
// surviving rows is preserved.
func dedupeKeepLast[T any, K comparable](rows []T, key func(T) K) ([]T, int) {
	if len(rows) < 2 {
		return rows, 0
	}
	seen := make(map[K]struct{}, len(rows))
	out := make([]T, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		k := key(rows[i])
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, rows[i])
	}
	if len(out) == len(rows) {
		return rows, 0
	}
	slices.Reverse(out)
	return out, len(rows) - len(out)
}

// mergeDrives collapses duplicate drive rows field-wise so that a sparse
// enumeration (a group or user /drive with no site context) cannot blank
// out columns an earlier, richer row already filled.
func mergeDrives(rows []domain.Drive) ([]domain.Drive, int) {
	if len(rows) < 2 {
		return rows, 0
	}
	index := make(map[string]int, len(rows))
	out := make([]domain.Drive, 0, len(rows))
	for _, row := range rows {
		at, dup := index[row.ID]
		if !dup {
			index[row.ID] = len(out)
			out = append(out, row)
			continue
		}
		out[at] = mergeDrive(out[at], row)
	}
	if len(out) == len(rows) {
		return rows, 0
	}
	return out, len(rows) - len(out)
}

func mergeDrive(base, next domain.Drive) domain.Drive {
	if next.SiteID != nil {
		base.SiteID = next.SiteID
	}
	if next.Name != nil {
		base.Name = next.Name
	}
	if next.DriveType != nil {
		base.DriveType = next.DriveType
	}
	if next.WebURL != nil {
		base.WebURL = next.WebURL
	}
	if next.OwnerID != nil {
		base.OwnerID = next.OwnerID
	}
	if next.OwnerPrincipalType != nil {
		base.OwnerPrincipalType = next.OwnerPrincipalType
	}
	if next.CreatedByUserID != nil {
		base.CreatedByUserID = next.CreatedByUserID
	}
	if next.LastModifiedByUserID != nil {
		base.LastModifiedByUserID = next.LastModifiedByUserID
	}
	if next.QuotaTotal != nil {
		base.QuotaTotal = next.QuotaTotal
	}
	if next.QuotaUsed != nil {
		base.QuotaUsed = next.QuotaUsed
	}
	if next.CreatedAt != nil {
		base.CreatedAt = next.CreatedAt
	}
	if len(next.Raw) > 0 {
		base.Raw = next.Raw
	}
	return base
}

// truncateError caps an error string stored in a status column.
func truncateError(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
