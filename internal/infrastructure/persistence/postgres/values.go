package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// DefaultBulkPageSize caps how many rows a single spliced statement carries.
const DefaultBulkPageSize = 1000

// buildValuesSQL writes prefix, count placeholder groups of the given width
// numbered from $1, and suffix.
func buildValuesSQL(prefix, suffix string, width, count int) string {
	var b strings.Builder
	b.Grow(len(prefix) + len(suffix) + count*(width*5+3))
	b.WriteString(prefix)
	n := 1
	for i := 0; i < count; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < width; j++ {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		}
		b.WriteByte(')')
	}
	b.WriteString(suffix)
	return b.String()
}

// execValues executes prefix + spliced VALUES groups + suffix for every
// page of rows, the multi-row equivalent of a single-row Exec. Every row
// must have the width of the first one. Returns the total rows affected.
func (s *Store) execValues(ctx context.Context, prefix string, rows [][]any, suffix string, pageSize int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if pageSize <= 0 {
		pageSize = DefaultBulkPageSize
	}
	width := len(rows[0])
	if width == 0 {
		return 0, fmt.Errorf("bulk exec: rows must carry at least one value")
	}

	var affected int64
	for start := 0; start < len(rows); start += pageSize {
		end := start + pageSize
		if end > len(rows) {
			end = len(rows)
		}
		page := rows[start:end]

		args := make([]any, 0, len(page)*width)
		for i, row := range page {
			if len(row) != width {
				return affected, fmt.Errorf("bulk exec: row %d has %d values, want %d", start+i, len(row), width)
			}
			args = append(args, row...)
		}

		tag, err := s.db.Exec(ctx, buildValuesSQL(prefix, suffix, width, len(page)), args...)
		if err != nil {
			return affected, fmt.Errorf("bulk exec failed: %w", err)
		}
		affected += tag.RowsAffected()
	}
	return affected, nil
}
