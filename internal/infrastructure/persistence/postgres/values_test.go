package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildValuesSQL(t *testing.T) {
	t.Run("single row", func(t *testing.T) {
		got := buildValuesSQL("INSERT INTO t (a, b) VALUES ", "", 2, 1)

		assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1,$2)", got)
	})

	t.Run("placeholders number across rows", func(t *testing.T) {
		got := buildValuesSQL("INSERT INTO t (a, b) VALUES ", " ON CONFLICT DO NOTHING", 2, 3)

		assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1,$2), ($3,$4), ($5,$6) ON CONFLICT DO NOTHING", got)
	})

	t.Run("suffix carries join clauses", func(t *testing.T) {
		got := buildValuesSQL(
			"DELETE FROM g USING (VALUES ",
			") AS v(drive_id, item_id) WHERE g.drive_id = v.drive_id",
			2, 2,
		)

		assert.Equal(t,
			"DELETE FROM g USING (VALUES ($1,$2), ($3,$4)) AS v(drive_id, item_id) WHERE g.drive_id = v.drive_id",
			got)
	})

	t.Run("single column width", func(t *testing.T) {
		got := buildValuesSQL("VALUES ", "", 1, 2)

		assert.Equal(t, "VALUES ($1), ($2)", got)
	})
}
