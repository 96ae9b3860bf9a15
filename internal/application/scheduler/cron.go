package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// NextRun computes the first fire time strictly after from for a standard
// five-field cron expression. The result is in UTC.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cron expression %q: %w", expr, err)
	}
	next := schedule.Next(from.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q has no future fire time", expr)
	}
	return next, nil
}
