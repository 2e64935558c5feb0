package vm

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ShouldRebuild reports whether the base image is due for a rebuild. An image that was
// never built is always due. With an empty schedule only an explicit request rebuilds.
func ShouldRebuild(schedule string, lastRebuild, now time.Time) (bool, error) {
	if lastRebuild.IsZero() {
		return true, nil
	}
	if schedule == "" {
		return false, nil
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, fmt.Errorf("parse rebuild schedule %q: %w", schedule, err)
	}
	return !sched.Next(lastRebuild).After(now), nil
}
