package ics

import (
	"time"

	appLog "plancal/internal/log"
	"plancal/internal/model"
)

// Stale reports whether ev has nothing left to show at or after
// threshold. A recurring event is stale when no instance starts on or
// after the threshold; any other event when it ended before it.
func Stale(ev *model.Event, threshold time.Time) bool {
	if !ev.Recurring() {
		return ev.End.Before(threshold)
	}

	set, err := ev.Rule.Set(ev.Start)
	if err != nil {
		// Keep what we cannot evaluate.
		appLog.Error("staleness check failed", err, "uid", ev.UID)
		return false
	}
	next := set.After(threshold.In(ev.Start.Location()), true)
	return next.IsZero()
}
