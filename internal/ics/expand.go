package ics

import (
	"errors"
	"time"

	appLog "plancal/internal/log"
	"plancal/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Calendar is copied into every occurrence.
	Calendar string

	// DisplayLocation is the timezone to which all occurrences will be converted.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive time window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid extremely large
	// expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences expands events into concrete occurrences within the
// configured range. Exception dates are removed and all-day instances keep
// their length in days. Occurrences are converted into
// ExpandConfig.DisplayLocation.
func ExpandOccurrences(events []*model.Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	allOccurrences := make([]model.Occurrence, 0)
	for _, ev := range events {
		if !ev.Recurring() {
			allOccurrences = append(allOccurrences, expandSingleEvent(ev, cfg)...)
			continue
		}
		occ, hitCap := expandRecurringEvent(ev, cfg)
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.UID)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", ev.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		allOccurrences = append(allOccurrences, occ...)
	}

	result.Occurrences = allOccurrences
	return result, nil
}

func expandSingleEvent(ev *model.Event, cfg ExpandConfig) []model.Occurrence {
	if !timeRangesOverlap(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}
	return []model.Occurrence{makeOccurrence(ev, ev.Start, ev.End, cfg)}
}

func expandRecurringEvent(ev *model.Event, cfg ExpandConfig) ([]model.Occurrence, bool) {
	out := make([]model.Occurrence, 0)
	hitCap := false

	set, err := ev.Rule.Set(ev.Start)
	if err != nil {
		appLog.Error("expand: failed to build recurrence", err, "uid", ev.UID, "rrule", ev.Rule.String())
		return out, false
	}

	// An instance that started before the range may still overlap it.
	span := ev.End.Sub(ev.Start)
	loc := ev.Start.Location()
	rangeStart := cfg.RangeStart.Add(-span).In(loc)
	rangeEnd := cfg.RangeEnd.In(loc)

	occTimes := set.Between(rangeStart, rangeEnd, true)
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	days := 0
	if DateValued(ev) {
		days = calendarDays(ev.Start, ev.End)
	}
	for _, occStart := range occTimes {
		var occEnd time.Time
		if days > 0 {
			// Whole days in the event's zone, so DST shifts do not move the end.
			occEnd = occStart.AddDate(0, 0, days)
		} else {
			occEnd = occStart.Add(span)
		}
		out = append(out, makeOccurrence(ev, occStart, occEnd, cfg))
	}

	return out, hitCap
}

// makeOccurrence converts an event and a specific start/end time into a
// model.Occurrence normalized into the display location.
func makeOccurrence(ev *model.Event, start, end time.Time, cfg ExpandConfig) model.Occurrence {
	startLocal := start.In(cfg.DisplayLocation)
	endLocal := end.In(cfg.DisplayLocation)

	occ := model.Occurrence{
		Calendar:    cfg.Calendar,
		UID:         ev.UID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       startLocal,
		End:         endLocal,
	}

	// InstanceKey: use start time in RFC3339 as a stable per-instance key.
	occ.InstanceKey = startLocal.Format(time.RFC3339Nano)

	return occ
}

func calendarDays(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(s).Hours() / 24)
}

func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
