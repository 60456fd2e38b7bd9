package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "plancal/internal/log"
	"plancal/internal/model"
	"plancal/internal/recur"
)

// ReadEvents parses an iCalendar document back into events.
//
//   - DATE values are read as midnight in loc; UTC and TZID date-times
//     are converted to loc, floating ones are read in loc.
//   - RRULE is converted with recur.ParseRRuleIn; rules the plan format
//     cannot hold lose their unsupported parts.
//   - X-PLANCAL-HASH, when present, becomes the event hash.
//
// Events with an unusable VEVENT are logged and skipped.
func ReadEvents(body []byte, loc *time.Location) ([]*model.Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]*model.Event, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, loc)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr, "uid", comp.Id())
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (*model.Event, error) {
	out := &model.Event{Transparency: model.Opaque}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return nil, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyTransp); p != nil && strings.EqualFold(p.Value, string(model.Transparent)) {
		out.Transparency = model.Transparent
	}
	if p := ve.GetProperty(PropertyHash); p != nil {
		out.Hash = p.Value
	}

	dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStartProp == nil {
		return nil, errors.New("missing DTSTART")
	}
	out.AllDay = isDateValue(dtStartProp)

	var err error
	if out.AllDay {
		out.Start, err = parseICSTime(dtStartProp.Value, loc)
	} else {
		out.Start, err = ve.GetStartAt()
		out.Start = out.Start.In(loc)
	}
	if err != nil {
		return nil, err
	}

	switch dtEndProp := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case dtEndProp == nil && out.AllDay:
		out.End = out.Start.AddDate(0, 0, 1)
	case dtEndProp == nil:
		out.End = out.Start
	case isDateValue(dtEndProp):
		out.End, err = parseICSTime(dtEndProp.Value, loc)
	default:
		out.End, err = ve.GetEndAt()
		out.End = out.End.In(loc)
	}
	if err != nil {
		return nil, err
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		rule, rerr := recur.ParseRRuleIn(rruleProp.Value, loc)
		if rerr != nil {
			appLog.Warn("ics rrule dropped", "uid", out.UID, "err", rerr)
		} else {
			out.Rule = rule
		}
	}

	// EXDATE can appear multiple times, each with a comma-separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		exLoc := propertyLocation(p, loc)
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, terr := parseICSTime(part, exLoc)
			if terr != nil {
				continue
			}
			if out.Rule == nil {
				out.Rule = &recur.Rule{}
			}
			out.Rule.AddException(t.In(loc))
		}
	}

	return out, nil
}

// isDateValue reports whether a property holds a DATE rather than a
// DATE-TIME: VALUE=DATE, or no 'T' in the value.
func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// propertyLocation resolves the TZID parameter of p, falling back to loc
// when it is absent or unknown.
func propertyLocation(p *ical.IANAProperty, loc *time.Location) *time.Location {
	ids, ok := p.ICalParameters["TZID"]
	if !ok || len(ids) == 0 {
		return loc
	}
	tz, err := time.LoadLocation(ids[0])
	if err != nil {
		appLog.Warn("ics unknown TZID", "tzid", ids[0], "err", err)
		return loc
	}
	return tz
}

// parseICSTime parses a basic ICS date/date-time string. Floating and
// date-only values are read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse(icalUTCTime, v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		const layout = "20060102T150405"
		return time.ParseInLocation(layout, v, loc)
	}

	// Date-only (all-day), e.g., 20250101
	return time.ParseInLocation(icalDate, v, loc)
}
