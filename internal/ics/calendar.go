// Package ics assembles translated events into an iCalendar document,
// expands them into concrete occurrences and reads iCalendar documents
// back into events.
package ics

import (
	"fmt"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "plancal/internal/log"
	"plancal/internal/model"
	"plancal/internal/plan"
	"plancal/internal/recur"
)

const productService = "plancal"

// PropertyHash carries the content hash of the source block so that
// consumers can skip unchanged events.
const PropertyHash = ical.ComponentProperty("X-PLANCAL-HASH")

const (
	icalDate      = "20060102"
	icalUTCTime   = "20060102T150405Z"
	icalLocalTime = "20060102T150405"
)

// zoneYearsAhead is how far past the calendar stamp VTIMEZONE transitions
// are written for rules without an end.
const zoneYearsAhead = 10

// AssembleOptions control the exported view of a calendar.
type AssembleOptions struct {
	// Name is written as X-WR-CALNAME.
	Name string
	// Location is the timezone events were read in. Nil means time.Local.
	Location *time.Location
	// Window is the look-back window. Events whose last relevant
	// occurrence is before Now-Window are left out of the exported view.
	// Zero disables pruning.
	Window time.Duration
	// Now is the reference time for pruning and DTSTAMP. Zero means
	// time.Now().
	Now time.Time
}

// Calendar owns the events of one source file. The exported view is fixed
// when the calendar is assembled.
type Calendar struct {
	Name     string
	Location *time.Location
	// Events holds every parsed event, pruned ones included.
	Events []*model.Event

	exported []*model.Event
	stamp    time.Time
}

// Assemble builds a calendar and applies the staleness window.
func Assemble(events []*model.Event, opts AssembleOptions) *Calendar {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	c := &Calendar{
		Name:     opts.Name,
		Location: opts.Location,
		Events:   events,
		stamp:    opts.Now,
	}

	if opts.Window <= 0 {
		c.exported = events
		return c
	}
	threshold := opts.Now.Add(-opts.Window)
	c.exported = make([]*model.Event, 0, len(events))
	for _, ev := range events {
		if Stale(ev, threshold) {
			appLog.Debug("pruning stale event", "calendar", c.Name, "uid", ev.UID, "summary", ev.Summary)
			continue
		}
		c.exported = append(c.exported, ev)
	}
	return c
}

// Exported returns the events that survive pruning, in source order.
func (c *Calendar) Exported() []*model.Event {
	return c.exported
}

// Pruned is the number of events left out of the exported view.
func (c *Calendar) Pruned() int {
	return len(c.Events) - len(c.exported)
}

// Serialize renders the exported view as an iCalendar document. Timed
// events are written as local date-times with a TZID naming Location,
// which a VTIMEZONE defines. In UTC they are written in the Z form and no
// VTIMEZONE is added.
func (c *Calendar) Serialize() string {
	cal := ical.NewCalendarFor(productService)
	cal.SetMethod(ical.MethodPublish)
	if c.Name != "" {
		cal.SetXWRCalName(c.Name)
	}
	cal.SetXWRTimezone(c.Location.String())

	zone := c.Location
	if zone == time.UTC {
		zone = nil
	} else if from, to, ok := c.zoneSpan(); ok {
		addTimezone(cal, zone, from, to)
	}
	for _, ev := range c.exported {
		addEvent(cal, ev, zone, c.stamp)
	}
	return strings.ReplaceAll(cal.Serialize(), "\u00a0", " ")
}

// zoneSpan is the period the VTIMEZONE has to describe: from the first
// January of the earliest timed event to the end of the year in which the
// last one, or its recurrence, stops. ok is false when every event is
// date-valued.
func (c *Calendar) zoneSpan() (from, to time.Time, ok bool) {
	var first, last time.Time
	for _, ev := range c.exported {
		if DateValued(ev) {
			continue
		}
		end := ev.End
		if ev.Recurring() {
			if ev.Rule.Until.IsZero() {
				end = c.stamp.AddDate(zoneYearsAhead, 0, 0)
			} else if u := ev.Rule.Until.AddDate(0, 0, 1); u.After(end) {
				end = u
			}
		}
		if !ok || ev.Start.Before(first) {
			first = ev.Start
		}
		if !ok || end.After(last) {
			last = end
		}
		ok = true
	}
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	if c.stamp.After(last) {
		last = c.stamp
	}
	first = first.In(c.Location)
	last = last.In(c.Location)
	from = time.Date(first.Year(), time.January, 1, 0, 0, 0, 0, c.Location)
	to = time.Date(last.Year()+1, time.January, 1, 0, 0, 0, 0, c.Location)
	return from, to, true
}

// addTimezone writes a VTIMEZONE for loc with one observance per offset
// change between from and to, plus the observance in effect at from.
func addTimezone(cal *ical.Calendar, loc *time.Location, from, to time.Time) {
	tz := cal.AddTimezone(loc.String())

	t := from.In(loc)
	name, offset := t.Zone()
	addObservance(tz, t.IsDST(), t.Format(icalLocalTime), offset, offset, name)
	for {
		_, end := t.ZoneBounds()
		if end.IsZero() || !end.Before(to) {
			return
		}
		prev := offset
		t = end.In(loc)
		name, offset = t.Zone()
		onset := end.In(time.FixedZone("", prev)).Format(icalLocalTime)
		addObservance(tz, t.IsDST(), onset, prev, offset, name)
	}
}

func addObservance(tz *ical.VTimezone, dst bool, onset string, from, to int, name string) {
	var ob *ical.ComponentBase
	if dst {
		d := &ical.Daylight{}
		tz.Components = append(tz.Components, d)
		ob = &d.ComponentBase
	} else {
		ob = &tz.AddStandard().ComponentBase
	}
	ob.SetProperty(ical.ComponentPropertyDtStart, onset)
	ob.SetProperty(ical.ComponentProperty(ical.PropertyTzoffsetfrom), formatOffset(from))
	ob.SetProperty(ical.ComponentProperty(ical.PropertyTzoffsetto), formatOffset(to))
	if name != "" {
		ob.SetProperty(ical.ComponentProperty(ical.PropertyTzname), name)
	}
}

// formatOffset renders a UTC offset in seconds as +HHMM, or +HHMMSS when
// it is not a whole minute.
func formatOffset(secs int) string {
	sign := "+"
	if secs < 0 {
		sign = "-"
		secs = -secs
	}
	out := fmt.Sprintf("%s%02d%02d", sign, secs/3600, secs/60%60)
	if secs%60 != 0 {
		out += fmt.Sprintf("%02d", secs%60)
	}
	return out
}

// SavePlan writes every event back in plan format, including the ones
// pruned from the exported view.
func (c *Calendar) SavePlan(w io.Writer) error {
	return plan.Save(w, c.Events)
}

// addEvent writes one VEVENT. A nil zone writes date-times in UTC;
// otherwise they are local to zone and carry its TZID.
func addEvent(cal *ical.Calendar, ev *model.Event, zone *time.Location, stamp time.Time) {
	ve := cal.AddEvent(ev.UID)
	ve.SetDtStampTime(stamp)

	dateValued := DateValued(ev)
	switch {
	case dateValued:
		ve.SetAllDayStartAt(ev.Start)
		ve.SetAllDayEndAt(ev.End)
	case zone == nil:
		ve.SetStartAt(ev.Start)
		ve.SetEndAt(ev.End)
	default:
		ve.SetProperty(ical.ComponentPropertyDtStart, ev.Start.In(zone).Format(icalLocalTime), ical.WithTZID(zone.String()))
		ve.SetProperty(ical.ComponentPropertyDtEnd, ev.End.In(zone).Format(icalLocalTime), ical.WithTZID(zone.String()))
	}
	ve.SetTimeTransparency(ical.TimeTransparency(ev.Transparency))

	if ev.Summary != "" {
		ve.SetSummary(ev.Summary)
	}
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}

	if ev.Recurring() {
		untilZone := zone
		if untilZone == nil {
			untilZone = time.UTC
		}
		ve.AddRrule(ev.Rule.FormatIn(dateValued, untilZone))
		for _, ex := range ev.Rule.Exceptions {
			switch {
			case dateValued:
				ve.AddExdate(ex.Format(icalDate), ical.WithValue(string(ical.ValueDataTypeDate)))
			case zone == nil:
				ve.AddExdate(recur.ExceptionAt(ex, ev.Start.UTC()).Format(icalUTCTime))
			default:
				at := recur.ExceptionAt(ex, ev.Start.In(zone))
				ve.AddExdate(at.Format(icalLocalTime), ical.WithTZID(zone.String()))
			}
		}
	}
	if ev.Hash != "" {
		ve.SetProperty(PropertyHash, ev.Hash)
	}
}

// DateValued reports whether an event is written with DATE values. An
// all-day event whose duration line ends it mid-day needs date-times.
func DateValued(ev *model.Event) bool {
	if !ev.AllDay {
		return false
	}
	end := ev.End
	return end.Hour() == 0 && end.Minute() == 0 && end.Second() == 0 && end.After(ev.Start)
}
