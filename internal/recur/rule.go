package recur

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Frequency is the FREQ part of a recurrence rule.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// weekdayNames is indexed by time.Weekday, which matches the legacy
// weekday bit order (bit 0 = Sunday).
var weekdayNames = [7]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// rruleWeekdays maps time.Weekday to rrule-go weekday values.
var rruleWeekdays = [7]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// ByDay is one BYDAY token. Week is the signed week-of-month prefix;
// 0 means every matching weekday in the period.
type ByDay struct {
	Week int
	Day  time.Weekday
}

func (d ByDay) String() string {
	if d.Week == 0 {
		return weekdayNames[d.Day]
	}
	return strconv.Itoa(d.Week) + weekdayNames[d.Day]
}

// Rule is the structured form of a legacy repeat record plus the
// exception dates collected for the same event.
//
// A Rule with an empty Freq carries only exceptions and does not recur.
type Rule struct {
	Freq Frequency
	// Interval in days; only set for Daily rules.
	Interval int
	// Until is the instant the legacy record stops repeating (UTC). Zero
	// means no end.
	Until      time.Time
	ByDay      []ByDay
	ByMonthDay []int
	BySetPos   []int
	// Exceptions are civil dates (midnight UTC), sorted and unique.
	Exceptions []time.Time
}

// Recurs reports whether the rule has a frequency.
func (r *Rule) Recurs() bool {
	return r != nil && r.Freq != ""
}

// AddException records an excluded date. The time-of-day of d is ignored.
func (r *Rule) AddException(d time.Time) {
	day := civilDate(d)
	i := sort.Search(len(r.Exceptions), func(i int) bool {
		return !r.Exceptions[i].Before(day)
	})
	if i < len(r.Exceptions) && r.Exceptions[i].Equal(day) {
		return
	}
	r.Exceptions = append(r.Exceptions, time.Time{})
	copy(r.Exceptions[i+1:], r.Exceptions[i:])
	r.Exceptions[i] = day
}

// String renders the RRULE value with a date-valued UNTIL.
func (r *Rule) String() string {
	return r.Format(true)
}

// Format renders the RRULE value with UNTIL in UTC. See FormatIn.
func (r *Rule) Format(allDay bool) string {
	return r.FormatIn(allDay, time.UTC)
}

// FormatIn renders the RRULE value. allDay selects a DATE UNTIL
// (20101006); otherwise UNTIL is the UTC instant at which the until date
// ends in loc (20101007T035959Z for America/New_York), as RFC 5545
// requires for date-time DTSTARTs.
func (r *Rule) FormatIn(allDay bool, loc *time.Location) string {
	if !r.Recurs() {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	parts := []string{"FREQ=" + string(r.Freq)}
	if r.Interval > 0 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if !r.Until.IsZero() {
		u := r.Until.UTC()
		if allDay {
			parts = append(parts, "UNTIL="+u.Format("20060102"))
		} else {
			end := time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, 0, loc)
			parts = append(parts, "UNTIL="+end.UTC().Format("20060102T150405Z"))
		}
	}
	if len(r.ByDay) > 0 {
		tokens := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			tokens[i] = d.String()
		}
		parts = append(parts, "BYDAY="+strings.Join(tokens, ","))
	}
	if len(r.ByMonthDay) > 0 {
		parts = append(parts, "BYMONTHDAY="+joinInts(r.ByMonthDay))
	}
	if len(r.BySetPos) > 0 {
		parts = append(parts, "BYSETPOS="+joinInts(r.BySetPos))
	}
	return strings.Join(parts, ";")
}

// ROption converts the rule into rrule-go options anchored at dtstart.
// Until is widened to the end of its day in dtstart's location so that an
// occurrence on the until date is still produced.
func (r *Rule) ROption(dtstart time.Time) rrule.ROption {
	opt := rrule.ROption{
		Dtstart:    dtstart,
		Interval:   r.Interval,
		Bymonthday: append([]int(nil), r.ByMonthDay...),
		Bysetpos:   append([]int(nil), r.BySetPos...),
	}
	switch r.Freq {
	case Yearly:
		opt.Freq = rrule.YEARLY
	case Monthly:
		opt.Freq = rrule.MONTHLY
	case Weekly:
		opt.Freq = rrule.WEEKLY
	default:
		opt.Freq = rrule.DAILY
	}
	if !r.Until.IsZero() {
		u := r.Until.UTC()
		opt.Until = time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, 0, dtstart.Location())
	}
	for _, d := range r.ByDay {
		wd := rruleWeekdays[d.Day]
		if d.Week != 0 {
			wd = wd.Nth(d.Week)
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}
	return opt
}

// Set builds an rrule-go set for the rule anchored at dtstart, with the
// exceptions applied at dtstart's time of day.
func (r *Rule) Set(dtstart time.Time) (*rrule.Set, error) {
	if !r.Recurs() {
		return nil, errors.New("recur: rule has no frequency")
	}
	rr, err := rrule.NewRRule(r.ROption(dtstart))
	if err != nil {
		return nil, fmt.Errorf("recur: build rrule: %w", err)
	}
	set := &rrule.Set{}
	set.RRule(rr)
	for _, ex := range r.Exceptions {
		set.ExDate(ExceptionAt(ex, dtstart))
	}
	return set, nil
}

// ExceptionAt places an exception date at the time of day and location of
// start.
func ExceptionAt(day, start time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		start.Hour(), start.Minute(), start.Second(), 0, start.Location())
}

// ParseRRule parses an RRULE value (without the "RRULE:" prefix) into a
// Rule, reading UNTIL in UTC. See ParseRRuleIn.
func ParseRRule(s string) (*Rule, error) {
	return ParseRRuleIn(s, time.UTC)
}

// ParseRRuleIn parses an RRULE value into a Rule. Only the parts the
// legacy encoding can express are kept. A date-time UNTIL becomes its
// calendar date in loc.
func ParseRRuleIn(s string, loc *time.Location) (*Rule, error) {
	if loc == nil {
		loc = time.UTC
	}
	opt, err := rrule.StrToROptionInLocation(s, loc)
	if err != nil {
		return nil, fmt.Errorf("recur: parse rrule %q: %w", s, err)
	}
	r := &Rule{
		Interval:   opt.Interval,
		ByMonthDay: opt.Bymonthday,
		BySetPos:   opt.Bysetpos,
	}
	switch opt.Freq {
	case rrule.YEARLY:
		r.Freq = Yearly
	case rrule.MONTHLY:
		r.Freq = Monthly
	case rrule.WEEKLY:
		r.Freq = Weekly
	case rrule.DAILY:
		r.Freq = Daily
	default:
		return nil, fmt.Errorf("recur: unsupported frequency in %q", s)
	}
	if r.Freq != Daily {
		r.Interval = 0
	}
	if !opt.Until.IsZero() {
		r.Until = civilDate(opt.Until.In(loc))
	}
	for _, wd := range opt.Byweekday {
		// rrule-go numbers weekdays from Monday.
		r.ByDay = append(r.ByDay, ByDay{Week: wd.N(), Day: time.Weekday((wd.Day() + 1) % 7)})
	}
	return r, nil
}

func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func joinInts(vals []int) string {
	s := make([]string, len(vals))
	for i, v := range vals {
		s[i] = strconv.Itoa(v)
	}
	return strings.Join(s, ",")
}
