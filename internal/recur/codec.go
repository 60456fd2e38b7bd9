// Package recur translates between the legacy plan repeat record and a
// structured recurrence rule.
//
// Decoding picks the frequency in strict priority order: the yearly flag,
// then the month-day mask, then the week-of-month bits of the weekday
// mask, then the weekday bits alone, and finally "every N days".
//
// Several weekdays combined with several weeks of the month expand to the
// cross-product of (week, weekday) pairs, week-major:
// weeks {1,2,last} x days {SU,MO} gives BYDAY=1SU,1MO,2SU,2MO,-1SU,-1MO.
// Week bits without any weekday bit decode to BYSETPOS. Encode accepts
// both that form and the older "weekday list plus BYSETPOS" form.
package recur

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const secondsPerDay = 86400

// Legacy weekday mask layout.
const (
	dayBits   = 0x007f // bits 0-6, Sunday first
	weekShift = 8
	weekBits  = 0x3f00 // bits 8-13, weeks 1-5 and last
)

// weekNumbers maps week bits 8-13 to BYDAY week prefixes.
var weekNumbers = [6]int{1, 2, 3, 4, 5, -1}

// lastDayBit is monthday_mask bit 0; bits 1-30 select day N.
const (
	lastDayBit  = 1
	maxMonthDay = 30
)

var (
	// ErrMalformedRepeat is returned for an R payload that does not hold
	// five numeric fields.
	ErrMalformedRepeat = errors.New("malformed repeat record")
	// ErrUnencodable is returned when a rule uses something the legacy
	// encoding cannot express.
	ErrUnencodable = errors.New("rule not representable as repeat record")
)

// epoch is the zero point of the legacy delete_secs field.
var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// maxDeleteSecs keeps epoch+delete_secs within time.Duration range.
const maxDeleteSecs = uint64(math.MaxInt64 / int64(time.Second))

// RepeatRecord is the parsed payload of an R line:
//
//	trigger_secs delete_secs weekday_mask monthday_mask yearly
type RepeatRecord struct {
	TriggerSecs  uint64
	DeleteSecs   uint64
	WeekdayMask  uint32
	MonthdayMask uint32
	Yearly       bool
}

// ParseRepeat parses the payload of an R line.
func ParseRepeat(payload string) (RepeatRecord, error) {
	var rec RepeatRecord
	fields := strings.Fields(payload)
	if len(fields) < 5 {
		return rec, fmt.Errorf("%w: want 5 fields, got %d", ErrMalformedRepeat, len(fields))
	}
	nums := make([]uint64, 5)
	for i := range nums {
		n, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return rec, fmt.Errorf("%w: field %d: %v", ErrMalformedRepeat, i+1, err)
		}
		nums[i] = n
	}
	if nums[1] > maxDeleteSecs || nums[2] > 0xffffffff || nums[3] > 0xffffffff || nums[4] > 1 {
		return rec, fmt.Errorf("%w: field out of range", ErrMalformedRepeat)
	}
	rec.TriggerSecs = nums[0]
	rec.DeleteSecs = nums[1]
	rec.WeekdayMask = uint32(nums[2])
	rec.MonthdayMask = uint32(nums[3])
	rec.Yearly = nums[4] == 1
	return rec, nil
}

// String formats the record as an R payload.
func (r RepeatRecord) String() string {
	yearly := 0
	if r.Yearly {
		yearly = 1
	}
	return fmt.Sprintf("%d %d %d %d %d", r.TriggerSecs, r.DeleteSecs, r.WeekdayMask, r.MonthdayMask, yearly)
}

// Decode converts a repeat record into a Rule.
func Decode(r RepeatRecord) *Rule {
	rule := &Rule{}
	if r.DeleteSecs != 0 {
		rule.Until = epoch.Add(time.Duration(r.DeleteSecs) * time.Second)
	}

	switch {
	case r.Yearly:
		rule.Freq = Yearly

	case r.MonthdayMask != 0:
		rule.Freq = Monthly
		for i := 1; i <= maxMonthDay; i++ {
			if r.MonthdayMask&(1<<i) != 0 {
				rule.ByMonthDay = append(rule.ByMonthDay, i)
			}
		}
		if r.MonthdayMask&lastDayBit != 0 {
			rule.ByMonthDay = append(rule.ByMonthDay, -1)
		}

	case r.WeekdayMask&weekBits != 0:
		rule.Freq = Monthly
		days := maskDays(r.WeekdayMask)
		weeks := maskWeeks(r.WeekdayMask)
		if len(days) == 0 {
			rule.BySetPos = weeks
			break
		}
		for _, w := range weeks {
			for _, d := range days {
				rule.ByDay = append(rule.ByDay, ByDay{Week: w, Day: d})
			}
		}

	case r.WeekdayMask&dayBits != 0:
		rule.Freq = Weekly
		for _, d := range maskDays(r.WeekdayMask) {
			rule.ByDay = append(rule.ByDay, ByDay{Day: d})
		}

	default:
		rule.Freq = Daily
		rule.Interval = int(r.TriggerSecs / secondsPerDay)
	}
	return rule
}

// Encode converts a Rule back into a repeat record. Exceptions are not
// part of the record; they are written as separate E lines.
func Encode(rule *Rule) (RepeatRecord, error) {
	var rec RepeatRecord
	if !rule.Recurs() {
		return rec, fmt.Errorf("%w: no frequency", ErrUnencodable)
	}
	if !rule.Until.IsZero() {
		secs := rule.Until.Unix()
		if secs <= 0 {
			return rec, fmt.Errorf("%w: until %s precedes epoch", ErrUnencodable, rule.Until)
		}
		rec.DeleteSecs = uint64(secs)
	}

	switch rule.Freq {
	case Yearly:
		rec.Yearly = true

	case Monthly:
		for _, d := range rule.ByMonthDay {
			switch {
			case d == -1:
				rec.MonthdayMask |= lastDayBit
			case d >= 1 && d <= maxMonthDay:
				rec.MonthdayMask |= 1 << d
			default:
				return rec, fmt.Errorf("%w: month day %d", ErrUnencodable, d)
			}
		}
		for _, bd := range rule.ByDay {
			rec.WeekdayMask |= 1 << uint(bd.Day)
			if bd.Week == 0 {
				continue
			}
			bit, err := weekBit(bd.Week)
			if err != nil {
				return rec, err
			}
			rec.WeekdayMask |= bit
		}
		for _, p := range rule.BySetPos {
			bit, err := weekBit(p)
			if err != nil {
				return rec, err
			}
			rec.WeekdayMask |= bit
		}
		if rec.MonthdayMask == 0 && rec.WeekdayMask&weekBits == 0 {
			return rec, fmt.Errorf("%w: monthly rule without month days or weeks", ErrUnencodable)
		}

	case Weekly:
		if len(rule.ByDay) == 0 {
			return rec, fmt.Errorf("%w: weekly rule without weekdays", ErrUnencodable)
		}
		for _, bd := range rule.ByDay {
			if bd.Week != 0 {
				return rec, fmt.Errorf("%w: weekly rule with week prefix %s", ErrUnencodable, bd)
			}
			rec.WeekdayMask |= 1 << uint(bd.Day)
		}

	case Daily:
		if rule.Interval < 0 {
			return rec, fmt.Errorf("%w: interval %d", ErrUnencodable, rule.Interval)
		}
		rec.TriggerSecs = uint64(rule.Interval) * secondsPerDay

	default:
		return rec, fmt.Errorf("%w: frequency %q", ErrUnencodable, rule.Freq)
	}
	return rec, nil
}

func maskDays(mask uint32) []time.Weekday {
	var days []time.Weekday
	for i := 0; i < 7; i++ {
		if mask&(1<<i) != 0 {
			days = append(days, time.Weekday(i))
		}
	}
	return days
}

func maskWeeks(mask uint32) []int {
	var weeks []int
	for i, w := range weekNumbers {
		if mask&(1<<(weekShift+i)) != 0 {
			weeks = append(weeks, w)
		}
	}
	return weeks
}

func weekBit(week int) (uint32, error) {
	for i, w := range weekNumbers {
		if w == week {
			return 1 << (weekShift + i), nil
		}
	}
	return 0, fmt.Errorf("%w: week of month %d", ErrUnencodable, week)
}
