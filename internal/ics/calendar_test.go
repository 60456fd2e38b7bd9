package ics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teambition/rrule-go"

	"plancal/internal/model"
	"plancal/internal/plan"
)

const mixedCalendar = `1/5/2009  10:0:0  1:0:0
N    Old meeting
9/11/2009  99:99:99  0:0:0
R    0 0 0 0 1
E    9/11/2010
N    Birthday
10/5/2009  99:99:99  0:0:0
R    259200 1286323200 0 0 0
N    Every 3 days until Oct 2010
7/25/2009  16:0:0  1:30:0
R    0 1251504000 64 0 0
E    8/8/2009
N    Gym @ Main St
`

var refNow = time.Date(2012, 1, 15, 0, 0, 0, 0, time.UTC)

func parseMixed(t *testing.T) []*model.Event {
	t.Helper()
	events, err := plan.Parse(mixedCalendar, plan.Options{Location: time.UTC})
	require.NoError(t, err)
	require.Len(t, events, 4)
	return events
}

func TestAssemble_PrunesStaleButSavesAll(t *testing.T) {
	events := parseMixed(t)
	cal := Assemble(events, AssembleOptions{
		Name:     "work",
		Location: time.UTC,
		Window:   4 * 7 * 24 * time.Hour,
		Now:      refNow,
	})

	require.Len(t, cal.Exported(), 1)
	assert.Equal(t, "Birthday", cal.Exported()[0].Summary)
	assert.Equal(t, 3, cal.Pruned())

	out := cal.Serialize()
	assert.Contains(t, out, "SUMMARY:Birthday")
	assert.NotContains(t, out, "Old meeting")
	assert.NotContains(t, out, "Gym")

	var buf bytes.Buffer
	require.NoError(t, cal.SavePlan(&buf))
	saved := buf.String()
	assert.Contains(t, saved, "N    Old meeting")
	assert.Contains(t, saved, "N    Gym @ Main St")
	assert.Equal(t, 4, strings.Count(saved, "#plan2ics:"))
}

func TestAssemble_NoWindowKeepsEverything(t *testing.T) {
	cal := Assemble(parseMixed(t), AssembleOptions{Location: time.UTC, Now: refNow})
	assert.Len(t, cal.Exported(), 4)
	assert.Zero(t, cal.Pruned())
}

func TestStale(t *testing.T) {
	threshold := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	single := &model.Event{
		Start: threshold.Add(-time.Hour),
		End:   threshold,
	}
	assert.False(t, Stale(single, threshold), "ending exactly at the threshold is kept")
	single.End = threshold.Add(-time.Second)
	assert.True(t, Stale(single, threshold))

	events := parseMixed(t)
	assert.False(t, Stale(events[1], threshold))
	assert.False(t, Stale(events[2], threshold))
	assert.True(t, Stale(events[2], time.Date(2010, 10, 7, 0, 0, 0, 0, time.UTC)))
	assert.False(t, Stale(events[2], time.Date(2010, 10, 6, 0, 0, 0, 0, time.UTC)))
}

func TestSerialize_Properties(t *testing.T) {
	events := parseMixed(t)
	cal := Assemble(events, AssembleOptions{Name: "work", Location: time.UTC, Now: refNow})
	out := cal.Serialize()

	for _, want := range []string{
		"METHOD:PUBLISH",
		"X-WR-CALNAME:work",
		"X-WR-TIMEZONE:UTC",
		"DTSTAMP:20120115T000000Z",
		"UID:" + events[1].UID,
		"DTSTART;VALUE=DATE:20090911",
		"DTEND;VALUE=DATE:20090912",
		"RRULE:FREQ=YEARLY",
		"EXDATE;VALUE=DATE:20100911",
		"TRANSP:TRANSPARENT",
		"RRULE:FREQ=DAILY;INTERVAL=3;UNTIL=20101006",
		"DTSTART:20090725T160000Z",
		"DTEND:20090725T173000Z",
		"RRULE:FREQ=WEEKLY;UNTIL=20090829T235959Z;BYDAY=SA",
		"EXDATE:20090808T160000Z",
		"TRANSP:OPAQUE",
		"LOCATION:Main St",
		"X-PLANCAL-HASH:" + events[3].Hash,
	} {
		assert.Contains(t, out, want)
	}
	assert.Equal(t, 4, strings.Count(out, "BEGIN:VEVENT"))
}

func TestSerialize_AllDayWithDurationUsesDateTimes(t *testing.T) {
	events, err := plan.Parse("7/21/2009  99:99:99  1:30:00\nN    Short all-day\n", plan.Options{Location: time.UTC})
	require.NoError(t, err)
	out := Assemble(events, AssembleOptions{Location: time.UTC, Now: refNow}).Serialize()
	assert.Contains(t, out, "DTSTART:20090721T000000Z")
	assert.Contains(t, out, "DTEND:20090721T013000Z")
	assert.Contains(t, out, "TRANSP:TRANSPARENT")
}

const eveningClass = "9/14/2009  20:0:0  1:0:0\nR\t0 1259539200 2 0 0\nE\t9/28/2009\nN\tEvening class\n"

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

// icsLine returns the first unfolded content line of doc starting with
// prefix.
func icsLine(t *testing.T, doc, prefix string) string {
	t.Helper()
	for _, l := range strings.Split(doc, "\r\n") {
		if strings.HasPrefix(l, prefix) {
			return l
		}
	}
	t.Fatalf("no %s line in:\n%s", prefix, doc)
	return ""
}

func TestSerialize_LocalZoneDateTimes(t *testing.T) {
	ny := newYork(t)
	events, err := plan.Parse(eveningClass, plan.Options{Location: ny})
	require.NoError(t, err)
	out := Assemble(events, AssembleOptions{Location: ny, Now: refNow}).Serialize()

	for _, want := range []string{
		"X-WR-TIMEZONE:America/New_York\r\n",
		"BEGIN:VTIMEZONE\r\nTZID:America/New_York\r\n",
		"BEGIN:STANDARD\r\nDTSTART:20091101T020000\r\nTZOFFSETFROM:-0400\r\nTZOFFSETTO:-0500\r\nTZNAME:EST\r\nEND:STANDARD\r\n",
		"BEGIN:DAYLIGHT\r\nDTSTART:20090308T020000\r\nTZOFFSETFROM:-0500\r\nTZOFFSETTO:-0400\r\nTZNAME:EDT\r\nEND:DAYLIGHT\r\n",
		"DTSTART;TZID=America/New_York:20090914T200000\r\n",
		"DTEND;TZID=America/New_York:20090914T210000\r\n",
		"RRULE:FREQ=WEEKLY;UNTIL=20091201T045959Z;BYDAY=MO\r\n",
		"EXDATE;TZID=America/New_York:20090928T200000\r\n",
	} {
		assert.Contains(t, out, want)
	}
	assert.Less(t, strings.Index(out, "BEGIN:VTIMEZONE"), strings.Index(out, "BEGIN:VEVENT"))
	assert.NotContains(t, out, "DTSTART:20090915")
}

func TestSerialize_LocalZoneExpandsOnLocalWeekday(t *testing.T) {
	ny := newYork(t)
	events, err := plan.Parse(eveningClass, plan.Options{Location: ny})
	require.NoError(t, err)
	out := Assemble(events, AssembleOptions{Location: ny, Now: refNow}).Serialize()

	set, err := rrule.StrSliceToRRuleSetInLoc([]string{
		icsLine(t, out, "DTSTART;"),
		icsLine(t, out, "RRULE:"),
		icsLine(t, out, "EXDATE;"),
	}, time.UTC)
	require.NoError(t, err)

	got := set.All()
	require.Len(t, got, 11)
	for _, occ := range got {
		local := occ.In(ny)
		assert.Equal(t, time.Monday, local.Weekday(), "occurrence %s", local)
		assert.Equal(t, 20, local.Hour(), "occurrence %s", local)
		assert.NotEqual(t, 28, local.Day(), "excluded date present")
	}
	assert.True(t, got[0].Equal(time.Date(2009, 9, 14, 20, 0, 0, 0, ny)))
	assert.True(t, got[len(got)-1].Equal(time.Date(2009, 11, 30, 20, 0, 0, 0, ny)))
}

func TestSerialize_DateValuedOnlyHasNoTimezone(t *testing.T) {
	ny := newYork(t)
	events, err := plan.Parse("9/11/2009  99:99:99\nR\t0 0 0 0 1\nN\tBirthday\n", plan.Options{Location: ny})
	require.NoError(t, err)
	out := Assemble(events, AssembleOptions{Location: ny, Now: refNow}).Serialize()
	assert.NotContains(t, out, "BEGIN:VTIMEZONE")
	assert.Contains(t, out, "DTSTART;VALUE=DATE:20090911")
}

func TestFormatOffset(t *testing.T) {
	assert.Equal(t, "-0500", formatOffset(-5*3600))
	assert.Equal(t, "+0530", formatOffset(5*3600+30*60))
	assert.Equal(t, "+0000", formatOffset(0))
	assert.Equal(t, "-001615", formatOffset(-(16*60 + 15)))
}

func TestSerialize_NormalizesNBSP(t *testing.T) {
	start := time.Date(2011, 3, 1, 9, 0, 0, 0, time.UTC)
	ev := &model.Event{UID: "nbsp", Summary: "a\u00a0b", Start: start, End: start, Transparency: model.Opaque}
	out := Assemble([]*model.Event{ev}, AssembleOptions{Location: time.UTC, Now: refNow}).Serialize()
	assert.Contains(t, out, "SUMMARY:a b")
	assert.NotContains(t, out, "\u00a0")
}

func TestReadEvents_RoundTrip(t *testing.T) {
	events := parseMixed(t)
	out := Assemble(events, AssembleOptions{Location: time.UTC, Now: refNow}).Serialize()

	back, err := ReadEvents([]byte(out), time.UTC)
	require.NoError(t, err)
	require.Len(t, back, len(events))

	for i, ev := range events {
		got := back[i]
		assert.Equal(t, ev.UID, got.UID)
		assert.Equal(t, ev.Summary, got.Summary)
		assert.Equal(t, ev.Location, got.Location)
		assert.Equal(t, ev.AllDay, got.AllDay)
		assert.Equal(t, ev.Transparency, got.Transparency)
		assert.Equal(t, ev.Hash, got.Hash)
		assert.True(t, ev.Start.Equal(got.Start), "start of %s", ev.Summary)
		assert.True(t, ev.End.Equal(got.End), "end of %s", ev.Summary)
		if ev.Recurring() {
			require.NotNil(t, got.Rule)
			assert.Equal(t, ev.Rule.String(), got.Rule.String())
			assert.Equal(t, ev.Rule.Exceptions, got.Rule.Exceptions)
		} else {
			assert.Nil(t, got.Rule)
		}
	}
}

func TestReadEvents_LocalZoneKeepsPlanTimes(t *testing.T) {
	ny := newYork(t)
	events, err := plan.Parse(eveningClass, plan.Options{Location: ny})
	require.NoError(t, err)
	out := Assemble(events, AssembleOptions{Location: ny, Now: refNow}).Serialize()

	back, err := ReadEvents([]byte(out), ny)
	require.NoError(t, err)
	require.Len(t, back, 1)
	got := back[0]
	assert.Equal(t, ny, got.Start.Location())
	assert.True(t, events[0].Start.Equal(got.Start))
	assert.True(t, events[0].End.Equal(got.End))
	require.NotNil(t, got.Rule)
	assert.Equal(t, events[0].Rule.String(), got.Rule.String())
	assert.Equal(t, events[0].Rule.Exceptions, got.Rule.Exceptions)

	text, err := plan.Marshal(got)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "9/14/2009  20:0:0  1:0:0"), text)
	assert.Contains(t, text, "R\t0 1259539200 2 0 0\n")
	assert.Contains(t, text, "E\t9/28/2009\n")
}

func TestReadEvents_ForeignZoneConvertedToLocation(t *testing.T) {
	ny := newYork(t)
	doc := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" +
		"BEGIN:VEVENT\r\nUID:berlin\r\n" +
		"DTSTART;TZID=Europe/Berlin:20100301T150000\r\n" +
		"DTEND:20100301T150000Z\r\n" +
		"RRULE:FREQ=WEEKLY;UNTIL=20100330T035959Z;BYDAY=MO\r\n" +
		"EXDATE;TZID=Europe/Berlin:20100308T150000\r\n" +
		"END:VEVENT\r\nEND:VCALENDAR\r\n"
	events, err := ReadEvents([]byte(doc), ny)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.True(t, ev.Start.Equal(time.Date(2010, 3, 1, 9, 0, 0, 0, ny)), "start %s", ev.Start)
	assert.True(t, ev.End.Equal(time.Date(2010, 3, 1, 10, 0, 0, 0, ny)), "end %s", ev.End)
	assert.Equal(t, 9, ev.Start.Hour())
	require.NotNil(t, ev.Rule)
	assert.Equal(t, time.Date(2010, 3, 29, 0, 0, 0, 0, time.UTC), ev.Rule.Until)
	assert.Equal(t, []time.Time{time.Date(2010, 3, 8, 0, 0, 0, 0, time.UTC)}, ev.Rule.Exceptions)
}

func TestReadEvents_Errors(t *testing.T) {
	_, err := ReadEvents(nil, time.UTC)
	assert.Error(t, err)

	doc := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" +
		"BEGIN:VEVENT\r\nSUMMARY:no uid\r\nDTSTART:20100101T100000Z\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:ok\r\nDTSTART;VALUE=DATE:20100101\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	events, err := ReadEvents([]byte(doc), time.UTC)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].UID)
	assert.True(t, events[0].AllDay)
	assert.True(t, events[0].End.Equal(time.Date(2010, 1, 2, 0, 0, 0, 0, time.UTC)))
}
