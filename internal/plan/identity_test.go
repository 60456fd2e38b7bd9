package plan

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plancal/internal/model"
	"plancal/internal/recur"
)

func save(t *testing.T, events []*model.Event) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, events))
	return buf.String()
}

func TestIdentity_StableAcrossRuns(t *testing.T) {
	first, err := Parse(sampleCalendar, utc)
	require.NoError(t, err)
	second, err := Parse(sampleCalendar, utc)
	require.NoError(t, err)

	for i := range first {
		assert.Equal(t, first[i].UID, second[i].UID)
		assert.Equal(t, first[i].Hash, second[i].Hash)
		assert.True(t, first[i].Changed())
	}
	// Same start and no description: identical derived UIDs.
	assert.Equal(t, first[0].UID, first[1].UID)
	assert.NotEqual(t, first[0].UID, first[4].UID)
}

func TestIdentity_DerivedUID(t *testing.T) {
	ev := parseOne(t, "9/11/2009  99:99:99\nN    Yearly event\nM    This is the text\nM    of my\n")
	want := DeriveUID(time.Date(2009, 9, 11, 0, 0, 0, 0, time.UTC), true, []string{"This is the text", "of my"})
	assert.Equal(t, want, ev.UID)

	timed := DeriveUID(time.Date(2009, 9, 11, 0, 0, 0, 0, time.UTC), false, []string{"This is the text", "of my"})
	assert.NotEqual(t, want, timed)
}

func TestIdentity_SaveBackKeepsUID(t *testing.T) {
	events, err := Parse(sampleCalendar, utc)
	require.NoError(t, err)
	saved := save(t, events)
	assert.Equal(t, len(events), strings.Count(saved, "#plan2ics: version=0 uuid="))

	reread, err := Parse(saved, utc)
	require.NoError(t, err)
	require.Len(t, reread, len(events))
	for i := range events {
		assert.Equal(t, events[i].UID, reread[i].UID)
		assert.Equal(t, events[i].Hash, reread[i].Hash)
		assert.Equal(t, reread[i].Hash, reread[i].MarkerHash)
		assert.False(t, reread[i].Changed())
		assert.Empty(t, reread[i].Trailer)
	}

	// A second save-back is a no-op.
	assert.Equal(t, saved, save(t, reread))
}

func TestIdentity_EditedBlockKeepsUIDButChanges(t *testing.T) {
	events, err := Parse("7/21/2009  16:0:0  1:0:0\nN    Dentist\nM    bring card", utc)
	require.NoError(t, err)
	saved := save(t, events)
	assert.Contains(t, saved, "bring card\nS\t#plan2ics:")

	edited := strings.Replace(saved, "Dentist", "Dentist @ Main St", 1)
	reread, err := Parse(edited, utc)
	require.NoError(t, err)
	require.Len(t, reread, 1)
	assert.Equal(t, events[0].UID, reread[0].UID)
	assert.True(t, reread[0].Changed())
	assert.Equal(t, "Main St", reread[0].Location)
}

func TestIdentity_MarkerForms(t *testing.T) {
	ev := parseOne(t, "9/11/2009  10:0:0\nN    x\nS\t#plan2ics: version=0 uid=abc-123 hash=deadbeef\n")
	assert.Equal(t, "abc-123", ev.UID)
	assert.Equal(t, "deadbeef", ev.MarkerHash)
	assert.True(t, ev.Changed())
	assert.Empty(t, ev.Trailer)

	m, ok := parseMarker("#plan2ics: version=0 uuid=abc-123 hash=deadbeef")
	require.True(t, ok)
	assert.Equal(t, "S\t#plan2ics: version=0 uuid=abc-123 hash=deadbeef\n", m.Line())

	_, ok = parseMarker("#plan2ics: version=0 uuid=abc-123")
	assert.False(t, ok)
}

func TestContentHash_IgnoresMarkerAndTrailingBlanks(t *testing.T) {
	base := ContentHash("9/11/2009  10:0:0", "  1:0:0\nN    x\n")
	assert.Equal(t, base, ContentHash("9/11/2009  10:0:0", "  1:0:0  \nN    x\n\n"))
	assert.Equal(t, base, ContentHash("9/11/2009  10:0:0", "  1:0:0\nN    x\nS\t#plan2ics: version=0 uuid=a hash=b\n"))
	assert.NotEqual(t, base, ContentHash("9/11/2009  10:0:0", "  1:0:0\nN    y\n"))
	assert.NotEqual(t, base, ContentHash("9/11/2009  11:0:0", "  1:0:0\nN    x\n"))
}

func TestMarshal_RoundTrip(t *testing.T) {
	start := time.Date(2009, 2, 14, 8, 30, 0, 0, time.UTC)
	ev := &model.Event{
		UID:         "fixed-uid",
		Summary:     "Weekly @ Gym",
		Description: "bring towel",
		Location:    "Gym",
		Start:       start,
		End:         start.Add(2 * time.Hour),
		Rule: &recur.Rule{
			Freq:  recur.Weekly,
			Until: time.Date(2009, 3, 28, 0, 0, 0, 0, time.UTC),
			ByDay: []recur.ByDay{{Day: time.Saturday}},
			Exceptions: []time.Time{
				time.Date(2009, 2, 21, 0, 0, 0, 0, time.UTC),
			},
		},
	}
	text, err := Marshal(ev)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "2/14/2009  8:30:0  2:0:0"))

	back := parseOne(t, text)
	assert.Equal(t, "fixed-uid", back.UID)
	assert.False(t, back.Changed())
	assert.Equal(t, ev.Summary, back.Summary)
	assert.Equal(t, ev.Description, back.Description)
	assert.Equal(t, ev.Location, back.Location)
	assert.Equal(t, ev.Start, back.Start)
	assert.Equal(t, ev.End, back.End)
	assert.Equal(t, ev.Rule.Format(false), back.Rule.Format(false))
	assert.Equal(t, ev.Rule.Exceptions, back.Rule.Exceptions)
}

func TestMarshal_AllDayAndWhere(t *testing.T) {
	start := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	ev := &model.Event{
		Summary:  "Holiday",
		Location: "Home",
		AllDay:   true,
		Start:    start,
		End:      start.AddDate(0, 0, 1),
		Rule:     &recur.Rule{Freq: recur.Yearly},
	}
	text, err := Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, text, "1/1/2010  99:99:99  0:0:0")
	assert.Contains(t, text, "R\t0 0 0 0 1\n")
	assert.Contains(t, text, "M\tWhere: Home\n")

	back := parseOne(t, text)
	assert.True(t, back.AllDay)
	assert.Equal(t, "Home", back.Location)
	assert.Equal(t, ev.End, back.End)
	assert.Equal(t, "FREQ=YEARLY", back.Rule.String())
}

func TestMarshal_MultiLineText(t *testing.T) {
	start := time.Date(2009, 9, 11, 10, 0, 0, 0, time.UTC)
	ev := &model.Event{
		UID:         "multi",
		Summary:     "Review\nR\t0 0 2 0 0",
		Description: "line one\r\n9/12/2009  10:0:0\n\nE\t9/13/2009",
		Location:    "Room\n4",
		Start:       start,
		End:         start.Add(time.Hour),
	}
	text, err := Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, text, "N\tReview R\t0 0 2 0 0\n")
	assert.Contains(t, text, "M\tline one\nM\t9/12/2009  10:0:0\nM\tE\t9/13/2009\n")
	assert.Contains(t, text, "M\tWhere: Room 4\n")

	events, err := Parse(text, utc)
	require.NoError(t, err)
	require.Len(t, events, 1)
	back := events[0]
	assert.Equal(t, "multi", back.UID)
	assert.Equal(t, "Review R\t0 0 2 0 0", back.Summary)
	assert.Equal(t, "line one 9/12/2009  10:0:0 E\t9/13/2009 Where: Room 4", back.Description)
	assert.Equal(t, "Room 4", back.Location)
	assert.Nil(t, back.Rule)
	assert.Equal(t, start, back.Start)
}

func TestMarshal_Unencodable(t *testing.T) {
	ev := &model.Event{
		Start: time.Date(2010, 1, 1, 9, 0, 0, 0, time.UTC),
		Rule:  &recur.Rule{Freq: recur.Weekly},
	}
	ev.End = ev.Start
	_, err := Marshal(ev)
	assert.ErrorIs(t, err, recur.ErrUnencodable)
}

func TestSave_UsesMarshalWithoutRaw(t *testing.T) {
	start := time.Date(2010, 5, 1, 9, 0, 0, 0, time.UTC)
	out := save(t, []*model.Event{{UID: "u1", Summary: "Standup", Start: start, End: start}})
	assert.True(t, strings.HasPrefix(out, "5/1/2010  9:0:0  0:0:0"))
	assert.Contains(t, out, "uuid=u1")
}
