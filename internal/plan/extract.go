package plan

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedHeader marks a block whose leading line is not a usable
// date/time header. Block boundaries are unreliable after one, so the
// whole file is rejected.
var ErrMalformedHeader = errors.New("malformed header")

// HeaderError reports where in the source a header failed.
type HeaderError struct {
	Offset int
	Header string
	Reason string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("malformed header at byte %d (%q): %s", e.Offset, e.Header, e.Reason)
}

func (e *HeaderError) Unwrap() error { return ErrMalformedHeader }

// headerRx matches "M/D/YYYY  H:M:S" at the start of a line. Legacy files
// do not zero-pad, e.g. "7/21/2009  16:0:0".
var headerRx = regexp.MustCompile(`(?m)^[ \t]*(\d+)/(\d+)/(\d+)[ \t]+(\d+):(\d+):(\d+)`)

// allDayTime is the sentinel time of an event without a trigger time.
const allDayTime = "99:99:99"

// RawBlock is one event's slice of the source: the date/time header and
// everything up to the next header. Body starts with the rest of the
// header line, which carries the duration field.
type RawBlock struct {
	Header string
	Body   string
	Offset int
}

// Split cuts a plan file into blocks, one per header line.
func Split(blob string) ([]RawBlock, error) {
	locs := headerRx.FindAllStringIndex(blob, -1)
	head := blob
	if len(locs) > 0 {
		head = blob[:locs[0][0]]
	}
	if strings.TrimSpace(head) != "" {
		lead := strings.TrimLeft(head, " \t\r\n")
		line, _, _ := strings.Cut(lead, "\n")
		return nil, &HeaderError{
			Offset: len(head) - len(lead),
			Header: strings.TrimRight(line, "\r"),
			Reason: "text before first date/time header",
		}
	}

	blocks := make([]RawBlock, 0, len(locs))
	for i, loc := range locs {
		end := len(blob)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		blocks = append(blocks, RawBlock{
			Header: blob[loc[0]:loc[1]],
			Body:   blob[loc[1]:end],
			Offset: loc[0],
		})
	}
	return blocks, nil
}

// header is the decoded date/time of a block.
type header struct {
	year, month, day     int
	hour, minute, second int
	allDay               bool
}

func parseHeader(b RawBlock) (header, error) {
	var h header
	m := headerRx.FindStringSubmatch(b.Header)
	if m == nil {
		return h, &HeaderError{Offset: b.Offset, Header: b.Header, Reason: "no date/time"}
	}
	n := make([]int, 6)
	for i := range n {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return h, &HeaderError{Offset: b.Offset, Header: b.Header, Reason: err.Error()}
		}
		n[i] = v
	}
	h.month, h.day, h.year = n[0], n[1], n[2]
	if h.month < 1 || h.month > 12 || h.day < 1 || h.day > daysIn(h.year, time.Month(h.month)) {
		return h, &HeaderError{Offset: b.Offset, Header: b.Header, Reason: "date out of range"}
	}

	if n[3] == 99 && n[4] == 99 && n[5] == 99 {
		h.allDay = true
		return h, nil
	}
	h.hour, h.minute, h.second = n[3], n[4], n[5]
	if h.hour > 23 || h.minute > 59 || h.second > 59 {
		return h, &HeaderError{Offset: b.Offset, Header: b.Header, Reason: "time out of range"}
	}
	return h, nil
}

func (h header) start(loc *time.Location) time.Time {
	return time.Date(h.year, time.Month(h.month), h.day, h.hour, h.minute, h.second, 0, loc)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
