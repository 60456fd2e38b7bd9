package plan

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

type lineKind int

const (
	lineNote      lineKind = iota // N: summary
	lineMessage                   // M: description line
	lineRepeat                    // R: repeat record
	lineException                 // E: excluded date
	lineScript                    // S: script, possibly an identity marker
	lineGroup                     // G: group meeting marker
	lineOther                     // anything else: duration or ignored
)

// bodyLine is one classified line of a block body. payload is the text
// after the tag and its separating whitespace.
type bodyLine struct {
	kind    lineKind
	payload string
	// tagged is false for a tag character not followed by whitespace;
	// such lines carry no payload and are skipped.
	tagged bool
}

var tagKinds = map[byte]lineKind{
	'N': lineNote,
	'M': lineMessage,
	'R': lineRepeat,
	'E': lineException,
	'S': lineScript,
	'G': lineGroup,
}

func classify(line string) bodyLine {
	if line == "" {
		return bodyLine{kind: lineOther}
	}
	kind, ok := tagKinds[line[0]]
	if !ok {
		return bodyLine{kind: lineOther, payload: line}
	}
	rest := line[1:]
	payload := strings.TrimLeft(rest, " \t")
	if len(payload) == len(rest) {
		return bodyLine{kind: kind}
	}
	return bodyLine{kind: kind, payload: payload, tagged: true}
}

// bodyLines splits a block body into lines, dropping CRs.
func bodyLines(body string) []string {
	lines := strings.Split(body, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

var (
	durationRx  = regexp.MustCompile(`^\s*(\d+):(\d+):(\d+)`)
	exceptionRx = regexp.MustCompile(`^(\d+)/(\d+)/(\d+)`)
	whereRx     = regexp.MustCompile(`^Where\s*:\s*(\w.*)$`)
)

// parseDuration reads the H:M:S field at the start of an untagged line.
func parseDuration(s string) (time.Duration, bool) {
	m := durationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	sec, _ := strconv.Atoi(m[3])
	return time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(sec)*time.Second, true
}

// parseExceptionDate reads the M/D/YYYY payload of an E line.
func parseExceptionDate(s string) (time.Time, bool) {
	m := exceptionRx.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 || day < 1 || day > daysIn(year, time.Month(month)) {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}
