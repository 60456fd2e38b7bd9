package plan

import (
	"fmt"
	"strings"
	"time"

	"plancal/internal/model"
	"plancal/internal/recur"
)

// headerTail fills the legacy fields after the duration: early and late
// warning, flags and the suspended/no-alarm columns.
const headerTail = "  0:0:0  0:0:0  ---------- 0 0\n"

// Marshal encodes an event as a plan block, ending with its identity
// marker. The rule, if any, is encoded with recur.Encode.
func Marshal(ev *model.Event) (string, error) {
	start := ev.Start
	header := fmt.Sprintf("%d/%d/%d  ", int(start.Month()), start.Day(), start.Year())
	if ev.AllDay {
		header += allDayTime
	} else {
		header += fmt.Sprintf("%d:%d:%d", start.Hour(), start.Minute(), start.Second())
	}

	var body strings.Builder
	body.WriteString("  " + formatDuration(eventDuration(ev)) + headerTail)

	if ev.Rule.Recurs() {
		rec, err := recur.Encode(ev.Rule)
		if err != nil {
			return "", fmt.Errorf("encode rule of %s: %w", ev.UID, err)
		}
		body.WriteString("R\t" + rec.String() + "\n")
	}
	if ev.Rule != nil {
		for _, ex := range ev.Rule.Exceptions {
			fmt.Fprintf(&body, "E\t%d/%d/%d\n", int(ex.Month()), ex.Day(), ex.Year())
		}
	}
	summary := singleLine(ev.Summary)
	if summary != "" {
		body.WriteString("N\t" + summary + "\n")
	}
	for _, line := range descriptionLines(ev.Description) {
		body.WriteString("M\t" + line + "\n")
	}
	if loc := singleLine(ev.Location); loc != "" && summaryLocation(summary) != loc {
		body.WriteString("M\tWhere: " + loc + "\n")
	}

	uid := ev.UID
	if uid == "" {
		uid = DeriveUID(ev.Start, ev.AllDay, []string{ev.Description})
	}
	m := Marker{Version: markerVersion, UID: uid, Hash: ContentHash(header, body.String())}
	return header + body.String() + m.Line(), nil
}

// eventDuration is the value of the header duration field: zero when the
// end is the default for the event kind.
func eventDuration(ev *model.Event) time.Duration {
	d := ev.End.Sub(ev.Start)
	if ev.AllDay && ev.End.Equal(ev.Start.AddDate(0, 0, 1)) {
		return 0
	}
	if d < 0 {
		return 0
	}
	return d
}

func formatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	return fmt.Sprintf("%d:%d:%d", secs/3600, secs/60%60, secs%60)
}

func summaryLocation(summary string) string {
	i := strings.LastIndex(summary, "@")
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(summary[i+1:])
}

// singleLine folds line breaks into spaces so that text cannot start a
// new plan line.
func singleLine(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
	return strings.TrimSpace(s)
}

// descriptionLines splits a description into the payloads of its M lines.
// Blank lines are dropped.
func descriptionLines(s string) []string {
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		l = strings.TrimSpace(strings.ReplaceAll(l, "\r", " "))
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
