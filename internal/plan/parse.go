// Package plan reads and writes the line-oriented plan/netplan calendar
// format.
//
// A file is a sequence of blocks. Each block starts with a header line
//
//	M/D/YYYY  H:M:S  duration  ...
//
// where the time 99:99:99 marks an all-day event, followed by tagged body
// lines: N (note, the summary), M (message, one description line), R
// (repeat record), E (exception date), S (script; identity markers live
// here) and G (group meeting). The first field after the header time is
// the event duration.
package plan

import (
	"io"

	"plancal/internal/model"
)

// Parse converts a whole plan file. A malformed header rejects the file
// with a *HeaderError naming the byte offset.
func Parse(blob string, opts Options) ([]*model.Event, error) {
	blocks, err := Split(blob)
	if err != nil {
		return nil, err
	}
	events := make([]*model.Event, 0, len(blocks))
	for _, b := range blocks {
		ev, err := BuildEvent(b, opts)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Save writes events back in plan format. Events read from a file are
// re-emitted verbatim with any new identity marker appended; events
// without source text are encoded with Marshal.
func Save(w io.Writer, events []*model.Event) error {
	for _, ev := range events {
		text := ev.Raw + ev.Trailer
		if ev.Raw == "" {
			var err error
			if text, err = Marshal(ev); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, text); err != nil {
			return err
		}
	}
	return nil
}
