package plan

import (
	"strings"
	"time"

	appLog "plancal/internal/log"
	"plancal/internal/model"
	"plancal/internal/recur"
)

// Options control how blocks become events.
type Options struct {
	// Location is the timezone header times are read in. Nil means
	// time.Local.
	Location *time.Location
	// Transliterate maps non-ASCII text to ASCII instead of dropping it.
	Transliterate bool
}

func (o Options) location() *time.Location {
	if o.Location == nil {
		return time.Local
	}
	return o.Location
}

// eventBuilder accumulates the state of one block while its body lines
// are read. It is never shared between blocks.
type eventBuilder struct {
	opts   Options
	ev     *model.Event
	desc   []string
	rule   *recur.Rule
	marker *Marker
}

// BuildEvent turns one block into an event. Only a bad header is an
// error; unusable body lines are skipped.
func BuildEvent(b RawBlock, opts Options) (*model.Event, error) {
	h, err := parseHeader(b)
	if err != nil {
		return nil, err
	}

	start := h.start(opts.location())
	ev := &model.Event{
		AllDay: h.allDay,
		Start:  start,
		End:    start,
		Raw:    b.Header + b.Body,
		Hash:   ContentHash(b.Header, b.Body),
	}
	if h.allDay {
		ev.End = start.AddDate(0, 0, 1)
		ev.Transparency = model.Transparent
	} else {
		ev.Transparency = model.Opaque
	}

	eb := &eventBuilder{opts: opts, ev: ev}
	for _, line := range bodyLines(b.Body) {
		eb.apply(classify(line), b.Offset)
	}
	eb.finish()
	return ev, nil
}

func (eb *eventBuilder) apply(l bodyLine, offset int) {
	if l.kind != lineOther && !l.tagged {
		return
	}
	switch l.kind {
	case lineNote:
		eb.ev.Summary = sanitize(l.payload, eb.opts.Transliterate)
		if i := strings.LastIndex(l.payload, "@"); i >= 0 {
			eb.ev.Location = strings.TrimSpace(sanitize(l.payload[i+1:], eb.opts.Transliterate))
		}

	case lineMessage:
		eb.desc = append(eb.desc, sanitize(l.payload, eb.opts.Transliterate))
		if m := whereRx.FindStringSubmatch(l.payload); m != nil {
			eb.ev.Location = strings.TrimSpace(sanitize(m[1], eb.opts.Transliterate))
		}

	case lineRepeat:
		rec, err := recur.ParseRepeat(l.payload)
		if err != nil {
			appLog.Debug("skipping repeat line", "offset", offset, "err", err)
			return
		}
		decoded := recur.Decode(rec)
		if eb.rule != nil {
			decoded.Exceptions = eb.rule.Exceptions
		}
		eb.rule = decoded

	case lineException:
		day, ok := parseExceptionDate(l.payload)
		if !ok {
			appLog.Debug("skipping exception line", "offset", offset, "payload", l.payload)
			return
		}
		if eb.rule == nil {
			eb.rule = &recur.Rule{}
		}
		eb.rule.AddException(day)

	case lineScript:
		m, ok := parseMarker(l.payload)
		if !ok {
			appLog.Debug("script line is not an identity marker", "offset", offset)
			return
		}
		eb.marker = &m

	case lineGroup:
		// Group meeting marker; carries nothing we export.

	case lineOther:
		if d, ok := parseDuration(l.payload); ok && d > 0 {
			eb.ev.End = eb.ev.Start.Add(d)
		}
	}
}

func (eb *eventBuilder) finish() {
	ev := eb.ev
	ev.Rule = eb.rule
	ev.Description = strings.Join(eb.desc, " ")

	if eb.marker != nil {
		ev.UID = eb.marker.UID
		ev.MarkerHash = eb.marker.Hash
		return
	}
	ev.UID = DeriveUID(ev.Start, ev.AllDay, eb.desc)
	m := Marker{Version: markerVersion, UID: ev.UID, Hash: ev.Hash}
	if !strings.HasSuffix(ev.Raw, "\n") {
		ev.Trailer = "\n"
	}
	ev.Trailer += m.Line()
}
