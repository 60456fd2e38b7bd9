package model

import (
	"time"

	"plancal/internal/recur"
)

// Transparency tells whether an event blocks time (OPAQUE) or not.
type Transparency string

const (
	Opaque      Transparency = "OPAQUE"
	Transparent Transparency = "TRANSPARENT"
)

// Event is one appointment translated from a plan file block.
type Event struct {
	UID string
	// Hash is the digest of the raw block, identity markers excluded.
	Hash string
	// MarkerHash is the hash recovered from an identity marker line, empty
	// when the block had none.
	MarkerHash string

	Summary     string
	Description string
	Location    string

	// AllDay events have a date-only start at midnight in the calendar's
	// timezone.
	AllDay       bool
	Start        time.Time
	End          time.Time
	Transparency Transparency

	// Rule is nil when the block had neither R nor E lines.
	Rule *recur.Rule

	// Raw is the verbatim header and body of the source block.
	Raw string
	// Trailer is appended to Raw on save-back; it holds a freshly minted
	// identity marker line, or nothing if the block already had one.
	Trailer string
}

// Recurring reports whether the event repeats.
func (e *Event) Recurring() bool {
	return e.Rule.Recurs()
}

// Changed reports whether the event is new or edited since its identity
// marker was written.
func (e *Event) Changed() bool {
	return e.MarkerHash == "" || e.MarkerHash != e.Hash
}

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	Calendar string // calendar name
	UID      string // iCalendar UID

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from the local start time.
	InstanceKey string

	Summary     string
	Description string
	Location    string

	AllDay bool

	// Start / End are in the display timezone.
	Start time.Time
	End   time.Time
}
