package ics

import "errors"

// Skip-this-item errors: an item hitting one of these is excluded from the
// cache with a warning, it never aborts reconciliation of a calendar.
var (
	// ErrMissingDtStart marks an event without a DTSTART property.
	ErrMissingDtStart = errors.New("event has no start time (DTSTART)")

	// ErrInvalidTimeRange marks an event whose DTEND precedes its DTSTART.
	ErrInvalidTimeRange = errors.New("event end time precedes its start time")

	// ErrUnsupportedRecurrence marks a repetition rule that cannot be
	// expanded or that generates no occurrences at all.
	ErrUnsupportedRecurrence = errors.New("unsupported recurrence rule")

	// ErrUnsupportedFeature marks iCalendar features the cache cannot
	// represent (RANGE=THISANDPRIOR, RDATE;VALUE=PERIOD).
	ErrUnsupportedFeature = errors.New("unsupported icalendar feature")
)
