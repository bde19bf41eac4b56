package ics

import (
	"time"

	"vdircal/internal/temporal"
)

// Sanitize returns a normalized copy of a parsed sub-event: the end time
// is made concrete (from DURATION or a type-dependent default) and the
// time range is validated. The input is never mutated.
//
// Zero-length events are widened to a minimum duration before storage:
// one hour for timed events, one day for all-day events.
func Sanitize(se SubEvent) (SubEvent, error) {
	if se.Start.IsZero() {
		return se, ErrMissingDtStart
	}

	if se.End.IsZero() {
		switch {
		case se.HasDuration:
			se.End = se.Start.Add(se.Duration)
		case se.Rep == temporal.RepDate:
			se.End = se.Start.AddDate(0, 0, 1)
		default:
			se.End = se.Start.Add(time.Hour)
		}
	}

	if se.End.Before(se.Start) {
		return se, ErrInvalidTimeRange
	}
	if se.End.Equal(se.Start) {
		if se.Rep == temporal.RepDate {
			se.End = se.End.AddDate(0, 0, 1)
		} else {
			se.End = se.End.Add(time.Hour)
		}
	}

	return se, nil
}
