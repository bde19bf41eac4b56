package ics

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "vdircal/internal/log"
	"vdircal/internal/temporal"
)

// Interval is one concrete occurrence span of an event.
type Interval struct {
	Start time.Time
	End   time.Time
}

// expansionHorizon bounds rules without COUNT or UNTIL. Unbounded
// generation is a correctness and performance hazard, so a far-future
// UNTIL is synthesized instead.
var expansionHorizon = time.Date(2037, 12, 31, 0, 0, 0, 0, time.UTC)

// Expand turns a sub-event's repetition into a sorted, deduplicated list
// of occurrence intervals. The event's duration is computed once and
// reused for every occurrence; only start times vary.
//
// Override sub-events (those carrying a RECURRENCE-ID) are never expanded,
// even if they also carry an RRULE: they contribute exactly their own
// schedule.
//
// Expansion works in naive wall-clock space and re-attaches the event's
// zone afterwards; expanding aware values directly trips over DST
// transitions.
func Expand(se SubEvent, href string) ([]Interval, error) {
	var duration time.Duration
	if se.HasDuration {
		duration = se.Duration
	} else {
		duration = se.End.Sub(se.Start)
	}

	eventLoc := se.Start.Location()
	aware := !se.Rep.Floating()

	if se.IsOverride() {
		return []Interval{{Start: se.Start, End: se.Start.Add(duration)}}, nil
	}

	naiveStart := temporal.Naive(se.Start)

	starts := make(map[int64]time.Time)
	add := func(t time.Time) { starts[t.Unix()] = t }

	if se.RawRRule != "" {
		opt, err := rrule.StrToROption(se.RawRRule)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedRecurrence, err)
		}
		opt.Dtstart = naiveStart

		if !opt.Until.IsZero() {
			until := opt.Until
			switch {
			case se.Rep == temporal.RepDate:
				// DTSTART is a bare date; a datetime UNTIL is cut
				// down to its date before comparing.
				until = time.Date(until.Year(), until.Month(), until.Day(),
					0, 0, 0, 0, time.UTC)
			case aware:
				// UNTIL on an aware rule is a UTC instant; bring it
				// into the event's zone first.
				until = temporal.Naive(until.In(eventLoc))
			default:
				until = temporal.Naive(until)
			}
			if until.Before(naiveStart) {
				return nil, fmt.Errorf("%w: UNTIL precedes DTSTART in %s",
					ErrUnsupportedRecurrence, href)
			}
			opt.Until = until
		} else if opt.Count == 0 {
			opt.Until = expansionHorizon
		}

		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedRecurrence, err)
		}

		appLog.Debug("expanding recurrence rule", "href", href, "rrule", se.RawRRule)
		times := r.All()
		if len(times) == 0 {
			return nil, fmt.Errorf("%w: rule generates no occurrences in %s",
				ErrUnsupportedRecurrence, href)
		}
		for _, t := range times {
			add(t)
		}
	} else {
		add(naiveStart)
	}

	// RRULE and RDATE may specify the same start twice; the RFC says to
	// treat that as a single instance, which the keyed map gives us.
	for _, t := range se.RDates {
		add(t)
	}

	for _, ex := range se.ExDates {
		if _, ok := starts[ex.Unix()]; !ok {
			// The underlying file may be hand-edited or stale; a
			// dangling EXDATE is not worth failing the item over.
			appLog.Warn("EXDATE matches no occurrence",
				"href", href, "exdate", ex.Format("20060102T150405"))
			continue
		}
		delete(starts, ex.Unix())
	}

	if len(starts) == 0 {
		// Every instance was excluded; the event contributes nothing.
		return nil, nil
	}

	keys := make([]int64, 0, len(starts))
	for k := range starts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]Interval, 0, len(keys))
	for _, k := range keys {
		start := starts[k]
		if aware {
			start = rebuildIn(start, eventLoc)
		}
		out = append(out, Interval{Start: start, End: start.Add(duration)})
	}
	return out, nil
}
