package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "vdircal/internal/log"
	"vdircal/internal/temporal"
)

// RANGE parameter values on RECURRENCE-ID.
const (
	RangeThisAndFuture = "THISANDFUTURE"
	RangeThisAndPrior  = "THISANDPRIOR"
)

// SubEvent is one VEVENT of a raw item, normalized for expansion and
// storage. A raw item holds one master sub-event plus any number of
// override sub-events sharing its UID.
type SubEvent struct {
	UID      string
	Sequence int

	Summary     string
	Description string
	Location    string

	// Rep is decided once here; no later code probes value types again.
	Rep temporal.Representation

	// Start / End carry the event's own wall clock. Floating and date
	// values are represented in the UTC location, which stands in for
	// "no zone" throughout this package.
	Start time.Time
	End   time.Time

	// Duration is the explicit DURATION property, if the item carried
	// one instead of DTEND.
	Duration    time.Duration
	HasDuration bool

	RawRRule string

	// RDates / ExDates are stripped to the event's naive wall-clock
	// representation so set arithmetic against rule output compares
	// like with like.
	RDates  []time.Time
	ExDates []time.Time

	// RDatePeriod records an RDATE;VALUE=PERIOD property, which is
	// rejected by CheckSupport before expansion.
	RDatePeriod bool

	// RecurrenceID is set on override sub-events and identifies the
	// original occurrence being replaced.
	RecurrenceID *time.Time
	Range        string
}

// IsOverride reports whether this sub-event replaces occurrences of its
// master rather than defining the pattern itself.
func (se SubEvent) IsOverride() bool {
	return se.RecurrenceID != nil
}

// Parse parses a raw iCalendar item into its VEVENT sub-events. A failure
// on any sub-event fails the whole item; partial items must never reach
// the cache.
func Parse(raw string, locale temporal.Locale, href, calendar string) ([]SubEvent, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("empty item")
	}

	cal, err := ical.ParseCalendar(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse item: %w", err)
	}

	events := make([]SubEvent, 0, 1)
	for _, ve := range cal.Events() {
		se, perr := parseVEvent(ve, locale, href, calendar)
		if perr != nil {
			return nil, perr
		}
		events = append(events, se)
	}
	if len(events) == 0 {
		return nil, errors.New("item contains no VEVENT")
	}
	return events, nil
}

// CheckSupport rejects sub-events using iCalendar features the cache
// cannot represent. The whole item is excluded when this fails.
func CheckSupport(se SubEvent, href, calendar string) error {
	if se.Range == RangeThisAndPrior {
		return fmt.Errorf("%w: RANGE=THISANDPRIOR in %s/%s",
			ErrUnsupportedFeature, calendar, href)
	}
	if se.RDatePeriod {
		return fmt.Errorf("%w: RDATE;VALUE=PERIOD in %s/%s",
			ErrUnsupportedFeature, calendar, href)
	}
	return nil
}

func parseVEvent(ve *ical.VEvent, locale temporal.Locale, href, calendar string) (SubEvent, error) {
	var out SubEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		fmt.Sscanf(strings.TrimSpace(p.Value), "%d", &out.Sequence)
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStartProp == nil || dtStartProp.Value == "" {
		return out, ErrMissingDtStart
	}
	start, rep, err := parseDateTimeProp(dtStartProp, locale, href, calendar)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.Rep = rep

	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil && p.Value != "" {
		end, endRep, eerr := parseDateTimeProp(p, locale, href, calendar)
		if eerr != nil {
			return out, fmt.Errorf("DTEND: %w", eerr)
		}
		// An aware start with a floating end (or vice versa) gets the
		// naive side reinterpreted in the aware side's zone.
		if !rep.Floating() && endRep.Floating() && endRep != temporal.RepDate {
			appLog.Warn("event end time has no timezone, assuming start's zone",
				"href", href, "calendar", calendar)
			end = rebuildIn(end, out.Start.Location())
		}
		if rep.Floating() && rep != temporal.RepDate && !endRep.Floating() {
			appLog.Warn("event start time has no timezone, assuming end's zone",
				"href", href, "calendar", calendar)
			out.Start = rebuildIn(out.Start, end.Location())
			out.Rep = endRep
		}
		out.End = end
	}

	if p := ve.GetProperty(ical.ComponentProperty("DURATION")); p != nil && p.Value != "" {
		dur, derr := ParseDuration(p.Value)
		if derr != nil {
			return out, derr
		}
		out.Duration = dur
		out.HasDuration = true
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	eventLoc := out.Start.Location()
	aware := !out.Rep.Floating()

	exdates, _, err := parseDateList(
		ve.GetProperties(ical.ComponentPropertyExdate), eventLoc, locale, href, calendar)
	if err != nil {
		return out, fmt.Errorf("EXDATE: %w", err)
	}
	out.ExDates = exdates

	rdates, period, err := parseDateList(
		ve.GetProperties(ical.ComponentProperty("RDATE")), eventLoc, locale, href, calendar)
	if err != nil {
		return out, fmt.Errorf("RDATE: %w", err)
	}
	out.RDates = rdates
	out.RDatePeriod = period

	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil && p.Value != "" {
		rid, ridRep, rerr := parseDateTimeProp(p, locale, href, calendar)
		if rerr != nil {
			return out, fmt.Errorf("RECURRENCE-ID: %w", rerr)
		}
		// Keep the recurrence id in the same space as the event itself.
		if aware && ridRep.Floating() && ridRep != temporal.RepDate {
			rid = rebuildIn(rid, eventLoc)
		}
		out.RecurrenceID = &rid
		if rs, ok := p.ICalParameters["RANGE"]; ok && len(rs) > 0 {
			out.Range = strings.ToUpper(strings.TrimSpace(rs[0]))
		}
	}

	return out, nil
}

// parseDateTimeProp decodes a DTSTART/DTEND/RECURRENCE-ID property into a
// concrete time plus its representation. Unknown TZIDs resolve to the
// locale default (with a warning), never to a failure.
func parseDateTimeProp(p *ical.IANAProperty, locale temporal.Locale, href, calendar string) (time.Time, temporal.Representation, error) {
	val := strings.TrimSpace(p.Value)
	if val == "" {
		return time.Time{}, temporal.RepFloating, errors.New("empty date-time value")
	}

	if isDateValue(p.ICalParameters, val) {
		t, err := time.ParseInLocation("20060102", val, time.UTC)
		return t, temporal.RepDate, err
	}

	if strings.HasSuffix(val, "Z") {
		t, err := time.Parse("20060102T150405Z", val)
		return t, temporal.RepUTC, err
	}

	if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 && tzs[0] != "" {
		loc := locale.Resolve(tzs[0], href, calendar)
		t, err := time.ParseInLocation("20060102T150405", val, loc)
		return t, temporal.RepLocalAware, err
	}

	t, err := time.ParseInLocation("20060102T150405", val, time.UTC)
	return t, temporal.RepFloating, err
}

// parseDateList decodes EXDATE/RDATE property lists into the event's naive
// wall-clock representation. The period flag is set when any RDATE carries
// VALUE=PERIOD (recognized but unsupported).
func parseDateList(props []*ical.IANAProperty, eventLoc *time.Location, locale temporal.Locale, href, calendar string) ([]time.Time, bool, error) {
	var out []time.Time
	period := false

	for _, p := range props {
		if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "PERIOD") {
			period = true
			continue
		}
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := parseListValue(part, p.ICalParameters, eventLoc, locale, href, calendar)
			if err != nil {
				return nil, period, err
			}
			out = append(out, t)
		}
	}
	return out, period, nil
}

// parseListValue decodes one EXDATE/RDATE list entry and strips it into
// eventLoc's naive wall clock.
func parseListValue(val string, params map[string][]string, eventLoc *time.Location, locale temporal.Locale, href, calendar string) (time.Time, error) {
	if isDateValue(params, val) {
		return time.ParseInLocation("20060102", val, time.UTC)
	}

	if strings.HasSuffix(val, "Z") {
		t, err := time.Parse("20060102T150405Z", val)
		if err != nil {
			return time.Time{}, err
		}
		return temporal.StripTZ(t, true, eventLoc), nil
	}

	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 && tzs[0] != "" {
		loc := locale.Resolve(tzs[0], href, calendar)
		t, err := time.ParseInLocation("20060102T150405", val, loc)
		if err != nil {
			return time.Time{}, err
		}
		return temporal.StripTZ(t, true, eventLoc), nil
	}

	t, err := time.ParseInLocation("20060102T150405", val, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return temporal.StripTZ(t, false, eventLoc), nil
}

func isDateValue(params map[string][]string, val string) bool {
	if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(val, "T")
}

// rebuildIn reinterprets t's wall-clock fields in loc.
func rebuildIn(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(),
		t.Hour(), t.Minute(), t.Second(), 0, loc)
}
