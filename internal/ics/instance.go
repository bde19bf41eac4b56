package ics

import (
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"vdircal/internal/temporal"
)

// RemoveInstance returns a copy of raw with one occurrence of its master
// event removed: rule-generated occurrences gain an EXDATE, explicit
// RDATE entries are dropped. The input text is never modified.
func RemoveInstance(raw string, instance time.Time, locale temporal.Locale, href, calendar string) (string, error) {
	cal, err := ical.ParseCalendar(strings.NewReader(raw))
	if err != nil {
		return "", err
	}

	removed := false
	for _, ve := range cal.Events() {
		if ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")) != nil {
			continue
		}
		se, perr := parseVEvent(ve, locale, href, calendar)
		if perr != nil {
			return "", perr
		}

		naive := temporal.StripTZ(instance, !se.Rep.Floating(), se.Start.Location())

		if matchesRDate(se, naive) {
			filterRDates(ve, naive, se, locale, href, calendar)
			removed = true
		} else if se.RawRRule != "" {
			ve.AddProperty(ical.ComponentPropertyExdate, formatInstance(se, instance))
			removed = true
		}
	}
	if !removed {
		return "", errors.New("instance matches no occurrence source")
	}
	return cal.Serialize(), nil
}

func matchesRDate(se SubEvent, naive time.Time) bool {
	for _, r := range se.RDates {
		if r.Equal(naive) {
			return true
		}
	}
	return false
}

// filterRDates rewrites the VEVENT's RDATE properties without the removed
// entry, dropping a property that becomes empty.
func filterRDates(ve *ical.VEvent, naive time.Time, se SubEvent, locale temporal.Locale, href, calendar string) {
	eventLoc := se.Start.Location()
	kept := make([]ical.IANAProperty, 0, len(ve.Properties))
	for _, p := range ve.Properties {
		if p.IANAToken != "RDATE" {
			kept = append(kept, p)
			continue
		}
		var vals []string
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := parseListValue(part, p.ICalParameters, eventLoc, locale, href, calendar)
			if err != nil || !t.Equal(naive) {
				vals = append(vals, part)
			}
		}
		if len(vals) > 0 {
			p.Value = strings.Join(vals, ",")
			kept = append(kept, p)
		}
	}
	ve.Properties = kept
}

// formatInstance renders an occurrence start in the event's own value
// form: bare date, floating date-time, or a UTC instant.
func formatInstance(se SubEvent, instance time.Time) string {
	switch se.Rep {
	case temporal.RepDate:
		return instance.Format("20060102")
	case temporal.RepFloating:
		return temporal.Naive(instance).Format("20060102T150405")
	default:
		return instance.UTC().Format("20060102T150405Z")
	}
}
