package temporal

import (
	"time"

	appLog "vdircal/internal/log"
)

// Kind distinguishes all-day and timed values. It is stored in the cache's
// dtype column, so the numeric values must stay stable.
type Kind int

const (
	KindDate     Kind = 0
	KindDateTime Kind = 1
)

// Representation is the closed set of time flavors an event can carry,
// decided once at parse time and carried explicitly from then on.
type Representation int

const (
	RepUTC Representation = iota
	RepLocalAware
	RepFloating
	RepDate
)

// Floating reports whether values of this representation have no absolute
// meaning and belong in the floating instance partition.
func (r Representation) Floating() bool {
	return r == RepFloating || r == RepDate
}

// Kind returns the dtype stored alongside instance rows.
func (r Representation) Kind() Kind {
	if r == RepDate {
		return KindDate
	}
	return KindDateTime
}

// Locale carries the timezone defaults supplied by configuration.
type Locale struct {
	// Default is applied to values whose TZID cannot be resolved.
	Default *time.Location
	// Local is the zone used to anchor naive query bounds.
	Local *time.Location
}

// LoadLocale resolves the configured timezone names. Empty names fall back
// to the system zone.
func LoadLocale(defaultTZ, localTZ string) (Locale, error) {
	loc := Locale{Default: time.Local, Local: time.Local}
	if defaultTZ != "" {
		l, err := time.LoadLocation(defaultTZ)
		if err != nil {
			return loc, err
		}
		loc.Default = l
	}
	if localTZ != "" {
		l, err := time.LoadLocation(localTZ)
		if err != nil {
			return loc, err
		}
		loc.Local = l
	}
	return loc, nil
}

// Resolve maps a TZID to a location. Unknown zones fall back to the
// locale's default timezone with a warning, never a hard failure.
func (l Locale) Resolve(tzid, href, calendar string) *time.Location {
	if tzid == "" {
		return l.Default
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		appLog.Warn("unresolvable timezone, falling back to default",
			"tzid", tzid, "href", href, "calendar", calendar)
		return l.Default
	}
	return loc
}

// ToAnchor converts t to an orderable integer anchor. Aware values anchor at
// their UTC instant; floating values anchor at their wall-clock fields read
// as if they were UTC. The latter is not an instant, only a queryable key.
func ToAnchor(t time.Time, floating bool) int64 {
	if floating {
		return time.Date(t.Year(), t.Month(), t.Day(),
			t.Hour(), t.Minute(), t.Second(), 0, time.UTC).Unix()
	}
	return t.Unix()
}

// FromAnchor is the inverse of ToAnchor: it reproduces the original
// wall-clock fields, in loc for localized anchors and in UTC (standing in
// for "no zone") for floating ones.
func FromAnchor(anchor int64, floating bool, loc *time.Location) time.Time {
	if floating {
		return time.Unix(anchor, 0).UTC()
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.Unix(anchor, 0).In(loc)
}

// Naive rebuilds t's wall-clock fields in UTC, dropping the offset.
func Naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(),
		t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

// StripTZ re-expresses an aware value in tz and drops the offset; naive
// values only have their wall clock normalized. RDATE/EXDATE matching
// against rule output must compare like with like, so both sides are
// brought into one naive representation first.
func StripTZ(t time.Time, aware bool, tz *time.Location) time.Time {
	if aware && tz != nil {
		t = t.In(tz)
	}
	return Naive(t)
}
