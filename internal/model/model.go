package model

import "time"

// Event is a displayable calendar event as reconstructed from the cache.
// For recurring events it describes one concrete occurrence, not the
// master pattern.
type Event struct {
	Calendar string
	Href     string
	Etag     string
	UID      string

	Summary     string
	Description string
	Location    string

	AllDay bool

	// Start / End describe this occurrence's effective schedule. End is
	// exclusive for all-day events.
	Start time.Time
	End   time.Time

	// Color / ReadOnly are calendar-level attributes stamped on by the
	// collection layer.
	Color    string
	ReadOnly bool

	// Raw is the item's full iCalendar text.
	Raw string
}

// ItemRef identifies one stored item together with its change token.
type ItemRef struct {
	Href string
	Etag string
}
