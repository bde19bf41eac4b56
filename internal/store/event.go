package store

import (
	"strconv"

	"vdircal/internal/ics"
	"vdircal/internal/model"
	"vdircal/internal/temporal"
)

// buildEvent turns a cached raw item plus an optional occurrence into a
// displayable event. The sub-event whose recurrence id matches occ.Ref is
// the one that defines the displayed properties; Proto (or a missing ref)
// selects the master.
func (s *Store) buildEvent(raw, href, etag, calendar string, occ *Occurrence) (*model.Event, error) {
	subs, err := ics.Parse(raw, s.locale, href, calendar)
	if err != nil {
		return nil, err
	}

	se := pickSubEvent(subs, occ)
	se, err = ics.Sanitize(se)
	if err != nil {
		return nil, err
	}

	ev := &model.Event{
		Calendar:    calendar,
		Href:        href,
		Etag:        etag,
		UID:         se.UID,
		Summary:     se.Summary,
		Description: se.Description,
		Location:    se.Location,
		Raw:         raw,
	}

	if occ != nil && !occ.Start.IsZero() {
		ev.Start = occ.Start
		ev.End = occ.End
		ev.AllDay = occ.Kind == temporal.KindDate
	} else {
		ev.Start = se.Start
		ev.End = se.End
		ev.AllDay = se.Rep == temporal.RepDate
	}
	return ev, nil
}

// pickSubEvent selects the sub-event an occurrence row points at.
func pickSubEvent(subs []ics.SubEvent, occ *Occurrence) ics.SubEvent {
	if occ != nil && occ.Ref != "" && occ.Ref != Proto {
		for _, se := range subs {
			if !se.IsOverride() {
				continue
			}
			anchor := temporal.ToAnchor(*se.RecurrenceID, se.Rep.Floating())
			if strconv.FormatInt(anchor, 10) == occ.Ref {
				return se
			}
		}
	}
	for _, se := range subs {
		if !se.IsOverride() {
			return se
		}
	}
	return subs[0]
}
