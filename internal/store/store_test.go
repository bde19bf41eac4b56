package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vdircal/internal/temporal"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", []string{"work", "home"},
		temporal.Locale{Default: time.UTC, Local: time.UTC})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// item builds a raw iCalendar text from one or more VEVENT property lists.
func item(events ...[]string) string {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//vdircal//test//EN"}
	for _, ev := range events {
		lines = append(lines, "BEGIN:VEVENT")
		lines = append(lines, ev...)
		lines = append(lines, "END:VEVENT")
	}
	lines = append(lines, "END:VCALENDAR", "")
	return strings.Join(lines, "\r\n")
}

func day(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestUpdateAndGet(t *testing.T) {
	s := openStore(t)

	raw := item([]string{
		"UID:meeting",
		"SUMMARY:Standup",
		"DTSTART:20240601T100000",
		"DTEND:20240601T103000",
	})
	require.NoError(t, s.Update(raw, "meeting.ics", "etag-1", "work"))

	etag, err := s.GetEtag("meeting.ics", "work")
	require.NoError(t, err)
	assert.Equal(t, "etag-1", etag)

	refs, err := s.List("work")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "meeting.ics", refs[0].Href)

	ev, err := s.Get("meeting.ics", "work", nil)
	require.NoError(t, err)
	assert.Equal(t, "Standup", ev.Summary)
	assert.Equal(t, "work", ev.Calendar)
	assert.True(t, ev.Start.Equal(day(2024, 6, 1, 10, 0)))
	assert.True(t, ev.End.Equal(day(2024, 6, 1, 10, 30)))
}

func TestGetUnknownHref(t *testing.T) {
	s := openStore(t)

	_, err := s.Get("missing.ics", "work", nil)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.GetEtag("missing.ics", "work")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRangeQueryInclusiveBounds(t *testing.T) {
	s := openStore(t)

	raw := item([]string{
		"UID:b",
		"SUMMARY:Bounds",
		"DTSTART:20240601T090000",
		"DTEND:20240601T100000",
	})
	require.NoError(t, s.Update(raw, "b.ics", "1", "work"))

	// Query ending exactly at the event start still matches.
	evs, err := s.GetFloating(day(2024, 6, 1, 8, 0), day(2024, 6, 1, 9, 0))
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	// Query starting exactly at the event end still matches.
	evs, err = s.GetFloating(day(2024, 6, 1, 10, 0), day(2024, 6, 1, 11, 0))
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	// One second past the end does not.
	evs, err = s.GetFloating(day(2024, 6, 1, 10, 0).Add(time.Second), day(2024, 6, 1, 11, 0))
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestRecurringWithPointwiseOverride(t *testing.T) {
	s := openStore(t)

	raw := item(
		[]string{
			"UID:series",
			"SUMMARY:Standup",
			"DTSTART:20240101T090000",
			"DTEND:20240101T093000",
			"RRULE:FREQ=DAILY;COUNT=10",
		},
		[]string{
			"UID:series",
			"SUMMARY:Moved standup",
			"DTSTART:20240103T110000",
			"DTEND:20240103T113000",
			"RECURRENCE-ID:20240103T090000",
		},
	)
	require.NoError(t, s.Update(raw, "series.ics", "1", "work"))

	evs, err := s.GetFloating(day(2024, 1, 1, 0, 0), day(2024, 1, 11, 0, 0))
	require.NoError(t, err)
	require.Len(t, evs, 10)

	var moved *time.Time
	for _, ev := range evs {
		assert.False(t, ev.Start.Equal(day(2024, 1, 3, 9, 0)),
			"replaced occurrence must not surface")
		if ev.Start.Equal(day(2024, 1, 3, 11, 0)) {
			start := ev.Start
			moved = &start
			assert.Equal(t, "Moved standup", ev.Summary)
		} else {
			assert.Equal(t, "Standup", ev.Summary)
		}
	}
	require.NotNil(t, moved, "override occurrence missing from range")
}

func TestThisAndFutureChainComposes(t *testing.T) {
	s := openStore(t)

	raw := item(
		[]string{
			"UID:chain",
			"SUMMARY:Weekly",
			"DTSTART:20240101T100000",
			"DTEND:20240101T110000",
			"RRULE:FREQ=WEEKLY;COUNT=6",
		},
		[]string{
			"UID:chain",
			"SUMMARY:Weekly (late)",
			"DTSTART:20240115T120000",
			"DTEND:20240115T130000",
			"RECURRENCE-ID;RANGE=THISANDFUTURE:20240115T100000",
		},
		[]string{
			"UID:chain",
			"SUMMARY:Weekly (later)",
			"DTSTART:20240129T150000",
			"DTEND:20240129T160000",
			"RECURRENCE-ID;RANGE=THISANDFUTURE:20240129T100000",
		},
	)
	require.NoError(t, s.Update(raw, "chain.ics", "1", "work"))

	evs, err := s.GetFloating(day(2024, 1, 1, 0, 0), day(2024, 2, 10, 0, 0))
	require.NoError(t, err)
	require.Len(t, evs, 6)

	wantStarts := []time.Time{
		day(2024, 1, 1, 10, 0),
		day(2024, 1, 8, 10, 0),
		day(2024, 1, 15, 12, 0), // first shift: +2h
		day(2024, 1, 22, 12, 0), // first shift carries forward
		day(2024, 1, 29, 15, 0), // second shift: +5h from the original slot
		day(2024, 2, 5, 15, 0),
	}
	for i, want := range wantStarts {
		assert.True(t, evs[i].Start.Equal(want),
			"occurrence %d: got %s want %s", i, evs[i].Start, want)
		assert.Equal(t, time.Hour, evs[i].End.Sub(evs[i].Start))
	}
}

func TestThisAndPriorExcludesWholeItem(t *testing.T) {
	s := openStore(t)

	good := item([]string{
		"UID:tap",
		"SUMMARY:Before",
		"DTSTART:20240101T090000",
		"DTEND:20240101T100000",
	})
	require.NoError(t, s.Update(good, "tap.ics", "1", "work"))

	bad := item(
		[]string{
			"UID:tap",
			"DTSTART:20240101T090000",
			"DTEND:20240101T100000",
			"RRULE:FREQ=DAILY;COUNT=3",
		},
		[]string{
			"UID:tap",
			"DTSTART:20240102T110000",
			"DTEND:20240102T120000",
			"RECURRENCE-ID;RANGE=THISANDPRIOR:20240102T090000",
		},
	)

	// Reconciliation keeps going after a skip, so the failed update is
	// committed with the old rows cleared and nothing re-inserted.
	b, err := s.Batch()
	require.NoError(t, err)
	err = b.Update(bad, "tap.ics", "2", "work")
	require.Error(t, err)
	require.NoError(t, b.Commit())

	_, err = s.GetEtag("tap.ics", "work")
	assert.True(t, errors.Is(err, ErrNotFound))

	evs, err := s.GetFloating(day(2024, 1, 1, 0, 0), day(2024, 1, 10, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestDeleteRemovesAllRows(t *testing.T) {
	s := openStore(t)

	raw := item([]string{
		"UID:del",
		"DTSTART:20240101T090000",
		"DTEND:20240101T100000",
		"RRULE:FREQ=DAILY;COUNT=10",
	})
	require.NoError(t, s.Update(raw, "del.ics", "1", "work"))
	require.NoError(t, s.Delete("del.ics", "work"))

	_, err := s.GetEtag("del.ics", "work")
	assert.True(t, errors.Is(err, ErrNotFound))

	evs, err := s.GetFloating(day(2024, 1, 1, 0, 0), day(2024, 2, 1, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestUpdateReplacesStaleInstances(t *testing.T) {
	s := openStore(t)

	recurring := item([]string{
		"UID:shrink",
		"DTSTART:20240101T090000",
		"DTEND:20240101T100000",
		"RRULE:FREQ=DAILY;COUNT=5",
	})
	require.NoError(t, s.Update(recurring, "shrink.ics", "1", "work"))

	// The rule is gone in the second revision; old instance rows must not
	// survive.
	single := item([]string{
		"UID:shrink",
		"DTSTART:20240101T090000",
		"DTEND:20240101T100000",
	})
	require.NoError(t, s.Update(single, "shrink.ics", "2", "work"))

	evs, err := s.GetFloating(day(2024, 1, 1, 0, 0), day(2024, 1, 10, 0, 0))
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestFloatingAndLocalizedPartition(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Update(item([]string{
		"UID:float",
		"SUMMARY:Floating",
		"DTSTART:20240601T090000",
		"DTEND:20240601T100000",
	}), "float.ics", "1", "work"))

	require.NoError(t, s.Update(item([]string{
		"UID:fixed",
		"SUMMARY:Fixed",
		"DTSTART:20240601T090000Z",
		"DTEND:20240601T100000Z",
	}), "fixed.ics", "1", "work"))

	floating, err := s.GetFloating(day(2024, 6, 1, 0, 0), day(2024, 6, 2, 0, 0))
	require.NoError(t, err)
	require.Len(t, floating, 1)
	assert.Equal(t, "Floating", floating[0].Summary)

	localized, err := s.GetLocalized(day(2024, 6, 1, 0, 0), day(2024, 6, 2, 0, 0))
	require.NoError(t, err)
	require.Len(t, localized, 1)
	assert.Equal(t, "Fixed", localized[0].Summary)
}

func TestAllDayEvent(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Update(item([]string{
		"UID:holiday",
		"SUMMARY:Holiday",
		"DTSTART;VALUE=DATE:20240601",
	}), "holiday.ics", "1", "home"))

	evs, err := s.GetFloating(day(2024, 6, 1, 0, 0), day(2024, 6, 2, 0, 0))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].AllDay)
	assert.Equal(t, "home", evs[0].Calendar)

	// The all-day end is exclusive: the event belongs to June 1 only and
	// must not match a query for June 2.
	evs, err = s.GetFloating(day(2024, 6, 2, 0, 0), day(2024, 6, 2, 23, 59))
	require.NoError(t, err)
	assert.Empty(t, evs)

	names, err := s.CalendarsInRange(day(2024, 6, 2, 0, 0), day(2024, 6, 2, 23, 59), true)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestSearch(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Update(item([]string{
		"UID:s1",
		"SUMMARY:Dentist appointment",
		"DTSTART:20240601T090000",
		"DTEND:20240601T100000",
	}), "s1.ics", "1", "home"))
	require.NoError(t, s.Update(item([]string{
		"UID:s2",
		"SUMMARY:Team offsite",
		"DTSTART:20240602T090000",
		"DTEND:20240602T100000",
	}), "s2.ics", "1", "work"))

	evs, err := s.Search("Dentist")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "Dentist appointment", evs[0].Summary)
	assert.Equal(t, "home", evs[0].Calendar)

	evs, err = s.Search("nothing here")
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestCalendarsInRange(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Update(item([]string{
		"UID:w",
		"DTSTART:20240601T090000",
		"DTEND:20240601T100000",
	}), "w.ics", "1", "work"))

	names, err := s.CalendarsInRange(day(2024, 6, 1, 0, 0), day(2024, 6, 2, 0, 0), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, names)

	names, err = s.CalendarsInRange(day(2024, 7, 1, 0, 0), day(2024, 7, 2, 0, 0), true)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCtagRoundTrip(t *testing.T) {
	s := openStore(t)

	ctag, err := s.GetCtag("work")
	require.NoError(t, err)
	assert.Empty(t, ctag)

	require.NoError(t, s.SetCtag("work", "1717200000.000000001"))

	ctag, err = s.GetCtag("work")
	require.NoError(t, err)
	assert.Equal(t, "1717200000.000000001", ctag)
}

func TestOutdatedSchemaIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	locale := temporal.Locale{Default: time.UTC, Local: time.UTC}

	s, err := Open(path, []string{"work"}, locale)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE schema_version SET version = 99`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path, []string{"work"}, locale)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutdatedSchema))
}
