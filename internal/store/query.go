package store

import (
	"database/sql"
	"errors"
	"time"

	"vdircal/internal/model"
	"vdircal/internal/temporal"
)

// overlapClause matches rows overlapping a [qstart, qend] query. Both
// bounds are inclusive for timed rows. Date rows end exclusively at the
// next midnight, so one whose dtend equals qstart is already over and must
// not surface on its end day.
const overlapClause = `t.dtstart <= ? AND (t.dtend > ? OR (t.dtend = ? AND t.dtype = ?))`

func overlapArgs(qstart, qend int64) []any {
	return []any{qend, qstart, qstart, int(temporal.KindDateTime)}
}

// Occurrence pins Get to one concrete instance of a recurring event, as
// returned by a range query.
type Occurrence struct {
	Start time.Time
	End   time.Time
	Ref   string
	Kind  temporal.Kind
}

// GetCtag returns the calendar's stored change token, empty if none was
// recorded yet.
func (s *Store) GetCtag(calendar string) (string, error) {
	var ctag sql.NullString
	err := s.db.QueryRow(
		`SELECT ctag FROM calendars WHERE name = ?`, calendar).Scan(&ctag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ctag.String, nil
}

// GetEtag returns the cached etag for href.
func (s *Store) GetEtag(href, calendar string) (string, error) {
	var etag sql.NullString
	err := s.db.QueryRow(
		`SELECT etag FROM items WHERE href = ? AND calendar = ?`,
		href, calendar).Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return etag.String, nil
}

// List returns (href, etag) for every cached item of one calendar.
func (s *Store) List(calendar string) ([]model.ItemRef, error) {
	rows, err := s.db.Query(
		`SELECT href, etag FROM items WHERE calendar = ?`, calendar)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ItemRef
	for rows.Next() {
		var ref model.ItemRef
		var etag sql.NullString
		if err := rows.Scan(&ref.Href, &etag); err != nil {
			return nil, err
		}
		ref.Etag = etag.String
		out = append(out, ref)
	}
	return out, rows.Err()
}

// GetLocalized returns all timezone-aware occurrences overlapping
// [start, end]. Overlap is inclusive on both bounds: an instance exactly
// touching a query bound is included.
func (s *Store) GetLocalized(start, end time.Time) ([]*model.Event, error) {
	return s.queryRange(tableAbsolute,
		temporal.ToAnchor(start, false), temporal.ToAnchor(end, false), false)
}

// GetFloating returns all floating occurrences overlapping the naive
// wall-clock range [start, end]. All-day occurrences are excluded from
// their exclusive end bound: a one-day event does not show up on the
// following day.
func (s *Store) GetFloating(start, end time.Time) ([]*model.Event, error) {
	return s.queryRange(tableFloating,
		temporal.ToAnchor(start, true), temporal.ToAnchor(end, true), true)
}

// GetLocalizedAt returns timezone-aware occurrences in progress at the
// given instant.
func (s *Store) GetLocalizedAt(at time.Time) ([]*model.Event, error) {
	anchor := temporal.ToAnchor(at, false)
	return s.queryRange(tableAbsolute, anchor, anchor, false)
}

// GetFloatingAt returns floating occurrences in progress at the given
// naive wall-clock time.
func (s *Store) GetFloatingAt(at time.Time) ([]*model.Event, error) {
	anchor := temporal.ToAnchor(at, true)
	return s.queryRange(tableFloating, anchor, anchor, true)
}

func (s *Store) queryRange(table string, qstart, qend int64, floating bool) ([]*model.Event, error) {
	q := `SELECT items.item, t.href, t.dtstart, t.dtend, t.ref, items.etag, t.dtype, items.calendar ` +
		`FROM ` + table + ` t JOIN items ON t.href = items.href AND t.calendar = items.calendar ` +
		`WHERE ` + overlapClause + ` AND items.calendar IN (` +
		placeholders(len(s.calendars)) + `) ORDER BY t.dtstart`
	args := append(overlapArgs(qstart, qend), s.calendarArgs()...)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		var raw, href, ref, calendar string
		var etag sql.NullString
		var dtstart, dtend int64
		var dtype int
		if err := rows.Scan(&raw, &href, &dtstart, &dtend, &ref, &etag, &dtype, &calendar); err != nil {
			return nil, err
		}
		start := temporal.FromAnchor(dtstart, floating, s.locale.Local)
		end := temporal.FromAnchor(dtend, floating, s.locale.Local)
		ev, err := s.buildEvent(raw, href, etag.String, calendar, &Occurrence{
			Start: start, End: end, Ref: ref, Kind: temporal.Kind(dtype),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CalendarsInRange returns only the names of calendars having at least one
// occurrence in the range; cheap enough for day-highlighting views.
func (s *Store) CalendarsInRange(start, end time.Time, floating bool) ([]string, error) {
	table := tableAbsolute
	if floating {
		table = tableFloating
	}
	q := `SELECT DISTINCT items.calendar FROM ` + table + ` t ` +
		`JOIN items ON t.href = items.href AND t.calendar = items.calendar ` +
		`WHERE ` + overlapClause + ` AND items.calendar IN (` +
		placeholders(len(s.calendars)) + `)`
	args := append(overlapArgs(
		temporal.ToAnchor(start, floating),
		temporal.ToAnchor(end, floating),
	), s.calendarArgs()...)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// CachedInstance is one materialized occurrence row exactly as stored, in
// anchor space.
type CachedInstance struct {
	Table   string
	Href    string
	RecInst int64
	Start   int64
	End     int64
	Ref     string
	Dtype   int
}

// Instances dumps every instance row of one calendar across both
// partitions, in a deterministic order. Reconciliation is required to be
// idempotent down to the exact rows, which these dumps verify.
func (s *Store) Instances(calendar string) ([]CachedInstance, error) {
	var out []CachedInstance
	for _, table := range []string{tableAbsolute, tableFloating} {
		rows, err := s.db.Query(
			`SELECT href, rec_inst, dtstart, dtend, ref, dtype FROM `+table+
				` WHERE calendar = ? ORDER BY href, rec_inst`, calendar)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			ci := CachedInstance{Table: table}
			if err := rows.Scan(&ci.Href, &ci.RecInst, &ci.Start, &ci.End, &ci.Ref, &ci.Dtype); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, ci)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// Get reconstructs the event stored at href. With a non-nil occ the result
// reflects that specific occurrence's effective schedule instead of the
// master's.
func (s *Store) Get(href, calendar string, occ *Occurrence) (*model.Event, error) {
	var raw string
	var etag sql.NullString
	err := s.db.QueryRow(
		`SELECT item, etag FROM items WHERE href = ? AND calendar = ?`,
		href, calendar).Scan(&raw, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.buildEvent(raw, href, etag.String, calendar, occ)
}

// Search returns one event per cached item whose raw content contains
// text, across all calendars.
func (s *Store) Search(text string) ([]*model.Event, error) {
	q := `SELECT href, calendar FROM items WHERE item LIKE ? AND calendar IN (` +
		placeholders(len(s.calendars)) + `)`
	args := append([]any{"%" + text + "%"}, s.calendarArgs()...)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type hit struct{ href, calendar string }
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.href, &h.calendar); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*model.Event, 0, len(hits))
	for _, h := range hits {
		ev, err := s.Get(h.href, h.calendar, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
