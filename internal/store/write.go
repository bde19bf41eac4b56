package store

import (
	"database/sql"
	"sort"
	"strconv"
	"time"

	"vdircal/internal/ics"
	"vdircal/internal/temporal"
)

const (
	tableAbsolute = "instances_absolute"
	tableFloating = "instances_floating"
)

// Batch is an explicit transaction scope over the cache's write path.
// Grouping a full reconciliation in one Batch keeps it atomic and fast;
// single mutations can use the Store-level convenience methods instead.
type Batch struct {
	tx *sql.Tx
	s  *Store
}

// Batch begins a write transaction. The caller owns Commit/Rollback.
func (s *Store) Batch() (*Batch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &Batch{tx: tx, s: s}, nil
}

func (b *Batch) Commit() error {
	return b.tx.Commit()
}

func (b *Batch) Rollback() error {
	return b.tx.Rollback()
}

// Update replaces everything stored for (href, calendar) with the
// reconciled expansion of raw. On a skip-this-item failure the old rows
// are still cleared but nothing new is inserted, so the caller sees the
// item vanish from the cache rather than a half-written state.
func (b *Batch) Update(raw, href, etag, calendar string) error {
	// Old rows go first: the item may have lost its RRULE or gained
	// EXDATEs, and stale instance rows must not survive the rewrite.
	if err := b.Delete(href, calendar); err != nil {
		return err
	}

	subs, err := ics.Parse(raw, b.s.locale, href, calendar)
	if err != nil {
		return err
	}

	plans, err := buildPlans(subs, href, calendar)
	if err != nil {
		return err
	}

	for _, p := range plans {
		if err := p.apply(b.tx, href, calendar); err != nil {
			return err
		}
	}

	_, err = b.tx.Exec(
		`INSERT INTO items (item, etag, href, calendar) VALUES (?, ?, ?, ?)`,
		raw, etag, href, calendar)
	return err
}

// Delete removes the item row and all its instance rows for one href.
func (b *Batch) Delete(href, calendar string) error {
	for _, table := range []string{tableAbsolute, tableFloating} {
		if _, err := b.tx.Exec(
			`DELETE FROM `+table+` WHERE href = ? AND calendar = ?`,
			href, calendar); err != nil {
			return err
		}
	}
	_, err := b.tx.Exec(
		`DELETE FROM items WHERE href = ? AND calendar = ?`, href, calendar)
	return err
}

// SetCtag stores the calendar's change token.
func (b *Batch) SetCtag(calendar, ctag string) error {
	_, err := b.tx.Exec(
		`UPDATE calendars SET ctag = ? WHERE name = ?`, ctag, calendar)
	return err
}

// Update is the single-shot variant of Batch.Update.
func (s *Store) Update(raw, href, etag, calendar string) error {
	return s.inBatch(func(b *Batch) error { return b.Update(raw, href, etag, calendar) })
}

// Delete is the single-shot variant of Batch.Delete.
func (s *Store) Delete(href, calendar string) error {
	return s.inBatch(func(b *Batch) error { return b.Delete(href, calendar) })
}

// SetCtag is the single-shot variant of Batch.SetCtag.
func (s *Store) SetCtag(calendar, ctag string) error {
	return s.inBatch(func(b *Batch) error { return b.SetCtag(calendar, ctag) })
}

func (s *Store) inBatch(fn func(*Batch) error) error {
	b, err := s.Batch()
	if err != nil {
		return err
	}
	if err := fn(b); err != nil {
		b.Rollback()
		return err
	}
	return b.Commit()
}

// instanceRow is one materialized occurrence, in anchor space.
type instanceRow struct {
	start   int64
	end     int64
	recInst int64
	ref     string
	dtype   temporal.Kind
}

// subPlan is the fully computed effect of one sub-event on the instance
// tables. Computing every plan before touching SQL is what keeps a
// mid-item expansion failure from leaving partial rows behind.
type subPlan struct {
	table string
	rows  []instanceRow

	// this-and-future bulk shift
	taf         bool
	fromAnchor  int64
	startShift  int64
	durationSec int64
	ref         string
}

// buildPlans sanitizes, gates, orders and expands all sub-events of one
// item. Ordering: the master first, then pointwise overrides, then
// THISANDFUTURE overrides by ascending recurrence-id anchor (ties keep
// insertion order). That order makes chains of successive "from here on"
// edits compose, since each shift is applied relative to the immutable
// rec_inst keys.
func buildPlans(subs []ics.SubEvent, href, calendar string) ([]subPlan, error) {
	type ranked struct {
		se     ics.SubEvent
		rank   int
		anchor int64
	}

	rs := make([]ranked, 0, len(subs))
	for _, raw := range subs {
		se, err := ics.Sanitize(raw)
		if err != nil {
			return nil, err
		}
		if err := ics.CheckSupport(se, href, calendar); err != nil {
			return nil, err
		}
		r := ranked{se: se}
		switch {
		case !se.IsOverride():
			r.rank = 0
		case se.Range == ics.RangeThisAndFuture:
			r.rank = 2
			r.anchor = temporal.ToAnchor(*se.RecurrenceID, se.Rep.Floating())
		default:
			r.rank = 1
		}
		rs = append(rs, r)
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].rank != rs[j].rank {
			return rs[i].rank < rs[j].rank
		}
		return rs[i].anchor < rs[j].anchor
	})

	plans := make([]subPlan, 0, len(rs))
	for _, r := range rs {
		p, err := buildPlan(r.se, href)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func buildPlan(se ics.SubEvent, href string) (subPlan, error) {
	floating := se.Rep.Floating()
	plan := subPlan{table: tableAbsolute}
	if floating {
		plan.table = tableFloating
	}
	dtype := se.Rep.Kind()

	if se.IsOverride() && se.Range == ics.RangeThisAndFuture {
		ridAnchor := temporal.ToAnchor(*se.RecurrenceID, floating)
		plan.taf = true
		plan.fromAnchor = ridAnchor
		plan.startShift = temporal.ToAnchor(se.Start, floating) - ridAnchor
		plan.durationSec = durationSeconds(se)
		plan.ref = strconv.FormatInt(ridAnchor, 10)
		return plan, nil
	}

	intervals, err := ics.Expand(se, href)
	if err != nil {
		return plan, err
	}

	for _, iv := range intervals {
		row := instanceRow{
			start: temporal.ToAnchor(iv.Start, floating),
			end:   temporal.ToAnchor(iv.End, floating),
			dtype: dtype,
		}
		if se.IsOverride() {
			// Pointwise override: replace exactly the row keyed by the
			// original occurrence it targets.
			ridAnchor := temporal.ToAnchor(*se.RecurrenceID, floating)
			row.recInst = ridAnchor
			row.ref = strconv.FormatInt(ridAnchor, 10)
		} else {
			row.recInst = row.start
			row.ref = Proto
		}
		plan.rows = append(plan.rows, row)
	}
	return plan, nil
}

func (p subPlan) apply(tx *sql.Tx, href, calendar string) error {
	if p.taf {
		_, err := tx.Exec(
			`UPDATE `+p.table+` SET dtstart = rec_inst + ?, dtend = rec_inst + ?, ref = ? `+
				`WHERE rec_inst >= ? AND href = ? AND calendar = ?`,
			p.startShift, p.startShift+p.durationSec, p.ref,
			p.fromAnchor, href, calendar)
		return err
	}
	for _, row := range p.rows {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO `+p.table+
				` (dtstart, dtend, href, rec_inst, ref, dtype, calendar)`+
				` VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.start, row.end, href, row.recInst, row.ref, int(row.dtype), calendar); err != nil {
			return err
		}
	}
	return nil
}

func durationSeconds(se ics.SubEvent) int64 {
	if se.HasDuration {
		return int64(se.Duration / time.Second)
	}
	return int64(se.End.Sub(se.Start) / time.Second)
}
