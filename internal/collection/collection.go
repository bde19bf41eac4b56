package collection

import (
	"errors"
	"fmt"
	"time"

	"vdircal/internal/ics"
	appLog "vdircal/internal/log"
	"vdircal/internal/model"
	"vdircal/internal/store"
	"vdircal/internal/temporal"
	"vdircal/internal/vdir"
)

var (
	// ErrReadOnly means a mutation targeted a read-only calendar.
	ErrReadOnly = errors.New("collection: calendar is read-only")

	// ErrUnknownCalendar means the named calendar is not configured.
	ErrUnknownCalendar = errors.New("collection: unknown calendar")
)

// DuplicateUIDError reports that a new item's uid already maps to a
// stored href.
type DuplicateUIDError struct {
	ExistingHref string
}

func (e *DuplicateUIDError) Error() string {
	return fmt.Sprintf("collection: uid already stored at %s", e.ExistingHref)
}

// CtagFunc produces the change token for one calendar's backing
// directory. It is injectable because directory-mtime semantics differ
// across filesystems; tests and exotic setups supply their own.
type CtagFunc func(path string) (string, error)

// DirMtimeCtag is the default change-token source: the directory's own
// nanosecond-mtime etag.
func DirMtimeCtag(path string) (string, error) {
	return vdir.Etag(path)
}

// CalendarConfig describes one named calendar to open.
type CalendarConfig struct {
	Name     string
	Path     string
	Color    string
	ReadOnly bool
}

type calendar struct {
	name     string
	path     string
	color    string
	readOnly bool
	storage  *vdir.Collection
}

// Options configures a Collection.
type Options struct {
	DBPath          string
	Locale          temporal.Locale
	Calendars       []CalendarConfig
	DefaultCalendar string
	// Ctag overrides the change-token source; nil means DirMtimeCtag.
	Ctag CtagFunc
}

// Collection aggregates multiple named calendars, each a vdir mirrored
// into one shared cache, and exposes the merged query and mutation API.
// All synchronization is pull-based: call Sync before reading when fresh
// results matter.
type Collection struct {
	calendars map[string]*calendar
	names     []string
	backend   *store.Store
	locale    temporal.Locale
	ctag      CtagFunc
	lastCtags map[string]string
	deflt     string
}

// New opens all configured calendars, creating missing vdir directories,
// and the shared cache.
func New(opts Options) (*Collection, error) {
	if len(opts.Calendars) == 0 {
		return nil, errors.New("collection: no calendars configured")
	}

	c := &Collection{
		calendars: make(map[string]*calendar),
		locale:    opts.Locale,
		ctag:      opts.Ctag,
		lastCtags: make(map[string]string),
	}
	if c.ctag == nil {
		c.ctag = DirMtimeCtag
	}

	for _, cc := range opts.Calendars {
		storage, err := vdir.Create(cc.Path, ".ics")
		if err != nil {
			return nil, fmt.Errorf("open calendar %s: %w", cc.Name, err)
		}
		color := cc.Color
		if color == "" {
			color = storage.Color()
		}
		c.calendars[cc.Name] = &calendar{
			name:     cc.Name,
			path:     cc.Path,
			color:    color,
			readOnly: cc.ReadOnly,
			storage:  storage,
		}
		c.names = append(c.names, cc.Name)
	}

	backend, err := store.Open(opts.DBPath, c.names, opts.Locale)
	if err != nil {
		return nil, err
	}
	c.backend = backend

	if opts.DefaultCalendar != "" {
		cal, ok := c.calendars[opts.DefaultCalendar]
		if !ok {
			backend.Close()
			return nil, fmt.Errorf("%w: %s", ErrUnknownCalendar, opts.DefaultCalendar)
		}
		if cal.readOnly {
			backend.Close()
			return nil, fmt.Errorf("%w: %s cannot be the default", ErrReadOnly, opts.DefaultCalendar)
		}
		c.deflt = opts.DefaultCalendar
	}
	return c, nil
}

func (c *Collection) Close() error {
	return c.backend.Close()
}

// Names returns all calendar names in configuration order.
func (c *Collection) Names() []string {
	return c.names
}

// WritableNames returns the names of calendars that accept mutations.
func (c *Collection) WritableNames() []string {
	var out []string
	for _, name := range c.names {
		if !c.calendars[name].readOnly {
			out = append(out, name)
		}
	}
	return out
}

// DefaultCalendar returns the configured default calendar name, or the
// first writable one.
func (c *Collection) DefaultCalendar() string {
	if c.deflt != "" {
		return c.deflt
	}
	w := c.WritableNames()
	if len(w) > 0 {
		return w[0]
	}
	return ""
}

func (c *Collection) get(name string) (*calendar, error) {
	cal, ok := c.calendars[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCalendar, name)
	}
	return cal, nil
}

func (c *Collection) localCtag(cal *calendar) (string, error) {
	return c.ctag(cal.path)
}

// NeedsUpdate reports whether any calendar changed since the cache was
// last reconciled, either externally or by another process writing the
// cache.
func (c *Collection) NeedsUpdate() (bool, error) {
	for _, name := range c.names {
		cal := c.calendars[name]
		local, err := c.localCtag(cal)
		if err != nil {
			return false, err
		}
		cached, err := c.backend.GetCtag(name)
		if err != nil {
			return false, err
		}
		if local != cached || c.lastCtags[name] != local {
			return true, nil
		}
	}
	return false, nil
}

// Sync reconciles every stale calendar with its vdir. Running it twice
// with no external change is a no-op.
func (c *Collection) Sync() error {
	for _, name := range c.names {
		cal := c.calendars[name]
		local, err := c.localCtag(cal)
		if err != nil {
			return fmt.Errorf("ctag for %s: %w", name, err)
		}
		c.lastCtags[name] = local
		cached, err := c.backend.GetCtag(name)
		if err != nil {
			return err
		}
		if local == cached {
			continue
		}
		if err := c.reconcile(cal, local); err != nil {
			return err
		}
	}
	return nil
}

// reconcile diffs the vdir against the cache and replays the difference:
// changed or new hrefs are re-expanded, vanished hrefs are dropped, and
// the fresh ctag is recorded last so an interrupted run stays stale.
func (c *Collection) reconcile(cal *calendar, localCtag string) error {
	cached, err := c.backend.List(cal.name)
	if err != nil {
		return err
	}
	cachedEtags := make(map[string]string, len(cached))
	for _, ref := range cached {
		cachedEtags[ref.Href] = ref.Etag
	}

	stored, err := cal.storage.List()
	if err != nil {
		return err
	}

	b, err := c.backend.Batch()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(stored))
	for _, ref := range stored {
		seen[ref.Href] = true
		if etag, ok := cachedEtags[ref.Href]; ok && etag == ref.Etag {
			continue
		}
		item, etag, err := cal.storage.Get(ref.Href)
		if err != nil {
			b.Rollback()
			return err
		}
		appLog.Debug("updating cached item", "calendar", cal.name, "href", ref.Href)
		if err := b.Update(item.Raw, ref.Href, etag, cal.name); err != nil {
			// One malformed item must not abort the whole calendar;
			// it is dropped from the cache and reported.
			appLog.Warn("skipping item, it will not be available",
				"calendar", cal.name, "href", ref.Href, "reason", err.Error())
		}
	}
	for href := range cachedEtags {
		if !seen[href] {
			if err := b.Delete(href, cal.name); err != nil {
				b.Rollback()
				return err
			}
		}
	}
	if err := b.SetCtag(cal.name, localCtag); err != nil {
		b.Rollback()
		return err
	}
	if err := b.Commit(); err != nil {
		return err
	}
	c.lastCtags[cal.name] = localCtag
	return nil
}

// cover stamps calendar-level attributes onto an event.
func (c *Collection) cover(ev *model.Event) *model.Event {
	if cal, ok := c.calendars[ev.Calendar]; ok {
		ev.Color = cal.color
		ev.ReadOnly = cal.readOnly
	}
	return ev
}

func (c *Collection) coverAll(evs []*model.Event, err error) ([]*model.Event, error) {
	if err != nil {
		return nil, err
	}
	for _, ev := range evs {
		c.cover(ev)
	}
	return evs, nil
}

// GetLocalized returns timezone-aware occurrences overlapping [start, end]
// across all calendars.
func (c *Collection) GetLocalized(start, end time.Time) ([]*model.Event, error) {
	return c.coverAll(c.backend.GetLocalized(start, end))
}

// GetFloating returns floating occurrences overlapping the naive range
// [start, end] across all calendars.
func (c *Collection) GetFloating(start, end time.Time) ([]*model.Event, error) {
	return c.coverAll(c.backend.GetFloating(start, end))
}

// EventsOn returns every occurrence touching the given day: floating ones
// by wall clock, aware ones anchored in the local timezone.
func (c *Collection) EventsOn(day time.Time) ([]*model.Event, error) {
	y, m, d := day.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	dayEnd := time.Date(y, m, d, 23, 59, 59, 0, time.UTC)

	floating, err := c.GetFloating(dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	localStart := time.Date(y, m, d, 0, 0, 0, 0, c.locale.Local)
	localEnd := time.Date(y, m, d, 23, 59, 59, 0, c.locale.Local)
	localized, err := c.GetLocalized(localStart, localEnd)
	if err != nil {
		return nil, err
	}
	return append(floating, localized...), nil
}

// CalendarsOn returns the names of calendars with at least one occurrence
// on the given day.
func (c *Collection) CalendarsOn(day time.Time) ([]string, error) {
	y, m, d := day.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	dayEnd := time.Date(y, m, d, 23, 59, 59, 0, time.UTC)

	names, err := c.backend.CalendarsInRange(dayStart, dayEnd, true)
	if err != nil {
		return nil, err
	}
	localStart := time.Date(y, m, d, 0, 0, 0, 0, c.locale.Local)
	localEnd := time.Date(y, m, d, 23, 59, 59, 0, c.locale.Local)
	localized, err := c.backend.CalendarsInRange(localStart, localEnd, false)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	var out []string
	for _, n := range append(names, localized...) {
		if !set[n] {
			set[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

// Search returns one event per item whose raw content contains text.
func (c *Collection) Search(text string) ([]*model.Event, error) {
	return c.coverAll(c.backend.Search(text))
}

// GetEvent reconstructs the master event stored at href.
func (c *Collection) GetEvent(href, calName string) (*model.Event, error) {
	if _, err := c.get(calName); err != nil {
		return nil, err
	}
	ev, err := c.backend.Get(href, calName, nil)
	if err != nil {
		return nil, err
	}
	return c.cover(ev), nil
}

// New stores a fresh item: durably in the vdir first, then in the cache.
// A uid collision surfaces as DuplicateUIDError carrying the existing
// href.
func (c *Collection) New(item vdir.Item, calName string) (model.ItemRef, error) {
	cal, err := c.writable(calName)
	if err != nil {
		return model.ItemRef{}, err
	}
	href, etag, err := cal.storage.Upload(item)
	if err != nil {
		var exists *vdir.AlreadyExistsError
		if errors.As(err, &exists) {
			return model.ItemRef{}, &DuplicateUIDError{ExistingHref: exists.ExistingHref}
		}
		return model.ItemRef{}, err
	}
	c.writeThrough(cal, item.Raw, href, etag)
	return model.ItemRef{Href: href, Etag: etag}, nil
}

// Update rewrites an existing item under etag protection and returns the
// new etag.
func (c *Collection) Update(href, calName string, item vdir.Item, etag string) (string, error) {
	cal, err := c.writable(calName)
	if err != nil {
		return "", err
	}
	newEtag, err := cal.storage.Update(href, item, etag)
	if err != nil {
		return "", err
	}
	c.writeThrough(cal, item.Raw, href, newEtag)
	return newEtag, nil
}

// Delete removes an item from the vdir and the cache.
func (c *Collection) Delete(href, etag, calName string) error {
	cal, err := c.writable(calName)
	if err != nil {
		return err
	}
	if err := cal.storage.Delete(href, etag); err != nil {
		return err
	}
	b, err := c.backend.Batch()
	if err != nil {
		return err
	}
	if err := b.Delete(href, cal.name); err != nil {
		b.Rollback()
		return err
	}
	c.setFreshCtag(b, cal)
	return b.Commit()
}

// Move transfers an item to another calendar: upload there, delete here.
// The item gets a new href and etag in the target.
func (c *Collection) Move(href, etag, from, to string) (model.ItemRef, error) {
	src, err := c.get(from)
	if err != nil {
		return model.ItemRef{}, err
	}
	item, _, err := src.storage.Get(href)
	if err != nil {
		return model.ItemRef{}, err
	}
	ref, err := c.New(item, to)
	if err != nil {
		return model.ItemRef{}, err
	}
	if err := c.Delete(href, etag, from); err != nil {
		return model.ItemRef{}, err
	}
	return ref, nil
}

// DeleteInstance removes a single occurrence of a recurring event by
// rewriting the stored item (EXDATE added or RDATE entry dropped).
func (c *Collection) DeleteInstance(href, etag, calName string, instance time.Time) (string, error) {
	cal, err := c.writable(calName)
	if err != nil {
		return "", err
	}
	item, _, err := cal.storage.Get(href)
	if err != nil {
		return "", err
	}
	rewritten, err := ics.RemoveInstance(item.Raw, instance, c.locale, href, calName)
	if err != nil {
		return "", err
	}
	return c.Update(href, calName, vdir.Item{Raw: rewritten}, etag)
}

func (c *Collection) writable(calName string) (*calendar, error) {
	cal, err := c.get(calName)
	if err != nil {
		return nil, err
	}
	if cal.readOnly {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, calName)
	}
	return cal, nil
}

// writeThrough updates the cache for one href right after a durable vdir
// write, short-circuiting a full reconciliation. Cache failures only cost
// the item its cache entry; the vdir remains the source of truth.
func (c *Collection) writeThrough(cal *calendar, raw, href, etag string) {
	b, err := c.backend.Batch()
	if err != nil {
		appLog.Error("cache write-through failed", err, "calendar", cal.name, "href", href)
		return
	}
	if err := b.Update(raw, href, etag, cal.name); err != nil {
		appLog.Warn("skipping item, it will not be available",
			"calendar", cal.name, "href", href, "reason", err.Error())
	}
	c.setFreshCtag(b, cal)
	if err := b.Commit(); err != nil {
		appLog.Error("cache write-through failed", err, "calendar", cal.name, "href", href)
	}
}

// setFreshCtag records the directory's post-write ctag so the next Sync
// does not redo work this mutation already did.
func (c *Collection) setFreshCtag(b *store.Batch, cal *calendar) {
	local, err := c.localCtag(cal)
	if err != nil {
		appLog.Error("reading ctag failed", err, "calendar", cal.name)
		return
	}
	if err := b.SetCtag(cal.name, local); err != nil {
		appLog.Error("storing ctag failed", err, "calendar", cal.name)
		return
	}
	c.lastCtags[cal.name] = local
}
