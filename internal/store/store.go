package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	appLog "vdircal/internal/log"
	"vdircal/internal/temporal"
)

// dbVersion is the current cache layout version. The cache is always
// derivable from the item store, so a mismatch is handled by deleting it.
const dbVersion = 1

// Proto marks instance rows generated by the master pattern rather than
// by an override sub-event.
const Proto = "PROTO"

var (
	// ErrNotFound means the requested href is not cached.
	ErrNotFound = errors.New("store: item not found")

	// ErrOutdatedSchema means the on-disk cache was written by an
	// incompatible version. Structural and fatal.
	ErrOutdatedSchema = errors.New("store: outdated or invalid cache schema")
)

// Store is the SQLite-backed relational cache over one or more calendars.
// It keeps raw items in one table and their reconciled recurrence
// expansion in two instance partitions, one for absolute (timezone-aware)
// anchors and one for floating wall-clock anchors.
//
// All access goes through a single connection; writes commit eagerly
// unless grouped in a Batch.
type Store struct {
	db        *sql.DB
	calendars []string
	locale    temporal.Locale
}

// Open opens (creating if necessary) the cache at dbPath and ensures the
// given calendars exist in it. Pass ":memory:" for an ephemeral cache.
func Open(dbPath string, calendars []string, locale temporal.Locale) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection: the engine is single-threaded and sqlite locking is
	// left to concurrent processes, not goroutines.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, calendars: calendars, locale: locale}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.checkVersion(dbPath); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureCalendars(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Calendars returns the calendar names this store was opened with.
func (s *Store) Calendars() []string {
	return s.calendars
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER)`,
		`CREATE TABLE IF NOT EXISTS calendars (
			name TEXT NOT NULL UNIQUE,
			ctag TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			href TEXT NOT NULL,
			calendar TEXT NOT NULL,
			etag TEXT,
			item TEXT,
			PRIMARY KEY (href, calendar)
		)`,
		`CREATE TABLE IF NOT EXISTS instances_absolute (
			dtstart INTEGER NOT NULL,
			dtend INTEGER NOT NULL,
			href TEXT NOT NULL REFERENCES items (href),
			rec_inst INTEGER NOT NULL,
			ref TEXT NOT NULL,
			dtype INTEGER NOT NULL,
			calendar TEXT NOT NULL,
			PRIMARY KEY (href, rec_inst, calendar)
		)`,
		`CREATE TABLE IF NOT EXISTS instances_floating (
			dtstart INTEGER NOT NULL,
			dtend INTEGER NOT NULL,
			href TEXT NOT NULL REFERENCES items (href),
			rec_inst INTEGER NOT NULL,
			ref TEXT NOT NULL,
			dtype INTEGER NOT NULL,
			calendar TEXT NOT NULL,
			PRIMARY KEY (href, rec_inst, calendar)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) checkVersion(dbPath string) error {
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, dbVersion)
		return err
	}
	if err != nil {
		return err
	}
	if version != dbVersion {
		return fmt.Errorf("%w: %s holds version %d, this build expects %d; "+
			"delete the cache file and it will be rebuilt from the calendars",
			ErrOutdatedSchema, dbPath, version, dbVersion)
	}
	return nil
}

func (s *Store) ensureCalendars() error {
	for _, name := range s.calendars {
		var n int
		if err := s.db.QueryRow(
			`SELECT count(*) FROM calendars WHERE name = ?`, name).Scan(&n); err != nil {
			return err
		}
		if n != 0 {
			continue
		}
		appLog.Debug("registering calendar in cache", "calendar", name)
		if _, err := s.db.Exec(
			`INSERT INTO calendars (name, ctag) VALUES (?, NULL)`, name); err != nil {
			return err
		}
	}
	return nil
}

// placeholders builds "?, ?, ?" for n parameters.
func placeholders(n int) string {
	if n == 0 {
		return "''"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *Store) calendarArgs() []any {
	args := make([]any, len(s.calendars))
	for i, c := range s.calendars {
		args[i] = c
	}
	return args
}
