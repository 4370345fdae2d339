// Package cache persists calendars and events fetched from every configured
// account in a local SQLite database.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods. Writes go through a single connection;
// reads use a separate pool so that, under WAL, a reader always sees the last
// committed snapshot and never waits on an in-flight replace.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/adamantium1987/digital-calendar/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS calendars (
    account_id  TEXT NOT NULL,
    calendar_id TEXT NOT NULL,
    name        TEXT NOT NULL DEFAULT '',
    color       TEXT NOT NULL DEFAULT '',
    min_time    TEXT NOT NULL DEFAULT '',
    max_time    TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (account_id, calendar_id)
);

CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id  TEXT    NOT NULL,
    calendar_id TEXT    NOT NULL,
    event_id    TEXT    NOT NULL,
    title       TEXT    NOT NULL DEFAULT '',
    description TEXT    NOT NULL DEFAULT '',
    start_at    INTEGER NOT NULL,
    end_at      INTEGER NOT NULL,
    timezone    TEXT    NOT NULL DEFAULT '',
    all_day     INTEGER NOT NULL DEFAULT 0,
    location    TEXT    NOT NULL DEFAULT '',
    attendees   TEXT    NOT NULL DEFAULT '[]',
    color       TEXT    NOT NULL DEFAULT '',
    fingerprint TEXT    NOT NULL DEFAULT '',
    UNIQUE (account_id, calendar_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_events_start   ON events (start_at);
CREATE INDEX IF NOT EXISTS idx_events_account ON events (account_id, start_at);

CREATE TABLE IF NOT EXISTS sync_state (
    account_id  TEXT    NOT NULL,
    calendar_id TEXT    NOT NULL,
    last_sync   TEXT    NOT NULL DEFAULT '',
    event_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (account_id, calendar_id)
);
`

// ErrCorrupt is returned (wrapped) when SQLite reports that the database file
// is damaged or is not a database at all.
var ErrCorrupt = errors.New("cache database is corrupt")

// ReplaceStats summarises the effect of one [Store.ReplaceAccountWindow] call.
type ReplaceStats struct {
	Inserted  int
	Updated   int
	Unchanged int
	Deleted   int
	Calendars int
}

// EventFilter narrows [Store.QueryEvents]. Empty slices match everything.
type EventFilter struct {
	AccountIDs  []string
	CalendarIDs []string
}

// Stats aggregates the cache contents.
type Stats struct {
	TotalEvents        int
	TotalCalendars     int
	EventsByAccount    map[string]int
	CalendarsByAccount map[string]int

	// Earliest and Latest bound the start times of all cached events. Both
	// are zero when the cache is empty.
	Earliest time.Time
	Latest   time.Time
}

// CalendarState is the per-calendar bookkeeping written by each replace.
type CalendarState struct {
	AccountID  string
	CalendarID string
	LastSync   time.Time
	EventCount int
}

// Store is the SQLite-backed event cache.
type Store struct {
	w   *sql.DB
	r   *sql.DB
	loc *time.Location
	now func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithLocation sets the zone event timestamps are returned in. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// DefaultDBPath returns the default path for the cache database:
// ~/.local/share/calsyncd/cache.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "calsyncd", "cache.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode so readers can proceed while a replace is in flight.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	w, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	w.SetMaxOpenConns(1)

	if err := migrate(w); err != nil {
		_ = w.Close()
		return nil, classify(fmt.Sprintf("applying schema to %q", path), err)
	}

	r, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_query_only=1")
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("opening read pool for %q: %w", path, err)
	}
	r.SetMaxOpenConns(8)

	s := &Store{w: w, r: r, loc: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.r.Close(), s.w.Close())
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// ReplaceAccountWindow atomically swaps the cached state of one account within
// w for the given calendars and events.
//
// Events of the account overlapping w are removed and the new set inserted.
// Events outside w are left alone, except that calendars absent from
// calendars are dropped together with every event they own. Readers see
// either the state before the call or the state after it.
func (s *Store) ReplaceAccountWindow(ctx context.Context, accountID string, calendars []model.Calendar, events []model.Event, w model.Window) (ReplaceStats, error) {
	var stats ReplaceStats
	if w.Start.IsZero() || w.End.IsZero() || w.Empty() {
		return stats, fmt.Errorf("replacing account %q: window %v must be bounded and non-empty", accountID, w)
	}

	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return stats, classify("beginning replace", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := windowFingerprints(ctx, tx, accountID, w)
	if err != nil {
		return stats, err
	}

	keep := make(map[string]bool, len(calendars))
	for _, c := range calendars {
		keep[c.ID] = true
	}
	stale, err := staleCalendars(ctx, tx, accountID, keep)
	if err != nil {
		return stats, err
	}
	for _, calID := range stale {
		n, err := deleteCalendar(ctx, tx, accountID, calID)
		if err != nil {
			return stats, err
		}
		stats.Deleted += n
		for k := range existing {
			if k.CalendarID == calID {
				delete(existing, k)
			}
		}
	}

	const delWindow = `
		DELETE FROM events
		WHERE account_id = ? AND start_at < ? AND (start_at >= ? OR end_at > ?)`
	ws, we := w.Start.UnixMilli(), w.End.UnixMilli()
	if _, err := tx.ExecContext(ctx, delWindow, accountID, we, ws, ws); err != nil {
		return stats, classify(fmt.Sprintf("clearing window for account %q", accountID), err)
	}

	const upsertCal = `
		INSERT INTO calendars (account_id, calendar_id, name, color, min_time, max_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, calendar_id) DO UPDATE SET
		    name     = excluded.name,
		    color    = excluded.color,
		    min_time = excluded.min_time,
		    max_time = excluded.max_time`
	for _, c := range calendars {
		if _, err := tx.ExecContext(ctx, upsertCal, accountID, c.ID, c.Name, c.Color, formatTime(c.MinTime), formatTime(c.MaxTime)); err != nil {
			return stats, classify(fmt.Sprintf("upserting calendar %q", c.ID), err)
		}
	}
	stats.Calendars = len(calendars)

	const upsertEvent = `
		INSERT INTO events
		    (account_id, calendar_id, event_id, title, description, start_at, end_at,
		     timezone, all_day, location, attendees, color, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, calendar_id, event_id) DO UPDATE SET
		    title       = excluded.title,
		    description = excluded.description,
		    start_at    = excluded.start_at,
		    end_at      = excluded.end_at,
		    timezone    = excluded.timezone,
		    all_day     = excluded.all_day,
		    location    = excluded.location,
		    attendees   = excluded.attendees,
		    color       = excluded.color,
		    fingerprint = excluded.fingerprint`
	stmt, err := tx.PrepareContext(ctx, upsertEvent)
	if err != nil {
		return stats, classify("preparing event insert", err)
	}
	defer func() { _ = stmt.Close() }()

	perCalendar := make(map[string]int, len(calendars))
	for i := range events {
		e := &events[i]
		if !keep[e.CalendarID] {
			return stats, fmt.Errorf("event %q references calendar %q which is not part of the replace", e.ID, e.CalendarID)
		}
		attendees, err := json.Marshal(nonNil(e.Attendees))
		if err != nil {
			return stats, fmt.Errorf("encoding attendees of event %q: %w", e.ID, err)
		}
		fp := e.Fingerprint()
		if _, err := stmt.ExecContext(ctx,
			accountID, e.CalendarID, e.ID, e.Title, e.Description,
			e.Start.UnixMilli(), e.End.UnixMilli(), e.TimeZone, e.AllDay,
			e.Location, string(attendees), e.Color, fp,
		); err != nil {
			return stats, classify(fmt.Sprintf("inserting event %q", e.ID), err)
		}

		perCalendar[e.CalendarID]++
		old, seen := existing[e.Key()]
		switch {
		case !seen:
			stats.Inserted++
		case old == fp:
			stats.Unchanged++
		default:
			stats.Updated++
		}
		delete(existing, e.Key())
	}
	stats.Deleted += len(existing)

	const upsertState = `
		INSERT INTO sync_state (account_id, calendar_id, last_sync, event_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, calendar_id) DO UPDATE SET
		    last_sync   = excluded.last_sync,
		    event_count = excluded.event_count`
	now := formatTime(s.now())
	for _, c := range calendars {
		if _, err := tx.ExecContext(ctx, upsertState, accountID, c.ID, now, perCalendar[c.ID]); err != nil {
			return stats, classify(fmt.Sprintf("recording sync state for calendar %q", c.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, classify(fmt.Sprintf("committing replace for account %q", accountID), err)
	}
	return stats, nil
}

// QueryEvents returns every cached event overlapping w, ordered by start time.
func (s *Store) QueryEvents(ctx context.Context, w model.Window, f EventFilter) ([]model.Event, error) {
	q := strings.Builder{}
	q.WriteString(`
		SELECT account_id, calendar_id, event_id, title, description, start_at, end_at,
		       timezone, all_day, location, attendees, color
		FROM events WHERE 1 = 1`)
	var args []any
	if !w.End.IsZero() {
		q.WriteString(` AND start_at < ?`)
		args = append(args, w.End.UnixMilli())
	}
	if !w.Start.IsZero() {
		ws := w.Start.UnixMilli()
		q.WriteString(` AND (start_at >= ? OR end_at > ?)`)
		args = append(args, ws, ws)
	}
	args = appendIn(&q, "account_id", f.AccountIDs, args)
	args = appendIn(&q, "calendar_id", f.CalendarIDs, args)
	q.WriteString(` ORDER BY start_at, end_at, account_id, calendar_id, event_id`)

	rows, err := s.r.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, classify("querying events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, classify("iterating events", rows.Err())
}

// QueryCalendars returns the cached calendars of accountID, or of every
// account when accountID is empty.
func (s *Store) QueryCalendars(ctx context.Context, accountID string) ([]model.Calendar, error) {
	q := `SELECT account_id, calendar_id, name, color, min_time, max_time FROM calendars`
	var args []any
	if accountID != "" {
		q += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	q += ` ORDER BY account_id, name, calendar_id`

	rows, err := s.r.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("querying calendars", err)
	}
	defer func() { _ = rows.Close() }()

	var cals []model.Calendar
	for rows.Next() {
		var c model.Calendar
		var minT, maxT string
		if err := rows.Scan(&c.AccountID, &c.ID, &c.Name, &c.Color, &minT, &maxT); err != nil {
			return nil, classify("scanning calendar row", err)
		}
		c.MinTime, _ = parseTime(minT)
		c.MaxTime, _ = parseTime(maxT)
		cals = append(cals, c)
	}
	return cals, classify("iterating calendars", rows.Err())
}

// Stats returns aggregate counts over the whole cache.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		EventsByAccount:    make(map[string]int),
		CalendarsByAccount: make(map[string]int),
	}

	rows, err := s.r.QueryContext(ctx, `SELECT account_id, COUNT(*) FROM events GROUP BY account_id`)
	if err != nil {
		return st, classify("counting events", err)
	}
	if err := scanCounts(rows, st.EventsByAccount, &st.TotalEvents); err != nil {
		return st, err
	}

	rows, err = s.r.QueryContext(ctx, `SELECT account_id, COUNT(*) FROM calendars GROUP BY account_id`)
	if err != nil {
		return st, classify("counting calendars", err)
	}
	if err := scanCounts(rows, st.CalendarsByAccount, &st.TotalCalendars); err != nil {
		return st, err
	}

	var lo, hi sql.NullInt64
	if err := s.r.QueryRowContext(ctx, `SELECT MIN(start_at), MAX(start_at) FROM events`).Scan(&lo, &hi); err != nil {
		return st, classify("reading date range", err)
	}
	if lo.Valid {
		st.Earliest = time.UnixMilli(lo.Int64).In(s.loc)
	}
	if hi.Valid {
		st.Latest = time.UnixMilli(hi.Int64).In(s.loc)
	}
	return st, nil
}

// SyncStates returns the per-calendar bookkeeping for accountID, or for every
// account when accountID is empty.
func (s *Store) SyncStates(ctx context.Context, accountID string) ([]CalendarState, error) {
	q := `SELECT account_id, calendar_id, last_sync, event_count FROM sync_state`
	var args []any
	if accountID != "" {
		q += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	q += ` ORDER BY account_id, calendar_id`

	rows, err := s.r.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("querying sync state", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CalendarState
	for rows.Next() {
		var cs CalendarState
		var last string
		if err := rows.Scan(&cs.AccountID, &cs.CalendarID, &last, &cs.EventCount); err != nil {
			return nil, classify("scanning sync state row", err)
		}
		cs.LastSync, _ = parseTime(last)
		out = append(out, cs)
	}
	return out, classify("iterating sync state", rows.Err())
}

// DeleteAccount removes every calendar, event and sync record of accountID.
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return classify("beginning account delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM events     WHERE account_id = ?`,
		`DELETE FROM calendars  WHERE account_id = ?`,
		`DELETE FROM sync_state WHERE account_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, accountID); err != nil {
			return classify(fmt.Sprintf("deleting account %q", accountID), err)
		}
	}
	return classify(fmt.Sprintf("committing delete of account %q", accountID), tx.Commit())
}

// PurgeEndedBefore deletes events that ended before t and returns how many
// rows were removed.
func (s *Store) PurgeEndedBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.w.ExecContext(ctx, `DELETE FROM events WHERE end_at < ?`, t.UnixMilli())
	if err != nil {
		return 0, classify("purging old events", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanEvent can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanEvent(sc scanner) (model.Event, error) {
	var e model.Event
	var startMs, endMs int64
	var attendees string

	err := sc.Scan(
		&e.AccountID,
		&e.CalendarID,
		&e.ID,
		&e.Title,
		&e.Description,
		&startMs,
		&endMs,
		&e.TimeZone,
		&e.AllDay,
		&e.Location,
		&attendees,
		&e.Color,
	)
	if err != nil {
		return e, classify("scanning event row", err)
	}
	e.Start = time.UnixMilli(startMs).In(s.loc)
	e.End = time.UnixMilli(endMs).In(s.loc)
	if err := json.Unmarshal([]byte(attendees), &e.Attendees); err != nil {
		return e, fmt.Errorf("decoding attendees of event %q: %w", e.ID, err)
	}
	if len(e.Attendees) == 0 {
		e.Attendees = nil
	}
	return e, nil
}

type eventKey = model.EventKey

func windowFingerprints(ctx context.Context, tx *sql.Tx, accountID string, w model.Window) (map[eventKey]string, error) {
	const q = `
		SELECT calendar_id, event_id, fingerprint FROM events
		WHERE account_id = ? AND start_at < ? AND (start_at >= ? OR end_at > ?)`
	ws := w.Start.UnixMilli()
	rows, err := tx.QueryContext(ctx, q, accountID, w.End.UnixMilli(), ws, ws)
	if err != nil {
		return nil, classify(fmt.Sprintf("reading window of account %q", accountID), err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[eventKey]string)
	for rows.Next() {
		var k eventKey
		var fp string
		if err := rows.Scan(&k.CalendarID, &k.EventID, &fp); err != nil {
			return nil, classify("scanning fingerprint row", err)
		}
		out[k] = fp
	}
	return out, classify("iterating fingerprints", rows.Err())
}

func staleCalendars(ctx context.Context, tx *sql.Tx, accountID string, keep map[string]bool) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT calendar_id FROM calendars WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, classify(fmt.Sprintf("listing calendars of account %q", accountID), err)
	}
	defer func() { _ = rows.Close() }()

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scanning calendar id", err)
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	return stale, classify("iterating calendar ids", rows.Err())
}

func deleteCalendar(ctx context.Context, tx *sql.Tx, accountID, calendarID string) (int, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE account_id = ? AND calendar_id = ?`, accountID, calendarID)
	if err != nil {
		return 0, classify(fmt.Sprintf("deleting events of stale calendar %q", calendarID), err)
	}
	n, _ := res.RowsAffected()
	for _, q := range []string{
		`DELETE FROM calendars  WHERE account_id = ? AND calendar_id = ?`,
		`DELETE FROM sync_state WHERE account_id = ? AND calendar_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, accountID, calendarID); err != nil {
			return 0, classify(fmt.Sprintf("deleting stale calendar %q", calendarID), err)
		}
	}
	return int(n), nil
}

func scanCounts(rows *sql.Rows, into map[string]int, total *int) error {
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return classify("scanning count row", err)
		}
		into[id] = n
		*total += n
	}
	return classify("iterating counts", rows.Err())
}

func appendIn(q *strings.Builder, column string, values []string, args []any) []any {
	if len(values) == 0 {
		return args
	}
	q.WriteString(` AND ` + column + ` IN (`)
	for i, v := range values {
		if i > 0 {
			q.WriteString(`, `)
		}
		q.WriteString(`?`)
		args = append(args, v)
	}
	q.WriteString(`)`)
	return args
}

// classify wraps err with op, marking it with ErrCorrupt when SQLite reports
// file corruption. It returns nil for a nil err.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB) {
		return fmt.Errorf("%s: %w: %w", op, ErrCorrupt, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
