package sync

import (
	"cmp"
	"log/slog"
	"slices"
	"time"

	"github.com/adamantium1987/digital-calendar/internal/model"
)

// untitled replaces an empty event title.
const untitled = "(No Title)"

// CalendarFetch is the raw result of fetching one calendar's events.
type CalendarFetch struct {
	Calendar model.Calendar
	Events   []model.Event
}

// ReconcileResult is the canonical event set for one account, ready to be
// committed to the cache.
type ReconcileResult struct {
	Calendars []model.Calendar
	Events    []model.Event

	// Anomaly counters. None of them is an error.
	Duplicates  int
	Clamped     int
	OutOfWindow int
}

// Reconciler deduplicates and canonicalises one account's fetch results. It
// performs no I/O and holds no state between calls.
type Reconciler struct {
	loc *time.Location
	log *slog.Logger
}

// NewReconciler creates a Reconciler that aligns all-day events to midnight
// in loc. A nil loc means UTC.
func NewReconciler(loc *time.Location, logger *slog.Logger) *Reconciler {
	if loc == nil {
		loc = time.UTC
	}
	return &Reconciler{loc: loc, log: logger}
}

// Reconcile merges the per-calendar fetches of account into one event set
// restricted to w.
//
// Events are keyed by (calendar id, event id); when a key repeats the later
// occurrence wins. The input slices are never modified.
func (r *Reconciler) Reconcile(account model.Account, fetches []CalendarFetch, w model.Window) ReconcileResult {
	var res ReconcileResult

	calIndex := make(map[string]int, len(fetches))
	for _, f := range fetches {
		c := f.Calendar
		c.AccountID = account.ID
		if c.Color == "" {
			c.Color = account.Color
		}
		if i, ok := calIndex[c.ID]; ok {
			res.Calendars[i] = c
			continue
		}
		calIndex[c.ID] = len(res.Calendars)
		res.Calendars = append(res.Calendars, c)
	}

	evIndex := make(map[model.EventKey]int)
	for _, f := range fetches {
		calColor := res.Calendars[calIndex[f.Calendar.ID]].Color
		for _, raw := range f.Events {
			e := r.canonical(account, f.Calendar.ID, calColor, raw, &res)
			if !w.Overlaps(e.Start, e.End) {
				res.OutOfWindow++
				r.log.Debug("dropping event outside sync window",
					"account_id", account.ID, "calendar_id", e.CalendarID, "event_id", e.ID,
					"start", e.Start, "window", w.String())
				continue
			}
			if i, ok := evIndex[e.Key()]; ok {
				res.Duplicates++
				r.log.Warn("duplicate event in fetch, keeping the later copy",
					"account_id", account.ID, "calendar_id", e.CalendarID, "event_id", e.ID,
					"previous_title", res.Events[i].Title, "title", e.Title)
				res.Events[i] = e
				continue
			}
			evIndex[e.Key()] = len(res.Events)
			res.Events = append(res.Events, e)
		}
	}

	slices.SortStableFunc(res.Events, func(a, b model.Event) int {
		return cmp.Or(
			a.Start.Compare(b.Start),
			cmp.Compare(a.CalendarID, b.CalendarID),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return res
}

// canonical returns a normalised copy of raw.
func (r *Reconciler) canonical(account model.Account, calendarID, calColor string, raw model.Event, res *ReconcileResult) model.Event {
	e := raw
	e.AccountID = account.ID
	e.CalendarID = calendarID
	if len(raw.Attendees) > 0 {
		e.Attendees = slices.Clone(raw.Attendees)
	}
	if e.Title == "" {
		e.Title = untitled
	}
	if e.Color == "" {
		e.Color = calColor
	}

	if e.AllDay {
		e.Start, e.End = r.allDayBounds(raw.Start, raw.End)
		return e
	}

	e.Start = e.Start.In(r.loc)
	e.End = e.End.In(r.loc)
	if e.End.Before(e.Start) {
		res.Clamped++
		r.log.Warn("event ends before it starts, clamping to zero length",
			"account_id", account.ID, "calendar_id", calendarID, "event_id", e.ID,
			"start", raw.Start, "end", raw.End)
		e.End = e.Start
	}
	return e
}

// allDayBounds maps the calendar dates of start and end to midnight in the
// display zone. The end stays exclusive and covers at least one day.
func (r *Reconciler) allDayBounds(start, end time.Time) (time.Time, time.Time) {
	s := midnight(start, r.loc)
	if end.IsZero() {
		return s, s.AddDate(0, 0, 1)
	}
	e := midnight(end, r.loc)
	if !e.After(s) {
		e = s.AddDate(0, 0, 1)
	}
	return s, e
}

func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
