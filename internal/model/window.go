package model

import "time"

// Window is the half-open time range [Start, End) a sync pass covers. A zero
// Start or End is unbounded on that side.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow returns the window running pastDays before now to futureDays
// after it.
func NewWindow(now time.Time, pastDays, futureDays int) Window {
	return Window{
		Start: now.AddDate(0, 0, -pastDays),
		End:   now.AddDate(0, 0, futureDays),
	}
}

// Empty reports whether w contains no instant.
func (w Window) Empty() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && !w.Start.Before(w.End)
}

// Overlaps reports whether an event spanning [start, end) intersects w.
// Zero-length events count when their instant lies inside w.
func (w Window) Overlaps(start, end time.Time) bool {
	if !w.End.IsZero() && !start.Before(w.End) {
		return false
	}
	if w.Start.IsZero() {
		return true
	}
	return !start.Before(w.Start) || end.After(w.Start)
}

// Intersect returns the range common to w and o. Unbounded sides of either
// window defer to the other.
func (w Window) Intersect(o Window) Window {
	out := w
	if out.Start.IsZero() || (!o.Start.IsZero() && o.Start.After(out.Start)) {
		out.Start = o.Start
	}
	if out.End.IsZero() || (!o.End.IsZero() && o.End.Before(out.End)) {
		out.End = o.End
	}
	return out
}

// Equal reports whether both bounds of w and o are the same instants.
func (w Window) Equal(o Window) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End)
}

// String formats w for logs.
func (w Window) String() string {
	return w.Start.UTC().Format(time.RFC3339) + "/" + w.End.UTC().Format(time.RFC3339)
}
