// Package model defines shared types used across the sync engine, the cache
// store, and the provider adapters.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"time"
)

// ProviderKind selects the Source Adapter variant for an account.
type ProviderKind string

const (
	// ProviderGoogle is the OAuth2 provider exposing a JSON event API.
	ProviderGoogle ProviderKind = "google"
	// ProviderCalDAV is a CalDAV server exposing XML/iCalendar collections.
	ProviderCalDAV ProviderKind = "caldav"
)

// Valid reports whether k names a supported provider.
func (k ProviderKind) Valid() bool {
	return k == ProviderGoogle || k == ProviderCalDAV
}

// AuthState is the authentication state of an account as seen by the engine.
type AuthState int

const (
	// AuthPending means the account has no usable credential yet (or lost it).
	AuthPending AuthState = iota
	// AuthAuthenticated means the credential manager can produce a client.
	AuthAuthenticated
)

// String returns the human-readable label for the state.
func (s AuthState) String() string {
	if s == AuthAuthenticated {
		return "authenticated"
	}
	return "pending"
}

// Account is one configured calendar identity.
type Account struct {
	ID          string
	Provider    ProviderKind
	DisplayName string

	// Color is the fallback for events whose calendar carries no color.
	Color string

	// CalendarIDs optionally restricts which calendars are synced. Empty
	// means every calendar the provider lists.
	CalendarIDs []string

	// ServerURL is the CalDAV discovery root. Unused for Google accounts.
	ServerURL string

	Auth AuthState
}

// Wants reports whether the calendar with the given id passes the account's
// allow-list.
func (a Account) Wants(calendarID string) bool {
	return len(a.CalendarIDs) == 0 || slices.Contains(a.CalendarIDs, calendarID)
}

// Calendar is a named collection of events belonging to one account.
type Calendar struct {
	AccountID string
	ID        string
	Name      string
	Color     string

	// MinTime and MaxTime are provider-declared bounds on the event range the
	// calendar can serve. Zero means unbounded.
	MinTime time.Time
	MaxTime time.Time
}

// Limits returns the provider-declared range of c as a Window, with open ends
// left zero.
func (c Calendar) Limits() Window {
	return Window{Start: c.MinTime, End: c.MaxTime}
}

// Event is the canonical representation of one calendar event occurrence.
// Start and End are always set; for all-day events End is exclusive.
type Event struct {
	AccountID  string
	CalendarID string
	ID         string

	Title       string
	Description string
	Start       time.Time
	End         time.Time

	// TimeZone is the IANA zone the provider reported for the event, if any.
	TimeZone string
	AllDay   bool
	Location string

	// Attendees holds attendee identifiers (email address, or display name
	// when no address is available).
	Attendees []string

	Color string
}

// EventKey identifies an event within one account.
type EventKey struct {
	CalendarID string
	EventID    string
}

// Key returns the dedup key of e.
func (e *Event) Key() EventKey {
	return EventKey{CalendarID: e.CalendarID, EventID: e.ID}
}

// Fingerprint returns a deterministic SHA-256 hex digest over every field the
// cache stores for e. Two fetches of an unchanged event yield the same value,
// which lets the cache report which rows were actually updated.
func (e *Event) Fingerprint() string {
	h := sha256.New()
	for _, s := range []string{e.Title, e.Description, e.TimeZone, e.Location, e.Color} {
		h.Write([]byte(s))
		h.Write([]byte("|"))
	}
	_, _ = fmt.Fprintf(h, "%d|%d|%t|", e.Start.UnixMilli(), e.End.UnixMilli(), e.AllDay)
	for _, a := range e.Attendees {
		h.Write([]byte(a))
		h.Write([]byte(","))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Outcome is the per-account result of one sync run.
type Outcome string

const (
	// OutcomeSuccess means the account's window was committed to the cache.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailed means the account's sync failed this run.
	OutcomeFailed Outcome = "failed"
	// OutcomeDeferred means the provider is throttling the account.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeSkipped means the run deadline passed before the account started.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeUnauthenticated means the account has no usable credential.
	OutcomeUnauthenticated Outcome = "unauthenticated"
)
