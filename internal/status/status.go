// Package status holds the in-memory sync status snapshot read by the API
// layer and written by sync workers.
//
// Readers call [Reporter.Snapshot], which loads an immutable snapshot through
// an atomic pointer and never waits on a writer. Writers serialise on a mutex
// held only while building the next snapshot in memory.
package status

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adamantium1987/digital-calendar/internal/model"
)

// DefaultMaxErrors bounds the error list when no cap is configured.
const DefaultMaxErrors = 50

// ErrorEntry is one error surfaced to users.
type ErrorEntry struct {
	AccountID string
	Kind      string
	Message   string
	Time      time.Time
}

// AccountStatus is the per-account part of a snapshot.
type AccountStatus struct {
	AccountID   string
	DisplayName string
	Provider    model.ProviderKind
	Auth        model.AuthState

	LastSync      time.Time
	LastAttempt   time.Time
	LastOutcome   model.Outcome
	LastError     string
	DeferredUntil time.Time

	Events    int
	Calendars int
}

// Snapshot is a point-in-time view of the sync status. A Snapshot returned by
// [Reporter.Snapshot] is owned by the caller.
type Snapshot struct {
	CurrentlySyncing bool
	CurrentRunID     string

	// LastFullSync is the completion time of the last run covering every
	// account. Zero until the first such run finishes.
	LastFullSync time.Time
	LastRunID    string
	LastOutcome  string

	TotalEvents    int
	TotalCalendars int

	Errors   []ErrorEntry
	Accounts map[string]AccountStatus
}

func (s *Snapshot) clone() *Snapshot {
	cp := *s
	cp.Errors = slices.Clone(s.Errors)
	cp.Accounts = maps.Clone(s.Accounts)
	if cp.Accounts == nil {
		cp.Accounts = make(map[string]AccountStatus)
	}
	return &cp
}

// Reporter is the thread-safe status store.
type Reporter struct {
	mu        sync.Mutex
	cur       atomic.Pointer[Snapshot]
	maxErrors int
	now       func() time.Time
}

// NewReporter creates a Reporter keeping at most maxErrors error entries.
func NewReporter(maxErrors int) *Reporter {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	r := &Reporter{maxErrors: maxErrors, now: time.Now}
	r.cur.Store(&Snapshot{Accounts: make(map[string]AccountStatus)})
	return r
}

// Snapshot returns a copy of the current status. It never blocks.
func (r *Reporter) Snapshot() Snapshot {
	return *r.cur.Load().clone()
}

// update applies fn to a copy of the current snapshot and publishes it.
func (r *Reporter) update(fn func(s *Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cur.Load().clone()
	fn(next)
	r.cur.Store(next)
}

// SetAccounts registers the configured accounts, keeping the history of
// accounts already known and dropping accounts no longer present.
func (r *Reporter) SetAccounts(accounts []model.Account) {
	r.update(func(s *Snapshot) {
		next := make(map[string]AccountStatus, len(accounts))
		for _, a := range accounts {
			st := s.Accounts[a.ID]
			st.AccountID = a.ID
			st.DisplayName = a.DisplayName
			st.Provider = a.Provider
			st.Auth = a.Auth
			next[a.ID] = st
		}
		s.Accounts = next
	})
}

// BeginRun marks a run as in progress. A full run clears the error list.
func (r *Reporter) BeginRun(runID string, full bool) {
	r.update(func(s *Snapshot) {
		s.CurrentlySyncing = true
		s.CurrentRunID = runID
		if full {
			s.Errors = nil
		}
	})
}

// AccountResult is what a worker reports when it finishes one account.
type AccountResult struct {
	AccountID     string
	Outcome       model.Outcome
	Kind          string
	Message       string
	Events        int
	Calendars     int
	DeferredUntil time.Time
}

// RecordAccount stores the outcome of one account. Failed outcomes are also
// appended to the error list.
func (r *Reporter) RecordAccount(res AccountResult) {
	now := r.now()
	r.update(func(s *Snapshot) {
		st := s.Accounts[res.AccountID]
		st.AccountID = res.AccountID
		st.LastAttempt = now
		st.LastOutcome = res.Outcome
		st.LastError = res.Message
		st.DeferredUntil = res.DeferredUntil
		if res.Outcome == model.OutcomeSuccess {
			st.LastSync = now
			st.Events = res.Events
			st.Calendars = res.Calendars
		}
		s.Accounts[res.AccountID] = st

		if res.Outcome == model.OutcomeFailed {
			s.Errors = append(s.Errors, ErrorEntry{
				AccountID: res.AccountID,
				Kind:      res.Kind,
				Message:   res.Message,
				Time:      now,
			})
			if over := len(s.Errors) - r.maxErrors; over > 0 {
				s.Errors = slices.Clone(s.Errors[over:])
			}
		}
	})
}

// SetAuth updates the authentication state shown for an account.
func (r *Reporter) SetAuth(accountID string, state model.AuthState) {
	r.update(func(s *Snapshot) {
		st, ok := s.Accounts[accountID]
		if !ok {
			return
		}
		st.Auth = state
		s.Accounts[accountID] = st
	})
}

// Totals carries cache-wide counts measured at the end of a run.
type Totals struct {
	Events             int
	Calendars          int
	EventsByAccount    map[string]int
	CalendarsByAccount map[string]int
}

// EndRun marks the run finished and publishes the cache totals. full reports
// whether the run covered every account.
func (r *Reporter) EndRun(runID, outcome string, full bool, totals Totals) {
	now := r.now()
	r.update(func(s *Snapshot) {
		if s.CurrentRunID == runID {
			s.CurrentlySyncing = false
			s.CurrentRunID = ""
		}
		s.LastRunID = runID
		s.LastOutcome = outcome
		if full {
			s.LastFullSync = now
		}
		s.TotalEvents = totals.Events
		s.TotalCalendars = totals.Calendars
		for id, st := range s.Accounts {
			if n, ok := totals.EventsByAccount[id]; ok {
				st.Events = n
			}
			if n, ok := totals.CalendarsByAccount[id]; ok {
				st.Calendars = n
			}
			s.Accounts[id] = st
		}
	})
}

// RemoveAccount forgets an account and its errors.
func (r *Reporter) RemoveAccount(accountID string) {
	r.update(func(s *Snapshot) {
		delete(s.Accounts, accountID)
		s.Errors = slices.DeleteFunc(s.Errors, func(e ErrorEntry) bool {
			return e.AccountID == accountID
		})
	})
}
