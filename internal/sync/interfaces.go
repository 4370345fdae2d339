// Package sync implements the calendar sync orchestrator. It pulls events
// from every configured account through provider adapters, reconciles them,
// and commits each account's window atomically to the cache.
//
// The package contains three main components:
//
//   - [Engine] runs the single-flight control loop, the bounded worker pool,
//     and the periodic scheduler.
//   - [Reconciler] deduplicates and canonicalises one account's fetch.
//   - [RetryPolicy] wraps every adapter call with backoff for transient
//     failures.
package sync

import (
	"context"
	"net/http"
	"time"

	"github.com/adamantium1987/digital-calendar/internal/cache"
	"github.com/adamantium1987/digital-calendar/internal/model"
)

// Source fetches calendars and events for one authenticated account.
// Implemented by [google.Adapter] and [caldav.Adapter].
//
// Implementations must not retry beyond a single logical call and must
// classify failures with the [model.SourceError] taxonomy.
type Source interface {
	ListCalendars(ctx context.Context, client *http.Client, account model.Account) ([]model.Calendar, error)
	ListEvents(ctx context.Context, client *http.Client, account model.Account, cal model.Calendar, w model.Window) ([]model.Event, error)
}

// Credentials is the account and credential manager.
// Implemented by [auth.Manager].
type Credentials interface {
	// Accounts returns the configured accounts with their current auth state.
	Accounts() []model.Account
	// Client returns a ready-to-use client for the account, or an error of
	// kind [model.KindAuthExpired].
	Client(ctx context.Context, accountID string) (*http.Client, error)
	// MarkUnauthenticated flips the account to [model.AuthPending].
	MarkUnauthenticated(accountID string, reason error)
}

// Cache is the persistent event store.
// Implemented by [cache.Store].
type Cache interface {
	ReplaceAccountWindow(ctx context.Context, accountID string, calendars []model.Calendar, events []model.Event, w model.Window) (cache.ReplaceStats, error)
	QueryEvents(ctx context.Context, w model.Window, f cache.EventFilter) ([]model.Event, error)
	QueryCalendars(ctx context.Context, accountID string) ([]model.Calendar, error)
	Stats(ctx context.Context) (cache.Stats, error)
	DeleteAccount(ctx context.Context, accountID string) error
	PurgeEndedBefore(ctx context.Context, t time.Time) (int64, error)
}
