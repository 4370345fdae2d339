// Package google implements the Google Calendar source adapter on top of the
// generated calendar/v3 client.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/adamantium1987/digital-calendar/internal/model"
)

// DefaultPageSize is the number of events requested per page.
const DefaultPageSize = 250

// Adapter fetches calendars and expanded event instances from Google
// Calendar. It holds no credentials; every call receives the authenticated
// client of the account it serves.
type Adapter struct {
	endpoint string
	pageSize int64
	log      *slog.Logger
	now      func() time.Time
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithEndpoint overrides the API base URL.
func WithEndpoint(url string) Option {
	return func(a *Adapter) { a.endpoint = url }
}

// WithPageSize sets the number of events requested per page.
func WithPageSize(n int64) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.pageSize = n
		}
	}
}

// NewAdapter creates a Google Calendar adapter.
func NewAdapter(logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{pageSize: DefaultPageSize, log: logger, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) service(ctx context.Context, client *http.Client) (*calendar.Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return svc, nil
}

// ListCalendars returns every calendar in the account's calendar list.
func (a *Adapter) ListCalendars(ctx context.Context, client *http.Client, account model.Account) ([]model.Calendar, error) {
	svc, err := a.service(ctx, client)
	if err != nil {
		return nil, err
	}

	var out []model.Calendar
	err = svc.CalendarList.List().ShowHidden(false).Pages(ctx, func(page *calendar.CalendarList) error {
		for _, entry := range page.Items {
			out = append(out, convertCalendar(entry, account.ID))
		}
		return nil
	})
	if err != nil {
		return nil, a.classify("listing google calendars", err)
	}

	a.log.Debug("google calendars listed", "account_id", account.ID, "calendars", len(out))
	return out, nil
}

// ListEvents returns the single-event expansion of cal within w. Cancelled
// instances are omitted; events that cannot be converted are logged and
// skipped.
func (a *Adapter) ListEvents(ctx context.Context, client *http.Client, account model.Account, cal model.Calendar, w model.Window) ([]model.Event, error) {
	svc, err := a.service(ctx, client)
	if err != nil {
		return nil, err
	}

	call := svc.Events.List(cal.ID).
		SingleEvents(true). // expand recurring events
		OrderBy("startTime").
		ShowDeleted(false).
		MaxResults(a.pageSize)
	if !w.Start.IsZero() {
		call = call.TimeMin(w.Start.UTC().Format(time.RFC3339))
	}
	if !w.End.IsZero() {
		call = call.TimeMax(w.End.UTC().Format(time.RFC3339))
	}

	var out []model.Event
	skipped := 0
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			ev, err := convertEvent(item, account.ID, cal.ID, page.TimeZone)
			if err != nil {
				skipped++
				a.log.Warn("skipping unparseable google event",
					"account_id", account.ID, "calendar_id", cal.ID, "event_id", item.Id, "error", err)
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, a.classify(fmt.Sprintf("listing events of google calendar %q", cal.ID), err)
	}

	a.log.Debug("google events listed",
		"account_id", account.ID, "calendar_id", cal.ID, "event_count", len(out), "skipped", skipped)
	return out, nil
}

// classify maps a client error onto the provider error taxonomy.
func (a *Adapter) classify(op string, err error) error {
	if model.IsCancellation(err) {
		return model.Transient(op, err)
	}

	// Token refresh rejected by the authorization server.
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return model.AuthExpired(op, err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return model.AuthExpired(op, err)
		case gerr.Code == http.StatusTooManyRequests,
			gerr.Code == http.StatusForbidden && hasReason(gerr, "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded"):
			return model.RateLimited(op, model.ParseRetryAfter(gerr.Header.Get("Retry-After"), a.now()), err)
		case gerr.Code == http.StatusForbidden && hasReason(gerr, "insufficientPermissions", "authError"):
			return model.AuthExpired(op, err)
		case gerr.Code == http.StatusForbidden:
			return model.Forbidden(op, err)
		case gerr.Code >= 500, gerr.Code == http.StatusNotFound, gerr.Code == http.StatusRequestTimeout:
			return model.Transient(op, err)
		default:
			return model.Malformed(op, []byte(gerr.Body), err)
		}
	}

	var synErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &synErr) || errors.As(err, &typeErr) {
		return model.Malformed(op, nil, err)
	}

	// Network failures and anything unrecognised.
	return model.Transient(op, err)
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}
