// Package caldav implements the CalDAV source adapter. Calendars are found
// by PROPFIND discovery from the account's server URL and events are pulled
// with a calendar-query REPORT, then expanded locally.
package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"

	"github.com/adamantium1987/digital-calendar/internal/model"
)

// maxBody bounds how much of a DAV response is read.
const maxBody = 32 << 20

// Adapter fetches calendars and events from CalDAV servers. The account's
// client is expected to carry its credentials.
type Adapter struct {
	log      *slog.Logger
	now      func() time.Time
	floating *time.Location

	mu    sync.Mutex
	homes map[string]string // account id -> calendar home URL
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithLocation sets the zone for floating date-times. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(a *Adapter) {
		if loc != nil {
			a.floating = loc
		}
	}
}

// NewAdapter creates a CalDAV adapter.
func NewAdapter(logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		log:      logger,
		now:      time.Now,
		floating: time.UTC,
		homes:    make(map[string]string),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Forget drops the cached discovery result for an account.
func (a *Adapter) Forget(accountID string) {
	a.mu.Lock()
	delete(a.homes, accountID)
	a.mu.Unlock()
}

// ListCalendars returns the account's event calendars. Collections that
// cannot hold VEVENTs are skipped.
func (a *Adapter) ListCalendars(ctx context.Context, client *http.Client, account model.Account) ([]model.Calendar, error) {
	home, err := a.home(ctx, client, account)
	if err != nil {
		return nil, err
	}

	const op = "listing caldav calendars"
	ms, err := a.propfind(ctx, client, op, home, "1", calendarsBody)
	if err != nil {
		a.Forget(account.ID)
		return nil, err
	}

	var out []model.Calendar
	for _, r := range ms.Responses {
		p := r.found()
		if p.ResourceType.Calendar == nil || !p.SupportedComponents.supports(ical.CompEvent) {
			continue
		}
		href, err := resolve(home, r.Href)
		if err != nil {
			a.log.Warn("skipping caldav collection with bad href",
				"account_id", account.ID, "href", r.Href, "error", err)
			continue
		}
		cal := model.Calendar{
			AccountID: account.ID,
			ID:        href,
			Name:      strings.TrimSpace(p.DisplayName),
			Color:     normalizeColor(p.CalendarColor),
		}
		if cal.Name == "" {
			cal.Name = lastSegment(href)
		}
		if cal.MinTime, err = parseDAVTime(p.MinDateTime); err != nil {
			a.log.Warn("ignoring caldav min-date-time", "account_id", account.ID, "calendar_id", href, "error", err)
		}
		if cal.MaxTime, err = parseDAVTime(p.MaxDateTime); err != nil {
			a.log.Warn("ignoring caldav max-date-time", "account_id", account.ID, "calendar_id", href, "error", err)
		}
		out = append(out, cal)
	}

	a.log.Debug("caldav calendars listed", "account_id", account.ID, "calendars", len(out))
	return out, nil
}

// ListEvents returns the instances of cal overlapping w. Resources whose
// calendar data cannot be decoded are logged and skipped.
func (a *Adapter) ListEvents(ctx context.Context, client *http.Client, account model.Account, cal model.Calendar, w model.Window) ([]model.Event, error) {
	op := fmt.Sprintf("listing events of caldav calendar %q", cal.ID)

	start, end := w.Start, w.End
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	if end.IsZero() {
		end = a.now().AddDate(10, 0, 0)
	}

	ms, err := a.do(ctx, client, op, "REPORT", cal.ID, "1", calendarQueryBody(start, end))
	if err != nil {
		return nil, err
	}

	x := &expander{accountID: account.ID, calendarID: cal.ID, window: w, floating: a.floating}
	var out []model.Event
	skipped := 0
	for _, r := range ms.Responses {
		data := r.found().CalendarData
		if data == "" {
			continue
		}
		events, err := x.expand(data)
		if err != nil {
			skipped++
			a.log.Warn("skipping unparseable caldav resource",
				"account_id", account.ID, "calendar_id", cal.ID, "href", r.Href, "error", err)
			continue
		}
		out = append(out, events...)
	}

	a.log.Debug("caldav events listed",
		"account_id", account.ID, "calendar_id", cal.ID, "event_count", len(out), "skipped", skipped)
	return out, nil
}

// home returns the account's calendar home, discovering it on first use:
// current-user-principal on the server URL, then calendar-home-set on the
// principal. Servers that answer neither are treated as the home itself.
func (a *Adapter) home(ctx context.Context, client *http.Client, account model.Account) (string, error) {
	a.mu.Lock()
	home, ok := a.homes[account.ID]
	a.mu.Unlock()
	if ok {
		return home, nil
	}

	const op = "discovering caldav calendar home"
	if account.ServerURL == "" {
		return "", model.Malformed(op, nil, fmt.Errorf("account %q has no server url", account.ID))
	}
	base := account.ServerURL

	principal := base
	ms, err := a.propfind(ctx, client, op, base, "0", principalBody)
	if err != nil {
		return "", err
	}
	if href := firstHref(ms, func(p prop) hrefSet { return p.CurrentUserPrincipal }); href != "" {
		if principal, err = resolve(base, href); err != nil {
			return "", model.Malformed(op, []byte(href), err)
		}
	}

	home = principal
	ms, err = a.propfind(ctx, client, op, principal, "0", homeSetBody)
	if err != nil {
		return "", err
	}
	if href := firstHref(ms, func(p prop) hrefSet { return p.CalendarHomeSet }); href != "" {
		if home, err = resolve(principal, href); err != nil {
			return "", model.Malformed(op, []byte(href), err)
		}
	}

	a.log.Debug("caldav calendar home discovered", "account_id", account.ID, "principal", principal, "home", home)

	a.mu.Lock()
	a.homes[account.ID] = home
	a.mu.Unlock()
	return home, nil
}

func firstHref(ms *multistatus, get func(prop) hrefSet) string {
	for _, r := range ms.Responses {
		if href := get(r.found()).first(); href != "" {
			return href
		}
	}
	return ""
}

func (a *Adapter) propfind(ctx context.Context, client *http.Client, op, target, depth, body string) (*multistatus, error) {
	return a.do(ctx, client, op, "PROPFIND", target, depth, body)
}

// do sends one WebDAV request and decodes the multistatus reply, mapping
// failures onto the provider error taxonomy.
func (a *Adapter) do(ctx context.Context, client *http.Client, op, method, target, depth, body string) (*multistatus, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, strings.NewReader(body))
	if err != nil {
		return nil, model.Malformed(op, nil, fmt.Errorf("creating %s request: %w", method, err))
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", depth)

	resp, err := client.Do(req)
	if err != nil {
		return nil, model.Transient(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, model.Transient(op, fmt.Errorf("reading %s response: %w", method, err))
	}

	if err := a.classify(op, resp, payload); err != nil {
		return nil, err
	}

	var ms multistatus
	if err := xml.Unmarshal(payload, &ms); err != nil {
		return nil, model.Malformed(op, payload, fmt.Errorf("decoding multistatus: %w", err))
	}
	return &ms, nil
}

// classify maps a non-success HTTP status onto the provider error taxonomy.
func (a *Adapter) classify(op string, resp *http.Response, payload []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("server returned %s", resp.Status)
	retryAfter := model.ParseRetryAfter(resp.Header.Get("Retry-After"), a.now())
	switch {
	case code == http.StatusUnauthorized:
		return model.AuthExpired(op, err)
	case code == http.StatusForbidden:
		return model.Forbidden(op, err)
	case code == http.StatusTooManyRequests:
		return model.RateLimited(op, retryAfter, err)
	case code == http.StatusServiceUnavailable && resp.Header.Get("Retry-After") != "":
		return model.RateLimited(op, retryAfter, err)
	case code >= 500, code == http.StatusNotFound, code == http.StatusRequestTimeout:
		return model.Transient(op, err)
	default:
		return model.Malformed(op, payload, err)
	}
}

// resolve returns href as an absolute URL relative to base.
func resolve(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parsing href: %w", err)
	}
	return b.ResolveReference(ref).String(), nil
}

func lastSegment(href string) string {
	s := strings.TrimRight(href, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}
