package sync

import (
	"context"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/adamantium1987/digital-calendar/internal/cache"
	"github.com/adamantium1987/digital-calendar/internal/model"
	"github.com/adamantium1987/digital-calendar/internal/status"
)

// --- Mock Source --------------------------------------------------------------

type mockSource struct {
	mu        sync.Mutex
	calendars map[string][]model.Calendar // account ID → calendars
	events    map[string][]model.Event    // calendar ID → events
	calErr    map[string]error            // account ID → ListCalendars error
	eventErr  map[string]error            // calendar ID → ListEvents error

	// gate, when non-nil, blocks ListCalendars until closed.
	gate chan struct{}
	// onList runs at the start of every ListCalendars call.
	onList func(accountID string)

	calCalls int
	windows  map[string]model.Window // calendar ID → last requested window
}

func newMockSource() *mockSource {
	return &mockSource{
		calendars: make(map[string][]model.Calendar),
		events:    make(map[string][]model.Event),
		calErr:    make(map[string]error),
		eventErr:  make(map[string]error),
		windows:   make(map[string]model.Window),
	}
}

func (m *mockSource) addCalendar(accountID string, cal model.Calendar, events ...model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cal.AccountID = accountID
	m.calendars[accountID] = append(m.calendars[accountID], cal)
	m.events[cal.ID] = append(m.events[cal.ID], events...)
}

func (m *mockSource) setCalErr(accountID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calErr[accountID] = err
}

func (m *mockSource) setEventErr(calendarID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventErr[calendarID] = err
}

func (m *mockSource) ListCalendars(ctx context.Context, _ *http.Client, account model.Account) ([]model.Calendar, error) {
	m.mu.Lock()
	gate, onList := m.gate, m.onList
	m.calCalls++
	m.mu.Unlock()

	if onList != nil {
		onList(account.ID)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.calErr[account.ID]; err != nil {
		return nil, err
	}
	return slices.Clone(m.calendars[account.ID]), nil
}

func (m *mockSource) ListEvents(_ context.Context, _ *http.Client, _ model.Account, cal model.Calendar, w model.Window) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[cal.ID] = w
	if err := m.eventErr[cal.ID]; err != nil {
		return nil, err
	}
	return slices.Clone(m.events[cal.ID]), nil
}

func (m *mockSource) calendarCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calCalls
}

func (m *mockSource) windowFor(calendarID string) model.Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windows[calendarID]
}

// --- Mock Credentials -----------------------------------------------------------

type mockCreds struct {
	mu       sync.Mutex
	accounts []model.Account
	marked   map[string]error
}

func newMockCreds(accounts ...model.Account) *mockCreds {
	for i := range accounts {
		accounts[i].Auth = model.AuthAuthenticated
	}
	return &mockCreds{accounts: accounts, marked: make(map[string]error)}
}

func (m *mockCreds) Accounts() []model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.accounts)
}

func (m *mockCreds) Client(context.Context, string) (*http.Client, error) {
	return http.DefaultClient, nil
}

func (m *mockCreds) MarkUnauthenticated(accountID string, reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[accountID] = reason
	for i := range m.accounts {
		if m.accounts[i].ID == accountID {
			m.accounts[i].Auth = model.AuthPending
		}
	}
}

func (m *mockCreds) remove(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = slices.DeleteFunc(m.accounts, func(a model.Account) bool { return a.ID == accountID })
}

func (m *mockCreds) wasMarked(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.marked[accountID]
	return ok
}

// --- Fake clock -----------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Harness --------------------------------------------------------------------

type harness struct {
	src      *mockSource
	creds    *mockCreds
	store    *cache.Store
	reporter *status.Reporter
	clock    *fakeClock
	engine   *Engine
}

func newHarness(t *testing.T, cfg EngineConfig, accounts ...model.Account) *harness {
	t.Helper()

	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = fastPolicy
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 1000
	}

	h := &harness{
		src:      newMockSource(),
		creds:    newMockCreds(accounts...),
		store:    store,
		reporter: status.NewReporter(10),
		clock:    &fakeClock{now: time.Now().UTC().Truncate(time.Second)},
	}
	sources := map[model.ProviderKind]Source{
		model.ProviderGoogle: h.src,
		model.ProviderCalDAV: h.src,
	}
	h.engine = NewEngine(sources, h.creds, store, h.reporter, cfg, testLogger)
	h.engine.now = h.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	h.engine.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.engine.stopped
	})
	return h
}

// syncNow triggers a run and waits for it.
func (h *harness) syncNow(t *testing.T, mode Mode) *Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handle, err := h.engine.TriggerSync(ctx, mode)
	if err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	run, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("waiting for run: %v", err)
	}
	return run
}

// at returns a timed event starting offset after the harness clock.
func (h *harness) at(id string, offset time.Duration) model.Event {
	start := h.clock.Now().Add(offset)
	return model.Event{ID: id, Title: id, Start: start, End: start.Add(time.Hour)}
}

func googleAccount(id string) model.Account {
	return model.Account{ID: id, Provider: model.ProviderGoogle, DisplayName: id}
}

func caldavAccount(id string) model.Account {
	return model.Account{ID: id, Provider: model.ProviderCalDAV, DisplayName: id}
}

func resultFor(run *Run, accountID string) AccountResult {
	for _, r := range run.Accounts {
		if r.AccountID == accountID {
			return r
		}
	}
	return AccountResult{}
}
