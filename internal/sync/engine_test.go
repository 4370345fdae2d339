package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/adamantium1987/digital-calendar/internal/cache"
	"github.com/adamantium1987/digital-calendar/internal/model"
	"github.com/adamantium1987/digital-calendar/internal/status"
)

func TestEngine_EndToEndWithExpiredAccount(t *testing.T) {
	h := newHarness(t, EngineConfig{}, googleAccount("a1"), caldavAccount("a2"))
	h.src.addCalendar("a1", model.Calendar{ID: "c1", Name: "Work", Color: "#4285f4"},
		h.at("e1", 24*time.Hour),
		h.at("e2", 48*time.Hour),
		h.at("e3", 72*time.Hour),
	)
	h.src.setCalErr("a2", model.AuthExpired("listing calendars", errors.New("401 Unauthorized")))

	run := h.syncNow(t, ModeManual)

	if run.Outcome != OutcomeCompletedWithErrors {
		t.Errorf("run outcome = %q, want %q", run.Outcome, OutcomeCompletedWithErrors)
	}
	if got := resultFor(run, "a1").Outcome; got != model.OutcomeSuccess {
		t.Errorf("a1 outcome = %q, want success", got)
	}
	if got := resultFor(run, "a2").Outcome; got != model.OutcomeFailed {
		t.Errorf("a2 outcome = %q, want failed", got)
	}

	snap := h.engine.Status()
	if snap.TotalEvents != 3 {
		t.Errorf("TotalEvents = %d, want 3", snap.TotalEvents)
	}
	if len(snap.Errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(snap.Errors))
	}
	if snap.Errors[0].AccountID != "a2" || snap.Errors[0].Kind != "AuthExpired" {
		t.Errorf("error entry = %+v, want a2/AuthExpired", snap.Errors[0])
	}
	if snap.Accounts["a2"].Auth != model.AuthPending {
		t.Errorf("a2 auth = %v, want pending", snap.Accounts["a2"].Auth)
	}
	if !h.creds.wasMarked("a2") {
		t.Error("credential manager was not told a2 expired")
	}
	if snap.CurrentlySyncing {
		t.Error("CurrentlySyncing should be false after the run")
	}
	if snap.LastFullSync.IsZero() {
		t.Error("LastFullSync should be set after a full run")
	}

	w := model.NewWindow(h.clock.Now(), 30, 90)
	events, err := h.engine.Events(context.Background(), w, cache.EventFilter{})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("cached events = %d, want 3", len(events))
	}
	for i, id := range []string{"e1", "e2", "e3"} {
		if events[i].ID != id {
			t.Errorf("events[%d] = %q, want %q", i, events[i].ID, id)
		}
		if events[i].Color != "#4285f4" {
			t.Errorf("events[%d] color = %q, want calendar color", i, events[i].Color)
		}
	}
}

func TestEngine_FailureKeepsPreviousCache(t *testing.T) {
	h := newHarness(t, EngineConfig{}, googleAccount("a1"), caldavAccount("a2"))
	h.src.addCalendar("a1", model.Calendar{ID: "c1"}, h.at("e1", time.Hour), h.at("e2", 2*time.Hour))
	h.src.addCalendar("a2", model.Calendar{ID: "c2"}, h.at("e3", time.Hour))

	if run := h.syncNow(t, ModeManual); run.Outcome != OutcomeCompleted {
		t.Fatalf("first run outcome = %q, want completed", run.Outcome)
	}

	h.src.setCalErr("a1", model.Transient("listing calendars", errors.New("502 Bad Gateway")))
	run := h.syncNow(t, ModeManual)

	if got := resultFor(run, "a1").Outcome; got != model.OutcomeFailed {
		t.Errorf("a1 outcome = %q, want failed", got)
	}
	if got := resultFor(run, "a2").Outcome; got != model.OutcomeSuccess {
		t.Errorf("a2 outcome = %q, want success", got)
	}

	events, err := h.store.QueryEvents(context.Background(), model.Window{}, cache.EventFilter{AccountIDs: []string{"a1"}})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("a1 cached events = %d, want 2 retained", len(events))
	}

	snap := h.engine.Status()
	if snap.TotalEvents != 3 {
		t.Errorf("TotalEvents = %d, want 3", snap.TotalEvents)
	}
	if snap.Accounts["a1"].Events != 2 {
		t.Errorf("a1 status events = %d, want 2", snap.Accounts["a1"].Events)
	}
	// Transient errors are retried before the account is given up on.
	if calls := h.src.calendarCalls(); calls != 3+fastPolicy.MaxAttempts {
		t.Errorf("ListCalendars calls = %d, want %d", calls, 3+fastPolicy.MaxAttempts)
	}
}

func TestEngine_SingleFlight(t *testing.T) {
	h := newHarness(t, EngineConfig{}, googleAccount("a1"))
	h.src.addCalendar("a1", model.Calendar{ID: "c1"}, h.at("e1", time.Hour))

	entered := make(chan struct{}, 1)
	h.src.gate = make(chan struct{})
	h.src.onList = func(string) {
		select {
		case entered <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := h.engine.TriggerSync(ctx, ModePeriodic)
	if err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	<-entered

	if !h.engine.Status().CurrentlySyncing {
		t.Error("CurrentlySyncing should be true while a run is in flight")
	}

	second, err := h.engine.TriggerSync(ctx, ModeManual)
	if err != nil {
		t.Fatalf("second TriggerSync: %v", err)
	}
	if second.ID() != first.ID() {
		t.Errorf("overlapping trigger got run %q, want %q", second.ID(), first.ID())
	}

	res, forced, err := h.engine.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if res != ForceAlreadyRunning || forced.ID() != first.ID() {
		t.Errorf("ForceSync = %v/%q, want already-running/%q", res, forced.ID(), first.ID())
	}

	h.src.mu.Lock()
	close(h.src.gate)
	h.src.mu.Unlock()

	run, err := first.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if run.Mode != ModePeriodic {
		t.Errorf("run mode = %q, want periodic", run.Mode)
	}
	if calls := h.src.calendarCalls(); calls != 1 {
		t.Errorf("ListCalendars calls = %d, want 1", calls)
	}

	res, next, err := h.engine.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync after run: %v", err)
	}
	if res != ForceAccepted || next.ID() == first.ID() {
		t.Errorf("ForceSync after run = %v/%q, want a new accepted run", res, next.ID())
	}
	if _, err := next.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestEngine_RateLimitedDefers(t *testing.T) {
	h := newHarness(t, EngineConfig{}, googleAccount("a1"))
	h.src.addCalendar("a1", model.Calendar{ID: "c1"}, h.at("e1", time.Hour))
	h.src.setCalErr("a1", model.RateLimited("listing calendars", time.Hour, errors.New("429 Too Many Requests")))

	run := h.syncNow(t, ModeManual)
	res := resultFor(run, "a1")
	if res.Outcome != model.OutcomeDeferred {
		t.Fatalf("outcome = %q, want deferred", res.Outcome)
	}
	wantUntil := h.clock.Now().Add(time.Hour)
	if !res.DeferredUntil.Equal(wantUntil) {
		t.Errorf("DeferredUntil = %v, want %v", res.DeferredUntil, wantUntil)
	}
	if run.Outcome != OutcomeCompleted {
		t.Errorf("run outcome = %q, want completed (deferral is not an error)", run.Outcome)
	}

	snap := h.engine.Status()
	if len(snap.Errors) != 0 {
		t.Errorf("errors = %v, want none", snap.Errors)
	}
	if !snap.Accounts["a1"].DeferredUntil.Equal(wantUntil) {
		t.Errorf("status DeferredUntil = %v, want %v", snap.Accounts["a1"].DeferredUntil, wantUntil)
	}

	// Still cooling down: the provider is not contacted.
	h.src.setCalErr("a1", nil)
	run = h.syncNow(t, ModeManual)
	if got := resultFor(run, "a1").Outcome; got != model.OutcomeDeferred {
		t.Errorf("outcome during cooldown = %q, want deferred", got)
	}
	if calls := h.src.calendarCalls(); calls != 1 {
		t.Errorf("ListCalendars calls = %d, want 1", calls)
	}

	h.clock.Advance(2 * time.Hour)
	run = h.syncNow(t, ModeManual)
	if got := resultFor(run, "a1").Outcome; got != model.OutcomeSuccess {
		t.Errorf("outcome after cooldown = %q, want success", got)
	}
}

func TestEngine_RateLimitedDefaultCooldown(t *testing.T) {
	h := newHarness(t, EngineConfig{RateLimitCooldown: 7 * time.Minute}, googleAccount("a1"))
	h.src.setCalErr("a1", model.RateLimited("listing calendars", 0, errors.New("429")))

	res := resultFor(h.syncNow(t, ModeManual), "a1")
	if want := h.clock.Now().Add(7 * time.Minute); !res.DeferredUntil.Equal(want) {
		t.Errorf("DeferredUntil = %v, want %v", res.DeferredUntil, want)
	}
}

func TestEngine_DeadlineSkipsUnstartedAccounts(t *testing.T) {
	h := newHarness(t, EngineConfig{MaxWorkers: 1, RunTimeout: 30 * time.Minute},
		googleAccount("a1"), caldavAccount("a2"))
	h.src.addCalendar("a1", model.Calendar{ID: "c1"}, h.at("e1", 24*time.Hour))
	h.src.addCalendar("a2", model.Calendar{ID: "c2"}, h.at("e2", 24*time.Hour))
	h.src.onList = func(string) { h.clock.Advance(time.Hour) }

	run := h.syncNow(t, ModeManual)

	if got := resultFor(run, "a1").Outcome; got != model.OutcomeSuccess {
		t.Errorf("a1 outcome = %q, want success", got)
	}
	if got := resultFor(run, "a2").Outcome; got != model.OutcomeSkipped {
		t.Errorf("a2 outcome = %q, want skipped", got)
	}
	if calls := h.src.calendarCalls(); calls != 1 {
		t.Errorf("ListCalendars calls = %d, want 1", calls)
	}
	if n := len(h.engine.Status().Errors); n != 0 {
		t.Errorf("errors = %d, want 0", n)
	}
}

func TestEngine_NoAccountsIsNoop(t *testing.T) {
	h := newHarness(t, EngineConfig{})

	run := h.syncNow(t, ModeManual)
	if run.Outcome != OutcomeNoop {
		t.Errorf("outcome = %q, want %q", run.Outcome, OutcomeNoop)
	}
	snap := h.engine.Status()
	if snap.LastOutcome != OutcomeNoop || snap.TotalEvents != 0 || len(snap.Errors) != 0 {
		t.Errorf("snapshot = %+v, want empty no-op", snap)
	}
}

func TestEngine_UnauthenticatedAccountSkipped(t *testing.T) {
	h := newHarness(t, EngineConfig{}, googleAccount("a1"))
	h.creds.MarkUnauthenticated("a1", errors.New("no token"))

	run := h.syncNow(t, ModeManual)
	if got := resultFor(run, "a1").Outcome; got != model.OutcomeUnauthenticated {
		t.Errorf("outcome = %q, want unauthenticated", got)
	}
	if calls := h.src.calendarCalls(); calls != 0 {
		t.Errorf("ListCalendars calls = %d, want 0", calls)
	}
}

func TestEngine_NotRunning(t *testing.T) {
	e := NewEngine(nil, newMockCreds(), nil, status.NewReporter(0), EngineConfig{}, testLogger)
	if _, err := e.TriggerSync(context.Background(), ModeManual); !errors.Is(err, ErrNotRunning) {
		t.Errorf("TriggerSync error = %v, want ErrNotRunning", err)
	}
}

func TestEngine_StoppedLoopRejectsTriggers(t *testing.T) {
	e := NewEngine(nil, newMockCreds(), nil, status.NewReporter(0), EngineConfig{}, testLogger)
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	cancel()
	<-e.stopped

	if _, err := e.TriggerSync(context.Background(), ModeManual); !errors.Is(err, ErrNotRunning) {
		t.Errorf("TriggerSync error = %v, want ErrNotRunning", err)
	}
}

func TestEngine_SyncAccount(t *testing.T) {
	h := newHarness(t, EngineConfig{}, googleAccount("a1"), caldavAccount("a2"))
	h.src.addCalendar("a1", model.Calendar{ID: "c1"}, h.at("e1", time.Hour))
	h.src.addCalendar("a2", model.Calendar{ID: "c2"}, h.at("e2", time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	handle, err := h.engine.SyncAccount(ctx, "a2")
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	run, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if run.Mode != ModeAccount {
		t.Errorf("mode = %q, want account", run.Mode)
	}
	if len(run.Accounts) != 1 || run.Accounts[0].AccountID != "a2" {
		t.Fatalf("accounts = %+v, want only a2", run.Accounts)
	}
	snap := h.engine.Status()
	if !snap.LastFullSync.IsZero() {
		t.Error("a single-account run must not set LastFullSync")
	}
	if snap.TotalEvents != 1 {
		t.Errorf("TotalEvents = %d, want 1", snap.TotalEvents)
	}
}

func TestEngine_SyncAccountUnknownID(t *testing.T) {
	h := newHarness(t, EngineConfig{}, googleAccount("a1"))

	handle, err := h.engine.SyncAccount(context.Background(), "typo")
	if !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("SyncAccount error = %v, want ErrUnknownAccount", err)
	}
	if handle != nil {
		t.Error("no run should be started for an unknown account")
	}
	if calls := h.src.calendarCalls(); calls != 0 {
		t.Errorf("ListCalendars calls = %d, want 0", calls)
	}
}

func TestEngine_RunOnce(t *testing.T) {
	h := newHarness(t, EngineConfig{}, googleAccount("a1"))
	h.src.addCalendar("a1", model.Calendar{ID: "c1"}, h.at("e1", time.Hour), h.at("e2", 2*time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := h.engine.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if run.Mode != ModeManual || run.Outcome != OutcomeCompleted {
		t.Errorf("run = %s/%s, want manual/completed", run.Mode, run.Outcome)
	}
	if run.Events != 2 || run.Failed() != 0 {
		t.Errorf("events/failed = %d/%d, want 2/0", run.Events, run.Failed())
	}
	if h.engine.Status().LastFullSync.IsZero() {
		t.Error("RunOnce is a full run and should set LastFullSync")
	}
}

func TestEngine_RemoveAccount(t *testing.T) {
	h := newHarness(t, EngineConfig{}, googleAccount("a1"), caldavAccount("a2"))
	h.src.addCalendar("a1", model.Calendar{ID: "c1"}, h.at("e1", time.Hour))
	h.src.addCalendar("a2", model.Calendar{ID: "c2"}, h.at("e2", time.Hour))
	h.syncNow(t, ModeManual)

	ctx := context.Background()
	h.creds.remove("a1")
	if err := h.engine.RemoveAccount(ctx, "a1"); err != nil {
		t.Fatalf("RemoveAccount: %v", err)
	}

	events, err := h.engine.Events(ctx, model.Window{}, cache.EventFilter{})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].AccountID != "a2" {
		t.Errorf("events after removal = %+v, want only a2's", events)
	}
	cals, err := h.engine.Calendars(ctx, "a1")
	if err != nil {
		t.Fatalf("Calendars: %v", err)
	}
	if len(cals) != 0 {
		t.Errorf("a1 calendars = %d, want 0", len(cals))
	}
	if _, ok := h.engine.Status().Accounts["a1"]; ok {
		t.Error("a1 still present in status")
	}
}

func TestEngine_ProviderLimitsNarrowWindow(t *testing.T) {
	h := newHarness(t, EngineConfig{}, caldavAccount("a1"))
	minTime := h.clock.Now().AddDate(0, 0, 10)
	h.src.addCalendar("a1", model.Calendar{ID: "c1", MinTime: minTime}, h.at("e1", 20*24*time.Hour))

	run := h.syncNow(t, ModeManual)
	res := resultFor(run, "a1")
	if res.Outcome != model.OutcomeSuccess {
		t.Fatalf("outcome = %q, want success (%v)", res.Outcome, res.Err)
	}
	if got := h.src.windowFor("c1").Start; !got.Equal(minTime) {
		t.Errorf("fetch window start = %v, want %v", got, minTime)
	}
	if !res.Window.Start.Equal(minTime) {
		t.Errorf("committed window start = %v, want %v", res.Window.Start, minTime)
	}
	if res.Events != 1 {
		t.Errorf("events = %d, want 1", res.Events)
	}
}

func TestEngine_CalendarAllowList(t *testing.T) {
	acct := googleAccount("a1")
	acct.CalendarIDs = []string{"keep"}
	h := newHarness(t, EngineConfig{}, acct)
	h.src.addCalendar("a1", model.Calendar{ID: "keep"}, h.at("e1", time.Hour))
	h.src.addCalendar("a1", model.Calendar{ID: "skip"}, h.at("e2", time.Hour))

	run := h.syncNow(t, ModeManual)
	if res := resultFor(run, "a1"); res.Calendars != 1 || res.Events != 1 {
		t.Errorf("calendars/events = %d/%d, want 1/1", res.Calendars, res.Events)
	}
}

func TestEngine_ForbiddenCalendarDropped(t *testing.T) {
	h := newHarness(t, EngineConfig{}, caldavAccount("a1"))
	h.src.addCalendar("a1", model.Calendar{ID: "own"}, h.at("e1", time.Hour))
	h.src.addCalendar("a1", model.Calendar{ID: "shared"}, h.at("e2", time.Hour))
	h.syncNow(t, ModeManual)

	h.src.setEventErr("shared", model.Forbidden("listing events", errors.New("server returned 403 Forbidden")))
	run := h.syncNow(t, ModeManual)

	res := resultFor(run, "a1")
	if res.Outcome != model.OutcomeSuccess {
		t.Fatalf("outcome = %q, want success (%v)", res.Outcome, res.Err)
	}
	if res.Calendars != 1 || res.Events != 1 {
		t.Errorf("calendars/events = %d/%d, want 1/1", res.Calendars, res.Events)
	}
	if h.creds.wasMarked("a1") {
		t.Error("a forbidden calendar must not mark the account unauthenticated")
	}
	snap := h.engine.Status()
	if snap.Accounts["a1"].Auth != model.AuthAuthenticated {
		t.Errorf("a1 auth = %v, want authenticated", snap.Accounts["a1"].Auth)
	}
	if len(snap.Errors) != 0 {
		t.Errorf("errors = %+v, want none", snap.Errors)
	}

	cals, err := h.engine.Calendars(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Calendars: %v", err)
	}
	if len(cals) != 1 || cals[0].ID != "own" {
		t.Errorf("cached calendars = %+v, want only own", cals)
	}

	// The remaining calendars keep syncing on later runs.
	h.src.mu.Lock()
	h.src.events["own"] = append(h.src.events["own"], h.at("e3", 2*time.Hour))
	h.src.mu.Unlock()
	if res := resultFor(h.syncNow(t, ModeManual), "a1"); res.Outcome != model.OutcomeSuccess || res.Events != 2 {
		t.Errorf("third run = %q with %d events, want success with 2", res.Outcome, res.Events)
	}
}

// corruptCache fails every commit with a corruption error.
type corruptCache struct{ Cache }

func (corruptCache) ReplaceAccountWindow(context.Context, string, []model.Calendar, []model.Event, model.Window) (cache.ReplaceStats, error) {
	return cache.ReplaceStats{}, fmt.Errorf("committing: %w", cache.ErrCorrupt)
}

func TestEngine_CorruptCacheCallsHook(t *testing.T) {
	h := newHarness(t, EngineConfig{}, googleAccount("a1"))
	h.src.addCalendar("a1", model.Calendar{ID: "c1"}, h.at("e1", time.Hour))

	var mu sync.Mutex
	var got []error
	h.engine.cache = corruptCache{h.store}
	h.engine.cfg.OnCorrupt = func(err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, err)
	}

	run := h.syncNow(t, ModeManual)
	res := resultFor(run, "a1")
	if res.Outcome != model.OutcomeFailed || model.KindOf(res.Err) != model.KindStoreFailure {
		t.Errorf("result = %q/%v, want failed StoreFailure", res.Outcome, res.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || !errors.Is(got[0], cache.ErrCorrupt) {
		t.Errorf("OnCorrupt calls = %v, want one ErrCorrupt", got)
	}
	if errs := h.engine.Status().Errors; len(errs) != 1 || errs[0].Kind != "StoreFailure" {
		t.Errorf("status errors = %+v, want one StoreFailure", errs)
	}
}

func TestEngine_Cleanup(t *testing.T) {
	h := newHarness(t, EngineConfig{Retention: 90 * 24 * time.Hour}, googleAccount("a1"))
	ctx := context.Background()
	old := h.clock.Now().AddDate(0, 0, -200)
	recent := h.clock.Now().AddDate(0, 0, -10)

	_, err := h.store.ReplaceAccountWindow(ctx, "a1",
		[]model.Calendar{{AccountID: "a1", ID: "c1"}},
		[]model.Event{
			{AccountID: "a1", CalendarID: "c1", ID: "old", Start: old, End: old.Add(time.Hour)},
			{AccountID: "a1", CalendarID: "c1", ID: "recent", Start: recent, End: recent.Add(time.Hour)},
		},
		model.Window{Start: old.AddDate(0, 0, -1), End: h.clock.Now()},
	)
	if err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	h.engine.Cleanup(ctx)

	events, err := h.store.QueryEvents(ctx, model.Window{}, cache.EventFilter{})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 1 || events[0].ID != "recent" {
		t.Errorf("events after cleanup = %+v, want only recent", events)
	}
}

func TestEngine_RunRejectsBadSchedule(t *testing.T) {
	e := NewEngine(nil, newMockCreds(), nil, status.NewReporter(0),
		EngineConfig{Schedule: "every now and then"}, testLogger)
	if err := e.Run(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron schedule")
	}
	if e.started.Load() {
		t.Error("control loop must not start when the schedule is invalid")
	}
}

func TestEngine_RunPerformsStartupSync(t *testing.T) {
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	src := newMockSource()
	creds := newMockCreds(googleAccount("a1"))
	start := time.Now()
	src.addCalendar("a1", model.Calendar{ID: "c1"}, model.Event{ID: "e1", Start: start.Add(time.Hour), End: start.Add(2 * time.Hour)})

	reporter := status.NewReporter(0)
	e := NewEngine(map[model.ProviderKind]Source{model.ProviderGoogle: src}, creds, store, reporter,
		EngineConfig{StartupDelay: 10 * time.Millisecond, Interval: time.Hour, Retry: fastPolicy}, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for reporter.Snapshot().LastFullSync.IsZero() {
		select {
		case <-deadline:
			cancel()
			t.Fatal("startup sync did not complete")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := reporter.Snapshot().TotalEvents; got != 1 {
		t.Errorf("TotalEvents = %d, want 1", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
}
