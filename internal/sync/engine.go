package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/adamantium1987/digital-calendar/internal/cache"
	"github.com/adamantium1987/digital-calendar/internal/model"
	"github.com/adamantium1987/digital-calendar/internal/status"
)

const (
	otelScope       = "calsyncd/sync"
	spanRun         = "sync.run"
	spanAccount     = "sync.account"
	metricRuns      = "calsyncd.sync.runs"
	metricInserted  = "calsyncd.sync.events.inserted"
	metricUpdated   = "calsyncd.sync.events.updated"
	metricDeleted   = "calsyncd.sync.events.deleted"
	metricFailures  = "calsyncd.sync.account.failures"
	metricDeferrals = "calsyncd.sync.account.deferrals"
	metricSkipped   = "calsyncd.sync.account.skipped"
)

// ErrNotRunning is returned by trigger methods when the control loop has not
// been started or has already stopped.
var ErrNotRunning = errors.New("sync engine is not running")

// ErrUnknownAccount is returned by [Engine.SyncAccount] for an account id
// that is not configured.
var ErrUnknownAccount = errors.New("unknown account")

// ForceResult is the answer to [Engine.ForceSync].
type ForceResult int

const (
	// ForceAccepted means a new run was started.
	ForceAccepted ForceResult = iota
	// ForceAlreadyRunning means a run was already in flight.
	ForceAlreadyRunning
)

func (r ForceResult) String() string {
	if r == ForceAlreadyRunning {
		return "already-running"
	}
	return "accepted"
}

// EngineConfig holds the tunables of an [Engine]. Zero values take the
// defaults noted on each field.
type EngineConfig struct {
	// PastDays and FutureDays size the sync window around now. Default 30/90.
	PastDays   int
	FutureDays int

	// MaxWorkers bounds the number of accounts synced in parallel. Default 3.
	MaxWorkers int

	// RunTimeout is the run-level deadline. Accounts not started when it
	// passes are skipped. Default 10m.
	RunTimeout time.Duration

	Retry RetryPolicy

	// RateLimitCooldown applies when a throttled provider gives no
	// Retry-After. Default 5m.
	RateLimitCooldown time.Duration

	// RequestsPerSecond paces adapter calls per provider kind. Default 5.
	RequestsPerSecond float64

	// Location is the display zone for all-day events and cron schedules.
	// Default UTC.
	Location *time.Location

	// Interval is the periodic sync interval. Default 15m. Ignored when
	// Schedule is set.
	Interval time.Duration

	// Schedule is an optional standard cron expression for periodic syncs.
	Schedule string

	// StartupDelay postpones the cold-start sync. Default 2s.
	StartupDelay time.Duration

	// Retention is how long ended events are kept. Default 90 days.
	Retention time.Duration

	// CleanupInterval is how often old events are purged. Default 24h.
	CleanupInterval time.Duration

	// OnCorrupt is called when the cache reports corruption. Defaults to
	// logging the error and exiting the process.
	OnCorrupt func(error)
}

func (c *EngineConfig) applyDefaults() {
	if c.PastDays <= 0 {
		c.PastDays = 30
	}
	if c.FutureDays <= 0 {
		c.FutureDays = 90
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 3
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = 5 * time.Minute
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 5
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.StartupDelay < 0 {
		c.StartupDelay = 0
	}
	if c.Retention <= 0 {
		c.Retention = 90 * 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 24 * time.Hour
	}
}

type request struct {
	mode      Mode
	accountID string
	reply     chan triggerReply
}

type triggerReply struct {
	handle  *RunHandle
	started bool
}

// Engine orchestrates sync runs. All triggers go through one control loop
// that allows at most one run in flight; overlapping triggers receive the
// handle of the running pass. Create one with [NewEngine] and start it with
// [Engine.Run] (daemon) or [Engine.Start] (triggers only).
type Engine struct {
	sources    map[model.ProviderKind]Source
	creds      Credentials
	cache      Cache
	status     *status.Reporter
	reconciler *Reconciler
	cfg        EngineConfig
	log        *slog.Logger
	now        func() time.Time

	limiters map[model.ProviderKind]*rate.Limiter

	requests chan request
	started  atomic.Bool
	stopped  chan struct{}
	inflight atomic.Pointer[RunHandle]

	cooldownMu sync.Mutex
	cooldown   map[string]time.Time

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer      trace.Tracer
	cntRuns     metric.Int64Counter
	cntInserted metric.Int64Counter
	cntUpdated  metric.Int64Counter
	cntDeleted  metric.Int64Counter
	cntFailures metric.Int64Counter
	cntDeferred metric.Int64Counter
	cntSkipped  metric.Int64Counter
}

// NewEngine creates an Engine. sources maps each provider kind to its
// adapter; accounts whose provider has no adapter fail at sync time.
func NewEngine(sources map[model.ProviderKind]Source, creds Credentials, store Cache, reporter *status.Reporter, cfg EngineConfig, logger *slog.Logger) *Engine {
	cfg.applyDefaults()

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	burst := max(1, int(cfg.RequestsPerSecond))
	limiters := make(map[model.ProviderKind]*rate.Limiter, len(sources))
	for kind := range sources {
		limiters[kind] = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	e := &Engine{
		sources:    sources,
		creds:      creds,
		cache:      store,
		status:     reporter,
		reconciler: NewReconciler(cfg.Location, logger),
		cfg:        cfg,
		log:        logger,
		now:        time.Now,

		limiters: limiters,
		requests: make(chan request),
		stopped:  make(chan struct{}),
		cooldown: make(map[string]time.Time),

		tracer:      tracer,
		cntRuns:     mustCounter(metricRuns, "Number of sync runs executed"),
		cntInserted: mustCounter(metricInserted, "Number of events inserted into the cache"),
		cntUpdated:  mustCounter(metricUpdated, "Number of cached events updated"),
		cntDeleted:  mustCounter(metricDeleted, "Number of cached events deleted"),
		cntFailures: mustCounter(metricFailures, "Number of failed account syncs"),
		cntDeferred: mustCounter(metricDeferrals, "Number of account syncs deferred by provider throttling"),
		cntSkipped:  mustCounter(metricSkipped, "Number of account syncs skipped by the run deadline"),
	}
	if e.cfg.OnCorrupt == nil {
		e.cfg.OnCorrupt = func(err error) {
			logger.Error("cache database is corrupt, stopping", "error", err)
			os.Exit(1)
		}
	}
	return e
}

// Start launches the control loop. It returns immediately; the loop stops
// when ctx is cancelled, after any in-flight run completes. Calling Start
// more than once has no effect.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.loop(ctx)
}

// Run starts the control loop and the scheduler: a cold-start sync after the
// startup delay, periodic syncs on the interval or cron schedule, and the
// daily cache cleanup. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	var sched cron.Schedule
	if e.cfg.Schedule != "" {
		s, err := cron.ParseStandard(e.cfg.Schedule)
		if err != nil {
			return fmt.Errorf("parsing sync schedule %q: %w", e.cfg.Schedule, err)
		}
		sched = s
	}

	e.Start(ctx)

	startup := time.NewTimer(e.cfg.StartupDelay)
	defer startup.Stop()

	var tick <-chan time.Time
	if sched != nil {
		c := cron.New(cron.WithLocation(e.cfg.Location))
		c.Schedule(sched, cron.FuncJob(func() { e.periodic(ctx) }))
		c.Start()
		defer c.Stop()
	} else {
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	cleanup := time.NewTicker(e.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			<-e.stopped
			return ctx.Err()
		case <-startup.C:
			e.periodic(ctx)
		case <-tick:
			e.periodic(ctx)
		case <-cleanup.C:
			e.Cleanup(ctx)
		}
	}
}

// RunOnce starts the control loop if needed, performs one full sync, and
// waits for it.
func (e *Engine) RunOnce(ctx context.Context) (*Run, error) {
	e.Start(ctx)
	h, err := e.TriggerSync(ctx, ModeManual)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// TriggerSync requests a full sync. If a run is already in flight the
// returned handle refers to that run.
func (e *Engine) TriggerSync(ctx context.Context, mode Mode) (*RunHandle, error) {
	r, err := e.submit(ctx, request{mode: mode})
	return r.handle, err
}

// ForceSync starts a manual full sync unless one is already running.
func (e *Engine) ForceSync(ctx context.Context) (ForceResult, *RunHandle, error) {
	r, err := e.submit(ctx, request{mode: ModeManual})
	if err != nil {
		return ForceAlreadyRunning, nil, err
	}
	if !r.started {
		return ForceAlreadyRunning, r.handle, nil
	}
	return ForceAccepted, r.handle, nil
}

// SyncAccount requests a sync of one account. Like every trigger it
// coalesces with a run already in flight. Ids the credential manager does
// not know fail with [ErrUnknownAccount].
func (e *Engine) SyncAccount(ctx context.Context, accountID string) (*RunHandle, error) {
	if selectAccount(e.creds.Accounts(), accountID) == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownAccount, accountID)
	}
	r, err := e.submit(ctx, request{mode: ModeAccount, accountID: accountID})
	return r.handle, err
}

// Status returns the current status snapshot. It never blocks on a sync.
func (e *Engine) Status() status.Snapshot {
	return e.status.Snapshot()
}

// Events returns cached events overlapping w.
func (e *Engine) Events(ctx context.Context, w model.Window, f cache.EventFilter) ([]model.Event, error) {
	return e.cache.QueryEvents(ctx, w, f)
}

// Calendars returns cached calendars of accountID, or of every account when
// accountID is empty.
func (e *Engine) Calendars(ctx context.Context, accountID string) ([]model.Calendar, error) {
	return e.cache.QueryCalendars(ctx, accountID)
}

// RemoveAccount deletes the account's cache partition and status. The caller
// is expected to have removed the account from the credential manager first;
// a run in flight is waited for before deleting.
func (e *Engine) RemoveAccount(ctx context.Context, accountID string) error {
	if h := e.inflight.Load(); h != nil {
		if _, err := h.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for in-flight run: %w", err)
		}
	}
	if err := e.cache.DeleteAccount(ctx, accountID); err != nil {
		e.checkCorrupt(err)
		return fmt.Errorf("removing account %q: %w", accountID, err)
	}
	e.status.RemoveAccount(accountID)

	e.cooldownMu.Lock()
	delete(e.cooldown, accountID)
	e.cooldownMu.Unlock()

	e.log.Info("account removed from cache", "account_id", accountID)
	return nil
}

// Cleanup purges events that ended before the retention horizon.
func (e *Engine) Cleanup(ctx context.Context) {
	cutoff := e.now().Add(-e.cfg.Retention)
	n, err := e.cache.PurgeEndedBefore(ctx, cutoff)
	if err != nil {
		e.checkCorrupt(err)
		e.log.Error("cache cleanup failed", "error", err)
		return
	}
	e.log.Info("cache cleanup complete", "purged", n, "cutoff", cutoff)
}

func (e *Engine) periodic(ctx context.Context) {
	if _, err := e.TriggerSync(ctx, ModePeriodic); err != nil && ctx.Err() == nil {
		e.log.Error("periodic sync trigger failed", "error", err)
	}
}

func (e *Engine) submit(ctx context.Context, req request) (triggerReply, error) {
	if !e.started.Load() {
		return triggerReply{}, ErrNotRunning
	}
	req.reply = make(chan triggerReply, 1)
	select {
	case e.requests <- req:
	case <-e.stopped:
		return triggerReply{}, ErrNotRunning
	case <-ctx.Done():
		return triggerReply{}, ctx.Err()
	}
	// The loop replies as soon as it receives a request.
	return <-req.reply, nil
}

// loop is the single owner of "is a run in flight".
func (e *Engine) loop(ctx context.Context) {
	defer close(e.stopped)

	var current *RunHandle
	finished := make(chan *RunHandle, 1)

	for {
		select {
		case <-ctx.Done():
			if current != nil {
				<-finished
			}
			return

		case req := <-e.requests:
			if current != nil {
				select {
				case <-current.done:
					// Completed but not yet reaped; start a fresh run.
					<-finished
					current = nil
				default:
					e.log.Debug("sync already running, coalescing trigger",
						"run_id", current.ID(), "mode", req.mode)
					req.reply <- triggerReply{handle: current}
					continue
				}
			}

			h := newHandle(uuid.NewString(), req.mode)
			current = h
			e.inflight.Store(h)
			req.reply <- triggerReply{handle: h, started: true}
			go func(accountID string) {
				e.execute(ctx, h, accountID)
				finished <- h
			}(req.accountID)

		case h := <-finished:
			if h == current {
				current = nil
				e.inflight.Store(nil)
			}
		}
	}
}

// execute performs one run and closes the handle when done.
func (e *Engine) execute(ctx context.Context, h *RunHandle, accountID string) {
	defer close(h.done)

	run := h.run
	run.Started = e.now()
	full := accountID == ""

	ctx, span := e.tracer.Start(ctx, spanRun, trace.WithAttributes(
		attribute.String("sync.run_id", run.ID),
		attribute.String("sync.mode", string(run.Mode)),
	))
	defer span.End()

	accounts := e.creds.Accounts()
	e.status.SetAccounts(accounts)
	if !full {
		accounts = selectAccount(accounts, accountID)
	}
	e.status.BeginRun(run.ID, full)
	e.log.Info("sync run started", "run_id", run.ID, "mode", run.Mode, "accounts", len(accounts))

	if len(accounts) == 0 {
		run.Outcome = OutcomeNoop
		e.finish(ctx, run, full)
		return
	}

	w := model.NewWindow(run.Started, e.cfg.PastDays, e.cfg.FutureDays)
	deadline := run.Started.Add(e.cfg.RunTimeout)

	results := make([]AccountResult, len(accounts))
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxWorkers)
	for i, acct := range accounts {
		g.Go(func() error {
			results[i] = e.syncAccount(ctx, acct, w, deadline)
			return nil
		})
	}
	_ = g.Wait()

	run.Accounts = results
	run.Outcome = OutcomeCompleted
	for _, r := range results {
		if r.Outcome == model.OutcomeSuccess {
			run.Events += r.Events
			run.Calendars += r.Calendars
		}
		if r.Outcome == model.OutcomeFailed {
			run.Outcome = OutcomeCompletedWithErrors
		}
	}
	e.finish(ctx, run, full)

	span.SetAttributes(
		attribute.Int("sync.accounts", len(results)),
		attribute.Int("sync.failed", run.Failed()),
		attribute.Int("sync.events", run.Events),
	)
}

func (e *Engine) finish(ctx context.Context, run *Run, full bool) {
	var totals status.Totals
	st, err := e.cache.Stats(ctx)
	if err != nil {
		e.checkCorrupt(err)
		e.log.Error("reading cache stats", "run_id", run.ID, "error", err)
	} else {
		totals = status.Totals{
			Events:             st.TotalEvents,
			Calendars:          st.TotalCalendars,
			EventsByAccount:    st.EventsByAccount,
			CalendarsByAccount: st.CalendarsByAccount,
		}
	}

	run.Finished = e.now()
	e.status.EndRun(run.ID, run.Outcome, full, totals)
	e.cntRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(run.Mode)),
		attribute.String("outcome", run.Outcome),
	))
	e.log.Info("sync run finished",
		"run_id", run.ID,
		"outcome", run.Outcome,
		"accounts", len(run.Accounts),
		"failed", run.Failed(),
		"event_count", run.Events,
		"duration", run.Finished.Sub(run.Started),
	)
}

// syncAccount is one worker: fetch, reconcile, commit, report.
func (e *Engine) syncAccount(ctx context.Context, acct model.Account, w model.Window, deadline time.Time) AccountResult {
	res := AccountResult{AccountID: acct.ID, Window: w}
	now := e.now()

	switch {
	case now.After(deadline):
		res.Outcome = model.OutcomeSkipped
		e.cntSkipped.Add(ctx, 1)
		e.log.Warn("run deadline passed, skipping account", "account_id", acct.ID)
	case acct.Auth != model.AuthAuthenticated:
		res.Outcome = model.OutcomeUnauthenticated
		e.log.Debug("account not authenticated, skipping", "account_id", acct.ID)
	default:
		if until := e.cooldownUntil(acct.ID); now.Before(until) {
			res.Outcome = model.OutcomeDeferred
			res.DeferredUntil = until
			e.log.Info("account in rate-limit cooldown", "account_id", acct.ID, "until", until)
		}
	}
	if res.Outcome != "" {
		e.report(res, nil)
		return res
	}

	ctx, span := e.tracer.Start(ctx, spanAccount, trace.WithAttributes(
		attribute.String("sync.account_id", acct.ID),
		attribute.String("sync.provider", string(acct.Provider)),
	))
	defer span.End()

	fetches, commit, err := e.fetchAccount(ctx, acct, w)
	if err == nil {
		rec := e.reconciler.Reconcile(acct, fetches, commit)
		var stats cache.ReplaceStats
		stats, err = e.cache.ReplaceAccountWindow(ctx, acct.ID, rec.Calendars, rec.Events, commit)
		if err != nil {
			e.checkCorrupt(err)
			err = model.StoreFailure("committing account window", err)
		} else {
			res.Outcome = model.OutcomeSuccess
			res.Window = commit
			res.Stats = stats
			res.Events = len(rec.Events)
			res.Calendars = len(rec.Calendars)

			e.cntInserted.Add(ctx, int64(stats.Inserted))
			e.cntUpdated.Add(ctx, int64(stats.Updated))
			e.cntDeleted.Add(ctx, int64(stats.Deleted))
			span.SetAttributes(
				attribute.Int("sync.inserted", stats.Inserted),
				attribute.Int("sync.updated", stats.Updated),
				attribute.Int("sync.deleted", stats.Deleted),
			)

			e.cooldownMu.Lock()
			delete(e.cooldown, acct.ID)
			e.cooldownMu.Unlock()

			e.log.Info("account synced",
				"account_id", acct.ID,
				"calendars", res.Calendars,
				"event_count", res.Events,
				"inserted", stats.Inserted,
				"updated", stats.Updated,
				"deleted", stats.Deleted,
				"unchanged", stats.Unchanged,
			)
		}
	}
	if err != nil {
		span.RecordError(err)
		e.handleFailure(ctx, acct, &res, err)
	}
	e.report(res, err)
	return res
}

// fetchAccount lists the account's calendars and their events. The returned
// window is the requested one narrowed to every calendar's provider limits.
func (e *Engine) fetchAccount(ctx context.Context, acct model.Account, w model.Window) ([]CalendarFetch, model.Window, error) {
	src, ok := e.sources[acct.Provider]
	if !ok {
		return nil, w, fmt.Errorf("no adapter for provider %q", acct.Provider)
	}
	lim := e.limiters[acct.Provider]

	client, err := e.creds.Client(ctx, acct.ID)
	if err != nil {
		return nil, w, fmt.Errorf("getting client: %w", err)
	}

	var cals []model.Calendar
	err = e.call(ctx, lim, func(ctx context.Context) error {
		var err error
		cals, err = src.ListCalendars(ctx, client, acct)
		return err
	})
	if err != nil {
		return nil, w, fmt.Errorf("listing calendars: %w", err)
	}

	commit := w
	fetches := make([]CalendarFetch, 0, len(cals))
	for _, c := range cals {
		if !acct.Wants(c.ID) {
			continue
		}
		cw := w.Intersect(c.Limits())
		if cw.Empty() {
			e.log.Info("calendar serves no events inside the sync window",
				"account_id", acct.ID, "calendar_id", c.ID)
			fetches = append(fetches, CalendarFetch{Calendar: c})
			continue
		}
		if !cw.Equal(w) {
			e.log.Info("provider limits narrow the sync window",
				"account_id", acct.ID, "calendar_id", c.ID,
				"requested", w.String(), "effective", cw.String())
			commit = commit.Intersect(cw)
		}

		var events []model.Event
		err := e.call(ctx, lim, func(ctx context.Context) error {
			var err error
			events, err = src.ListEvents(ctx, client, acct, c, cw)
			return err
		})
		if model.KindOf(err) == model.KindForbidden {
			// Dropped from this fetch, so the commit removes its cached rows.
			e.log.Warn("access to calendar denied, leaving it out",
				"account_id", acct.ID, "calendar_id", c.ID, "error", err)
			continue
		}
		if err != nil {
			return nil, w, fmt.Errorf("listing events of calendar %q: %w", c.ID, err)
		}
		e.log.Debug("calendar fetched", "account_id", acct.ID, "calendar_id", c.ID, "event_count", len(events))
		fetches = append(fetches, CalendarFetch{Calendar: c, Events: events})
	}

	if commit.Empty() {
		return nil, w, model.Malformed("computing commit window", nil,
			errors.New("calendar limits of this account do not overlap"))
	}
	return fetches, commit, nil
}

// call paces fn through the provider's limiter and applies the retry policy.
func (e *Engine) call(ctx context.Context, lim *rate.Limiter, fn func(ctx context.Context) error) error {
	return e.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return model.Transient("waiting for rate limiter", err)
			}
		}
		return fn(ctx)
	})
}

func (e *Engine) handleFailure(ctx context.Context, acct model.Account, res *AccountResult, err error) {
	kind := model.KindOf(err)
	res.Outcome = model.OutcomeFailed
	res.Err = err

	switch kind {
	case model.KindAuthExpired:
		e.creds.MarkUnauthenticated(acct.ID, err)
		e.status.SetAuth(acct.ID, model.AuthPending)
		e.log.Warn("account credential expired, marked unauthenticated", "account_id", acct.ID, "error", err)
	case model.KindRateLimited:
		cd := model.RetryAfterOf(err)
		if cd <= 0 {
			cd = e.cfg.RateLimitCooldown
		}
		until := e.now().Add(cd)
		e.cooldownMu.Lock()
		e.cooldown[acct.ID] = until
		e.cooldownMu.Unlock()

		res.Outcome = model.OutcomeDeferred
		res.DeferredUntil = until
		e.cntDeferred.Add(ctx, 1)
		e.log.Warn("provider throttling, account deferred", "account_id", acct.ID, "until", until, "error", err)
		return
	case model.KindMalformed:
		var se *model.SourceError
		payload := ""
		if errors.As(err, &se) {
			payload = se.Payload
		}
		e.log.Error("unparseable provider response", "account_id", acct.ID, "error", err, "payload", payload)
	default:
		e.log.Error("account sync failed", "account_id", acct.ID, "kind", kind, "error", err)
	}
	e.cntFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}

func (e *Engine) report(res AccountResult, err error) {
	sr := status.AccountResult{
		AccountID:     res.AccountID,
		Outcome:       res.Outcome,
		Events:        res.Events,
		Calendars:     res.Calendars,
		DeferredUntil: res.DeferredUntil,
	}
	if res.Outcome == model.OutcomeFailed && err != nil {
		sr.Kind = model.KindOf(err).String()
		sr.Message = err.Error()
	}
	e.status.RecordAccount(sr)
}

func (e *Engine) cooldownUntil(accountID string) time.Time {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	return e.cooldown[accountID]
}

func (e *Engine) checkCorrupt(err error) {
	if errors.Is(err, cache.ErrCorrupt) {
		e.cfg.OnCorrupt(err)
	}
}

func selectAccount(accounts []model.Account, id string) []model.Account {
	for _, a := range accounts {
		if a.ID == id {
			return []model.Account{a}
		}
	}
	return nil
}
