// Calsyncd keeps a local SQLite cache of events from Google Calendar and
// CalDAV accounts, refreshed periodically in the background.
//
// Usage:
//
//	calsyncd daemon [--config <path>] [--verbose]        # periodic sync until stopped
//	calsyncd sync-once [--config ...] [--account <id>]   # one sync pass then exit
//	calsyncd status [--config ...]                       # show cache and config state
//	calsyncd events [--config ...] [--days N]            # list cached events
//	calsyncd remove-account [--config ...] <id>          # drop an account's cached data
//	calsyncd version                                     # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/adamantium1987/digital-calendar/internal/auth"
	"github.com/adamantium1987/digital-calendar/internal/cache"
	"github.com/adamantium1987/digital-calendar/internal/caldav"
	"github.com/adamantium1987/digital-calendar/internal/config"
	"github.com/adamantium1987/digital-calendar/internal/google"
	"github.com/adamantium1987/digital-calendar/internal/metrics"
	"github.com/adamantium1987/digital-calendar/internal/model"
	"github.com/adamantium1987/digital-calendar/internal/status"
	syncp "github.com/adamantium1987/digital-calendar/internal/sync"
	"github.com/adamantium1987/digital-calendar/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the subcommand named by the first argument.
func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "daemon":
		return runSync(args, true)
	case "sync-once":
		return runSync(args, false)
	case "status":
		return runStatus(args)
	case "events":
		return runEvents(args)
	case "remove-account":
		return runRemoveAccount(args)
	case "version":
		fmt.Println("calsyncd", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'calsyncd help' for usage", os.Args[1])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "calsyncd: sync Google and CalDAV calendars into a local cache")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  calsyncd daemon [--config ...]             Run periodic sync until stopped")
	fmt.Fprintln(os.Stderr, "  calsyncd sync-once [--account id]          Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  calsyncd status [--config ...]             Show cache and account state")
	fmt.Fprintln(os.Stderr, "  calsyncd events [--days N] [--account id]  List cached events")
	fmt.Fprintln(os.Stderr, "  calsyncd remove-account <id>               Delete an account's cached data")
	fmt.Fprintln(os.Stderr, "  calsyncd version                           Print version")
}

// --- Shared setup ------------------------------------------------------------

type common struct {
	cfgPath string
	verbose bool
}

func (c *common) register(fs *flag.FlagSet) {
	defaultCfg, _ := config.DefaultPath()
	fs.StringVar(&c.cfgPath, "config", defaultCfg, "path to config.yaml")
	fs.BoolVar(&c.verbose, "verbose", false, "enable debug logging")
}

func newLogger(verbose bool) (*slog.Logger, slog.Handler) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, h
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", path, err)
	}
	return cfg, nil
}

func openCache(cfg *config.Config, logger *slog.Logger) (*cache.Store, func(), error) {
	path := cfg.CachePath
	if path == "" {
		p, err := cache.DefaultDBPath()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving cache path: %w", err)
		}
		path = p
	}
	store, err := cache.Open(path, cache.WithLocation(cfg.Location()))
	if err != nil {
		return nil, nil, fmt.Errorf("opening cache at %q: %w", path, err)
	}
	logger.Debug("cache opened", "path", path)
	closeFn := func() {
		if err := store.Close(); err != nil {
			logger.Error("closing cache", "error", err)
		}
	}
	return store, closeFn, nil
}

// engineConfig maps the YAML configuration onto the engine's tunables.
func engineConfig(cfg *config.Config) syncp.EngineConfig {
	return syncp.EngineConfig{
		PastDays:   cfg.Sync.WindowPastDays,
		FutureDays: cfg.Sync.WindowFutureDays,
		MaxWorkers: cfg.Sync.MaxWorkers,
		RunTimeout: cfg.Sync.RunTimeout,
		Retry: syncp.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		RateLimitCooldown: cfg.Retry.RateLimitCooldown,
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		Location:          cfg.Location(),
		Interval:          cfg.Sync.Interval,
		Schedule:          cfg.Sync.Schedule,
		StartupDelay:      cfg.Sync.StartupDelay,
		Retention:         cfg.Retention(),
		CleanupInterval:   cfg.Cache.CleanupInterval,
	}
}

type stack struct {
	engine *syncp.Engine
	creds  *auth.Manager
	store  *cache.Store
	close  func()
}

// buildStack wires the credential manager, both adapters, the cache and the
// status reporter into an engine. The engine is not started.
func buildStack(cfg *config.Config, logger *slog.Logger) (*stack, error) {
	creds, err := auth.NewManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialising credentials: %w", err)
	}

	store, closeStore, err := openCache(cfg, logger)
	if err != nil {
		return nil, err
	}

	sources := map[model.ProviderKind]syncp.Source{
		model.ProviderGoogle: google.NewAdapter(logger),
		model.ProviderCalDAV: caldav.NewAdapter(logger, caldav.WithLocation(cfg.Location())),
	}
	reporter := status.NewReporter(cfg.Status.MaxErrors)
	engine := syncp.NewEngine(sources, creds, store, reporter, engineConfig(cfg), logger)

	return &stack{engine: engine, creds: creds, store: store, close: closeStore}, nil
}

// --- Subcommands -------------------------------------------------------------

// runSync handles both "daemon" and "sync-once".
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	var c common
	c.register(fs)
	account := fs.String("account", "", "sync only this account (sync-once)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, base := newLogger(c.verbose)

	cfg, err := loadConfig(c.cfgPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded",
		"accounts", len(cfg.Accounts),
		"interval", cfg.Sync.Interval,
		"schedule", cfg.Sync.Schedule,
		"display_timezone", cfg.DisplayTimezone,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger = slog.New(telemetry.NewLogHandler(base, nil))
			slog.SetDefault(logger)
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Engine --------------------------------------------------------------

	st, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	for _, a := range st.creds.Accounts() {
		if a.Auth != model.AuthAuthenticated {
			logger.Warn("account will be skipped until it is authorized", "account_id", a.ID, "provider", a.Provider)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if !daemon {
		return syncOnce(ctx, st.engine, *account, logger)
	}

	// --- Metrics endpoint (optional) -----------------------------------------

	if cfg.MetricsListen != "" {
		reg := metrics.NewRegistry(metrics.NewCollector(st.engine, st.store, logger))
		srv := serveMetrics(ctx, cfg.MetricsListen, metrics.Handler(reg), logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("daemon starting", "interval", cfg.Sync.Interval, "startup_delay", cfg.Sync.StartupDelay)
	if err := st.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func syncOnce(ctx context.Context, engine *syncp.Engine, accountID string, logger *slog.Logger) error {
	var (
		r   *syncp.Run
		err error
	)
	if accountID != "" {
		logger.Info("running single-account sync", "account_id", accountID)
		engine.Start(ctx)
		var h *syncp.RunHandle
		if h, err = engine.SyncAccount(ctx, accountID); err != nil {
			return err
		}
		r, err = h.Wait(ctx)
	} else {
		logger.Info("running single sync pass")
		r, err = engine.RunOnce(ctx)
	}
	if err != nil {
		return err
	}

	for _, a := range r.Accounts {
		attrs := []any{"account_id", a.AccountID, "outcome", a.Outcome, "events", a.Events, "calendars", a.Calendars}
		if a.Err != nil {
			attrs = append(attrs, "error", a.Err)
		}
		logger.Info("account result", attrs...)
	}
	logger.Info("sync complete",
		"run_id", r.ID,
		"outcome", r.Outcome,
		"events", r.Events,
		"calendars", r.Calendars,
		"failed", r.Failed(),
		"duration", r.Finished.Sub(r.Started).Round(time.Millisecond),
	)
	if r.Failed() > 0 {
		return fmt.Errorf("%d account(s) failed to sync", r.Failed())
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "error", err)
		}
	}()
	return srv
}

// runStatus prints configuration and cache state without contacting any
// provider.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var c common
	c.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger, _ := newLogger(c.verbose)

	fmt.Println("calsyncd status")
	fmt.Println("───────────────")

	cfg, err := config.Load(c.cfgPath)
	if err != nil {
		fmt.Printf("  Config:    %s (%v)\n", c.cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:    %s ✓\n", c.cfgPath)
	if cfg.Sync.Schedule != "" {
		fmt.Printf("  Schedule:  %s (%s)\n", cfg.Sync.Schedule, cfg.DisplayTimezone)
	} else {
		fmt.Printf("  Interval:  %s\n", cfg.Sync.Interval)
	}
	fmt.Printf("  Window:    -%dd / +%dd\n", cfg.Sync.WindowPastDays, cfg.Sync.WindowFutureDays)

	store, closeStore, err := openCache(cfg, logger)
	if err != nil {
		fmt.Printf("  Cache:     %v\n", err)
		return nil
	}
	defer closeStore()

	ctx := context.Background()
	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading cache stats: %w", err)
	}
	fmt.Printf("  Cache:     %d event(s) in %d calendar(s)\n", stats.TotalEvents, stats.TotalCalendars)
	if !stats.Earliest.IsZero() {
		fmt.Printf("  Range:     %s … %s\n",
			stats.Earliest.In(cfg.Location()).Format("2006-01-02"),
			stats.Latest.In(cfg.Location()).Format("2006-01-02"))
	}

	fmt.Println("")
	fmt.Println("  Accounts:")
	for _, a := range cfg.Accounts {
		states, err := store.SyncStates(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("reading sync state of %q: %w", a.ID, err)
		}
		var last time.Time
		for _, s := range states {
			if s.LastSync.After(last) {
				last = s.LastSync
			}
		}
		lastStr := "never"
		if !last.IsZero() {
			lastStr = last.In(cfg.Location()).Format(time.DateTime)
		}
		fmt.Printf("    %-16s %-7s %5d event(s) %3d calendar(s)  last sync %s\n",
			a.ID, a.Provider, stats.EventsByAccount[a.ID], stats.CalendarsByAccount[a.ID], lastStr)
	}
	return nil
}

// runEvents prints the cached events of the coming days.
func runEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	var c common
	c.register(fs)
	days := fs.Int("days", 7, "number of days to list, starting today")
	account := fs.String("account", "", "only list events of this account")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger, _ := newLogger(c.verbose)

	cfg, err := loadConfig(c.cfgPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	loc := cfg.Location()
	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	w := model.Window{Start: today, End: today.AddDate(0, 0, *days)}

	var filter cache.EventFilter
	if *account != "" {
		filter.AccountIDs = []string{*account}
	}
	events, err := store.QueryEvents(context.Background(), w, filter)
	if err != nil {
		return fmt.Errorf("querying events: %w", err)
	}
	for _, ev := range events {
		when := ev.Start.In(loc).Format("Mon 02 Jan 15:04")
		if ev.AllDay {
			when = ev.Start.In(loc).Format("Mon 02 Jan") + " all-day"
		}
		line := fmt.Sprintf("%-22s %s", when, ev.Title)
		if ev.Location != "" {
			line += " @ " + ev.Location
		}
		fmt.Printf("%s  [%s]\n", line, ev.AccountID)
	}
	if len(events) == 0 {
		fmt.Println("no cached events in", w.String())
	}
	return nil
}

// runRemoveAccount deletes one account's calendars, events and sync state
// from the cache. The account must also be removed from the config file, or
// the next sync will fetch it again.
func runRemoveAccount(args []string) error {
	fs := flag.NewFlagSet("remove-account", flag.ExitOnError)
	var c common
	c.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: calsyncd remove-account [--config path] <account-id>")
	}
	id := strings.TrimSpace(fs.Arg(0))
	logger, _ := newLogger(c.verbose)

	cfg, err := loadConfig(c.cfgPath)
	if err != nil {
		return err
	}
	st, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	st.creds.Remove(id)
	if err := st.engine.RemoveAccount(context.Background(), id); err != nil {
		return err
	}

	fmt.Printf("✓ Cached data of %q removed.\n", id)
	if _, ok := cfg.Account(id); ok {
		fmt.Println("  The account is still listed in the config file; remove it there too.")
	}
	return nil
}
