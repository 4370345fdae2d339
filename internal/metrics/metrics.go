// Package metrics exposes the sync status and cache contents as Prometheus
// metrics. Values are read at scrape time from the status snapshot and the
// cache, so nothing here sits on the sync path.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adamantium1987/digital-calendar/internal/cache"
	"github.com/adamantium1987/digital-calendar/internal/model"
	"github.com/adamantium1987/digital-calendar/internal/status"
)

const namespace = "calsyncd"

// scrapeTimeout bounds the cache query made per scrape.
const scrapeTimeout = 5 * time.Second

// StatusSource yields the current sync status. Implemented by [sync.Engine].
type StatusSource interface {
	Status() status.Snapshot
}

// StatsSource yields cache statistics. Implemented by [cache.Store].
type StatsSource interface {
	Stats(ctx context.Context) (cache.Stats, error)
}

var (
	syncingDesc = prometheus.NewDesc(namespace+"_sync_in_progress",
		"Whether a sync run is in flight.", nil, nil)
	lastFullSyncDesc = prometheus.NewDesc(namespace+"_last_full_sync_timestamp_seconds",
		"Completion time of the last run covering every account.", nil, nil)
	statusErrorsDesc = prometheus.NewDesc(namespace+"_status_errors",
		"Errors currently listed in the sync status.", nil, nil)

	accountAuthDesc = prometheus.NewDesc(namespace+"_account_authenticated",
		"Whether the account has a usable credential.", []string{"account_id", "provider"}, nil)
	accountLastSyncDesc = prometheus.NewDesc(namespace+"_account_last_success_timestamp_seconds",
		"Time of the account's last successful sync.", []string{"account_id"}, nil)
	accountOutcomeDesc = prometheus.NewDesc(namespace+"_account_last_outcome",
		"Outcome of the account's last sync attempt, one series per outcome set to 1.", []string{"account_id", "outcome"}, nil)
	accountDeferredDesc = prometheus.NewDesc(namespace+"_account_deferred_until_timestamp_seconds",
		"End of the account's rate-limit cooldown, 0 when not deferred.", []string{"account_id"}, nil)

	cachedEventsDesc = prometheus.NewDesc(namespace+"_cache_events",
		"Events held in the cache.", []string{"account_id"}, nil)
	cachedCalendarsDesc = prometheus.NewDesc(namespace+"_cache_calendars",
		"Calendars held in the cache.", []string{"account_id"}, nil)
	cacheEarliestDesc = prometheus.NewDesc(namespace+"_cache_earliest_event_timestamp_seconds",
		"Start of the earliest cached event.", nil, nil)
	cacheLatestDesc = prometheus.NewDesc(namespace+"_cache_latest_event_timestamp_seconds",
		"Start of the latest cached event.", nil, nil)
	cacheUpDesc = prometheus.NewDesc(namespace+"_cache_up",
		"Whether the last cache statistics query succeeded.", nil, nil)
)

// Collector is a [prometheus.Collector] over the sync status and the cache.
type Collector struct {
	status StatusSource
	stats  StatsSource
	log    *slog.Logger
}

// NewCollector creates a Collector. stats may be nil to skip cache metrics.
func NewCollector(statusSrc StatusSource, stats StatsSource, logger *slog.Logger) *Collector {
	return &Collector{status: statusSrc, stats: stats, log: logger}
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		syncingDesc, lastFullSyncDesc, statusErrorsDesc,
		accountAuthDesc, accountLastSyncDesc, accountOutcomeDesc, accountDeferredDesc,
		cachedEventsDesc, cachedCalendarsDesc, cacheEarliestDesc, cacheLatestDesc, cacheUpDesc,
	} {
		ch <- d
	}
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.status.Status()

	ch <- prometheus.MustNewConstMetric(syncingDesc, prometheus.GaugeValue, boolValue(snap.CurrentlySyncing))
	ch <- prometheus.MustNewConstMetric(lastFullSyncDesc, prometheus.GaugeValue, unixSeconds(snap.LastFullSync))
	ch <- prometheus.MustNewConstMetric(statusErrorsDesc, prometheus.GaugeValue, float64(len(snap.Errors)))

	for id, a := range snap.Accounts {
		ch <- prometheus.MustNewConstMetric(accountAuthDesc, prometheus.GaugeValue,
			boolValue(a.Auth == model.AuthAuthenticated), id, string(a.Provider))
		ch <- prometheus.MustNewConstMetric(accountLastSyncDesc, prometheus.GaugeValue, unixSeconds(a.LastSync), id)
		ch <- prometheus.MustNewConstMetric(accountDeferredDesc, prometheus.GaugeValue, unixSeconds(a.DeferredUntil), id)
		if a.LastOutcome != "" {
			ch <- prometheus.MustNewConstMetric(accountOutcomeDesc, prometheus.GaugeValue, 1, id, string(a.LastOutcome))
		}
	}

	if c.stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()
	st, err := c.stats.Stats(ctx)
	if err != nil {
		c.log.Warn("metrics: reading cache stats failed", "error", err)
		ch <- prometheus.MustNewConstMetric(cacheUpDesc, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(cacheUpDesc, prometheus.GaugeValue, 1)
	for id, n := range st.EventsByAccount {
		ch <- prometheus.MustNewConstMetric(cachedEventsDesc, prometheus.GaugeValue, float64(n), id)
	}
	for id, n := range st.CalendarsByAccount {
		ch <- prometheus.MustNewConstMetric(cachedCalendarsDesc, prometheus.GaugeValue, float64(n), id)
	}
	ch <- prometheus.MustNewConstMetric(cacheEarliestDesc, prometheus.GaugeValue, unixSeconds(st.Earliest))
	ch <- prometheus.MustNewConstMetric(cacheLatestDesc, prometheus.GaugeValue, unixSeconds(st.Latest))
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler exposes the registry on the Prometheus text endpoint.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
