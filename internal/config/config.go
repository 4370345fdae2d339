// Package config loads and validates the calsyncd YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Provider names accepted in accounts[].provider.
const (
	ProviderGoogle = "google"
	ProviderCalDAV = "caldav"
)

var (
	accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	colorPattern     = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// CachePath is the SQLite cache file. Defaults to
	// ~/.local/share/calsyncd/cache.db.
	CachePath string `yaml:"cache_path"`

	// DisplayTimezone is the IANA zone used to place all-day events and
	// evaluate cron schedules. Defaults to UTC.
	DisplayTimezone string `yaml:"display_timezone"`

	Sync   SyncConfig   `yaml:"sync"`
	Retry  RetryConfig  `yaml:"retry"`
	Cache  CacheConfig  `yaml:"cache"`
	Status StatusConfig `yaml:"status"`

	// MetricsListen is an optional address (e.g. ":9464") serving Prometheus
	// metrics on /metrics. Empty disables the endpoint.
	MetricsListen string `yaml:"metrics_listen"`

	Google GoogleConfig `yaml:"google"`

	Accounts []AccountConfig `yaml:"accounts"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`

	location *time.Location
}

// SyncConfig controls when and how widely accounts are synced.
type SyncConfig struct {
	// Interval between periodic syncs. Minimum 1m, maximum 24h. Defaults to 15m.
	Interval time.Duration `yaml:"interval"`

	// Schedule is an optional standard 5-field cron expression. When set it
	// replaces Interval.
	Schedule string `yaml:"schedule"`

	WindowPastDays   int `yaml:"window_past_days"`
	WindowFutureDays int `yaml:"window_future_days"`

	// MaxWorkers bounds concurrent account syncs. 1..16, defaults to 3.
	MaxWorkers int `yaml:"max_workers"`

	// RunTimeout is the run-level deadline. Defaults to 10m.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// StartupDelay postpones the cold-start sync. Defaults to 2s.
	StartupDelay time.Duration `yaml:"startup_delay"`

	// RequestsPerSecond paces calls per provider kind. Defaults to 5.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// RetryConfig tunes the backoff applied to transient provider failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`

	// RateLimitCooldown applies when a throttled provider sends no
	// Retry-After. Defaults to 5m.
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
}

// CacheConfig controls cache housekeeping.
type CacheConfig struct {
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StatusConfig controls the status reporter.
type StatusConfig struct {
	MaxErrors int `yaml:"max_errors"`
}

// GoogleConfig holds the OAuth2 client shared by all Google accounts.
type GoogleConfig struct {
	// CredentialsFile is the OAuth2 client JSON downloaded from the Google
	// Cloud console. Required when any Google account is configured.
	CredentialsFile string `yaml:"credentials_file"`
}

// AccountConfig is one calendar account.
type AccountConfig struct {
	ID          string `yaml:"id"`
	Provider    string `yaml:"provider"`
	DisplayName string `yaml:"display_name"`

	// Color is the fallback "#RRGGBB" for calendars and events without one.
	Color string `yaml:"color"`

	// CalendarIDs optionally restricts which calendars are synced.
	CalendarIDs []string `yaml:"calendar_ids"`

	// TokenFile stores the OAuth2 token of a Google account.
	TokenFile string `yaml:"token_file"`

	// ServerURL, Username and PasswordEnv configure a CalDAV account. The
	// password is read from the named environment variable at startup.
	ServerURL   string `yaml:"server_url"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "calsyncd".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/calsyncd/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "calsyncd", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Location returns the parsed display time zone.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Retention returns how long ended events are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Cache.RetentionDays) * 24 * time.Hour
}

// Account returns the account with the given id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// validate checks that all required fields are present and well-formed and
// fills in defaults.
func (c *Config) validate() error {
	if c.CachePath != "" {
		p, err := expandHome(c.CachePath)
		if err != nil {
			return err
		}
		c.CachePath = p
	}

	if c.DisplayTimezone == "" {
		c.DisplayTimezone = "UTC"
	}
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return fmt.Errorf("display_timezone %q: %w", c.DisplayTimezone, err)
	}
	c.location = loc

	if err := c.Sync.validate(); err != nil {
		return err
	}
	if err := c.Retry.validate(); err != nil {
		return err
	}

	if c.Cache.RetentionDays == 0 {
		c.Cache.RetentionDays = 90
	}
	if c.Cache.RetentionDays < 0 {
		return fmt.Errorf("cache.retention_days must be positive")
	}
	if c.Cache.CleanupInterval == 0 {
		c.Cache.CleanupInterval = 24 * time.Hour
	}
	if c.Cache.CleanupInterval < time.Minute {
		return fmt.Errorf("cache.cleanup_interval %v is too short (minimum 1m)", c.Cache.CleanupInterval)
	}

	if c.Status.MaxErrors == 0 {
		c.Status.MaxErrors = 50
	}
	if c.Status.MaxErrors < 0 {
		return fmt.Errorf("status.max_errors must be positive")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts must contain at least one entry")
	}
	seen := make(map[string]bool, len(c.Accounts))
	needGoogle := false
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if err := a.validate(); err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d]: duplicate account id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.Provider == ProviderGoogle {
			needGoogle = true
		}
	}

	if needGoogle {
		if c.Google.CredentialsFile == "" {
			return fmt.Errorf("google.credentials_file is required when a google account is configured")
		}
		p, err := expandHome(c.Google.CredentialsFile)
		if err != nil {
			return err
		}
		c.Google.CredentialsFile = p
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (s *SyncConfig) validate() error {
	if s.Interval == 0 {
		s.Interval = 15 * time.Minute
	}
	if s.Interval < time.Minute {
		return fmt.Errorf("sync.interval %v is too short (minimum 1m)", s.Interval)
	}
	if s.Interval > 24*time.Hour {
		return fmt.Errorf("sync.interval %v is too long (maximum 24h)", s.Interval)
	}
	if s.Schedule != "" {
		if _, err := cron.ParseStandard(s.Schedule); err != nil {
			return fmt.Errorf("sync.schedule %q: %w", s.Schedule, err)
		}
	}

	if s.WindowPastDays == 0 {
		s.WindowPastDays = 30
	}
	if s.WindowFutureDays == 0 {
		s.WindowFutureDays = 90
	}
	if s.WindowPastDays < 0 || s.WindowFutureDays < 0 {
		return fmt.Errorf("sync window days must be positive")
	}

	if s.MaxWorkers == 0 {
		s.MaxWorkers = 3
	}
	if s.MaxWorkers < 1 || s.MaxWorkers > 16 {
		return fmt.Errorf("sync.max_workers %d out of range (1..16)", s.MaxWorkers)
	}

	if s.RunTimeout == 0 {
		s.RunTimeout = 10 * time.Minute
	}
	if s.RunTimeout < 0 {
		return fmt.Errorf("sync.run_timeout must be positive")
	}
	if s.StartupDelay == 0 {
		s.StartupDelay = 2 * time.Second
	}
	if s.StartupDelay < 0 {
		return fmt.Errorf("sync.startup_delay must not be negative")
	}
	if s.RequestsPerSecond == 0 {
		s.RequestsPerSecond = 5
	}
	if s.RequestsPerSecond < 0 {
		return fmt.Errorf("sync.requests_per_second must be positive")
	}
	return nil
}

func (r *RetryConfig) validate() error {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.MaxAttempts < 1 || r.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts %d out of range (1..10)", r.MaxAttempts)
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = 500 * time.Millisecond
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 5 * time.Second
	}
	if r.BaseDelay < 0 || r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("retry.max_delay %v must not be below retry.base_delay %v", r.MaxDelay, r.BaseDelay)
	}
	if r.RateLimitCooldown == 0 {
		r.RateLimitCooldown = 5 * time.Minute
	}
	if r.RateLimitCooldown < 0 {
		return fmt.Errorf("retry.rate_limit_cooldown must be positive")
	}
	return nil
}

func (a *AccountConfig) validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !accountIDPattern.MatchString(a.ID) {
		return fmt.Errorf("id %q may only contain letters, digits, '.', '_' and '-'", a.ID)
	}
	if a.DisplayName == "" {
		a.DisplayName = a.ID
	}
	if a.Color != "" && !colorPattern.MatchString(a.Color) {
		return fmt.Errorf("account %q: color %q must be #RRGGBB", a.ID, a.Color)
	}

	switch a.Provider {
	case ProviderGoogle:
		if a.Color == "" {
			a.Color = "#4285f4"
		}
		if a.TokenFile == "" {
			return fmt.Errorf("account %q: token_file is required for google accounts", a.ID)
		}
		p, err := expandHome(a.TokenFile)
		if err != nil {
			return err
		}
		a.TokenFile = p
	case ProviderCalDAV:
		if a.Color == "" {
			a.Color = "#000000"
		}
		if a.ServerURL == "" {
			return fmt.Errorf("account %q: server_url is required for caldav accounts", a.ID)
		}
		u, err := url.ParseRequestURI(a.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("account %q: server_url %q must be a valid http or https URL", a.ID, a.ServerURL)
		}
		if a.Username == "" {
			return fmt.Errorf("account %q: username is required for caldav accounts", a.ID)
		}
		if a.PasswordEnv == "" {
			return fmt.Errorf("account %q: password_env is required for caldav accounts", a.ID)
		}
	case "":
		return fmt.Errorf("account %q: provider is required", a.ID)
	default:
		return fmt.Errorf("account %q: unknown provider %q (want %q or %q)", a.ID, a.Provider, ProviderGoogle, ProviderCalDAV)
	}
	return nil
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, p[2:]), nil
}
