// Package auth manages the configured accounts and hands out authenticated
// HTTP clients for them. Google accounts use OAuth2 tokens kept in a file and
// refreshed on demand; CalDAV accounts use basic auth with a password taken
// from the environment.
//
// Acquiring credentials (the OAuth2 browser flow, app passwords) happens
// outside this package. An account without a usable credential starts in
// [model.AuthPending] and is skipped by the sync engine.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"github.com/adamantium1987/digital-calendar/internal/config"
	"github.com/adamantium1987/digital-calendar/internal/model"
)

// DefaultTimeout bounds every request made through a client from the manager.
const DefaultTimeout = 60 * time.Second

// ErrUnknownAccount is returned for account ids the manager does not hold.
var ErrUnknownAccount = errors.New("unknown account")

type credential struct {
	account model.Account

	// Google
	tokens TokenStore

	// CalDAV
	username string
	password string

	client *http.Client
	reason error // why the account is pending
}

// Manager is the account and credential manager. It is safe for concurrent
// use.
type Manager struct {
	oauth  *oauth2.Config
	base   *http.Client
	getenv func(string) string
	log    *slog.Logger

	mu    sync.Mutex
	order []string
	creds map[string]*credential
}

// Option configures a [Manager].
type Option func(*Manager)

// WithHTTPClient sets the client whose transport carries provider requests
// and OAuth2 token refreshes.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.base = c
		}
	}
}

// WithGetenv replaces os.Getenv for password lookup.
func WithGetenv(fn func(string) string) Option {
	return func(m *Manager) { m.getenv = fn }
}

// NewManager builds the manager from the configured accounts. Credentials
// are checked once here; accounts lacking them start pending. An unreadable
// Google client file is an error.
func NewManager(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		base:   &http.Client{Timeout: DefaultTimeout},
		getenv: os.Getenv,
		log:    logger,
		creds:  make(map[string]*credential, len(cfg.Accounts)),
	}
	for _, o := range opts {
		o(m)
	}

	if cfg.Google.CredentialsFile != "" {
		oc, err := loadOAuthConfig(cfg.Google.CredentialsFile)
		if err != nil {
			return nil, err
		}
		m.oauth = oc
	}

	for _, ac := range cfg.Accounts {
		c := &credential{account: model.Account{
			ID:          ac.ID,
			Provider:    model.ProviderKind(ac.Provider),
			DisplayName: ac.DisplayName,
			Color:       ac.Color,
			CalendarIDs: ac.CalendarIDs,
			ServerURL:   ac.ServerURL,
		}}

		switch c.account.Provider {
		case model.ProviderGoogle:
			c.tokens = NewFileTokenStore(ac.TokenFile)
			c.reason = m.checkToken(c.tokens)
		case model.ProviderCalDAV:
			c.username = ac.Username
			c.password = m.getenv(ac.PasswordEnv)
			if c.password == "" {
				c.reason = fmt.Errorf("environment variable %s is empty", ac.PasswordEnv)
			}
		default:
			return nil, fmt.Errorf("account %q: unsupported provider %q", ac.ID, ac.Provider)
		}

		if c.reason == nil {
			c.account.Auth = model.AuthAuthenticated
		} else {
			m.log.Warn("account has no usable credential", "account_id", ac.ID, "reason", c.reason)
		}
		m.order = append(m.order, ac.ID)
		m.creds[ac.ID] = c
	}
	return m, nil
}

func loadOAuthConfig(path string) (*oauth2.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading google credentials file: %w", err)
	}
	oc, err := google.ConfigFromJSON(data, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing google credentials file %s: %w", path, err)
	}
	return oc, nil
}

// checkToken returns why the stored token cannot produce a client, or nil.
func (m *Manager) checkToken(store TokenStore) error {
	if m.oauth == nil {
		return errors.New("google.credentials_file is not configured")
	}
	token, err := store.LoadToken()
	if err != nil {
		return err
	}
	if token == nil {
		return errors.New("no token stored; authorize the account first")
	}
	if token.RefreshToken == "" && !token.Valid() {
		return errors.New("token expired and has no refresh token")
	}
	return nil
}

// Accounts returns the accounts in configuration order with their current
// auth state.
func (m *Manager) Accounts() []model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Account, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.creds[id].account)
	}
	return out
}

// Client returns an authenticated client for the account. Pending and
// unknown accounts fail with [model.KindAuthExpired].
func (m *Manager) Client(ctx context.Context, accountID string) (*http.Client, error) {
	const op = "getting authenticated client"

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[accountID]
	if !ok {
		return nil, model.AuthExpired(op, fmt.Errorf("%w %q", ErrUnknownAccount, accountID))
	}
	if c.account.Auth != model.AuthAuthenticated {
		return nil, model.AuthExpired(op, c.reason)
	}
	if c.client != nil {
		return c.client, nil
	}

	switch c.account.Provider {
	case model.ProviderGoogle:
		client, err := m.googleClient(c.tokens)
		if err != nil {
			return nil, model.AuthExpired(op, err)
		}
		c.client = client
	case model.ProviderCalDAV:
		c.client = &http.Client{
			Transport: &basicAuthTransport{username: c.username, password: c.password, base: m.base.Transport},
			Timeout:   m.base.Timeout,
		}
	}
	return c.client, nil
}

// googleClient wraps the stored token in a refreshing, persisting source.
// Refreshes run on the manager's base client, not the caller's context, as
// the client outlives any one request.
func (m *Manager) googleClient(store TokenStore) (*http.Client, error) {
	token, err := store.LoadToken()
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, errors.New("token file disappeared")
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, m.base)
	src := &savingTokenSource{
		src:   oauth2.ReuseTokenSource(token, m.oauth.TokenSource(ctx, token)),
		store: store,
		last:  token,
	}
	client := oauth2.NewClient(ctx, src)
	client.Timeout = m.base.Timeout
	return client, nil
}

// MarkUnauthenticated flips the account to pending and drops its client.
// The account stays pending until the process reloads its credentials.
func (m *Manager) MarkUnauthenticated(accountID string, reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[accountID]
	if !ok {
		return
	}
	c.account.Auth = model.AuthPending
	c.reason = reason
	c.client = nil
	m.log.Warn("account marked unauthenticated", "account_id", accountID, "reason", reason)
}

// Remove forgets the account.
func (m *Manager) Remove(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[accountID]; !ok {
		return false
	}
	delete(m.creds, accountID)
	for i, id := range m.order {
		if id == accountID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}
