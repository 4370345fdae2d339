package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
)

// TokenStore loads and saves one account's OAuth2 token.
type TokenStore interface {
	LoadToken() (*oauth2.Token, error)
	SaveToken(token *oauth2.Token) error
}

// FileTokenStore keeps a token as JSON in a single file with mode 0600.
type FileTokenStore struct {
	Path string
}

// NewFileTokenStore creates a FileTokenStore for path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{Path: path}
}

// LoadToken reads the token file. A missing file yields nil, nil.
func (s *FileTokenStore) LoadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decoding token file %s: %w", s.Path, err)
	}
	return &token, nil
}

// SaveToken writes the token through a temporary file and rename, so a crash
// never leaves a truncated token behind.
func (s *FileTokenStore) SaveToken(token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("setting token file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}

// savingTokenSource persists every token its source hands out that differs
// from the last one seen.
type savingTokenSource struct {
	src   oauth2.TokenSource
	store TokenStore

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil || s.last.AccessToken != token.AccessToken {
		if err := s.store.SaveToken(token); err != nil {
			return nil, fmt.Errorf("saving refreshed token: %w", err)
		}
		s.last = token
	}
	return token, nil
}
