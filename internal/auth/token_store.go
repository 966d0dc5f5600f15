// Package auth keeps the bearer credential used against the remote API.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kimhsiao/agentx/backend/internal/crypto"
	"github.com/kimhsiao/agentx/backend/internal/logging"
	"github.com/kimhsiao/agentx/backend/internal/remote"
	"golang.org/x/oauth2"
)

// ErrNoToken is returned by Token when no usable credential is stored.
// It wraps remote.ErrUnauthorized so callers treat it like a rejected token.
var ErrNoToken = fmt.Errorf("%w: no access token stored", remote.ErrUnauthorized)

var keySalt = []byte("agentx/tokens/v1")

// TokenStore is an oauth2.TokenSource backed by an encrypted file.
type TokenStore struct {
	path string
	key  []byte

	mu       sync.RWMutex
	token    *oauth2.Token
	onChange []func(*oauth2.Token)
}

// NewTokenStore opens the store at path, encrypting with key. A nil key
// selects the machine-bound key. An existing file is loaded; an unreadable
// one is discarded with a warning.
func NewTokenStore(path string, key []byte) (*TokenStore, error) {
	if key == nil {
		k, err := crypto.MachineKey(keySalt)
		if err != nil {
			return nil, err
		}
		key = k
	}
	if len(key) != crypto.KeyLen {
		return nil, crypto.ErrInvalidKey
	}

	s := &TokenStore{path: path, key: key}
	if err := s.load(); err != nil {
		logging.Warn("discarding unreadable credential file", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
	}
	return s, nil
}

func (s *TokenStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	plain, err := crypto.Decrypt(s.key, data)
	if err != nil {
		return err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	s.token = &tok
	return nil
}

func (s *TokenStore) persist(tok *oauth2.Token) error {
	if tok == nil {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove credential file: %w", err)
		}
		return nil
	}

	plain, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	data, err := crypto.Encrypt(s.key, plain)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Token implements oauth2.TokenSource.
func (s *TokenStore) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil || s.token.AccessToken == "" {
		return nil, ErrNoToken
	}
	if !s.token.Valid() {
		return nil, fmt.Errorf("%w: access token expired", remote.ErrUnauthorized)
	}
	tok := *s.token
	return &tok, nil
}

// HasToken reports whether a usable token is stored.
func (s *TokenStore) HasToken() bool {
	_, err := s.Token()
	return err == nil
}

// SetToken stores a new credential and notifies listeners.
func (s *TokenStore) SetToken(tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("empty access token")
	}
	s.mu.Lock()
	if err := s.persist(tok); err != nil {
		s.mu.Unlock()
		return err
	}
	cp := *tok
	s.token = &cp
	listeners := append(([]func(*oauth2.Token))(nil), s.onChange...)
	s.mu.Unlock()

	logging.Info("access token updated", nil)
	for _, fn := range listeners {
		fn(&cp)
	}
	return nil
}

// Invalidate forgets the current credential after the server rejected it.
func (s *TokenStore) Invalidate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return nil
	}
	s.token = nil
	logging.Warn("access token invalidated", nil)
	return s.persist(nil)
}

// OnChange registers fn to run after every SetToken.
func (s *TokenStore) OnChange(fn func(*oauth2.Token)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}
