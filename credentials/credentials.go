// Package credentials persists the current session's tokens and identity.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/briangreenhill/loadsync/failure"
	"github.com/briangreenhill/loadsync/storage"
)

// DefaultKey is the storage key holding the session record
const DefaultKey = "credentials/session"

var (
	ErrNoSession = errors.New("no active session")
)

// Credential is the live session. All fields are written and cleared together.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	SubjectID    string    `json:"subject_id"`
	Role         string    `json:"role"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Empty reports whether c carries no tokens
func (c Credential) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Store keeps one Credential in durable storage and mirrors it in memory.
// Confidentiality at rest is delegated to the configured Sealer.
type Store struct {
	kv     storage.Store
	key    string
	sealer Sealer

	mu     sync.RWMutex
	loaded bool
	cur    Credential
}

type Option func(*Store)

// WithSealer encrypts the record before it reaches storage
func WithSealer(s Sealer) Option {
	return func(st *Store) { st.sealer = s }
}

// WithKey stores the record under key instead of DefaultKey
func WithKey(key string) Option {
	return func(st *Store) { st.key = key }
}

// New creates a credential store over kv
func New(kv storage.Store, opts ...Option) *Store {
	s := &Store{kv: kv, key: DefaultKey, sealer: PlainSealer{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the current credential or ErrNoSession
func (s *Store) Get(ctx context.Context) (Credential, error) {
	c, err := s.current(ctx)
	if err != nil {
		return Credential{}, err
	}
	if c.Empty() {
		return Credential{}, ErrNoSession
	}
	return c, nil
}

// AccessToken returns the current access token, or "" without a session
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	c, err := s.current(ctx)
	return c.AccessToken, err
}

// RefreshToken returns the current refresh token, or "" without a session
func (s *Store) RefreshToken(ctx context.Context) (string, error) {
	c, err := s.current(ctx)
	return c.RefreshToken, err
}

// Set replaces the whole credential, as a login flow does
func (s *Store) Set(ctx context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, c)
}

// SetTokens replaces the token pair and keeps the session identity. It
// returns ErrNoSession when there is no session, so a renewal finishing
// after Clear cannot bring the session back.
func (s *Store) SetTokens(ctx context.Context, access, refresh string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	if s.cur.Empty() {
		return ErrNoSession
	}
	c := s.cur
	c.AccessToken = access
	if refresh != "" {
		c.RefreshToken = refresh
	}
	c.ExpiresAt = expiresAt
	return s.writeLocked(ctx, c)
}

// Clear removes every field at once. Readers either see the old credential
// or nothing.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(ctx, s.key); err != nil {
		return failure.CacheError("credentials.clear", err)
	}
	s.cur = Credential{}
	s.loaded = true
	return nil
}

func (s *Store) current(ctx context.Context) (Credential, error) {
	s.mu.RLock()
	if s.loaded {
		c := s.cur
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return Credential{}, err
	}
	return s.cur, nil
}

func (s *Store) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	data, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return failure.CacheError("credentials.load", err)
	}
	plain, err := s.sealer.Open(data)
	if err != nil {
		return failure.CacheError("credentials.load", err)
	}
	var c Credential
	if err := json.Unmarshal(plain, &c); err != nil {
		return failure.CacheError("credentials.load", err)
	}
	s.cur = c
	s.loaded = true
	return nil
}

func (s *Store) writeLocked(ctx context.Context, c Credential) error {
	plain, err := json.Marshal(&c)
	if err != nil {
		return failure.CacheError("credentials.save", err)
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return failure.CacheError("credentials.save", err)
	}
	if err := s.kv.Put(ctx, s.key, sealed); err != nil {
		return failure.CacheError("credentials.save", err)
	}
	s.cur = c
	s.loaded = true
	return nil
}
