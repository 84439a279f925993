package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/loadsync/failure"
	"github.com/briangreenhill/loadsync/storage"
)

const keyPrefix = "cache/"

// Policy holds per-namespace TTLs. A namespace without an explicit TTL uses
// Default; a TTL of zero or less never expires.
type Policy struct {
	Default    time.Duration
	Namespaces map[string]time.Duration
}

// TTL returns the time-to-live for namespace
func (p Policy) TTL(namespace string) time.Duration {
	if ttl, ok := p.Namespaces[namespace]; ok {
		return ttl
	}
	return p.Default
}

// Store implements Cache on top of a durable storage.Store
type Store struct {
	kv     storage.Store
	policy Policy
	now    func() time.Time
	log    zerolog.Logger

	// mu orders writes against the lazy delete of expired entries
	mu sync.Mutex
}

type Option func(*Store)

// WithClock overrides the time source used for cached_at and expiry
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithTTL sets the TTL of a single namespace
func WithTTL(namespace string, ttl time.Duration) Option {
	return func(s *Store) {
		if s.policy.Namespaces == nil {
			s.policy.Namespaces = make(map[string]time.Duration)
		}
		s.policy.Namespaces[namespace] = ttl
	}
}

// New creates a cache over kv with the given TTL policy
func New(kv storage.Store, policy Policy, opts ...Option) *Store {
	ns := make(map[string]time.Duration, len(policy.Namespaces))
	for k, v := range policy.Namespaces {
		ns[k] = v
	}
	s := &Store{
		kv:     kv,
		policy: Policy{Default: policy.Default, Namespaces: ns},
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TTL returns the configured TTL for namespace
func (s *Store) TTL(namespace string) time.Duration {
	return s.policy.TTL(namespace)
}

// Put implements Writer
func (s *Store) Put(ctx context.Context, namespace, key string, value json.RawMessage) error {
	if err := validate("cache.put", namespace, key); err != nil {
		return err
	}
	entry := Entry{
		Namespace: namespace,
		Key:       key,
		CachedAt:  s.now(),
		Payload:   value,
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return failure.CacheError("cache.put", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Put(ctx, storageKey(namespace, key), data); err != nil {
		return failure.CacheError("cache.put", err)
	}
	return nil
}

// Get implements Reader
func (s *Store) Get(ctx context.Context, namespace, key string) (*Entry, bool, error) {
	if err := validate("cache.get", namespace, key); err != nil {
		return nil, false, err
	}
	sk := storageKey(namespace, key)
	data, err := s.kv.Get(ctx, sk)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, failure.CacheError("cache.get", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, failure.CacheError("cache.get", err)
	}

	if !s.expired(&entry) {
		return &entry, true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A Put may have replaced the entry since it was read
	if current, err := s.kv.Get(ctx, sk); err == nil {
		var latest Entry
		if json.Unmarshal(current, &latest) == nil && !s.expired(&latest) {
			return &latest, true, nil
		}
	}
	if err := s.kv.Delete(ctx, sk); err != nil {
		return nil, false, failure.CacheError("cache.get", err)
	}
	s.log.Debug().Str("namespace", namespace).Str("key", key).
		Time("cached_at", entry.CachedAt).Msg("cache entry expired")
	return nil, false, nil
}

// ListKeys implements Reader
func (s *Store) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	if namespace == "" || strings.Contains(namespace, "/") {
		return nil, failure.ValidationError("cache.list", "invalid namespace")
	}
	prefix := keyPrefix + namespace + "/"
	raw, err := s.kv.List(ctx, prefix)
	if err != nil {
		return nil, failure.CacheError("cache.list", err)
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, prefix))
	}
	return keys, nil
}

// Invalidate implements Writer
func (s *Store) Invalidate(ctx context.Context, namespace, key string) error {
	if err := validate("cache.invalidate", namespace, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(ctx, storageKey(namespace, key)); err != nil {
		return failure.CacheError("cache.invalidate", err)
	}
	return nil
}

// Clear removes every entry in namespace
func (s *Store) Clear(ctx context.Context, namespace string) error {
	keys, err := s.ListKeys(ctx, namespace)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.Invalidate(ctx, namespace, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) expired(e *Entry) bool {
	ttl := s.policy.TTL(e.Namespace)
	if ttl <= 0 {
		return false
	}
	return s.now().Sub(e.CachedAt) > ttl
}

func storageKey(namespace, key string) string {
	return keyPrefix + namespace + "/" + key
}

func validate(op, namespace, key string) error {
	switch {
	case namespace == "":
		return failure.ValidationError(op, "namespace required")
	case strings.Contains(namespace, "/"):
		return failure.ValidationError(op, "namespace must not contain '/'")
	case key == "":
		return failure.ValidationError(op, "key required")
	}
	return nil
}

var _ Cache = (*Store)(nil)
