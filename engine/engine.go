// Package engine assembles the offline-first sync engine from its parts.
// A host builds one Engine at startup and passes it to whatever needs it;
// nothing here is process-global.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/loadsync/auth"
	"github.com/briangreenhill/loadsync/cache"
	"github.com/briangreenhill/loadsync/connectivity"
	"github.com/briangreenhill/loadsync/credentials"
	"github.com/briangreenhill/loadsync/failure"
	"github.com/briangreenhill/loadsync/queue"
	"github.com/briangreenhill/loadsync/repository"
	"github.com/briangreenhill/loadsync/storage"
	"github.com/briangreenhill/loadsync/syncer"
	"github.com/briangreenhill/loadsync/transport"
)

var (
	ErrListenerRunning = errors.New("sync listener already started")
	ErrClosed          = errors.New("engine closed")
)

// Engine owns every component and the single sync listener.
type Engine struct {
	cache   *cache.Store
	queue   *queue.Queue
	creds   *credentials.Store
	auth    *auth.Coordinator
	syncer  *syncer.Coordinator
	repo    *repository.Repository
	monitor connectivity.Monitor
	log     zerolog.Logger

	mu     sync.Mutex
	stop   func()
	closed bool
}

type settings struct {
	log         zerolog.Logger
	resources   []repository.Resource
	defaultTTL  time.Duration
	ttls        map[string]time.Duration
	fallback    repository.Fallback
	maxAttempts int
	retry       func(error) bool
	sealer      credentials.Sealer
	now         func() time.Time
	onExpired   func()
}

type Option func(*settings)

func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.log = l }
}

// WithResources replaces the default resource registry
func WithResources(r ...repository.Resource) Option {
	return func(s *settings) { s.resources = r }
}

// WithTTLs overrides namespace TTLs from the registry
func WithTTLs(ttls map[string]time.Duration) Option {
	return func(s *settings) { s.ttls = ttls }
}

// WithDefaultTTL applies to namespaces without their own TTL
func WithDefaultTTL(d time.Duration) Option {
	return func(s *settings) { s.defaultTTL = d }
}

func WithFallback(f repository.Fallback) Option {
	return func(s *settings) { s.fallback = f }
}

// WithMaxAttempts drops queued mutations after n failed replays
func WithMaxAttempts(n int) Option {
	return func(s *settings) { s.maxAttempts = n }
}

// WithDropRejected drops queued mutations the server rejects with a 4xx
// instead of retrying them every cycle.
func WithDropRejected() Option {
	return func(s *settings) { s.retry = syncer.RetryableError }
}

func WithSealer(sl credentials.Sealer) Option {
	return func(s *settings) { s.sealer = sl }
}

// WithClock sets the time source of the cache and queue
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// OnSessionExpired is called after a failed refresh cleared the session
func OnSessionExpired(f func()) Option {
	return func(s *settings) { s.onExpired = f }
}

// New wires the engine. doer is the unauthenticated transport; refresher
// renews credentials and usually posts through the same doer.
func New(kv storage.Store, doer transport.Doer, mon connectivity.Monitor, refresher auth.Refresher, opts ...Option) (*Engine, error) {
	st := settings{
		log:       zerolog.Nop(),
		resources: repository.DefaultResources(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(&st)
	}

	reg, err := repository.NewRegistry(st.resources...)
	if err != nil {
		return nil, err
	}
	policy := cache.Policy{Default: st.defaultTTL, Namespaces: reg.TTLs()}
	for ns, ttl := range st.ttls {
		policy.Namespaces[ns] = ttl
	}

	e := &Engine{monitor: mon, log: st.log}
	e.cache = cache.New(kv, policy, cache.WithClock(st.now), cache.WithLogger(st.log.With().Str("component", "cache").Logger()))
	e.queue = queue.New(kv, queue.WithClock(st.now), queue.WithLogger(st.log.With().Str("component", "queue").Logger()))

	var copts []credentials.Option
	if st.sealer != nil {
		copts = append(copts, credentials.WithSealer(st.sealer))
	}
	e.creds = credentials.New(kv, copts...)

	aopts := []auth.Option{auth.WithLogger(st.log.With().Str("component", "auth").Logger())}
	if st.onExpired != nil {
		aopts = append(aopts, auth.OnSessionExpired(st.onExpired))
	}
	e.auth = auth.NewCoordinator(doer, e.creds, refresher, aopts...)

	sopts := []syncer.Option{
		syncer.WithLogger(st.log.With().Str("component", "syncer").Logger()),
		syncer.WithMaxAttempts(st.maxAttempts),
		syncer.OnReplayed(e.replayed),
	}
	if st.retry != nil {
		sopts = append(sopts, syncer.WithRetryPolicy(st.retry))
	}
	e.syncer = syncer.New(e.queue, e.auth, sopts...)

	e.repo = repository.New(e.auth, e.cache, e.queue, reg,
		repository.WithMonitor(mon),
		repository.WithFallback(st.fallback),
		repository.WithLogger(st.log.With().Str("component", "repository").Logger()),
	)
	return e, nil
}

// replayed refreshes the cache with the server's copy of a replayed write
func (e *Engine) replayed(ctx context.Context, m queue.Mutation, resp *transport.Response) {
	if m.Resource == "" {
		return
	}
	e.repo.Applied(ctx, m.Resource, m.Method, m.ObjectID, resp.Body)
}

// StartSyncListener starts replaying queued mutations on every offline to
// online transition. It may be called once; Close stops the listener.
func (e *Engine) StartSyncListener(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.stop != nil {
		return ErrListenerRunning
	}
	e.stop = e.syncer.StartListener(ctx, e.monitor)
	e.log.Info().Msg("sync listener started")
	return nil
}

// Sync runs one cycle now. ok is false when a cycle was already running.
func (e *Engine) Sync(ctx context.Context) (rep syncer.Report, ok bool) {
	return e.syncer.Trigger(ctx)
}

func (e *Engine) Read(ctx context.Context, resource, id string) (repository.ReadResult, error) {
	return e.repo.Read(ctx, resource, id)
}

func (e *Engine) List(ctx context.Context, resource string, query url.Values) (repository.ReadResult, error) {
	return e.repo.List(ctx, resource, query)
}

func (e *Engine) Write(ctx context.Context, resource string, ch repository.Change) (repository.WriteResult, error) {
	return e.repo.Write(ctx, resource, ch)
}

func (e *Engine) EnqueueForSync(ctx context.Context, method queue.Method, target string, body json.RawMessage) (queue.Mutation, error) {
	return e.repo.EnqueueForSync(ctx, method, target, body)
}

// Login stores the credentials issued by a login flow
func (e *Engine) Login(ctx context.Context, c credentials.Credential) error {
	if c.AccessToken == "" {
		return failure.ValidationError("engine.login", "access token required")
	}
	return e.creds.Set(ctx, c)
}

// Session returns the stored credential, if any
func (e *Engine) Session(ctx context.Context) (credentials.Credential, bool) {
	c, err := e.creds.Get(ctx)
	if err != nil {
		if !errors.Is(err, credentials.ErrNoSession) {
			e.log.Warn().Err(err).Msg("read session")
		}
		return credentials.Credential{}, false
	}
	return c, true
}

// Logout clears the session. Queued mutations and cached data are kept.
func (e *Engine) Logout(ctx context.Context) error {
	return e.creds.Clear(ctx)
}

// Status is a point-in-time view of the engine
type Status struct {
	Online        bool   `json:"online"`
	SyncState     string `json:"sync_state"`
	RefreshState  string `json:"refresh_state"`
	QueueLength   int    `json:"queue_length"`
	SessionActive bool   `json:"session_active"`
	Subject       string `json:"subject,omitempty"`
	Refreshes     int64  `json:"refreshes"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	n, err := e.queue.Len(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Online:       e.monitor.Online(),
		SyncState:    e.syncer.State().String(),
		RefreshState: e.auth.State().String(),
		QueueLength:  n,
		Refreshes:    e.auth.Refreshes(),
	}
	c, err := e.creds.Get(ctx)
	switch {
	case err == nil:
		st.SessionActive = true
		st.Subject = c.SubjectID
	case !errors.Is(err, credentials.ErrNoSession):
		return Status{}, err
	}
	return st, nil
}

// Queue exposes the mutation queue for inspection
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Cache exposes the cache store
func (e *Engine) Cache() *cache.Store { return e.cache }

// Credentials exposes the credential store
func (e *Engine) Credentials() *credentials.Store { return e.creds }

// Registry returns the resource registry
func (e *Engine) Registry() *repository.Registry { return e.repo.Registry() }

// Close stops the sync listener. Durable state is left in storage.
func (e *Engine) Close() {
	e.mu.Lock()
	stop := e.stop
	e.stop = nil
	e.closed = true
	e.mu.Unlock()
	if stop != nil {
		stop()
		e.log.Info().Msg("sync listener stopped")
	}
}
