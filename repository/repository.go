// Package repository is the read/write facade over the remote API. Reads
// are network-first with a cache fallback; writes that cannot reach the
// network are queued for replay and reported as pending.
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/loadsync/cache"
	"github.com/briangreenhill/loadsync/connectivity"
	"github.com/briangreenhill/loadsync/failure"
	"github.com/briangreenhill/loadsync/queue"
	"github.com/briangreenhill/loadsync/transport"
)

// selfKey is the cache key of singleton resources
const selfKey = "self"

// listPrefix starts every cached list key
const listPrefix = "list"

// ErrOffline is wrapped in the NetworkError returned when the monitor
// reports no connectivity and the network was not attempted.
var ErrOffline = errors.New("offline")

// Source says where a read result came from
type Source int

const (
	FromNetwork Source = iota
	FromCache
)

func (s Source) String() string {
	if s == FromCache {
		return "cache"
	}
	return "network"
}

// ReadResult is a successful read with its provenance
type ReadResult struct {
	Value    json.RawMessage
	Source   Source
	CachedAt time.Time
}

// Stale reports whether the value was served from cache
func (r ReadResult) Stale() bool { return r.Source == FromCache }

// WriteResult is the outcome of a write. A pending write has been queued
// locally and is not confirmed by the server; Value is empty.
type WriteResult struct {
	Value      json.RawMessage
	Status     int
	Pending    bool
	MutationID string
}

// Change is a write against a resource. ID is required for Update,
// Replace and Delete on collection resources.
type Change struct {
	Method queue.Method
	ID     string
	Body   json.RawMessage
}

// Fallback decides which server failures may be answered from cache.
// Connectivity failures always fall back.
type Fallback int

const (
	// FallbackExceptMissing serves cache for server errors other than
	// 404 and 410, which invalidate the cached entry instead.
	FallbackExceptMissing Fallback = iota
	// FallbackAlways serves cache for any server error.
	FallbackAlways
	// FallbackNever only serves cache when the network is unreachable.
	FallbackNever
)

// ParseFallback parses "except-missing", "always" or "never"
func ParseFallback(s string) (Fallback, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "except-missing":
		return FallbackExceptMissing, nil
	case "always":
		return FallbackAlways, nil
	case "never":
		return FallbackNever, nil
	}
	return 0, failure.ValidationError("repository.fallback", "unknown fallback policy "+s)
}

func (f Fallback) String() string {
	switch f {
	case FallbackAlways:
		return "always"
	case FallbackNever:
		return "never"
	default:
		return "except-missing"
	}
}

// Enqueuer is the queue side used for offline writes
type Enqueuer interface {
	Enqueue(ctx context.Context, m queue.Mutation) (queue.Mutation, error)
}

// Repository composes the authenticated transport, cache and queue.
type Repository struct {
	doer     transport.Doer
	cache    cache.Cache
	queue    Enqueuer
	registry *Registry
	monitor  connectivity.Monitor
	fallback Fallback
	log      zerolog.Logger
}

type Option func(*Repository)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Repository) { r.log = l }
}

// WithMonitor skips the network while the monitor reports offline
func WithMonitor(m connectivity.Monitor) Option {
	return func(r *Repository) { r.monitor = m }
}

func WithFallback(f Fallback) Option {
	return func(r *Repository) { r.fallback = f }
}

// New creates a repository. doer should be the credential refresh
// coordinator so every request is authenticated.
func New(doer transport.Doer, c cache.Cache, q Enqueuer, reg *Registry, opts ...Option) *Repository {
	r := &Repository{
		doer:     doer,
		cache:    c,
		queue:    q,
		registry: reg,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Registry returns the resource registry
func (r *Repository) Registry() *Registry { return r.registry }

// Read fetches one object. For singleton resources id must be empty.
func (r *Repository) Read(ctx context.Context, resource, id string) (ReadResult, error) {
	const op = "repository.read"
	res, err := r.resolve(op, resource, id)
	if err != nil {
		return ReadResult{}, err
	}
	key := cacheKey(res, id)

	body, err := r.fetch(ctx, op, &transport.Request{Method: http.MethodGet, Path: res.ObjectPath(escapeID(id))})
	if err == nil {
		if len(body) > 0 {
			r.store(ctx, res.Name, key, body)
		}
		return ReadResult{Value: body, Source: FromNetwork}, nil
	}

	if !r.mayFallback(err) {
		if isMissing(err) {
			r.invalidate(ctx, res, key)
		}
		return ReadResult{}, err
	}

	entry, ok, cerr := r.cache.Get(ctx, res.Name, key)
	if cerr != nil {
		r.log.Warn().Err(cerr).Str("resource", res.Name).Str("key", key).Msg("cache fallback failed")
		return ReadResult{}, err
	}
	if !ok {
		return ReadResult{}, err
	}
	r.log.Debug().Err(err).Str("resource", res.Name).Str("key", key).Msg("serving cached value")
	return ReadResult{Value: entry.Payload, Source: FromCache, CachedAt: entry.CachedAt}, nil
}

// List fetches a collection. The list body is cached under a key derived
// from the query and every element carrying an id is cached on its own.
// When offline, an unfiltered list with no cached copy is rebuilt from the
// individually cached elements.
func (r *Repository) List(ctx context.Context, resource string, query url.Values) (ReadResult, error) {
	const op = "repository.list"
	res, ok := r.registry.Lookup(resource)
	if !ok {
		return ReadResult{}, failure.ValidationError(op, "unknown resource "+resource)
	}
	if res.Singleton {
		return ReadResult{}, failure.ValidationError(op, resource+" is not a collection")
	}
	key := listKey(query)

	body, err := r.fetch(ctx, op, &transport.Request{Method: http.MethodGet, Path: res.Path, Query: query})
	if err == nil {
		if len(body) > 0 {
			r.store(ctx, res.Name, key, body)
			for id, item := range listItems(res, body) {
				r.store(ctx, res.Name, id, item)
			}
		}
		return ReadResult{Value: body, Source: FromNetwork}, nil
	}
	if !r.mayFallback(err) {
		return ReadResult{}, err
	}

	entry, ok, cerr := r.cache.Get(ctx, res.Name, key)
	if cerr != nil {
		r.log.Warn().Err(cerr).Str("resource", res.Name).Msg("cache fallback failed")
		return ReadResult{}, err
	}
	if ok {
		return ReadResult{Value: entry.Payload, Source: FromCache, CachedAt: entry.CachedAt}, nil
	}
	if len(query) > 0 {
		return ReadResult{}, err
	}

	rebuilt, cachedAt, rerr := r.rebuild(ctx, res)
	if rerr != nil {
		r.log.Warn().Err(rerr).Str("resource", res.Name).Msg("rebuild list from cache")
		return ReadResult{}, err
	}
	if rebuilt == nil {
		return ReadResult{}, err
	}
	return ReadResult{Value: rebuilt, Source: FromCache, CachedAt: cachedAt}, nil
}

// rebuild assembles a bare array of the cached elements in key order.
// CachedAt is the age of the oldest element.
func (r *Repository) rebuild(ctx context.Context, res Resource) (json.RawMessage, time.Time, error) {
	keys, err := r.cache.ListKeys(ctx, res.Name)
	if err != nil {
		return nil, time.Time{}, err
	}
	var (
		items  []json.RawMessage
		oldest time.Time
	)
	for _, k := range keys {
		if k == listPrefix || strings.HasPrefix(k, listPrefix+"__") {
			continue
		}
		e, ok, err := r.cache.Get(ctx, res.Name, k)
		if err != nil {
			return nil, time.Time{}, err
		}
		if !ok {
			continue
		}
		items = append(items, e.Payload)
		if oldest.IsZero() || e.CachedAt.Before(oldest) {
			oldest = e.CachedAt
		}
	}
	if len(items) == 0 {
		return nil, time.Time{}, nil
	}
	out, err := json.Marshal(items)
	if err != nil {
		return nil, time.Time{}, failure.CacheError("repository.list", err)
	}
	return out, oldest, nil
}

// Write sends a change. If the network is unreachable the change is queued
// and the result is pending. Server rejections are returned, not queued.
func (r *Repository) Write(ctx context.Context, resource string, ch Change) (WriteResult, error) {
	const op = "repository.write"
	res, ok := r.registry.Lookup(resource)
	if !ok {
		return WriteResult{}, failure.ValidationError(op, "unknown resource "+resource)
	}
	if !ch.Method.Valid() {
		return WriteResult{}, failure.ValidationError(op, "invalid method "+string(ch.Method))
	}
	if len(ch.Body) > 0 && !json.Valid(ch.Body) {
		return WriteResult{}, failure.ValidationError(op, "body is not valid JSON")
	}

	var target string
	switch {
	case res.Singleton:
		if ch.ID != "" {
			return WriteResult{}, failure.ValidationError(op, resource+" does not take an id")
		}
		if ch.Method == queue.Create {
			return WriteResult{}, failure.ValidationError(op, resource+" cannot be created")
		}
		target = res.Path
	case ch.Method == queue.Create:
		if ch.ID != "" {
			return WriteResult{}, failure.ValidationError(op, "create does not take an id")
		}
		target = res.Path
	default:
		if err := validID(op, ch.ID); err != nil {
			return WriteResult{}, err
		}
		target = res.ObjectPath(escapeID(ch.ID))
	}

	resp, err := r.send(ctx, op, &transport.Request{Method: ch.Method.Verb(), Path: target, Body: ch.Body})
	if err != nil {
		if failure.KindOf(err) != failure.Network {
			return WriteResult{}, err
		}
		m, qerr := r.queue.Enqueue(ctx, queue.Mutation{
			Method:   ch.Method,
			Target:   target,
			Body:     ch.Body,
			Resource: res.Name,
			ObjectID: ch.ID,
		})
		if qerr != nil {
			return WriteResult{}, qerr
		}
		r.log.Info().Str("mutation_id", m.ID).Str("target", target).Err(err).Msg("write queued for sync")
		return WriteResult{Pending: true, MutationID: m.ID}, nil
	}

	body := resp.Body
	if len(body) > 0 && !json.Valid(body) {
		body = nil
	}
	r.apply(ctx, res, ch.Method, ch.ID, body)
	return WriteResult{Value: body, Status: resp.Status}, nil
}

// Applied brings the cache in line with a write the server accepted, such
// as a queued mutation replayed by a sync cycle. id is the object the write
// targeted and body the server's response. Unknown resources are ignored.
func (r *Repository) Applied(ctx context.Context, resource string, method queue.Method, id string, body json.RawMessage) {
	res, ok := r.registry.Lookup(resource)
	if !ok {
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && !json.Valid(body) {
		body = nil
	}
	r.apply(ctx, res, method, id, body)
}

func (r *Repository) apply(ctx context.Context, res Resource, method queue.Method, id string, body json.RawMessage) {
	if method == queue.Delete {
		r.invalidate(ctx, res, cacheKey(res, id))
		return
	}
	if res.Singleton {
		if len(body) > 0 {
			r.store(ctx, res.Name, selfKey, body)
		} else {
			r.invalidate(ctx, res, selfKey)
		}
		return
	}
	if got, ok := objectID(body); ok {
		r.store(ctx, res.Name, got, body)
		return
	}
	// The response does not carry the object, so the cached copy is stale
	if id != "" {
		r.invalidate(ctx, res, id)
	}
}

func (r *Repository) invalidate(ctx context.Context, res Resource, key string) {
	if key == "" {
		return
	}
	if err := r.cache.Invalidate(ctx, res.Name, key); err != nil {
		r.log.Warn().Err(err).Str("resource", res.Name).Str("key", key).Msg("invalidate cache entry")
	}
}

// EnqueueForSync queues a write for the next sync cycle without
// attempting the network.
func (r *Repository) EnqueueForSync(ctx context.Context, method queue.Method, target string, body json.RawMessage) (queue.Mutation, error) {
	const op = "repository.enqueue"
	if !method.Valid() {
		return queue.Mutation{}, failure.ValidationError(op, "invalid method "+string(method))
	}
	if !strings.HasPrefix(target, "/") {
		return queue.Mutation{}, failure.ValidationError(op, "target must be an absolute path")
	}
	if len(body) > 0 && !json.Valid(body) {
		return queue.Mutation{}, failure.ValidationError(op, "body is not valid JSON")
	}
	return r.queue.Enqueue(ctx, queue.Mutation{Method: method, Target: target, Body: body})
}

// fetch performs a GET and returns the body of a successful response
func (r *Repository) fetch(ctx context.Context, op string, req *transport.Request) (json.RawMessage, error) {
	resp, err := r.send(ctx, op, req)
	if err != nil {
		return nil, err
	}
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, failure.ServerError(op, resp.Status, "response is not JSON")
	}
	return body, nil
}

// send issues req and classifies every failure. Raw transport errors never
// leave this function.
func (r *Repository) send(ctx context.Context, op string, req *transport.Request) (*transport.Response, error) {
	if r.monitor != nil && !r.monitor.Online() {
		return nil, failure.NetworkError(op, ErrOffline)
	}
	resp, err := r.doer.Do(ctx, req)
	if err != nil {
		if failure.KindOf(err) == failure.Unknown {
			return nil, failure.NetworkError(op, err)
		}
		return nil, err
	}
	if resp.OK() {
		return resp, nil
	}
	msg := failure.MessageFromBody(resp.Body)
	if resp.Status == http.StatusUnauthorized {
		return nil, failure.AuthError(op, resp.Status, failure.ServerError(op, resp.Status, msg))
	}
	return nil, failure.ServerError(op, resp.Status, msg)
}

func (r *Repository) mayFallback(err error) bool {
	switch failure.KindOf(err) {
	case failure.Network:
		return true
	case failure.Server:
		switch r.fallback {
		case FallbackAlways:
			return true
		case FallbackNever:
			return false
		}
		return !isMissing(err)
	}
	return false
}

func (r *Repository) store(ctx context.Context, namespace, key string, value json.RawMessage) {
	if err := r.cache.Put(ctx, namespace, key, value); err != nil {
		r.log.Warn().Err(err).Str("resource", namespace).Str("key", key).Msg("cache write failed")
	}
}

func (r *Repository) resolve(op, resource, id string) (Resource, error) {
	res, ok := r.registry.Lookup(resource)
	if !ok {
		return Resource{}, failure.ValidationError(op, "unknown resource "+resource)
	}
	if res.Singleton {
		if id != "" {
			return Resource{}, failure.ValidationError(op, resource+" does not take an id")
		}
		return res, nil
	}
	return res, validID(op, id)
}

func validID(op, id string) error {
	if strings.TrimSpace(id) == "" {
		return failure.ValidationError(op, "id required")
	}
	if strings.Contains(id, "/") {
		return failure.ValidationError(op, "id must not contain '/'")
	}
	return nil
}

func isMissing(err error) bool {
	if failure.KindOf(err) != failure.Server {
		return false
	}
	s := failure.StatusOf(err)
	return s == http.StatusNotFound || s == http.StatusGone
}

func cacheKey(res Resource, id string) string {
	if res.Singleton {
		return selfKey
	}
	return id
}

func escapeID(id string) string {
	if id == "" {
		return ""
	}
	return url.PathEscape(id)
}

func listKey(q url.Values) string {
	params := make(map[string]string, len(q))
	for k, v := range q {
		vs := append([]string(nil), v...)
		sort.Strings(vs)
		params[k] = strings.Join(vs, ",")
	}
	return cache.KeyFor(listPrefix, params)
}

// listItems extracts the elements of a list response that carry an id
func listItems(res Resource, body json.RawMessage) map[string]json.RawMessage {
	var raw []json.RawMessage
	if res.ListField == "" {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil
		}
	} else {
		var env map[string]json.RawMessage
		if err := json.Unmarshal(body, &env); err != nil {
			return nil
		}
		if err := json.Unmarshal(env[res.ListField], &raw); err != nil {
			return nil
		}
	}
	out := make(map[string]json.RawMessage, len(raw))
	for _, item := range raw {
		if id, ok := objectID(item); ok {
			out[id] = item
		}
	}
	return out
}

// objectID returns the "id" field of a JSON object as a string
func objectID(body json.RawMessage) (string, bool) {
	var obj struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &obj); err != nil || len(obj.ID) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(obj.ID, &s); err == nil {
		if s == "" || strings.Contains(s, "/") {
			return "", false
		}
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(obj.ID, &n); err == nil {
		return n.String(), true
	}
	return "", false
}
