package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/loadsync/cache"
	"github.com/briangreenhill/loadsync/connectivity"
	"github.com/briangreenhill/loadsync/failure"
	"github.com/briangreenhill/loadsync/queue"
	"github.com/briangreenhill/loadsync/storage"
	"github.com/briangreenhill/loadsync/transport"
)

// freightAPI is a fake of the listings and profile endpoints
type freightAPI struct {
	mu       sync.Mutex
	listings map[string]string
	status   int // forced status for every request when non-zero
	calls    atomic.Int64
}

func (f *freightAPI) router() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			f.calls.Add(1)
			f.mu.Lock()
			st := f.status
			f.mu.Unlock()
			if st != 0 {
				w.WriteHeader(st)
				fmt.Fprintf(w, `{"detail":"forced %d"}`, st)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/api/v1/listings", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var items []json.RawMessage
		for _, id := range []string{"L1", "L2", "L3"} {
			if v, ok := f.listings[id]; ok {
				items = append(items, json.RawMessage(v))
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"listings": items, "total": len(items), "page": 1, "per_page": 20})
	})
	r.Get("/api/v1/listings/{id}", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		v, ok := f.listings[chi.URLParam(req, "id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Listing not found"}`))
			return
		}
		_, _ = w.Write([]byte(v))
	})
	r.Post("/api/v1/listings", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body["title"] == nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"detail":"title required"}`))
			return
		}
		out := fmt.Sprintf(`{"id":"L3","title":%q}`, body["title"])
		f.mu.Lock()
		f.listings["L3"] = out
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(out))
	})
	r.Delete("/api/v1/listings/{id}", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		delete(f.listings, chi.URLParam(req, "id"))
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"message":"cancelled"}`))
	})
	r.Get("/api/v1/users/me", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"id":7,"full_name":"Ama"}`))
	})
	return r
}

func (f *freightAPI) force(status int) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

type fixture struct {
	api   *freightAPI
	srv   *httptest.Server
	cache *cache.Store
	queue *queue.Queue
	mon   *connectivity.Manual
	repo  *Repository
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	api := &freightAPI{listings: map[string]string{
		"L1": `{"id":"L1","title":"Cement to Kumasi"}`,
		"L2": `{"id":"L2","title":"Yams to Accra"}`,
	}}
	srv := httptest.NewServer(api.router())
	t.Cleanup(srv.Close)

	client, err := transport.New(srv.URL)
	require.NoError(t, err)

	reg, err := NewRegistry(DefaultResources()...)
	require.NoError(t, err)

	f := &fixture{
		api:   api,
		srv:   srv,
		cache: cache.New(storage.NewMemStore(), cache.Policy{Namespaces: reg.TTLs()}),
		queue: queue.New(storage.NewMemStore()),
		mon:   connectivity.NewManual(true),
	}
	opts = append([]Option{WithMonitor(f.mon)}, opts...)
	f.repo = New(client, f.cache, f.queue, reg, opts...)
	return f
}

func (f *fixture) queueLen(t *testing.T) int {
	t.Helper()
	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestReadNetworkFirstThenCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.repo.Read(ctx, "loads", "L1")
	require.NoError(t, err)
	assert.Equal(t, FromNetwork, res.Source)
	assert.JSONEq(t, `{"id":"L1","title":"Cement to Kumasi"}`, string(res.Value))

	f.srv.Close()
	res, err = f.repo.Read(ctx, "loads", "L1")
	require.NoError(t, err)
	assert.Equal(t, FromCache, res.Source)
	assert.True(t, res.Stale())
	assert.False(t, res.CachedAt.IsZero())
	assert.JSONEq(t, `{"id":"L1","title":"Cement to Kumasi"}`, string(res.Value))
}

func TestReadOfflineWithoutCache(t *testing.T) {
	f := newFixture(t)
	f.mon.SetOnline(false)

	_, err := f.repo.Read(context.Background(), "loads", "L1")
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrNetwork)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Zero(t, f.api.calls.Load())
}

func TestReadServerErrorFallsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.repo.Read(ctx, "loads", "L2")
	require.NoError(t, err)

	f.api.force(http.StatusBadGateway)
	res, err := f.repo.Read(ctx, "loads", "L2")
	require.NoError(t, err)
	assert.Equal(t, FromCache, res.Source)
}

func TestReadFallbackNever(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithFallback(FallbackNever))
	_, err := f.repo.Read(ctx, "loads", "L2")
	require.NoError(t, err)

	f.api.force(http.StatusInternalServerError)
	_, err = f.repo.Read(ctx, "loads", "L2")
	require.Error(t, err)
	assert.Equal(t, failure.Server, failure.KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, failure.StatusOf(err))
}

func TestReadNotFoundInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.repo.Read(ctx, "loads", "L1")
	require.NoError(t, err)

	f.api.mu.Lock()
	delete(f.api.listings, "L1")
	f.api.mu.Unlock()

	_, err = f.repo.Read(ctx, "loads", "L1")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, failure.StatusOf(err))
	assert.Contains(t, err.Error(), "Listing not found")

	_, ok, err := f.cache.Get(ctx, "loads", "L1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadNotFoundFallbackAlways(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithFallback(FallbackAlways))
	_, err := f.repo.Read(ctx, "loads", "L1")
	require.NoError(t, err)

	f.api.force(http.StatusNotFound)
	res, err := f.repo.Read(ctx, "loads", "L1")
	require.NoError(t, err)
	assert.Equal(t, FromCache, res.Source)
}

func TestReadUnauthorizedIsAuthError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithFallback(FallbackAlways))
	_, err := f.repo.Read(ctx, "loads", "L1")
	require.NoError(t, err)

	f.api.force(http.StatusUnauthorized)
	_, err = f.repo.Read(ctx, "loads", "L1")
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrAuth)
}

func TestReadSingleton(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.repo.Read(ctx, "profile", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"full_name":"Ama"}`, string(res.Value))

	e, ok, err := f.cache.Get(ctx, "profile", "self")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":7,"full_name":"Ama"}`, string(e.Payload))
}

func TestRawTransportErrorIsClassified(t *testing.T) {
	reg, err := NewRegistry(DefaultResources()...)
	require.NoError(t, err)
	doer := transport.DoerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		return nil, errors.New("socket closed")
	})
	repo := New(doer, cache.New(storage.NewMemStore(), cache.Policy{}), queue.New(storage.NewMemStore()), reg)

	_, err = repo.Read(context.Background(), "trips", "T1")
	require.Error(t, err)
	var fe *failure.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, failure.Network, fe.Kind)
}

func TestListCachesElements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.repo.List(ctx, "loads", nil)
	require.NoError(t, err)
	assert.Equal(t, FromNetwork, res.Source)

	keys, err := f.cache.ListKeys(ctx, "loads")
	require.NoError(t, err)
	assert.Equal(t, []string{"L1", "L2", "list"}, keys)

	f.mon.SetOnline(false)
	res, err = f.repo.List(ctx, "loads", nil)
	require.NoError(t, err)
	assert.Equal(t, FromCache, res.Source)
	assert.Contains(t, string(res.Value), `"total":2`)
}

func TestListRebuiltFromElements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.repo.Read(ctx, "loads", "L2")
	require.NoError(t, err)
	_, err = f.repo.Read(ctx, "loads", "L1")
	require.NoError(t, err)

	f.mon.SetOnline(false)
	res, err := f.repo.List(ctx, "loads", nil)
	require.NoError(t, err)
	assert.Equal(t, FromCache, res.Source)
	assert.JSONEq(t, `[{"id":"L1","title":"Cement to Kumasi"},{"id":"L2","title":"Yams to Accra"}]`, string(res.Value))

	// a filtered query cannot be answered from elements
	_, err = f.repo.List(ctx, "loads", url.Values{"origin": {"Accra"}})
	assert.ErrorIs(t, err, failure.ErrNetwork)
}

func TestListKeyIsStable(t *testing.T) {
	a := listKey(url.Values{"origin": {"Accra"}, "page": {"2"}})
	b := listKey(url.Values{"page": {"2"}, "origin": {"Accra"}})
	assert.Equal(t, a, b)
	assert.Equal(t, "list", listKey(nil))
}

func TestWriteOfflineIsPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mon.SetOnline(false)

	res, err := f.repo.Write(ctx, "loads", Change{Method: queue.Create, Body: json.RawMessage(`{"title":"Cocoa to Tema"}`)})
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.NotEmpty(t, res.MutationID)
	assert.Nil(t, res.Value)
	assert.Equal(t, 1, f.queueLen(t))

	items, err := f.queue.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/listings", items[0].Target)
	assert.Equal(t, "loads", items[0].Resource)
	assert.Equal(t, queue.Create, items[0].Method)
}

func TestWriteUnreachableIsPending(t *testing.T) {
	f := newFixture(t)
	f.srv.Close()

	res, err := f.repo.Write(context.Background(), "loads", Change{Method: queue.Delete, ID: "L1"})
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Equal(t, 1, f.queueLen(t))
}

func TestWriteThroughCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.repo.Write(ctx, "loads", Change{Method: queue.Create, Body: json.RawMessage(`{"title":"Cocoa to Tema"}`)})
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, http.StatusCreated, res.Status)

	e, ok, err := f.cache.Get(ctx, "loads", "L3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"L3","title":"Cocoa to Tema"}`, string(e.Payload))

	_, err = f.repo.Write(ctx, "loads", Change{Method: queue.Delete, ID: "L3"})
	require.NoError(t, err)
	_, ok, err = f.cache.Get(ctx, "loads", "L3")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.queueLen(t))
}

func TestWriteRejectedIsNotQueued(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.Write(context.Background(), "loads", Change{Method: queue.Create, Body: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, failure.Server, failure.KindOf(err))
	assert.Equal(t, http.StatusUnprocessableEntity, failure.StatusOf(err))
	assert.Contains(t, err.Error(), "title required")
	assert.Zero(t, f.queueLen(t))
}

func TestValidationBeforeIO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.repo.Read(ctx, "invoices", "1")
	assert.ErrorIs(t, err, failure.ErrValidation)
	_, err = f.repo.Read(ctx, "loads", "")
	assert.ErrorIs(t, err, failure.ErrValidation)
	_, err = f.repo.Read(ctx, "loads", "a/b")
	assert.ErrorIs(t, err, failure.ErrValidation)
	_, err = f.repo.Read(ctx, "profile", "7")
	assert.ErrorIs(t, err, failure.ErrValidation)
	_, err = f.repo.List(ctx, "wallet", nil)
	assert.ErrorIs(t, err, failure.ErrValidation)

	_, err = f.repo.Write(ctx, "loads", Change{Method: "MERGE", ID: "L1"})
	assert.ErrorIs(t, err, failure.ErrValidation)
	_, err = f.repo.Write(ctx, "loads", Change{Method: queue.Update})
	assert.ErrorIs(t, err, failure.ErrValidation)
	_, err = f.repo.Write(ctx, "loads", Change{Method: queue.Create, ID: "L9"})
	assert.ErrorIs(t, err, failure.ErrValidation)
	_, err = f.repo.Write(ctx, "loads", Change{Method: queue.Create, Body: json.RawMessage(`{bad`)})
	assert.ErrorIs(t, err, failure.ErrValidation)

	assert.Zero(t, f.api.calls.Load())
	assert.Zero(t, f.queueLen(t))
}

func TestQueuedWriteRecordsObjectID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mon.SetOnline(false)

	_, err := f.repo.Write(ctx, "loads", Change{Method: queue.Update, ID: "L1", Body: json.RawMessage(`{"title":"x"}`)})
	require.NoError(t, err)
	items, err := f.queue.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "L1", items[0].ObjectID)
}

func TestApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	put := func(ns, key, v string) {
		require.NoError(t, f.cache.Put(ctx, ns, key, json.RawMessage(v)))
	}
	cached := func(ns, key string) (string, bool) {
		e, ok, err := f.cache.Get(ctx, ns, key)
		require.NoError(t, err)
		if !ok {
			return "", false
		}
		return string(e.Payload), true
	}

	put("trips", "T1", `{"id":"T1"}`)
	f.repo.Applied(ctx, "trips", queue.Delete, "T1", nil)
	_, ok := cached("trips", "T1")
	assert.False(t, ok, "delete invalidates")

	put("profile", "self", `{"id":"u1","name":"old"}`)
	f.repo.Applied(ctx, "profile", queue.Update, "", json.RawMessage(`{"id":"u1","name":"new"}`))
	v, ok := cached("profile", "self")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"u1","name":"new"}`, v)
	keys, err := f.cache.ListKeys(ctx, "profile")
	require.NoError(t, err)
	assert.Equal(t, []string{"self"}, keys)

	f.repo.Applied(ctx, "loads", queue.Create, "", json.RawMessage(`{"id":"L7","title":"Salt"}`))
	_, ok = cached("loads", "L7")
	assert.True(t, ok)

	put("loads", "L1", `{"id":"L1","title":"old"}`)
	f.repo.Applied(ctx, "loads", queue.Update, "L1", json.RawMessage(`{"ok":true}`))
	_, ok = cached("loads", "L1")
	assert.False(t, ok, "response without the object drops the stale copy")

	f.repo.Applied(ctx, "loads", queue.Create, "", json.RawMessage(`{"id":"a/b"}`))
	keys, err = f.cache.ListKeys(ctx, "loads")
	require.NoError(t, err)
	assert.Equal(t, []string{"L7"}, keys)

	f.repo.Applied(ctx, "invoices", queue.Create, "", json.RawMessage(`{"id":"I1"}`))
}

func TestEnqueueForSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m, err := f.repo.EnqueueForSync(ctx, queue.Update, "/api/v1/trips/T1/status", json.RawMessage(`{"status":"in_transit"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, 1, f.queueLen(t))
	assert.Zero(t, f.api.calls.Load())

	_, err = f.repo.EnqueueForSync(ctx, queue.Update, "trips/T1", nil)
	assert.ErrorIs(t, err, failure.ErrValidation)
}

func TestParseFallback(t *testing.T) {
	for in, want := range map[string]Fallback{
		"":               FallbackExceptMissing,
		"except-missing": FallbackExceptMissing,
		"Always":         FallbackAlways,
		"never":          FallbackNever,
	} {
		got, err := ParseFallback(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFallback("sometimes")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	_, err := NewRegistry(Resource{Name: "a", Path: "/a"}, Resource{Name: "a", Path: "/b"})
	assert.Error(t, err)
	_, err = NewRegistry(Resource{Name: "a", Path: "a"})
	assert.Error(t, err)

	reg, err := NewRegistry(DefaultResources()...)
	require.NoError(t, err)
	assert.Contains(t, reg.Names(), "loads")
	assert.Equal(t, 15*time.Minute, reg.TTLs()["loads"])
	res, _ := reg.Lookup("trips")
	assert.Equal(t, "/api/v1/trips/T1", res.ObjectPath("T1"))
}
