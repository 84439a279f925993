package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/loadsync/failure"
	"github.com/briangreenhill/loadsync/storage"
)

// DefaultKey is the storage key holding the queue journal
const DefaultKey = "queue/mutations"

// Queue is a durable FIFO of mutations. The whole journal is stored under a
// single key so every operation is one atomic storage write.
type Queue struct {
	kv    storage.Store
	key   string
	now   func() time.Time
	newID func() string
	log   zerolog.Logger

	mu sync.Mutex
}

type Option func(*Queue)

// WithKey stores the journal under key instead of DefaultKey
func WithKey(key string) Option {
	return func(q *Queue) { q.key = key }
}

// WithClock overrides the time source used for enqueued_at
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator overrides mutation id generation
func WithIDGenerator(f func() string) Option {
	return func(q *Queue) { q.newID = f }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// New creates a queue persisted in kv
func New(kv storage.Store, opts ...Option) *Queue {
	q := &Queue{
		kv:  kv,
		key: DefaultKey,
		now: time.Now,
		// v7 ids sort by creation time
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends m to the tail and returns once it is durable. Missing ids
// and timestamps are filled in.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) (Mutation, error) {
	if !m.Method.Valid() {
		return Mutation{}, failure.ValidationError("queue.enqueue", "invalid method "+string(m.Method))
	}
	if m.Target == "" {
		return Mutation{}, failure.ValidationError("queue.enqueue", "target required")
	}
	if m.ID == "" {
		m.ID = q.newID()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.appendLocked(ctx, "queue.enqueue", m); err != nil {
		return Mutation{}, err
	}
	q.log.Debug().Str("mutation_id", m.ID).Str("method", string(m.Method)).
		Str("target", m.Target).Msg("mutation queued")
	return m, nil
}

// Requeue appends a mutation whose replay failed to the tail of the queue
// as it exists now, incrementing its attempt counter.
func (q *Queue) Requeue(ctx context.Context, m Mutation) error {
	m.Attempts++
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.appendLocked(ctx, "queue.requeue", m)
}

// DrainAll removes and returns every queued mutation in FIFO order. The
// read and the truncation happen under one lock so no concurrent Enqueue
// or second DrainAll can observe a partial drain. If the truncation cannot
// be persisted nothing is returned and the queue is unchanged.
func (q *Queue) DrainAll(ctx context.Context) ([]Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.loadLocked(ctx, "queue.drain")
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	if err := q.kv.Delete(ctx, q.key); err != nil {
		return nil, failure.CacheError("queue.drain", err)
	}
	return items, nil
}

// Snapshot returns the queued mutations without removing them
func (q *Queue) Snapshot(ctx context.Context) ([]Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx, "queue.snapshot")
}

// Len returns the number of queued mutations
func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (q *Queue) appendLocked(ctx context.Context, op string, m Mutation) error {
	items, err := q.loadLocked(ctx, op)
	if err != nil {
		return err
	}
	items = append(items, m)
	data, err := json.Marshal(items)
	if err != nil {
		return failure.CacheError(op, err)
	}
	if err := q.kv.Put(ctx, q.key, data); err != nil {
		return failure.CacheError(op, err)
	}
	return nil
}

func (q *Queue) loadLocked(ctx context.Context, op string) ([]Mutation, error) {
	data, err := q.kv.Get(ctx, q.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, failure.CacheError(op, err)
	}
	var items []Mutation
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, failure.CacheError(op, err)
	}
	return items, nil
}
