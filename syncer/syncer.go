// Package syncer replays queued mutations against the remote API when the
// device comes back online or when a sync is explicitly requested.
package syncer

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/loadsync/connectivity"
	"github.com/briangreenhill/loadsync/failure"
	"github.com/briangreenhill/loadsync/queue"
	"github.com/briangreenhill/loadsync/transport"
)

// State of the coordinator
type State int32

const (
	Idle State = iota
	Syncing
)

func (s State) String() string {
	if s == Syncing {
		return "syncing"
	}
	return "idle"
}

// Queue is the part of the mutation queue a sync cycle needs
type Queue interface {
	DrainAll(ctx context.Context) ([]queue.Mutation, error)
	Requeue(ctx context.Context, m queue.Mutation) error
}

// Report summarizes one sync cycle
type Report struct {
	Drained  int
	Replayed int
	Requeued int
	Dropped  int
	Duration time.Duration
}

// Coordinator runs at most one sync cycle at a time
type Coordinator struct {
	queue       Queue
	doer        transport.Doer
	log         zerolog.Logger
	retryable   func(error) bool
	maxAttempts int
	onReplayed  func(ctx context.Context, m queue.Mutation, resp *transport.Response)

	state   atomic.Int32
	mu      sync.Mutex
	running chan struct{} // closed when the current cycle ends
}

type Option func(*Coordinator)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithRetryPolicy decides which replay failures are requeued. Failures the
// policy rejects are dropped and logged. By default every failure is retried.
func WithRetryPolicy(f func(error) bool) Option {
	return func(c *Coordinator) { c.retryable = f }
}

// WithMaxAttempts drops a mutation after n failed replays. Zero means no limit.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) { c.maxAttempts = n }
}

// OnReplayed registers a callback for every successful replay
func OnReplayed(f func(ctx context.Context, m queue.Mutation, resp *transport.Response)) Option {
	return func(c *Coordinator) { c.onReplayed = f }
}

// New creates a coordinator that replays through doer, which should be the
// same authenticated path used for live requests.
func New(q Queue, doer transport.Doer, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:     q,
		doer:      doer,
		log:       zerolog.Nop(),
		retryable: func(error) bool { return true },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns Idle or Syncing
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Trigger runs one sync cycle. If a cycle is already running it returns
// immediately with ok=false.
func (c *Coordinator) Trigger(ctx context.Context) (rep Report, ok bool) {
	c.mu.Lock()
	if c.running != nil {
		c.mu.Unlock()
		c.log.Debug().Msg("sync already running")
		return Report{}, false
	}
	done := make(chan struct{})
	c.running = done
	c.state.Store(int32(Syncing))
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = nil
		c.state.Store(int32(Idle))
		c.mu.Unlock()
		close(done)
	}()
	return c.cycle(ctx), true
}

// wait blocks until no cycle is running
func (c *Coordinator) wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.running
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runFresh runs a cycle that starts after the current one, if any, has
// finished. A cycle already in progress may have drained the queue before
// the mutations this call is meant to replay were enqueued.
func (c *Coordinator) runFresh(ctx context.Context) {
	for {
		if _, ok := c.Trigger(ctx); ok {
			return
		}
		if err := c.wait(ctx); err != nil {
			return
		}
	}
}

func (c *Coordinator) cycle(ctx context.Context) Report {
	start := time.Now()
	var rep Report

	// Requeues must land even if the caller goes away mid-cycle
	persist := context.WithoutCancel(ctx)

	items, err := c.queue.DrainAll(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("drain mutation queue")
		return rep
	}
	rep.Drained = len(items)
	if len(items) == 0 {
		return rep
	}

	for _, m := range items {
		err := c.replay(ctx, m)
		if err == nil {
			rep.Replayed++
			continue
		}

		attempts := m.Attempts + 1
		lg := c.log.With().Str("mutation_id", m.ID).Str("method", string(m.Method)).
			Str("target", m.Target).Int("attempts", attempts).Logger()

		if !c.retryable(err) || (c.maxAttempts > 0 && attempts >= c.maxAttempts) {
			rep.Dropped++
			lg.Error().Err(err).Msg("dropping mutation")
			continue
		}
		if qerr := c.queue.Requeue(persist, m); qerr != nil {
			lg.Error().Err(qerr).AnErr("replay_error", err).Msg("requeue mutation failed")
			continue
		}
		rep.Requeued++
		lg.Warn().Err(err).Msg("replay failed; mutation requeued")
	}

	rep.Duration = time.Since(start)
	c.log.Info().Int("drained", rep.Drained).Int("replayed", rep.Replayed).
		Int("requeued", rep.Requeued).Int("dropped", rep.Dropped).
		Dur("duration", rep.Duration).Msg("sync cycle finished")
	return rep
}

func (c *Coordinator) replay(ctx context.Context, m queue.Mutation) error {
	verb := m.Method.Verb()
	if verb == "" {
		return failure.ValidationError("sync.replay", "invalid method "+string(m.Method))
	}
	resp, err := c.doer.Do(ctx, &transport.Request{
		Method: verb,
		Path:   m.Target,
		Header: http.Header{"Idempotency-Key": {m.ID}},
		Body:   m.Body,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		msg := failure.MessageFromBody(resp.Body)
		if resp.Status == http.StatusUnauthorized {
			return failure.AuthError("sync.replay", resp.Status, failure.ServerError("sync.replay", resp.Status, msg))
		}
		return failure.ServerError("sync.replay", resp.Status, msg)
	}
	if c.onReplayed != nil {
		c.onReplayed(ctx, m, resp)
	}
	return nil
}

// Listen triggers a cycle on every offline to online transition until ctx
// is done, then unsubscribes. If the monitor is already online a cycle runs
// at once so mutations left by a previous process are replayed.
//
// Monitors publish only transitions and keep just the latest undelivered
// one, so an online event may stand for an offline period that was never
// seen here. Every online event therefore starts a cycle.
func (c *Coordinator) Listen(ctx context.Context, mon connectivity.Monitor) {
	events, unsubscribe := mon.Subscribe()
	defer unsubscribe()

	if mon.Online() {
		c.runFresh(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Online {
				c.log.Info().Msg("back online; replaying queued mutations")
				c.runFresh(ctx)
			}
		}
	}
}

// StartListener runs Listen in the background. The returned function stops
// the listener and waits for it to exit.
func (c *Coordinator) StartListener(ctx context.Context, mon connectivity.Monitor) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Listen(ctx, mon)
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
