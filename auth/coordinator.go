// Package auth attaches the session's access token to outbound requests and
// renews it when the API reports an expired session. However many requests
// observe the expiry at once, only one renewal is in flight.
package auth

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/briangreenhill/loadsync/credentials"
	"github.com/briangreenhill/loadsync/failure"
	"github.com/briangreenhill/loadsync/transport"
)

var (
	ErrNoRefreshToken = errors.New("no refresh token available")
	ErrEmptyToken     = errors.New("refresh returned an empty access token")
)

// State of the refresh gate
type State int32

const (
	Stable State = iota
	Refreshing
)

func (s State) String() string {
	if s == Refreshing {
		return "refreshing"
	}
	return "stable"
}

// CredentialStore is the subset of the credential store the coordinator uses
type CredentialStore interface {
	AccessToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (string, error)
	SetTokens(ctx context.Context, access, refresh string, expiresAt time.Time) error
	Clear(ctx context.Context) error
}

// Coordinator is a transport.Doer that authenticates requests and recovers
// from 401 responses by renewing credentials once and retrying once.
type Coordinator struct {
	next      transport.Doer
	creds     CredentialStore
	refresher Refresher
	log       zerolog.Logger
	onExpired func()

	group     singleflight.Group
	state     atomic.Int32
	refreshes atomic.Int64
}

type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// OnSessionExpired registers a callback run after an unrecoverable refresh
// failure has cleared the session, so the host can route to login.
func OnSessionExpired(f func()) Option {
	return func(c *Coordinator) { c.onExpired = f }
}

// NewCoordinator wraps next
func NewCoordinator(next transport.Doer, creds CredentialStore, refresher Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		next:      next,
		creds:     creds,
		refresher: refresher,
		log:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State reports whether a refresh is currently in flight
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Refreshes returns the number of successful refresh calls made
func (c *Coordinator) Refreshes() int64 {
	return c.refreshes.Load()
}

// Do implements transport.Doer
func (c *Coordinator) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	token, err := c.creds.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, req, token)
	if err != nil || resp.Status != http.StatusUnauthorized {
		return resp, err
	}

	fresh, err := c.renew(ctx, token, resp)
	if err != nil {
		return nil, err
	}
	// Exactly one retry; a second 401 goes back to the caller unchanged
	return c.send(ctx, req, fresh)
}

func (c *Coordinator) send(ctx context.Context, req *transport.Request, token string) (*transport.Response, error) {
	r := req.Clone()
	if token != "" {
		t := &oauth2.Token{AccessToken: token}
		r.Header.Set("Authorization", t.Type()+" "+t.AccessToken)
	}
	return c.next.Do(ctx, r)
}

// renew returns an access token newer than stale. Callers arriving while a
// refresh is in flight share its result.
func (c *Coordinator) renew(ctx context.Context, stale string, original *transport.Response) (string, error) {
	if cur, err := c.creds.AccessToken(ctx); err == nil && cur != "" && cur != stale {
		return cur, nil
	}

	// The shared refresh must not be canceled by whichever caller started it
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan("refresh", func() (any, error) {
		return c.refresh(shared, stale, original)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context, stale string, original *transport.Response) (string, error) {
	c.state.Store(int32(Refreshing))
	defer c.state.Store(int32(Stable))

	// A refresh that finished just before this one started already did the work
	cur, cerr := c.creds.AccessToken(ctx)
	if cerr == nil && cur != "" && cur != stale {
		return cur, nil
	}

	rt, err := c.creds.RefreshToken(ctx)
	if err != nil {
		return "", c.expire(ctx, original, err)
	}
	if rt == "" {
		if cerr == nil && cur == "" {
			// Nothing stored, so there is no session to renew or to end
			return "", c.unauthorized(original, credentials.ErrNoSession)
		}
		return "", c.expire(ctx, original, ErrNoRefreshToken)
	}

	start := time.Now()
	tokens, err := c.refresher.Refresh(ctx, rt)
	if err != nil {
		return "", c.expire(ctx, original, err)
	}
	if tokens.AccessToken == "" {
		return "", c.expire(ctx, original, ErrEmptyToken)
	}
	if err := c.creds.SetTokens(ctx, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt); err != nil {
		if errors.Is(err, credentials.ErrNoSession) {
			c.log.Info().Msg("session ended during refresh; new tokens discarded")
			return "", c.unauthorized(original, err)
		}
		return "", c.expire(ctx, original, err)
	}

	c.refreshes.Add(1)
	c.log.Info().Dur("duration", time.Since(start)).Msg("session refreshed")
	return tokens.AccessToken, nil
}

// expire clears the session and builds the error every waiter receives
func (c *Coordinator) expire(ctx context.Context, original *transport.Response, cause error) error {
	if err := c.creds.Clear(ctx); err != nil {
		c.log.Error().Err(err).Msg("clear credentials after failed refresh")
	}
	c.log.Warn().Err(cause).Msg("session refresh failed; credentials cleared")
	if c.onExpired != nil {
		c.onExpired()
	}
	return c.unauthorized(original, cause)
}

func (c *Coordinator) unauthorized(original *transport.Response, cause error) error {
	status := http.StatusUnauthorized
	msg := ""
	if original != nil {
		status = original.Status
		msg = failure.MessageFromBody(original.Body)
	}
	return &failure.Error{Kind: failure.Auth, Op: "auth.refresh", Status: status, Message: msg, Err: cause}
}

var _ transport.Doer = (*Coordinator)(nil)
