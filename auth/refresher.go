package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/briangreenhill/loadsync/failure"
	"github.com/briangreenhill/loadsync/transport"
)

// DefaultRefreshPath is the backend's token renewal endpoint
const DefaultRefreshPath = "/api/v1/auth/refresh"

// Tokens is the result of a successful renewal
type Tokens struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// Refresher exchanges a refresh token for new credentials
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// RefresherFunc adapts a function to Refresher
type RefresherFunc func(ctx context.Context, refreshToken string) (Tokens, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	return f(ctx, refreshToken)
}

// tokenResp mirrors the backend TokenResponse
type tokenResp struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// APIRefresher posts {"refresh_token": ...} to the backend refresh endpoint.
// It must be given an unauthenticated Doer, never the Coordinator itself.
type APIRefresher struct {
	doer transport.Doer
	path string
	now  func() time.Time
}

// NewAPIRefresher creates a refresher; an empty path uses DefaultRefreshPath
func NewAPIRefresher(doer transport.Doer, path string) *APIRefresher {
	if path == "" {
		path = DefaultRefreshPath
	}
	return &APIRefresher{doer: doer, path: path, now: time.Now}
}

func (r *APIRefresher) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return Tokens{}, err
	}
	resp, err := r.doer.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   r.path,
		Header: http.Header{},
		Body:   body,
	})
	if err != nil {
		return Tokens{}, err
	}
	if !resp.OK() {
		return Tokens{}, failure.ServerError("auth.refresh", resp.Status, failure.MessageFromBody(resp.Body))
	}
	var tok tokenResp
	if err := json.Unmarshal(resp.Body, &tok); err != nil {
		return Tokens{}, fmt.Errorf("decode refresh response: %w", err)
	}
	out := Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if tok.ExpiresIn > 0 {
		out.ExpiresAt = r.now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
	}
	return out, nil
}

// OAuth2Refresher renews credentials with a standard refresh_token grant
type OAuth2Refresher struct {
	conf *oauth2.Config
	http *http.Client
}

// NewOAuth2Refresher creates a refresher for conf. httpClient may be nil.
func NewOAuth2Refresher(conf *oauth2.Config, httpClient *http.Client) (*OAuth2Refresher, error) {
	if conf == nil || conf.Endpoint.TokenURL == "" {
		return nil, errors.New("oauth2 token URL required")
	}
	return &OAuth2Refresher{conf: conf, http: httpClient}, nil
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	if r.http != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.http)
	}
	// A token with no access token is never valid, so Token() refreshes
	tok, err := r.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return Tokens{}, failure.ServerError("auth.refresh", re.Response.StatusCode, failure.MessageFromBody(re.Body))
		}
		return Tokens{}, failure.NetworkError("auth.refresh", err)
	}
	return Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
	}, nil
}

var (
	_ Refresher = (*APIRefresher)(nil)
	_ Refresher = (*OAuth2Refresher)(nil)
)
