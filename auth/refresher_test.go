package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/briangreenhill/loadsync/failure"
	"github.com/briangreenhill/loadsync/transport"
)

func newRefreshServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.RefreshToken != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Invalid refresh token"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "a2",
			"refresh_token": "r2",
			"token_type":    "bearer",
			"expires_in":    1800,
		})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIRefresher(t *testing.T) {
	srv := newRefreshServer(t)
	client, err := transport.New(srv.URL)
	require.NoError(t, err)

	r := NewAPIRefresher(client, "")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	tok, err := r.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", tok.AccessToken)
	assert.Equal(t, "r2", tok.RefreshToken)
	assert.Equal(t, now.Add(30*time.Minute), tok.ExpiresAt)

	_, err = r.Refresh(context.Background(), "bogus")
	require.Error(t, err)
	assert.Equal(t, failure.Server, failure.KindOf(err))
	assert.Contains(t, err.Error(), "Invalid refresh token")
}

func TestOAuth2Refresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		if r.Form.Get("refresh_token") != "r1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a2","refresh_token":"r2","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	r, err := NewOAuth2Refresher(&oauth2.Config{
		ClientID:     "mobile",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL + "/oauth/token"},
	}, srv.Client())
	require.NoError(t, err)

	tok, err := r.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", tok.AccessToken)
	assert.Equal(t, "r2", tok.RefreshToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.False(t, tok.ExpiresAt.IsZero())

	_, err = r.Refresh(context.Background(), "bad")
	require.Error(t, err)
	assert.Equal(t, failure.Server, failure.KindOf(err))

	_, err = NewOAuth2Refresher(&oauth2.Config{}, nil)
	assert.Error(t, err)
}
