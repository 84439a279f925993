package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.APIURL)
	assert.Equal(t, 20*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "api", cfg.Refresh.Mode)
	assert.Equal(t, "/api/v1/auth/refresh", cfg.Refresh.Path)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "/health", cfg.Probe.Path)
	assert.Equal(t, 15*time.Second, cfg.Probe.Interval)
	assert.Equal(t, 10*time.Minute, cfg.DefaultTTL)
	assert.False(t, cfg.UsesRedis())
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"LOADSYNC_API_URL":              "https://api.loadmove.example",
		"LOADSYNC_REFRESH_MODE":         "oauth2",
		"LOADSYNC_OAUTH2_CLIENT_ID":     "mobile",
		"LOADSYNC_OAUTH2_TOKEN_URL":     "https://auth.loadmove.example/token",
		"LOADSYNC_OAUTH2_SCOPES":        "loads,trips",
		"LOADSYNC_STORAGE_BACKEND":      "postgres",
		"LOADSYNC_STORAGE_DATABASE_URL": "postgres://localhost/loadsync",
		"LOADSYNC_REDIS_ADDR":           "localhost:6379",
		"LOADSYNC_SYNC_MAX_ATTEMPTS":    "5",
		"LOADSYNC_SYNC_DROP_REJECTED":   "true",
		"LOADSYNC_LOG_LEVEL":            "DEBUG",
		"LOADSYNC_PROBE_INTERVAL":       "30s",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://api.loadmove.example", cfg.APIURL)
	assert.Equal(t, []string{"loads", "trips"}, cfg.OAuth2.Scopes)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.True(t, cfg.Sync.DropRejected)
	assert.True(t, cfg.UsesRedis())
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, 30*time.Second, cfg.Probe.Interval)
	assert.NoError(t, cfg.Validate())
}

func TestLoadInvalidDuration(t *testing.T) {
	_, err := LoadFrom(map[string]string{"LOADSYNC_REQUEST_TIMEOUT": "soon"})
	assert.Error(t, err)
}

func TestTTLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loads: 15m\ntrips: 5m\nwallet: 0s\n"), 0o600))

	cfg, err := LoadFrom(map[string]string{"LOADSYNC_TTL_FILE": path})
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Duration{
		"loads":  15 * time.Minute,
		"trips":  5 * time.Minute,
		"wallet": 0,
	}, cfg.TTLs)

	_, err = LoadFrom(map[string]string{"LOADSYNC_TTL_FILE": filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestParseTTLs(t *testing.T) {
	ttls, err := ParseTTLs([]byte(`{"loads": "1h"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttls["loads"])

	_, err = ParseTTLs([]byte("loads: fifteen"))
	assert.Error(t, err)
	_, err = ParseTTLs([]byte("loads: -1m"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadFrom(map[string]string{})
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative api url", func(c *Config) { c.APIURL = "/api" }},
		{"unknown refresh mode", func(c *Config) { c.Refresh.Mode = "magic" }},
		{"oauth2 without token url", func(c *Config) { c.Refresh.Mode = "oauth2"; c.OAuth2.ClientID = "x" }},
		{"postgres without url", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }},
		{"bad fallback", func(c *Config) { c.ReadFallback = "sometimes" }},
		{"negative attempts", func(c *Config) { c.Sync.MaxAttempts = -1 }},
		{"zero probe interval", func(c *Config) { c.Probe.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
