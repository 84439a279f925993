// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"sigs.k8s.io/yaml"

	"github.com/briangreenhill/loadsync/repository"
)

// Prefix of every environment variable
const Prefix = "LOADSYNC_"

// Config holds all application configuration
type Config struct {
	APIURL         string        `env:"API_URL" envDefault:"http://localhost:8000"`
	UserAgent      string        `env:"USER_AGENT" envDefault:"loadsync"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"20s"`
	Port           string        `env:"PORT" envDefault:"8787"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`

	Refresh RefreshConfig `envPrefix:"REFRESH_"`
	OAuth2  OAuth2Config  `envPrefix:"OAUTH2_"`
	Storage StorageConfig `envPrefix:"STORAGE_"`
	Probe   ProbeConfig   `envPrefix:"PROBE_"`
	Sync    SyncConfig    `envPrefix:"SYNC_"`

	// RedisAddr enables the asynq sync task queue when set
	RedisAddr string `env:"REDIS_ADDR"`

	// CredentialKey is a base64 secretbox key; credentials are stored
	// unsealed when empty.
	CredentialKey string `env:"CREDENTIAL_KEY"`

	DefaultTTL   time.Duration `env:"DEFAULT_TTL" envDefault:"10m"`
	TTLFile      string        `env:"TTL_FILE"`
	ReadFallback string        `env:"READ_FALLBACK" envDefault:"except-missing"`

	// TTLs is read from TTLFile
	TTLs map[string]time.Duration
}

// RefreshConfig selects how expired sessions are renewed
type RefreshConfig struct {
	// Mode is "api" (POST to Path) or "oauth2" (refresh_token grant)
	Mode string `env:"MODE" envDefault:"api"`
	Path string `env:"PATH" envDefault:"/api/v1/auth/refresh"`
}

// OAuth2Config is used when Refresh.Mode is "oauth2"
type OAuth2Config struct {
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	TokenURL     string   `env:"TOKEN_URL"`
	Scopes       []string `env:"SCOPES" envSeparator:","`
}

// StorageConfig selects the durable key/value backend
type StorageConfig struct {
	Backend     string `env:"BACKEND" envDefault:"file"`
	Dir         string `env:"DIR" envDefault:"./data"`
	DatabaseURL string `env:"DATABASE_URL"`
}

type ProbeConfig struct {
	Path     string        `env:"PATH" envDefault:"/health"`
	Interval time.Duration `env:"INTERVAL" envDefault:"15s"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"5s"`
}

type SyncConfig struct {
	MaxAttempts  int  `env:"MAX_ATTEMPTS" envDefault:"0"`
	DropRejected bool `env:"DROP_REJECTED"`
}

// Load reads configuration from the process environment
func Load() (*Config, error) {
	return load(env.Options{Prefix: Prefix})
}

// LoadFrom reads configuration from environ instead of the process
// environment. Keys carry the LOADSYNC_ prefix.
func LoadFrom(environ map[string]string) (*Config, error) {
	return load(env.Options{Prefix: Prefix, Environment: environ})
}

func load(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.TTLFile != "" {
		ttls, err := LoadTTLFile(cfg.TTLFile)
		if err != nil {
			return nil, err
		}
		cfg.TTLs = ttls
	}
	return cfg, nil
}

// LoadTTLFile reads a YAML (or JSON) map of namespace to duration, e.g.
//
//	loads: 15m
//	trips: 5m
func LoadTTLFile(path string) (map[string]time.Duration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ttl file: %w", err)
	}
	return ParseTTLs(data)
}

// ParseTTLs parses the TTL file format
func ParseTTLs(data []byte) (map[string]time.Duration, error) {
	raw := map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ttl file: %w", err)
	}
	out := make(map[string]time.Duration, len(raw))
	for ns, v := range raw {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("ttl for %s: %w", ns, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("ttl for %s must not be negative", ns)
		}
		out[ns] = d
	}
	return out, nil
}

// Level returns the parsed log level
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// UsesRedis reports whether the asynq task queue is configured
func (c *Config) UsesRedis() bool {
	return c.RedisAddr != ""
}

// Validate reports settings that cannot work together
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%sAPI_URL must be an absolute URL, got %q", Prefix, c.APIURL)
	}

	switch c.Refresh.Mode {
	case "api":
		if !strings.HasPrefix(c.Refresh.Path, "/") {
			return fmt.Errorf("%sREFRESH_PATH must start with /", Prefix)
		}
	case "oauth2":
		if c.OAuth2.ClientID == "" || c.OAuth2.TokenURL == "" {
			return fmt.Errorf("oauth2 refresh needs %sOAUTH2_CLIENT_ID and %sOAUTH2_TOKEN_URL", Prefix, Prefix)
		}
	default:
		return fmt.Errorf("%sREFRESH_MODE must be api or oauth2, got %q", Prefix, c.Refresh.Mode)
	}

	switch c.Storage.Backend {
	case "file":
		if c.Storage.Dir == "" {
			return fmt.Errorf("file storage needs %sSTORAGE_DIR", Prefix)
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("postgres storage needs %sSTORAGE_DATABASE_URL", Prefix)
		}
	default:
		return fmt.Errorf("%sSTORAGE_BACKEND must be file or postgres, got %q", Prefix, c.Storage.Backend)
	}

	if _, err := repository.ParseFallback(c.ReadFallback); err != nil {
		return fmt.Errorf("%sREAD_FALLBACK: %w", Prefix, err)
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("%sSYNC_MAX_ATTEMPTS must not be negative", Prefix)
	}
	if c.Probe.Interval <= 0 || c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe interval and timeout must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%sREQUEST_TIMEOUT must be positive", Prefix)
	}
	return nil
}
