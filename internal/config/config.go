// Package config loads process settings from the environment and provider
// sections from a YAML file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
)

// PKCE verifier store backends.
const (
	PKCEStoreMemory = "memory"
	PKCEStoreRedis  = "redis"
)

// Settings are the process-wide settings read from the environment.
type Settings struct {
	Addr       string `env:"OAUTHFED_ADDR" envDefault:":8080"`
	PublicURL  string `env:"OAUTHFED_PUBLIC_URL" envDefault:"http://localhost:8080/"`
	ConfigPath string `env:"OAUTHFED_CONFIG" envDefault:"oauthfed.yaml"`

	SessionTTL  time.Duration `env:"OAUTHFED_SESSION_TTL" envDefault:"24h"`
	HTTPTimeout time.Duration `env:"OAUTHFED_HTTP_TIMEOUT" envDefault:"10s"`

	// LoginRateLimit is the number of direct login attempts allowed per
	// client IP per minute. Zero disables the limit.
	LoginRateLimit int `env:"OAUTHFED_LOGIN_RATE_LIMIT" envDefault:"5"`

	PKCEStore string `env:"OAUTHFED_PKCE_STORE" envDefault:"memory"`
	RedisURL  string `env:"OAUTHFED_REDIS_URL"`

	// SecretKey decrypts "enc:" client secrets.
	SecretKey string `env:"OAUTHFED_SECRET_KEY"`

	SentryDSN         string `env:"SENTRY_DSN"`
	SentryEnvironment string `env:"SENTRY_ENVIRONMENT" envDefault:"production"`
	Version           string `env:"APP_VERSION" envDefault:"dev"`

	DatabaseURL string `env:"DATABASE_URL"`
	SQLiteDSN   string `env:"SQLITE_DSN" envDefault:"file:oauthfed.db?cache=shared&_fk=1"`

	// TrustedProxies lists CIDRs whose X-Forwarded-For header is honored.
	TrustedProxies []string `env:"OAUTHFED_TRUSTED_PROXIES" envSeparator:","`
}

// LoadSettings parses Settings from the environment and validates them.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, autherr.Configuration("parse env: %v", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports inconsistent settings as configuration errors.
func (s Settings) Validate() error {
	u, err := url.Parse(s.PublicURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return autherr.Configuration("OAUTHFED_PUBLIC_URL %q must be an absolute URL", s.PublicURL)
	}
	switch s.PKCEStore {
	case PKCEStoreMemory:
	case PKCEStoreRedis:
		if s.RedisURL == "" {
			return autherr.Configuration("OAUTHFED_PKCE_STORE=redis requires OAUTHFED_REDIS_URL")
		}
	default:
		return autherr.Configuration("unknown OAUTHFED_PKCE_STORE %q", s.PKCEStore)
	}
	if s.SessionTTL <= 0 {
		return autherr.Configuration("OAUTHFED_SESSION_TTL must be positive")
	}
	if s.LoginRateLimit < 0 {
		return autherr.Configuration("OAUTHFED_LOGIN_RATE_LIMIT must not be negative")
	}
	return nil
}

// CallbackURL is where every provider redirects after a browser login.
func (s Settings) CallbackURL() string {
	return strings.TrimRight(s.PublicURL, "/") + "/oauth"
}

// Load reads settings and, when the provider file exists, its provider
// sections. A missing file yields no providers.
func Load() (Settings, map[string]domain.ProviderConfig, error) {
	s, err := LoadSettings()
	if err != nil {
		return Settings{}, nil, err
	}
	data, err := os.ReadFile(s.ConfigPath)
	if os.IsNotExist(err) {
		return s, map[string]domain.ProviderConfig{}, nil
	}
	if err != nil {
		return Settings{}, nil, fmt.Errorf("read config file: %w", err)
	}
	providers, err := ParseProviders(data, s)
	if err != nil {
		return Settings{}, nil, err
	}
	return s, providers, nil
}
