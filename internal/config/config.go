package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/tendant/simple-idm-session/pkg/tokenstore"
)

// Config holds client configuration.
type Config struct {
	// Server
	ServerURL      string        `env:"IDM_SERVER_URL"`
	RequestTimeout time.Duration `env:"IDM_REQUEST_TIMEOUT" envDefault:"15s"`

	// Token storage
	Platform   tokenstore.Platform `env:"IDM_PLATFORM" envDefault:"device"`
	TokenFile  string              `env:"IDM_TOKEN_FILE"`
	StorageKey string              `env:"IDM_STORAGE_KEY" envDefault:"simple_idm.refresh_token"`
	RedisAddr  string              `env:"IDM_REDIS_ADDR" envDefault:"localhost:6379"`

	// Renewal
	RenewLead        time.Duration `env:"IDM_RENEW_LEAD" envDefault:"2m"`
	ForegroundSkew   time.Duration `env:"IDM_FOREGROUND_SKEW" envDefault:"30s"`
	BootstrapBackoff time.Duration `env:"IDM_BOOTSTRAP_BACKOFF" envDefault:"1500ms"`

	// Connectivity
	ConnectivityInterval time.Duration `env:"IDM_CONNECTIVITY_INTERVAL" envDefault:"10s"`

	// Observability
	MetricsAddr string     `env:"IDM_METRICS_ADDR"`
	LogLevel    slog.Level `env:"IDM_LOG_LEVEL" envDefault:"info"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Validate required fields
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("IDM_SERVER_URL is required")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("IDM_SERVER_URL must be an absolute URL: %q", cfg.ServerURL)
	}
	if cfg.RenewLead <= 0 {
		return nil, fmt.Errorf("IDM_RENEW_LEAD must be positive")
	}

	return &cfg, nil
}

// BaseURL returns the parsed server URL.
func (c *Config) BaseURL() *url.URL {
	u, _ := url.Parse(c.ServerURL)
	return u
}

// HasMetrics returns true if a metrics listener is configured.
func (c *Config) HasMetrics() bool {
	return c.MetricsAddr != ""
}

// StubConfig holds configuration for the development identity server.
type StubConfig struct {
	// Server
	Addr string `env:"STUB_ADDR" envDefault:"127.0.0.1:8081"`

	// JWT
	JWTSecret       string        `env:"STUB_JWT_SECRET"`
	JWTIssuer       string        `env:"STUB_JWT_ISSUER" envDefault:"simple-idm"`
	AccessTokenTTL  time.Duration `env:"STUB_ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"STUB_REFRESH_TOKEN_TTL" envDefault:"168h"`

	// Rate limiting
	RateLimitEnabled bool          `env:"STUB_RATE_LIMIT_ENABLED" envDefault:"true"`
	AuthRateLimit    int           `env:"STUB_AUTH_RATE_LIMIT" envDefault:"10"`
	RefreshRateLimit int           `env:"STUB_REFRESH_RATE_LIMIT" envDefault:"30"`
	RateLimitWindow  time.Duration `env:"STUB_RATE_LIMIT_WINDOW" envDefault:"1m"`

	// Cookies
	CookieSecure bool `env:"STUB_COOKIE_SECURE" envDefault:"false"`

	// Password policy
	PasswordPolicy PasswordPolicyConfig `envPrefix:"STUB_PASSWORD_"`

	// Seed account
	SeedEmail    string `env:"STUB_SEED_EMAIL"`
	SeedPassword string `env:"STUB_SEED_PASSWORD"`
	SeedUsername string `env:"STUB_SEED_USERNAME"`

	LogLevel slog.Level `env:"STUB_LOG_LEVEL" envDefault:"info"`
}

// PasswordPolicyConfig holds password complexity requirements.
type PasswordPolicyConfig struct {
	MinLength        int  `env:"MIN_LENGTH" envDefault:"8"`
	RequireUppercase bool `env:"REQUIRE_UPPERCASE" envDefault:"false"`
	RequireLowercase bool `env:"REQUIRE_LOWERCASE" envDefault:"false"`
	RequireNumber    bool `env:"REQUIRE_NUMBER" envDefault:"false"`
	RequireSpecial   bool `env:"REQUIRE_SPECIAL" envDefault:"false"`
}

// LoadStub loads stub server configuration from environment variables.
func LoadStub() (*StubConfig, error) {
	var cfg StubConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("STUB_JWT_SECRET is required")
	}
	if cfg.SeedEmail != "" && cfg.SeedPassword == "" {
		return nil, fmt.Errorf("STUB_SEED_PASSWORD is required with STUB_SEED_EMAIL")
	}

	return &cfg, nil
}

// HasSeedUser returns true if a seed account is configured.
func (c *StubConfig) HasSeedUser() bool {
	return c.SeedEmail != ""
}
