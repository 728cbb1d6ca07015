package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the Oentex session agent.
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// BaseURL is the public origin of the site; RedirectPath is appended to
	// it to form the OAuth callback URL.
	BaseURL         string        `env:"BASE_URL" envDefault:"http://localhost:8080"`
	RedirectPath    string        `env:"AUTH_REDIRECT_PATH" envDefault:"/auth/callback"`
	DefaultRedirect string        `env:"AUTH_DEFAULT_REDIRECT" envDefault:"/dashboard"`
	MaxRetries      int           `env:"AUTH_MAX_RETRIES" envDefault:"3"`
	RetryDelay      time.Duration `env:"AUTH_RETRY_DELAY" envDefault:"1s"`

	SupabaseURL     string `env:"SUPABASE_URL"`
	SupabaseAnonKey string `env:"SUPABASE_ANON_KEY"`
	// JWKSIssuer enables access token verification against the project's
	// JWKS when set.
	JWKSIssuer string `env:"AUTH_JWKS_ISSUER"`

	DataStore   string `env:"DATA_STORE" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	// RedisURL switches session storage from memory to Redis when set.
	RedisURL string `env:"REDIS_URL"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:8080"`
}

// secretFiles holds the *_FILE variants; each names a file whose contents
// are used when the plain variable is empty.
type secretFiles struct {
	DatabaseURL     string `env:"DATABASE_URL_FILE,file"`
	SupabaseAnonKey string `env:"SUPABASE_ANON_KEY_FILE,file"`
	RedisURL        string `env:"REDIS_URL_FILE,file"`
}

var dotenvLoaded sync.Once

// Load reads configuration from the environment, after loading a .env file
// when one is present.
func Load() (Config, error) {
	dotenvLoaded.Do(func() {
		// Ignore errors - the .env file might not exist and that's ok
		_ = godotenv.Load()
	})

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	secrets, err := env.ParseAs[secretFiles]()
	if err != nil {
		return Config{}, fmt.Errorf("config: read secret files: %w", err)
	}

	cfg.DatabaseURL = firstSet(cfg.DatabaseURL, secrets.DatabaseURL)
	cfg.SupabaseAnonKey = firstSet(cfg.SupabaseAnonKey, secrets.SupabaseAnonKey)
	cfg.RedisURL = firstSet(cfg.RedisURL, secrets.RedisURL)

	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.DataStore = strings.ToLower(strings.TrimSpace(cfg.DataStore))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.SupabaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.SupabaseURL), "/")
	cfg.AllowedOrigins = trimAll(cfg.AllowedOrigins)
	if !strings.HasPrefix(cfg.RedirectPath, "/") {
		cfg.RedirectPath = "/" + cfg.RedirectPath
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.DataStore {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: DATA_STORE is postgres but DATABASE_URL is not set")
		}
	default:
		return fmt.Errorf("config: unsupported DATA_STORE %q", c.DataStore)
	}

	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("config: invalid BASE_URL %q: %w", c.BaseURL, err)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: AUTH_MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("config: AUTH_RETRY_DELAY must not be negative, got %s", c.RetryDelay)
	}
	if !c.IsDevelopment() {
		if len(c.AllowedOrigins) == 0 {
			return errors.New("config: ALLOWED_ORIGINS must define at least one origin outside development")
		}
		if slices.Contains(c.AllowedOrigins, "*") {
			return errors.New("config: ALLOWED_ORIGINS cannot contain wildcard outside development")
		}
	}
	return nil
}

// RequireGateway reports whether the hosted auth provider is configured.
// Only the serve command needs it.
func (c Config) RequireGateway() error {
	if c.SupabaseURL == "" {
		return errors.New("config: SUPABASE_URL is required")
	}
	if c.SupabaseAnonKey == "" {
		return errors.New("config: SUPABASE_ANON_KEY is required")
	}
	return nil
}

// CallbackURL is the OAuth redirect target handed to the provider.
func (c Config) CallbackURL() string {
	return c.BaseURL + c.RedirectPath
}

// HTTPAddress returns the address the HTTP server should bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// UseInMemoryStore returns true if the in-memory profile repository should be used.
func (c Config) UseInMemoryStore() bool {
	return c.DataStore == "memory"
}

// UseRedisSessions returns true if sessions should be persisted in Redis.
func (c Config) UseRedisSessions() bool {
	return c.RedisURL != ""
}

// IsDevelopment reports whether the agent runs locally.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
