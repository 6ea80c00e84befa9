// Package config loads the settings of the authfetch commands.
//
// Sources, highest precedence first:
//  1. an explicit path (the --config flag);
//  2. the file named by CONFIG_PATH;
//  3. ./local.yaml in the working directory;
//  4. environment variables only.
//
// Environment variables always overlay values read from a file. A .env file
// in the working directory, if present, is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// Config is the root configuration shared by cmd/authfetch-bff and cmd/devauth
type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	HTTP    HTTPConfig    `yaml:"http"`
	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	Redis   RedisConfig   `yaml:"redis"`
	DevAuth DevAuthConfig `yaml:"devauth"`
}

// HTTPConfig is the listen address
type HTTPConfig struct {
	Host string `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

// Addr returns host:port
func (c HTTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// BackendConfig describes the API the BFF proxies to and its token endpoint
type BackendConfig struct {
	APIURL           string        `yaml:"api_url" env:"BACKEND_API_URL"`
	TokenURL         string        `yaml:"token_url" env:"BACKEND_TOKEN_URL"`
	LogoutURL        string        `yaml:"logout_url" env:"BACKEND_LOGOUT_URL"`
	ClientID         string        `yaml:"client_id" env:"BACKEND_CLIENT_ID" env-default:"authfetch-bff"`
	LoginURL         string        `yaml:"login_url" env:"BACKEND_LOGIN_URL" env-default:"/login"`
	RefreshThreshold time.Duration `yaml:"refresh_threshold" env:"BACKEND_REFRESH_THRESHOLD" env-default:"5m"`
	RenewTimeout     time.Duration `yaml:"renew_timeout" env:"BACKEND_RENEW_TIMEOUT" env-default:"30s"`
	RetryIdempotent  bool          `yaml:"retry_idempotent" env:"BACKEND_RETRY_IDEMPOTENT" env-default:"true"`
}

// SessionConfig configures the browser session cookie
type SessionConfig struct {
	Lifetime     time.Duration `yaml:"lifetime" env:"SESSION_LIFETIME" env-default:"24h"`
	CookieName   string        `yaml:"cookie_name" env:"SESSION_COOKIE_NAME" env-default:"authfetch_session"`
	CookieSecure bool          `yaml:"cookie_secure" env:"SESSION_COOKIE_SECURE" env-default:"false"`
}

// RedisConfig enables redis-backed session events when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// Enabled reports whether a redis server is configured
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// DevAuthConfig configures the development token server
type DevAuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret" env:"DEVAUTH_JWT_SECRET"`
	Issuer          string        `yaml:"issuer" env:"DEVAUTH_ISSUER" env-default:"devauth"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" env:"DEVAUTH_ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"DEVAUTH_REFRESH_TOKEN_TTL" env-default:"168h"`
	// Users are "username:password" pairs registered at startup
	Users []string `yaml:"users" env:"DEVAUTH_USERS" env-separator:","`
	// DatabasePath enables a SQLite refresh token store
	DatabasePath string `yaml:"database_path" env:"DEVAUTH_DATABASE_PATH"`
	// StoragePath enables a file refresh token store when DatabasePath is unset
	StoragePath string `yaml:"storage_path" env:"DEVAUTH_STORAGE_PATH"`
}

// ValidateBFF checks the settings cmd/authfetch-bff needs
func (c *Config) ValidateBFF() error {
	if c.Backend.APIURL == "" {
		return errors.New("backend.api_url (BACKEND_API_URL) is required")
	}
	if c.Backend.TokenURL == "" {
		return errors.New("backend.token_url (BACKEND_TOKEN_URL) is required")
	}
	return nil
}

// ValidateDevAuth checks the settings cmd/devauth needs
func (c *Config) ValidateDevAuth() error {
	if len(c.DevAuth.JWTSecret) < 16 {
		return errors.New("devauth.jwt_secret (DEVAUTH_JWT_SECRET) must be at least 16 characters")
	}
	return nil
}

// MustLoad is Load that panics on error
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration with the precedence described in the package doc
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		if _, err := os.Stat("local.yaml"); err == nil {
			path = "local.yaml"
		}
	}

	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read env: %w", err)
		}
		return &cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %q stat failed: %w", path, err)
	}
	// ReadConfig applies the env overlay after parsing the file
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	return &cfg, nil
}

// NewLogger returns the slog logger for env: text at debug level locally,
// JSON elsewhere, info level in production.
func NewLogger(env string) *slog.Logger {
	switch env {
	case EnvDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case EnvProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}
