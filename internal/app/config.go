package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/florianilch/ridergate/internal/account"
	"github.com/florianilch/ridergate/internal/authapi"
	"github.com/florianilch/ridergate/internal/observability"
	"github.com/florianilch/ridergate/internal/tokenstore"
)

// TokenStorageType represents the different storage types supported for the refresh token.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeEnv     TokenStorageType = "env"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
	TokenStorageTypeRedis   TokenStorageType = "redis"
)

// Default configuration values
const (
	DefaultConfigLogFormat               = observability.FormatText
	DefaultConfigLogExporter             = observability.ExporterNone
	DefaultConfigServerHost              = "127.0.0.1"
	DefaultConfigServerPort              = 4000
	DefaultConfigShutdownTimeout         = 5 * time.Second
	DefaultConfigAPIBaseURL              = "http://localhost:3105"
	DefaultConfigAPITimeout              = authapi.DefaultTimeout
	DefaultConfigSessionBootstrapTimeout = account.DefaultBootstrapTimeout
	DefaultConfigAuthStorage             = TokenStorageTypeFile
	DefaultConfigAuthRedisAddr           = "localhost:6379"
	DefaultConfigAuthRedisKeyPrefix      = "ridergate:"
	DefaultConfigOrdersMaxRetryInterval  = time.Minute
)

// keyringService is the service name under which the refresh token is kept in the OS keyring.
const keyringService = "ridergate"

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// APIConfig holds remote rider API configuration.
type APIConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`
	// Timeout bounds login, refresh and logout calls.
	Timeout time.Duration `json:"timeout" validate:"gte=0"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	// BootstrapTimeout bounds silent re-authentication at startup.
	BootstrapTimeout time.Duration `json:"bootstrap_timeout" validate:"gte=0"`
}

// RedisConfig holds connection settings for redis token storage.
type RedisConfig struct {
	Addr      string `json:"addr"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db" validate:"gte=0"`
	KeyPrefix string `json:"key_prefix"`
}

// AuthConfig describes where the refresh token is persisted.
type AuthConfig struct {
	Storage TokenStorageType `json:"storage" validate:"required,oneof=file env keyring redis"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	File        string      `json:"file,omitempty"`         // For file storage: path to token file
	EnvKey      string      `json:"env_key,omitempty"`      // For env storage: environment variable name
	KeyringUser string      `json:"keyring_user,omitempty"` // For keyring storage: user identifier
	Redis       RedisConfig `json:"redis"`                  // For redis storage
}

// OrdersConfig holds order feed configuration.
type OrdersConfig struct {
	Disabled         bool          `json:"disabled"`
	MaxRetryInterval time.Duration `json:"max_retry_interval" validate:"gte=0"`
}

// NewTokenStore creates a TokenStore from the auth configuration.
// The returned close function releases connections held by the store and is never nil.
func (a *AuthConfig) NewTokenStore() (tokenstore.TokenStore, func() error, error) {
	noop := func() error { return nil }

	switch a.Storage {
	case TokenStorageTypeFile:
		s, err := tokenstore.NewFileStore(a.File)
		return s, noop, err
	case TokenStorageTypeEnv:
		s, err := tokenstore.NewEnvStore(a.EnvKey)
		return s, noop, err
	case TokenStorageTypeKeyring:
		s, err := tokenstore.NewKeyringStore(keyringService, a.KeyringUser)
		return s, noop, err
	case TokenStorageTypeRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{a.Redis.Addr},
			Username: a.Redis.Username,
			Password: a.Redis.Password,
			DB:       a.Redis.DB,
		})
		s, err := tokenstore.NewRedisStore(client, a.Redis.KeyPrefix)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return s, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level             `json:"log_level"`
	LogFormat   observability.Format   `json:"log_format" validate:"oneof=text json"`
	LogExporter observability.Exporter `json:"log_exporter" validate:"oneof=none stdout otlp-http otlp-grpc"`
	// TraceEndpoint enables span export to an OTLP/HTTP collector.
	TraceEndpoint string `json:"trace_endpoint,omitempty" validate:"omitempty,url"`

	Server   ServerConfig   `json:"server"`
	Shutdown ShutdownConfig `json:"shutdown"`
	API      APIConfig      `json:"api"`
	Session  SessionConfig  `json:"session"`
	Auth     AuthConfig     `json:"auth"`
	Orders   OrdersConfig   `json:"orders"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.LogExporter == "" {
		c.LogExporter = DefaultConfigLogExporter
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultConfigAPIBaseURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultConfigAPITimeout
	}
	if c.Session.BootstrapTimeout == 0 {
		c.Session.BootstrapTimeout = DefaultConfigSessionBootstrapTimeout
	}
	if c.Orders.MaxRetryInterval == 0 {
		c.Orders.MaxRetryInterval = DefaultConfigOrdersMaxRetryInterval
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			c.Auth.File = filepath.Join(configDir, "ridergate", "refresh_token")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.KeyringUser = currentUser.Username
		}
	case TokenStorageTypeRedis:
		if c.Auth.Redis.Addr == "" {
			c.Auth.Redis.Addr = DefaultConfigAuthRedisAddr
		}
		if c.Auth.Redis.KeyPrefix == "" {
			c.Auth.Redis.KeyPrefix = DefaultConfigAuthRedisKeyPrefix
		}
	case TokenStorageTypeEnv:
		// env_key must be explicitly configured (no sensible default)
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			return errors.New("file path required for file storage")
		}
	case TokenStorageTypeEnv:
		if c.Auth.EnvKey == "" {
			return errors.New("env_key required for env storage")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	case TokenStorageTypeRedis:
		if c.Auth.Redis.Addr == "" {
			return errors.New("redis.addr required for redis storage")
		}
	}

	return nil
}
