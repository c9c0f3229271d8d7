package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/florianilch/ridergate/internal/observability"
	"github.com/florianilch/ridergate/internal/tokenstore"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{File: "/tmp/ridergate/token"}}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults() error = %v", err)
	}

	if cfg.LogFormat != observability.FormatText || cfg.LogExporter != observability.ExporterNone {
		t.Errorf("log defaults = %q/%q", cfg.LogFormat, cfg.LogExporter)
	}
	if cfg.Server.Host != DefaultConfigServerHost || cfg.Server.Port != DefaultConfigServerPort {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Session.BootstrapTimeout != 10*time.Second {
		t.Errorf("bootstrap timeout = %v, want 10s", cfg.Session.BootstrapTimeout)
	}
	if cfg.API.Timeout != 30*time.Second {
		t.Errorf("api timeout = %v, want 30s", cfg.API.Timeout)
	}
	if cfg.Auth.Storage != TokenStorageTypeFile || cfg.Auth.File != "/tmp/ridergate/token" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error = %v", err)
	}
}

func TestConfig_ApplyDefaultsRedis(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{Storage: TokenStorageTypeRedis}}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults() error = %v", err)
	}
	if cfg.Auth.Redis.Addr != DefaultConfigAuthRedisAddr || cfg.Auth.Redis.KeyPrefix != DefaultConfigAuthRedisKeyPrefix {
		t.Errorf("redis = %+v", cfg.Auth.Redis)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Auth: AuthConfig{File: "/tmp/ridergate/token"}}
		if err := cfg.ApplyDefaults(); err != nil {
			t.Fatalf("ApplyDefaults() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "json format", mutate: func(c *Config) { c.LogFormat = observability.FormatJSON }},
		{name: "otlp exporter", mutate: func(c *Config) { c.LogExporter = observability.ExporterOTLPGRPC }},
		{name: "unknown format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: true},
		{name: "unknown exporter", mutate: func(c *Config) { c.LogExporter = "kafka" }, wantErr: true},
		{name: "bad trace endpoint", mutate: func(c *Config) { c.TraceEndpoint = "not a url" }, wantErr: true},
		{name: "bad host", mutate: func(c *Config) { c.Server.Host = "bad host!" }, wantErr: true},
		{name: "missing base url", mutate: func(c *Config) { c.API.BaseURL = "" }, wantErr: true},
		{name: "negative bootstrap timeout", mutate: func(c *Config) { c.Session.BootstrapTimeout = -time.Second }, wantErr: true},
		{name: "unknown storage", mutate: func(c *Config) { c.Auth.Storage = "s3" }, wantErr: true},
		{name: "env without key", mutate: func(c *Config) { c.Auth.Storage = TokenStorageTypeEnv }, wantErr: true},
		{
			name: "env with key",
			mutate: func(c *Config) {
				c.Auth.Storage = TokenStorageTypeEnv
				c.Auth.EnvKey = "RIDERGATE_REFRESH_TOKEN"
			},
		},
		{name: "keyring without user", mutate: func(c *Config) { c.Auth.Storage = TokenStorageTypeKeyring }, wantErr: true},
		{name: "redis without addr", mutate: func(c *Config) { c.Auth.Storage = TokenStorageTypeRedis }, wantErr: true},
		{
			name: "redis with addr",
			mutate: func(c *Config) {
				c.Auth.Storage = TokenStorageTypeRedis
				c.Auth.Redis.Addr = "localhost:6379"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthConfig_NewTokenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("RIDERGATE_TEST_REFRESH_TOKEN", "rt-from-env")

	tests := []struct {
		name     string
		cfg      AuthConfig
		wantRead string
		wantErr  error
	}{
		{
			name:    "file",
			cfg:     AuthConfig{Storage: TokenStorageTypeFile, File: filepath.Join(t.TempDir(), "token")},
			wantErr: tokenstore.ErrNotFound,
		},
		{
			name:     "env",
			cfg:      AuthConfig{Storage: TokenStorageTypeEnv, EnvKey: "RIDERGATE_TEST_REFRESH_TOKEN"},
			wantRead: "rt-from-env",
		},
		{
			name:    "redis",
			cfg:     AuthConfig{Storage: TokenStorageTypeRedis, Redis: RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:"}},
			wantErr: tokenstore.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, closeStore, err := tt.cfg.NewTokenStore()
			if err != nil {
				t.Fatalf("NewTokenStore() error = %v", err)
			}
			defer func() {
				if err := closeStore(); err != nil {
					t.Errorf("close error = %v", err)
				}
			}()

			got, err := store.Read(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Read() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.wantRead {
				t.Errorf("Read() = %q, want %q", got, tt.wantRead)
			}
		})
	}
}

func TestAuthConfig_NewTokenStoreUnsupported(t *testing.T) {
	cfg := AuthConfig{Storage: "s3"}
	if _, closeStore, err := cfg.NewTokenStore(); err == nil {
		t.Error("NewTokenStore() error = nil, want error")
	} else if closeStore == nil {
		t.Error("NewTokenStore() returned nil close function")
	}
}
