package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/florianilch/ridergate/internal/account"
	"github.com/florianilch/ridergate/internal/apitest"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = l.Close() }()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

func testConfig(t *testing.T, api *apitest.Server) *Config {
	t.Helper()
	cfg := &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: freePort(t)},
		API:    APIConfig{BaseURL: api.URL},
		Auth:   AuthConfig{Storage: TokenStorageTypeFile, File: filepath.Join(t.TempDir(), "refresh_token")},
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults() error = %v", err)
	}
	return cfg
}

func TestApp_StartRestoresSession(t *testing.T) {
	api := apitest.NewServer(t)
	api.AddAccount("rider@example.com", "s3cret", "Rider One")
	cfg := testConfig(t, api)

	// Seed the store as a previous run would have
	store, closeStore, err := cfg.Auth.NewTokenStore()
	if err != nil {
		t.Fatalf("NewTokenStore() error = %v", err)
	}
	if err := store.Write(context.Background(), api.IssueRefreshToken("rider@example.com")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_ = closeStore()

	application, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Start(ctx) }()

	base := "http://127.0.0.1:" + strconv.Itoa(int(cfg.Server.Port))
	var body struct {
		Email string `json:"email"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/session")
		if err == nil && resp.StatusCode == http.StatusOK {
			err = json.NewDecoder(resp.Body).Decode(&body)
			_ = resp.Body.Close()
			if err != nil {
				t.Fatalf("decoding session: %v", err)
			}
			break
		}
		if err == nil {
			_ = resp.Body.Close()
		}
		if time.Now().After(deadline) {
			t.Fatal("session not served before deadline")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if body.Email != "rider@example.com" {
		t.Errorf("session email = %q", body.Email)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

func TestApp_BootstrapWithoutStoredToken(t *testing.T) {
	api := apitest.NewServer(t)
	application, err := New(testConfig(t, api))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = application.Close() }()

	res := application.Bootstrap(context.Background())
	if res.Outcome != account.OutcomeLoggedOut {
		t.Errorf("Outcome = %v, want %v", res.Outcome, account.OutcomeLoggedOut)
	}
	if api.RefreshCalls.Load() != 0 {
		t.Error("refresh attempted without a stored token")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := &Config{}
	if _, err := New(cfg); err == nil {
		t.Error("New() with zero config error = nil, want error")
	}
}
