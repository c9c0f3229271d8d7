package orders_test

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/florianilch/ridergate/internal/apitest"
	"github.com/florianilch/ridergate/internal/authapi"
	"github.com/florianilch/ridergate/internal/interceptor"
	"github.com/florianilch/ridergate/internal/orders"
	"github.com/florianilch/ridergate/internal/session"
	"github.com/florianilch/ridergate/internal/tokenstore"
)

type fixture struct {
	api   *apitest.Server
	auth  *authapi.Client
	state *session.State
	store *tokenstore.FileStore
	feed  *orders.Feed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	api := apitest.NewServer(t)
	api.AddAccount("rider@example.com", "s3cret", "Rider One")

	auth, err := authapi.NewClient(api.URL)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	store, err := tokenstore.NewFileStore(filepath.Join(t.TempDir(), "refresh_token"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	state := session.NewState()

	ic, err := interceptor.New(auth, state, store)
	if err != nil {
		t.Fatalf("interceptor.New() error = %v", err)
	}
	t.Cleanup(func() { _ = ic.Close() })

	feed, err := orders.NewFeed(api.URL, ic, state, orders.WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}))
	if err != nil {
		t.Fatalf("NewFeed() error = %v", err)
	}

	return &fixture{api: api, auth: auth, state: state, store: store, feed: feed}
}

// run starts the feed and stops it when the test ends.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.feed.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	})
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	res, err := f.auth.Login(ctx, "rider@example.com", "s3cret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if err := f.store.Write(ctx, res.RefreshToken); err != nil {
		t.Fatalf("store.Write() error = %v", err)
	}
	if err := f.state.Set(res.Session); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeed_StreamsWhileLoggedIn(t *testing.T) {
	f := newFixture(t)
	f.run(t)

	sub, unsubscribe := f.feed.Subscribe(4)
	defer unsubscribe()

	// Nothing is streamed without a session
	time.Sleep(20 * time.Millisecond)
	if got := f.api.StreamsOpened.Load(); got != 0 {
		t.Fatalf("streams opened while logged out = %d, want 0", got)
	}

	f.login(t)
	waitFor(t, "stream to connect", func() bool { return f.api.StreamCount() == 1 })

	want := orders.Order{
		OrderID: "o-1",
		Start:   orders.Location{Latitude: 37.5, Longitude: 127.0},
		End:     orders.Location{Latitude: 37.6, Longitude: 127.1},
		Price:   6000,
	}
	if err := f.api.PublishOrder(want); err != nil {
		t.Fatalf("PublishOrder() error = %v", err)
	}

	select {
	case got := <-sub:
		if got != want {
			t.Errorf("subscriber got %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not receive order")
	}
	if got := f.feed.Orders(); len(got) != 1 || got[0] != want {
		t.Errorf("Orders() = %+v, want [%+v]", got, want)
	}

	f.state.Clear(session.LogoutRequested)
	waitFor(t, "stream to close", func() bool { return f.api.StreamCount() == 0 })
	waitFor(t, "orders to clear", func() bool { return len(f.feed.Orders()) == 0 })
}

func TestFeed_StartsForExistingSession(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.run(t)

	waitFor(t, "stream to connect", func() bool { return f.api.StreamCount() == 1 })
}

func TestFeed_ReconnectsAfterDisconnect(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	f.login(t)
	waitFor(t, "stream to connect", func() bool { return f.api.StreamCount() == 1 })

	f.api.CloseClientConnections()

	waitFor(t, "stream to reconnect", func() bool {
		return f.api.StreamsOpened.Load() >= 2 && f.api.StreamCount() == 1
	})
}

func TestFeed_RefreshesExpiredStreamToken(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.api.ExpireAccessTokens()
	f.run(t)

	waitFor(t, "stream to connect", func() bool { return f.api.StreamCount() == 1 })
	if got := f.api.RefreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if _, ok := f.state.Current(); !ok {
		t.Error("session lost after refresh")
	}
}

func TestFeed_StopsWhenAuthenticationRequired(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.api.ExpireAccessTokens()
	f.api.RevokeRefreshTokens()
	f.run(t)

	waitFor(t, "session to be cleared", func() bool {
		_, ok := f.state.Current()
		return !ok
	})

	// Give a misbehaving feed time to retry
	time.Sleep(50 * time.Millisecond)
	if got := f.api.RefreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := f.api.StreamsOpened.Load(); got != 0 {
		t.Errorf("streams opened = %d, want 0", got)
	}
}

func TestNewFeed_Validation(t *testing.T) {
	state := session.NewState()
	tests := []struct {
		name    string
		baseURL string
		state   *session.State
	}{
		{name: "relative URL", baseURL: "/api", state: state},
		{name: "missing host", baseURL: "http://", state: state},
		{name: "missing state", baseURL: "http://localhost", state: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := orders.NewFeed(tt.baseURL, http.DefaultTransport, tt.state); err == nil {
				t.Error("NewFeed() error = nil, want error")
			}
		})
	}
}
