package account_test

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/florianilch/ridergate/internal/account"
	"github.com/florianilch/ridergate/internal/apitest"
	"github.com/florianilch/ridergate/internal/authapi"
	"github.com/florianilch/ridergate/internal/interceptor"
	"github.com/florianilch/ridergate/internal/session"
	"github.com/florianilch/ridergate/internal/tokenstore"
)

type fixture struct {
	api   *apitest.Server
	auth  *authapi.Client
	state *session.State
	store *tokenstore.FileStore
	ic    *interceptor.Interceptor
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

	return &fixture{api: api, auth: auth, state: state, store: store, ic: ic}
}

func (f *fixture) service(t *testing.T) *account.Service {
	t.Helper()
	svc, err := account.NewService(f.auth, f.state, f.ic)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func (f *fixture) bootstrapper(t *testing.T, timeout time.Duration) *account.Bootstrapper {
	t.Helper()
	b, err := account.NewBootstrapper(f.auth, f.ic, f.store, timeout)
	if err != nil {
		t.Fatalf("NewBootstrapper() error = %v", err)
	}
	return b
}

// waitFor polls cond until it holds or the deadline passes.
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

func TestService_LoginPersistsAndInstallsSession(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	events, cancel := svc.Subscribe(4)
	defer cancel()

	got, err := svc.Login(context.Background(), "  rider@example.com ", "s3cret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if got.Email != "rider@example.com" || got.DisplayName != "Rider One" {
		t.Errorf("Login() session = %+v", got)
	}

	current, ok := svc.Current()
	if !ok || current.AccessToken != got.AccessToken {
		t.Errorf("Current() = %+v, %v, want logged-in session", current, ok)
	}

	stored, err := f.store.Read(context.Background())
	if err != nil {
		t.Fatalf("store.Read() error = %v", err)
	}
	if stored == "" {
		t.Error("refresh token not persisted")
	}

	select {
	case ev := <-events:
		if ev.Kind != session.LoggedIn {
			t.Errorf("event = %v, want %v", ev.Kind, session.LoggedIn)
		}
	case <-time.After(time.Second):
		t.Fatal("no loggedIn event")
	}
}

func TestService_LoginErrors(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
		wantCall bool
	}{
		{name: "empty email", email: "", password: "s3cret", wantErr: account.ErrInvalidInput},
		{name: "malformed email", email: "not-an-email", password: "s3cret", wantErr: account.ErrInvalidInput},
		{name: "blank password", email: "rider@example.com", password: "   ", wantErr: account.ErrInvalidInput},
		{name: "wrong password", email: "rider@example.com", password: "nope", wantErr: authapi.ErrInvalidCredentials, wantCall: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			svc := f.service(t)

			_, err := svc.Login(context.Background(), tt.email, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Login() error = %v, want %v", err, tt.wantErr)
			}
			if called := f.api.LoginCalls.Load() > 0; called != tt.wantCall {
				t.Errorf("remote login called = %v, want %v", called, tt.wantCall)
			}
			if _, ok := svc.Current(); ok {
				t.Error("session installed after failed login")
			}
			if _, err := f.store.Read(context.Background()); !errors.Is(err, tokenstore.ErrNotFound) {
				t.Errorf("store.Read() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestService_Logout(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	ctx := context.Background()

	if _, err := svc.Login(ctx, "rider@example.com", "s3cret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	events, cancel := svc.Subscribe(4)
	defer cancel()

	if err := svc.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if _, ok := svc.Current(); ok {
		t.Error("session still present after logout")
	}
	if got := svc.LogoutReason(); got != session.LogoutRequested {
		t.Errorf("LogoutReason() = %q, want %q", got, session.LogoutRequested)
	}
	if _, err := f.store.Read(ctx); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Errorf("store.Read() error = %v, want ErrNotFound", err)
	}
	if got := f.api.LogoutCalls.Load(); got != 1 {
		t.Errorf("remote logout calls = %d, want 1", got)
	}
	select {
	case ev := <-events:
		if ev.Kind != session.LoggedOut || ev.Reason != session.LogoutRequested {
			t.Errorf("event = %v (%q), want %v (%q)", ev.Kind, ev.Reason, session.LoggedOut, session.LogoutRequested)
		}
	case <-time.After(time.Second):
		t.Fatal("no loggedOut event")
	}

	// Logging out again is a no-op
	if err := svc.Logout(ctx); err != nil {
		t.Fatalf("second Logout() error = %v", err)
	}
	if got := f.api.LogoutCalls.Load(); got != 1 {
		t.Errorf("remote logout calls after second logout = %d, want 1", got)
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event %v after second logout", ev.Kind)
	default:
	}
}

func TestService_LogoutIgnoresRemoteFailure(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	ctx := context.Background()

	if _, err := svc.Login(ctx, "rider@example.com", "s3cret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	f.api.Close()

	if err := svc.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v, want nil when remote is unreachable", err)
	}
	if _, ok := svc.Current(); ok {
		t.Error("session still present after logout")
	}
}

func TestService_LogoutDuringRefreshStaysLoggedOut(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	ctx := context.Background()

	if _, err := svc.Login(ctx, "rider@example.com", "s3cret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	events, cancel := svc.Subscribe(8)
	defer cancel()

	f.api.RotateRefreshTokens(true)
	f.api.ExpireAccessTokens()
	release := f.api.HoldRefresh()
	defer release()

	errCh := make(chan error, 1)
	go func() {
		resp, err := (&http.Client{Transport: f.ic}).Get(f.api.URL + "/orders")
		if resp != nil {
			_ = resp.Body.Close()
		}
		errCh <- err
	}()
	// The refresh has read the stored token and is waiting on the remote
	waitFor(t, "refresh to reach the remote", func() bool { return f.api.RefreshCalls.Load() == 1 })

	if err := svc.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	release()

	select {
	case err := <-errCh:
		if !errors.Is(err, interceptor.ErrSessionClosed) {
			t.Errorf("request error = %v, want ErrSessionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request was not released")
	}

	if cur, ok := svc.Current(); ok {
		t.Errorf("session present after logout: %+v", cur)
	}
	if _, err := f.store.Read(ctx); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Errorf("store.Read() error = %v, want ErrNotFound", err)
	}

	// Give a stray refresh result time to land before checking events
	time.Sleep(50 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Kind == session.LoggedIn {
				t.Error("LoggedIn published after logout")
			}
		default:
			done = true
		}
	}
}

func TestBootstrapper_Run(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(t *testing.T, f *fixture)
		timeout     time.Duration
		wantOutcome account.Outcome
		wantStored  bool
		wantSession bool
	}{
		{
			name:        "no stored token",
			setup:       func(t *testing.T, f *fixture) {},
			wantOutcome: account.OutcomeLoggedOut,
		},
		{
			name: "valid stored token",
			setup: func(t *testing.T, f *fixture) {
				storeToken(t, f, f.api.IssueRefreshToken("rider@example.com"))
			},
			wantOutcome: account.OutcomeLoggedIn,
			wantStored:  true,
			wantSession: true,
		},
		{
			name: "revoked stored token",
			setup: func(t *testing.T, f *fixture) {
				storeToken(t, f, "rt-unknown")
			},
			wantOutcome: account.OutcomeRevoked,
		},
		{
			name: "remote unavailable",
			setup: func(t *testing.T, f *fixture) {
				storeToken(t, f, f.api.IssueRefreshToken("rider@example.com"))
				f.api.FailRefresh(503)
			},
			wantOutcome: account.OutcomeOffline,
			wantStored:  true,
		},
		{
			name: "remote unreachable",
			setup: func(t *testing.T, f *fixture) {
				storeToken(t, f, f.api.IssueRefreshToken("rider@example.com"))
				f.api.Close()
			},
			wantOutcome: account.OutcomeOffline,
			wantStored:  true,
		},
		{
			name: "refresh exceeds timeout",
			setup: func(t *testing.T, f *fixture) {
				storeToken(t, f, f.api.IssueRefreshToken("rider@example.com"))
				t.Cleanup(f.api.HoldRefresh())
			},
			timeout:     50 * time.Millisecond,
			wantOutcome: account.OutcomeOffline,
			wantStored:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)

			start := time.Now()
			res := f.bootstrapper(t, tt.timeout).Run(context.Background())
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Errorf("Run() took %v", elapsed)
			}

			if res.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %v, want %v (err: %v)", res.Outcome, tt.wantOutcome, res.Err)
			}

			_, err := f.store.Read(context.Background())
			if stored := err == nil; stored != tt.wantStored {
				t.Errorf("token stored = %v, want %v (err: %v)", stored, tt.wantStored, err)
			}

			current, ok := f.state.Current()
			if ok != tt.wantSession {
				t.Errorf("session present = %v, want %v", ok, tt.wantSession)
			}
			if ok && current.Email != "rider@example.com" {
				t.Errorf("session email = %q", current.Email)
			}
			if tt.wantSession && res.Session.AccessToken != current.AccessToken {
				t.Error("Result.Session does not match installed session")
			}
			if tt.wantOutcome == account.OutcomeRevoked && f.state.LogoutReason() != session.LogoutRevoked {
				t.Errorf("LogoutReason() = %q, want %q", f.state.LogoutReason(), session.LogoutRevoked)
			}
		})
	}
}

func TestBootstrapper_PersistsRotatedToken(t *testing.T) {
	f := newFixture(t)
	original := f.api.IssueRefreshToken("rider@example.com")
	storeToken(t, f, original)
	f.api.RotateRefreshTokens(true)

	res := f.bootstrapper(t, 0).Run(context.Background())
	if res.Outcome != account.OutcomeLoggedIn {
		t.Fatalf("Outcome = %v, want %v (err: %v)", res.Outcome, account.OutcomeLoggedIn, res.Err)
	}

	stored, err := f.store.Read(context.Background())
	if err != nil {
		t.Fatalf("store.Read() error = %v", err)
	}
	if stored == original {
		t.Error("rotated refresh token was not persisted")
	}
}

func TestBootstrapper_RevokedDoesNotClearNewerLogin(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	storeToken(t, f, "rt-unknown")
	release := f.api.HoldRefresh()
	defer release()

	b := f.bootstrapper(t, 5*time.Second)
	resCh := make(chan account.Result, 1)
	go func() { resCh <- b.Run(context.Background()) }()
	waitFor(t, "refresh to reach the remote", func() bool { return f.api.RefreshCalls.Load() == 1 })

	// The rider logs in while the stale token is still being checked
	if _, err := svc.Login(context.Background(), "rider@example.com", "s3cret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	loggedIn, err := f.store.Read(context.Background())
	if err != nil {
		t.Fatalf("store.Read() error = %v", err)
	}
	release()

	res := <-resCh
	if res.Outcome == account.OutcomeRevoked {
		t.Errorf("Outcome = %v, want the newer login to win", res.Outcome)
	}
	if _, ok := f.state.Current(); !ok {
		t.Error("newer session was cleared")
	}
	if stored, err := f.store.Read(context.Background()); err != nil || stored != loggedIn {
		t.Errorf("stored token = %q, %v, want the newer login's token", stored, err)
	}
}

func TestOutcome_String(t *testing.T) {
	tests := map[account.Outcome]string{
		account.OutcomeLoggedOut: "logged_out",
		account.OutcomeLoggedIn:  "logged_in",
		account.OutcomeRevoked:   "revoked",
		account.OutcomeOffline:   "offline",
	}
	for o, want := range tests {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", int(o), got, want)
		}
	}
}

func storeToken(t *testing.T, f *fixture, token string) {
	t.Helper()
	if err := f.store.Write(context.Background(), token); err != nil {
		t.Fatalf("store.Write() error = %v", err)
	}
}
