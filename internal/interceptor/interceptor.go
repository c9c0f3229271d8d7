package interceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/florianilch/ridergate/internal/authapi"
	"github.com/florianilch/ridergate/internal/session"
	"github.com/florianilch/ridergate/internal/tokenstore"
)

var (
	// ErrAuthenticationRequired rejects waiters when the refresh token was revoked or is missing.
	// The session has been cleared; the rider must log in again.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrSessionClosed rejects waiters when the session is torn down during a refresh.
	ErrSessionClosed = errors.New("session closed")

	// ErrSuperseded is returned by Restore and Revoke when the session changed after the
	// generation was taken.
	ErrSuperseded = errors.New("session changed during refresh")
)

// Refresher obtains a new access token from a refresh token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*authapi.RefreshResult, error)
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithBase sets the transport used to send requests.
// If not provided, http.DefaultTransport is used.
func WithBase(base http.RoundTripper) Option {
	return func(t *Interceptor) {
		t.base = base
	}
}

// waiter is a request suspended until the pending refresh resolves.
type waiter struct {
	ctx    context.Context
	req    *originalRequest
	result chan outcome // buffered; receives exactly one outcome
}

type outcome struct {
	resp *http.Response
	err  error
}

// pendingRefresh is the RefreshInFlight state. Waiters are kept in arrival order.
// Its result is applied only while gen is still the interceptor's generation.
type pendingRefresh struct {
	id      string
	gen     uint64
	waiters []*waiter
	cancel  context.CancelFunc
}

// Interceptor is an http.RoundTripper that authorizes requests with the session access
// token and coalesces concurrent expirations onto a single refresh.
type Interceptor struct {
	base      http.RoundTripper
	refresher Refresher
	state     *session.State
	store     tokenstore.TokenStore

	// lifetime bounds every refresh call; canceled by Close
	ctx    context.Context
	cancel context.CancelFunc

	// mu is the single owner of session and token mutations. gen changes on every
	// login, logout, revocation and abort.
	mu      sync.Mutex
	gen     uint64
	pending *pendingRefresh
	closed  bool
}

// Compile-time check that Interceptor implements http.RoundTripper.
var _ http.RoundTripper = (*Interceptor)(nil)

// New creates an Interceptor. Close must be called to release it.
func New(refresher Refresher, state *session.State, store tokenstore.TokenStore, opts ...Option) (*Interceptor, error) {
	if refresher == nil {
		return nil, fmt.Errorf("missing refresher")
	}
	if state == nil {
		return nil, fmt.Errorf("missing session state")
	}
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Interceptor{
		base:      http.DefaultTransport,
		refresher: refresher,
		state:     state,
		store:     store,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// RoundTrip sends the request with the current access token. On the expired-token signal
// it waits for the shared refresh and returns the replayed response.
func (t *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	// The refresh call itself must never be intercepted
	if authapi.IsRefresh(req.Context()) {
		return t.base.RoundTrip(req)
	}

	orig, err := captureRequest(req)
	if err != nil {
		return nil, err
	}

	ctx := req.Context()
	used := t.accessToken()

	resp, err := t.send(ctx, orig, used)
	if err != nil {
		return nil, err
	}
	if !isExpired(resp) {
		return resp, nil
	}
	discard(resp)

	w, fresh := t.enqueue(ctx, orig, used)
	if w == nil {
		// A refresh completed while this request was in flight
		return t.send(ctx, orig, fresh)
	}

	select {
	case out := <-w.result:
		return out.resp, out.err
	case <-ctx.Done():
		// The owner still delivers exactly one outcome; release it when it arrives
		go func() {
			if out := <-w.result; out.resp != nil {
				_ = out.resp.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Waiting returns the number of requests waiting for the in-flight refresh.
func (t *Interceptor) Waiting() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil {
		return 0
	}
	return len(t.pending.waiters)
}

// Abort cancels the in-flight refresh, if any, and rejects its waiters with ErrSessionClosed.
// A refresh aborted this way never touches the session or the token store.
func (t *Interceptor) Abort() {
	t.mu.Lock()
	waiters := t.abortLocked()
	t.mu.Unlock()

	reject(waiters, ErrSessionClosed)
}

// Generation returns the current session generation, for use with Restore and Revoke.
func (t *Interceptor) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.gen
}

// Begin persists refreshToken and installs a freshly logged-in session. An in-flight
// refresh belongs to the previous session and is aborted.
func (t *Interceptor) Begin(ctx context.Context, sess session.Session, refreshToken string) error {
	t.mu.Lock()
	waiters := t.abortLocked()
	err := t.store.Write(ctx, refreshToken)
	if err != nil {
		err = fmt.Errorf("persisting refresh token: %w", err)
	} else {
		err = t.state.Set(sess)
	}
	t.mu.Unlock()

	reject(waiters, ErrSessionClosed)
	return err
}

// End aborts any in-flight refresh, then clears the session and the stored refresh token
// without a refresh being able to interleave. It returns the session that was active.
func (t *Interceptor) End(ctx context.Context, reason session.LogoutReason) (session.Session, bool, error) {
	t.mu.Lock()
	waiters := t.abortLocked()
	current, ok := t.state.Current()
	t.state.Clear(reason)
	err := t.store.Clear(ctx)
	t.mu.Unlock()

	reject(waiters, ErrSessionClosed)
	return current, ok, err
}

// Restore installs a session obtained from the stored refresh token and persists a
// rotated one. It returns ErrSuperseded if the session changed since gen.
func (t *Interceptor) Restore(ctx context.Context, gen uint64, res *authapi.RefreshResult, previous string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen {
		return ErrSuperseded
	}
	t.persistRotatedLocked(ctx, res.RefreshToken, previous)
	if err := t.state.Set(res.Session); err != nil {
		return err
	}
	t.gen++
	return nil
}

// Revoke ends the session after the remote rejected the refresh token. It returns
// ErrSuperseded if the session changed since gen.
func (t *Interceptor) Revoke(ctx context.Context, gen uint64) error {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return ErrSuperseded
	}
	waiters := t.abortLocked()
	t.revokeLocked(ctx)
	t.mu.Unlock()

	reject(waiters, ErrAuthenticationRequired)
	return nil
}

// Close aborts any in-flight refresh. Later expirations are rejected with ErrSessionClosed.
func (t *Interceptor) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.Abort()
	t.cancel()
	return nil
}

// enqueue registers orig as a waiter, starting a refresh if none is in flight.
// It returns a nil waiter and the fresh token when the request only carried a stale token.
func (t *Interceptor) enqueue(ctx context.Context, orig *originalRequest, used string) (*waiter, string) {
	w := &waiter{ctx: ctx, req: orig, result: make(chan outcome, 1)}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		w.result <- outcome{err: ErrSessionClosed}
		return w, ""
	}

	if t.pending == nil {
		current := t.accessToken()
		if current == "" {
			// Logged out while the request was in flight
			w.result <- outcome{err: ErrAuthenticationRequired}
			return w, ""
		}
		if current != used {
			return nil, current
		}

		refreshCtx, cancel := context.WithCancel(t.ctx)
		p := &pendingRefresh{id: uuid.NewString(), gen: t.gen, cancel: cancel}
		t.pending = p
		slog.InfoContext(ctx, "access token expired, refreshing", "refresh_id", p.id)
		go t.runRefresh(refreshCtx, p)
	}

	t.pending.waiters = append(t.pending.waiters, w)
	return w, ""
}

// runRefresh performs the single refresh for p and resolves all of its waiters.
func (t *Interceptor) runRefresh(ctx context.Context, p *pendingRefresh) {
	defer p.cancel()

	refreshToken, err := t.store.Read(ctx)
	var res *authapi.RefreshResult
	switch {
	case errors.Is(err, tokenstore.ErrNotFound):
		err = fmt.Errorf("%w: no stored refresh token", authapi.ErrRefreshRevoked)
	case err != nil:
		err = fmt.Errorf("reading refresh token: %w", err)
	default:
		res, err = t.refresher.Refresh(ctx, refreshToken)
	}

	t.mu.Lock()
	if p.gen != t.gen {
		// Aborted, or the session was replaced or ended; the waiters were already rejected
		t.mu.Unlock()
		return
	}
	t.pending = nil
	waiters := p.waiters
	p.waiters = nil

	var token string
	switch {
	case err == nil:
		token, err = t.applyLocked(ctx, res, refreshToken)
	case errors.Is(err, authapi.ErrRefreshRevoked):
		t.revokeLocked(ctx)
	}
	t.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrSessionClosed) {
			slog.InfoContext(ctx, "session ended during refresh, result discarded", "refresh_id", p.id, "waiters", len(waiters))
			reject(waiters, ErrSessionClosed)
			return
		}
		if errors.Is(err, authapi.ErrRefreshRevoked) {
			slog.WarnContext(ctx, "refresh token revoked, session cleared", "refresh_id", p.id, "waiters", len(waiters), "error", err)
			reject(waiters, fmt.Errorf("%w: %w", ErrAuthenticationRequired, err))
			return
		}
		slog.WarnContext(ctx, "token refresh failed", "refresh_id", p.id, "waiters", len(waiters), "error", err)
		reject(waiters, authapi.AsNetworkError("refresh", err))
		return
	}

	slog.InfoContext(ctx, "session refreshed", "refresh_id", p.id, "waiters", len(waiters))
	t.replay(waiters, token)
}

// applyLocked persists a rotated refresh token and swaps in the new access token of
// the session the refresh was started for. Must be called with t.mu held.
func (t *Interceptor) applyLocked(ctx context.Context, res *authapi.RefreshResult, previous string) (string, error) {
	if _, ok := t.state.Current(); !ok {
		return "", ErrSessionClosed
	}
	t.persistRotatedLocked(ctx, res.RefreshToken, previous)

	token := res.Session.AccessToken
	if !t.state.UpdateAccessToken(token) {
		return "", fmt.Errorf("%w: refresh returned no access token", authapi.ErrMalformedResponse)
	}
	return token, nil
}

// persistRotatedLocked writes token when the remote rotated the refresh token.
// Must be called with t.mu held.
func (t *Interceptor) persistRotatedLocked(ctx context.Context, token, previous string) {
	if token == "" || token == previous {
		return
	}
	if err := t.store.Write(ctx, token); err != nil {
		// The access token is still usable, but the next restart cannot sign in silently
		slog.ErrorContext(ctx, "failed to persist rotated refresh token", "error", err)
	}
}

// revokeLocked clears the session and the persisted refresh token.
// Must be called with t.mu held.
func (t *Interceptor) revokeLocked(ctx context.Context) {
	t.gen++
	t.state.Clear(session.LogoutRevoked)
	if err := t.store.Clear(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to clear revoked refresh token", "error", err)
	}
}

// abortLocked starts a new generation and detaches the in-flight refresh, returning its
// waiters for the caller to reject after unlocking. Must be called with t.mu held.
func (t *Interceptor) abortLocked() []*waiter {
	t.gen++
	p := t.pending
	if p == nil {
		return nil
	}
	t.pending = nil
	waiters := p.waiters
	p.waiters = nil
	p.cancel()

	slog.InfoContext(t.ctx, "refresh aborted", "refresh_id", p.id, "waiters", len(waiters))
	return waiters
}

// replay reissues each waiter's request in queue order with the new token.
func (t *Interceptor) replay(waiters []*waiter, token string) {
	for _, w := range waiters {
		if err := w.ctx.Err(); err != nil {
			w.result <- outcome{err: err}
			continue
		}
		resp, err := t.send(w.ctx, w.req, token)
		w.result <- outcome{resp: resp, err: err}
	}
}

// send issues orig with token attached. Transport failures are normalized to *authapi.NetworkError.
func (t *Interceptor) send(ctx context.Context, orig *originalRequest, token string) (*http.Response, error) {
	req, err := orig.build(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &authapi.NetworkError{Op: orig.method + " " + orig.url.Path, Err: err}
	}
	return resp, nil
}

// accessToken returns the current access token, or "" when logged out.
func (t *Interceptor) accessToken() string {
	tok, err := t.state.Token()
	if err != nil {
		return ""
	}
	return tok.AccessToken
}

func reject(waiters []*waiter, err error) {
	for _, w := range waiters {
		w.result <- outcome{err: err}
	}
}
