package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/florianilch/ridergate/internal/authapi"
	"github.com/florianilch/ridergate/internal/session"
	"github.com/florianilch/ridergate/internal/tokenstore"
)

// DefaultBootstrapTimeout bounds silent re-authentication at startup.
const DefaultBootstrapTimeout = 10 * time.Second

// Outcome is the state the process is ready in after bootstrapping.
type Outcome int

const (
	// OutcomeLoggedOut means no refresh token was stored.
	OutcomeLoggedOut Outcome = iota
	// OutcomeLoggedIn means the stored token produced a session.
	OutcomeLoggedIn
	// OutcomeRevoked means the stored token was rejected and has been cleared.
	OutcomeRevoked
	// OutcomeOffline means the remote could not be reached; the stored token is kept.
	OutcomeOffline
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLoggedIn:
		return "logged_in"
	case OutcomeRevoked:
		return "revoked"
	case OutcomeOffline:
		return "offline"
	default:
		return "logged_out"
	}
}

// Result reports how bootstrapping ended. Session is set only for OutcomeLoggedIn.
type Result struct {
	Outcome Outcome
	Session session.Session
	Err     error
}

// Refresher obtains a session from a refresh token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*authapi.RefreshResult, error)
}

// Restorer installs or revokes the restored session unless it changed since the
// generation was taken. Implemented by interceptor.Interceptor.
type Restorer interface {
	Generation() uint64
	Restore(ctx context.Context, gen uint64, res *authapi.RefreshResult, previous string) error
	Revoke(ctx context.Context, gen uint64) error
}

// Bootstrapper attempts silent re-authentication with the persisted refresh token.
type Bootstrapper struct {
	refresher Refresher
	restorer  Restorer
	store     tokenstore.TokenStore
	timeout   time.Duration
}

// NewBootstrapper creates a Bootstrapper. A non-positive timeout selects DefaultBootstrapTimeout.
func NewBootstrapper(refresher Refresher, restorer Restorer, store tokenstore.TokenStore, timeout time.Duration) (*Bootstrapper, error) {
	if refresher == nil {
		return nil, fmt.Errorf("missing refresher")
	}
	if restorer == nil {
		return nil, fmt.Errorf("missing session restorer")
	}
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}
	if timeout <= 0 {
		timeout = DefaultBootstrapTimeout
	}

	return &Bootstrapper{
		refresher: refresher,
		restorer:  restorer,
		store:     store,
		timeout:   timeout,
	}, nil
}

// Run always returns a ready Result within the configured timeout; it never fails.
func (b *Bootstrapper) Run(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	gen := b.restorer.Generation()
	token, err := b.store.Read(ctx)
	if errors.Is(err, tokenstore.ErrNotFound) {
		slog.InfoContext(ctx, "no stored session")
		return Result{Outcome: OutcomeLoggedOut}
	}
	if err != nil {
		slog.WarnContext(ctx, "reading stored refresh token failed", "error", err)
		return Result{Outcome: OutcomeOffline, Err: err}
	}

	res, err := b.refresher.Refresh(ctx, token)
	switch {
	case errors.Is(err, authapi.ErrRefreshRevoked):
		if revokeErr := b.restorer.Revoke(context.WithoutCancel(ctx), gen); revokeErr != nil {
			// A login during bootstrap owns the store now
			slog.InfoContext(ctx, "stored session revoked, superseded by a new session", "error", revokeErr)
			return Result{Outcome: OutcomeLoggedOut, Err: err}
		}
		slog.WarnContext(ctx, "stored session revoked, please log in again", "error", err)
		return Result{Outcome: OutcomeRevoked, Err: err}
	case err != nil:
		slog.WarnContext(ctx, "silent sign-in failed, continuing logged out", "error", err)
		return Result{Outcome: OutcomeOffline, Err: err}
	}

	if err := b.restorer.Restore(ctx, gen, res, token); err != nil {
		slog.WarnContext(ctx, "restored session not installed", "error", err)
		return Result{Outcome: OutcomeOffline, Err: err}
	}

	attrs := []any{"email", res.Session.Email}
	if exp, ok := res.Session.AccessTokenExpiry(); ok {
		attrs = append(attrs, "access_token_expires", exp)
	}
	slog.InfoContext(ctx, "session restored", attrs...)
	return Result{Outcome: OutcomeLoggedIn, Session: res.Session}
}
