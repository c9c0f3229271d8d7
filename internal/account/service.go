package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/florianilch/ridergate/internal/authapi"
	"github.com/florianilch/ridergate/internal/session"
	"github.com/florianilch/ridergate/internal/tokenstore"
)

// remoteLogoutTimeout bounds the best-effort remote logout.
const remoteLogoutTimeout = 5 * time.Second

// ErrInvalidInput is returned by Login when email or password fail validation.
var ErrInvalidInput = errors.New("invalid login input")

// Authenticator is the subset of authapi.Client used by Service.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*authapi.LoginResult, error)
	Logout(ctx context.Context, accessToken string) error
}

// Sessions starts and ends sessions in step with token refresh.
// Implemented by interceptor.Interceptor.
type Sessions interface {
	Begin(ctx context.Context, sess session.Session, refreshToken string) error
	End(ctx context.Context, reason session.LogoutReason) (session.Session, bool, error)
}

// Credentials is the validated login input.
type Credentials struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,notblank"`
}

// Service implements the login and logout actions invoked by the UI.
type Service struct {
	auth     Authenticator
	state    *session.State
	sessions Sessions
	validate *validator.Validate
}

// NewService creates a Service.
func NewService(auth Authenticator, state *session.State, sessions Sessions) (*Service, error) {
	if auth == nil {
		return nil, fmt.Errorf("missing authenticator")
	}
	if state == nil {
		return nil, fmt.Errorf("missing session state")
	}
	if sessions == nil {
		return nil, fmt.Errorf("missing session owner")
	}

	validate := validator.New()
	if err := validate.RegisterValidation("notblank", validators.NotBlank); err != nil {
		return nil, fmt.Errorf("registering validation: %w", err)
	}

	return &Service{
		auth:     auth,
		state:    state,
		sessions: sessions,
		validate: validate,
	}, nil
}

// Login signs in, persists the refresh token and installs the session.
func (s *Service) Login(ctx context.Context, email, password string) (session.Session, error) {
	creds := Credentials{Email: strings.TrimSpace(email), Password: password}
	if err := s.validate.Struct(creds); err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	res, err := s.auth.Login(ctx, creds.Email, creds.Password)
	if err != nil {
		return session.Session{}, err
	}

	// Persisted before LoggedIn is published so observers can rely on a restartable session
	if err := s.sessions.Begin(ctx, res.Session, res.RefreshToken); err != nil {
		return session.Session{}, err
	}

	slog.InfoContext(ctx, "logged in", "email", res.Session.Email)
	return res.Session, nil
}

// Logout clears local state, then makes a best-effort remote logout.
// Calling Logout while logged out is a no-op.
func (s *Service) Logout(ctx context.Context) error {
	current, hadSession, err := s.sessions.End(ctx, session.LogoutRequested)
	if err != nil && !errors.Is(err, tokenstore.ErrReadOnly) {
		return fmt.Errorf("clearing refresh token: %w", err)
	}

	if !hadSession {
		return nil
	}
	slog.InfoContext(ctx, "logged out", "email", current.Email)

	remoteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteLogoutTimeout)
	defer cancel()
	if err := s.auth.Logout(remoteCtx, current.AccessToken); err != nil {
		slog.WarnContext(ctx, "remote logout failed", "error", err)
	}
	return nil
}

// Current returns the active session, if any.
func (s *Service) Current() (session.Session, bool) {
	return s.state.Current()
}

// LogoutReason reports why the last session ended.
func (s *Service) LogoutReason() session.LogoutReason {
	return s.state.LogoutReason()
}

// Subscribe registers for login/logout transitions.
func (s *Service) Subscribe(buffer int) (<-chan session.Event, func()) {
	return s.state.Subscribe(buffer)
}
