package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/ridergate/internal/session"
)

// DefaultTimeout bounds every auth call, including refreshes triggered in the background.
const DefaultTimeout = 30 * time.Second

// maxBodySize caps how much of a response body is read.
const maxBodySize = 1 << 20

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// clientConfig holds configuration for NewClient.
type clientConfig struct {
	httpClient *http.Client
	transport  http.RoundTripper
	timeout    time.Duration
}

// WithHTTPClient replaces the HTTP client entirely. Transport and timeout options are ignored.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cfg *clientConfig) {
		cfg.httpClient = c
	}
}

// WithTransport sets the base transport for auth requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = d
	}
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	Session      session.Session
	RefreshToken string
}

// RefreshResult is the outcome of a successful refresh.
// RefreshToken is non-empty only if the remote rotated it.
type RefreshResult struct {
	Session      session.Session
	RefreshToken string
}

// Client performs login, refresh and logout calls against the remote API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient creates a Client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q: scheme and host required", baseURL)
	}

	cfg := &clientConfig{
		transport: http.DefaultTransport,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.timeout,
			Transport: cfg.transport,
		}
	}

	return &Client{
		baseURL:    u,
		httpClient: httpClient,
	}, nil
}

// userData is the payload inside the "data" envelope of login and refresh responses.
type userData struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type envelope struct {
	Data *userData `json:"data"`
}

// errorBody is the error payload returned by the remote API.
type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Login exchanges credentials for a session and a refresh token.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	const op = "login"

	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("marshaling login request: %w", err)
	}

	status, respBody, err := c.post(ctx, LoginPath, body, "")
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	if status < 200 || status > 299 {
		if isTransientStatus(status) {
			return nil, &NetworkError{Op: op, StatusCode: status, Err: errors.New(errorMessage(respBody, status))}
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, errorMessage(respBody, status))
	}

	data, err := decodeUser(respBody)
	if err == nil && data.RefreshToken == "" {
		err = fmt.Errorf("%w: missing refreshToken", ErrMalformedResponse)
	}
	if err != nil {
		return nil, c.malformed(ctx, op, err)
	}

	return &LoginResult{
		Session:      data.session(),
		RefreshToken: data.RefreshToken,
	}, nil
}

// Refresh obtains a new access token using the refresh token.
// The request is marked with MarkRefresh so interceptors never recurse into it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	const op = "refresh"

	if refreshToken == "" {
		return nil, fmt.Errorf("%w: empty refresh token", ErrRefreshRevoked)
	}

	status, respBody, err := c.post(MarkRefresh(ctx), RefreshPath, []byte("{}"), refreshToken)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	if status < 200 || status > 299 {
		if isTransientStatus(status) {
			return nil, &NetworkError{Op: op, StatusCode: status, Err: errors.New(errorMessage(respBody, status))}
		}
		return nil, fmt.Errorf("%w: %s", ErrRefreshRevoked, errorMessage(respBody, status))
	}

	data, err := decodeUser(respBody)
	if err != nil {
		return nil, c.malformed(ctx, op, err)
	}

	return &RefreshResult{
		Session:      data.session(),
		RefreshToken: data.RefreshToken,
	}, nil
}

// Logout asks the remote to invalidate the session. It is best-effort:
// callers clear local state regardless of the result.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	const op = "logout"

	status, respBody, err := c.post(ctx, LogoutPath, []byte("{}"), accessToken)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if status < 200 || status > 299 {
		return &NetworkError{Op: op, StatusCode: status, Err: errors.New(errorMessage(respBody, status))}
	}
	return nil
}

// post sends a JSON POST request and returns the status code and (size-limited) body.
func (c *Client) post(ctx context.Context, path string, body []byte, bearer string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath(path).String(), bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"}).SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// malformed logs the payload problem distinctly and wraps it as a transient failure.
func (c *Client) malformed(ctx context.Context, op string, err error) error {
	slog.WarnContext(ctx, "unexpected auth response payload", "op", op, "malformed", true, "error", err)
	return &NetworkError{Op: op, Err: err}
}

func (d *userData) session() session.Session {
	return session.Session{
		Email:       d.Email,
		DisplayName: d.Name,
		AccessToken: d.AccessToken,
	}
}

// decodeUser parses the data envelope and requires an access token.
func decodeUser(body []byte) (*userData, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("%w: missing data envelope", ErrMalformedResponse)
	}
	if env.Data.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing accessToken", ErrMalformedResponse)
	}
	return env.Data, nil
}

// isTransientStatus reports statuses that say nothing about credential validity.
func isTransientStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// errorMessage extracts the remote's message, falling back to the status text.
func errorMessage(body []byte, status int) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		msg := strings.TrimSpace(eb.Message)
		if msg == "" {
			msg = eb.Code
		}
		if msg != "" {
			return msg
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", status)
}
