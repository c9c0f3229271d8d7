package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/florianilch/ridergate/internal/orders"
	"github.com/florianilch/ridergate/internal/session"
)

// Account is the session lifecycle exposed over HTTP.
type Account interface {
	Login(ctx context.Context, email, password string) (session.Session, error)
	Logout(ctx context.Context) error
	Current() (session.Session, bool)
	LogoutReason() session.LogoutReason
	Subscribe(buffer int) (<-chan session.Event, func())
}

// OrderFeed is the source of orders received since login.
type OrderFeed interface {
	Orders() []orders.Order
	Subscribe(buffer int) (<-chan orders.Order, func())
}

// Proxy serves the local session API and forwards /api/ to the remote API.
type Proxy struct {
	mux    *http.ServeMux
	server *http.Server

	account           Account
	feed              OrderFeed
	heartbeatInterval time.Duration

	// stopping is closed when Shutdown begins so open event streams end
	stopping chan struct{}
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// Option configures a Proxy.
type Option func(*Proxy)

// WithHeartbeatInterval sets how often idle event streams receive a comment line.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(p *Proxy) {
		p.heartbeatInterval = d
	}
}

// New creates a Proxy. transport is used for /api/ requests and is expected to
// attach the session's access token.
func New(baseURL string, transport http.RoundTripper, account Account, feed OrderFeed, opts ...Option) (*Proxy, error) {
	upstream, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme and host required", baseURL)
	}
	if transport == nil {
		return nil, errors.New("missing transport")
	}
	if account == nil {
		return nil, errors.New("missing account service")
	}
	if feed == nil {
		return nil, errors.New("missing order feed")
	}

	p := &Proxy{
		account:           account,
		feed:              feed,
		heartbeatInterval: 30 * time.Second,
		stopping:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	logger := slog.Default()
	mw := []func(http.Handler) http.Handler{
		Logging(logger),
		Recovery,
		TraceContext,
	}

	mux := http.NewServeMux()
	mux.Handle("POST /session/login", applyMiddlewares(http.HandlerFunc(p.handleLogin), mw...))
	mux.Handle("POST /session/logout", applyMiddlewares(http.HandlerFunc(p.handleLogout), mw...))
	mux.Handle("GET /session", applyMiddlewares(http.HandlerFunc(p.handleSession), mw...))
	mux.Handle("GET /orders", applyMiddlewares(http.HandlerFunc(p.handleOrders), mw...))
	mux.Handle("GET /events", applyMiddlewares(http.HandlerFunc(p.handleEvents), mw...))

	// Forward everything under /api/ to the remote API with the session attached
	mux.Handle("/api/", applyMiddlewares(http.StripPrefix("/api", newAPIProxy(upstream, transport)), mw...))

	p.mux = mux
	return p, nil
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	// Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	p.server = &http.Server{
		Handler:      p,
		ReadTimeout:  30 * time.Second, // Inbound: Read entire client request (DoS protection against slow clients)
		WriteTimeout: 15 * time.Minute, // Inbound: Write entire response to client (allows long SSE streams, still bounded)
		IdleTimeout:  90 * time.Second, // Inbound: Keep-alive wait for next request from client
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	p.server.RegisterOnShutdown(func() { close(p.stopping) })

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
