package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/ridergate/internal/account"
	"github.com/florianilch/ridergate/internal/authapi"
	"github.com/florianilch/ridergate/internal/interceptor"
	"github.com/florianilch/ridergate/internal/orders"
	"github.com/florianilch/ridergate/internal/proxy"
	"github.com/florianilch/ridergate/internal/session"
	"github.com/florianilch/ridergate/internal/tokenstore"
)

// App orchestrates the session lifecycle, the order feed and the local server.
type App struct {
	cfg *Config

	closeStore   func() error
	interceptor  *interceptor.Interceptor
	account      *account.Service
	bootstrapper *account.Bootstrapper
	feed         *orders.Feed
	proxy        *proxy.Proxy
}

// New wires all components. No network I/O is performed.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, closeStore, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	a, err := newApp(cfg, store)
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	a.closeStore = closeStore
	return a, nil
}

func newApp(cfg *Config, store tokenstore.TokenStore) (*App, error) {
	auth, err := authapi.NewClient(cfg.API.BaseURL, authapi.WithTimeout(cfg.API.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create auth client: %w", err)
	}

	state := session.NewState()

	ic, err := interceptor.New(auth, state, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create interceptor: %w", err)
	}

	svc, err := account.NewService(auth, state, ic)
	if err != nil {
		return nil, fmt.Errorf("failed to create account service: %w", err)
	}

	bootstrapper, err := account.NewBootstrapper(auth, ic, store, cfg.Session.BootstrapTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrapper: %w", err)
	}

	maxRetry := cfg.Orders.MaxRetryInterval
	feed, err := orders.NewFeed(cfg.API.BaseURL, ic, state, orders.WithBackOff(func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = min(time.Second, maxRetry)
		b.MaxInterval = maxRetry
		return b
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create order feed: %w", err)
	}

	proxyServer, err := proxy.New(cfg.API.BaseURL, ic, svc, feed)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	return &App{
		cfg:          cfg,
		closeStore:   func() error { return nil },
		interceptor:  ic,
		account:      svc,
		bootstrapper: bootstrapper,
		feed:         feed,
		proxy:        proxyServer,
	}, nil
}

// Account returns the login/logout service.
func (a *App) Account() *account.Service {
	return a.account
}

// Bootstrap performs silent re-authentication with the stored refresh token.
func (a *App) Bootstrap(ctx context.Context) account.Result {
	return a.bootstrapper.Run(ctx)
}

// Close releases resources held outside of Start, such as the token store connection.
func (a *App) Close() error {
	return errors.Join(a.interceptor.Close(), a.closeStore())
}

// Start bootstraps the session, starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)

	// Always ready afterwards, whatever the outcome
	res := a.Bootstrap(ctx)
	slog.InfoContext(ctx, "session bootstrap finished", "outcome", res.Outcome.String())

	g, gCtx := errgroup.WithContext(ctx)
	var shutdownFuncs []func(context.Context) error
	shutdownFuncs = append(shutdownFuncs, func(context.Context) error { return a.Close() })

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting proxy server", "address", address)
	proxyErrCh, err := a.proxy.Start(gCtx, address)
	if err != nil {
		_ = a.Close()
		return fmt.Errorf("proxy startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	if !a.cfg.Orders.Disabled {
		g.Go(func() error {
			return a.feed.Run(gCtx)
		})
	}

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
