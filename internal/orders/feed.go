// Package orders follows the remote order event stream while a session is active.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/cenkalti/backoff/v5"

	"github.com/florianilch/ridergate/internal/interceptor"
	"github.com/florianilch/ridergate/internal/session"
)

// EventsPath is the remote order stream endpoint.
const EventsPath = "/orders/events"

const orderEvent = "order"

var errStreamEnded = errors.New("order stream ended")

// Option configures a Feed.
type Option func(*Feed)

// WithBackOff sets the reconnect policy. A fresh BackOff is requested per login.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(f *Feed) {
		f.newBackOff = newBackOff
	}
}

// Feed keeps the orders received since login and fans them out to local subscribers.
type Feed struct {
	client     *http.Client
	url        string
	state      *session.State
	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	orders []Order
	subs   map[int]chan Order
	nextID int
}

// NewFeed creates a Feed that streams from baseURL using transport.
// transport is expected to be the session interceptor so the stream is authorized.
func NewFeed(baseURL string, transport http.RoundTripper, state *session.State, opts ...Option) (*Feed, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	if transport == nil {
		return nil, fmt.Errorf("missing transport")
	}
	if state == nil {
		return nil, fmt.Errorf("missing session state")
	}

	f := &Feed{
		client: &http.Client{Transport: transport},
		url:    u.JoinPath(EventsPath).String(),
		state:  state,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			return b
		},
		subs: make(map[int]chan Order),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Run follows the session until ctx is done: it streams while logged in and
// drops the stream and all received orders on logout.
func (f *Feed) Run(ctx context.Context) error {
	events, unsubscribe := f.state.Subscribe(8)
	defer unsubscribe()

	var (
		stop   context.CancelFunc
		done   chan struct{}
		active string
	)
	halt := func() {
		if stop == nil {
			return
		}
		stop()
		<-done
		stop, done, active = nil, nil, ""
	}
	running := func() bool {
		if done == nil {
			return false
		}
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	start := func(email string) {
		halt()
		streamCtx, cancel := context.WithCancel(ctx)
		stop, done, active = cancel, make(chan struct{}), email
		go func(done chan struct{}) {
			defer close(done)
			f.follow(streamCtx)
		}(done)
	}

	if s, ok := f.state.Current(); ok {
		start(s.Email)
	}

	for {
		select {
		case <-ctx.Done():
			halt()
			return nil
		case ev, ok := <-events:
			if !ok {
				halt()
				return nil
			}
			switch ev.Kind {
			case session.LoggedIn:
				if running() && active == ev.Session.Email {
					continue
				}
				halt()
				f.reset()
				start(ev.Session.Email)
			case session.LoggedOut:
				halt()
				f.reset()
			}
		}
	}
}

// Orders returns the orders received since login, oldest first.
func (f *Feed) Orders() []Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Order(nil), f.orders...)
}

// Subscribe registers for new orders. Orders are dropped for subscribers that fall behind.
func (f *Feed) Subscribe(buffer int) (<-chan Order, func()) {
	ch := make(chan Order, max(buffer, 1))

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// follow keeps the stream connected until ctx is done or the session is gone.
func (f *Feed) follow(ctx context.Context) {
	b := f.newBackOff()
	for {
		err := f.consume(ctx, b)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, interceptor.ErrAuthenticationRequired) || errors.Is(err, interceptor.ErrSessionClosed) {
			slog.InfoContext(ctx, "order stream stopped", "reason", err)
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			slog.WarnContext(ctx, "order stream giving up", "error", err)
			return
		}
		slog.WarnContext(ctx, "order stream disconnected", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume reads one connection until it ends. b is reset once connected.
func (f *Feed) consume(ctx context.Context, b backoff.BackOff) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("order stream: unexpected status %d", resp.StatusCode)
	}

	b.Reset()
	slog.InfoContext(ctx, "order stream connected")

	dec := ssestream.NewDecoder(resp)
	for dec.Next() {
		ev := dec.Event()
		if ev.Type != orderEvent {
			continue
		}

		var o Order
		if err := json.Unmarshal(ev.Data, &o); err != nil {
			slog.WarnContext(ctx, "skipping malformed order event", "error", err)
			continue
		}
		f.add(o)
	}
	if err := dec.Err(); err != nil {
		return err
	}
	return errStreamEnded
}

func (f *Feed) add(o Order) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.orders = append(f.orders, o)
	for _, ch := range f.subs {
		select {
		case ch <- o:
		default:
		}
	}
}

func (f *Feed) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = nil
}
