package session

import (
	"errors"
	"sync"

	"golang.org/x/oauth2"
)

var (
	// ErrNoSession is returned by Token when nobody is signed in.
	ErrNoSession = errors.New("no active session")

	// ErrEmptyAccessToken is returned by Set when the session carries no access token.
	ErrEmptyAccessToken = errors.New("session access token is empty")
)

// State owns the current session. All methods are safe for concurrent use.
type State struct {
	mu      sync.RWMutex
	current *Session
	reason  LogoutReason // why the last session ended; empty while logged in

	subs   map[int]chan Event
	nextID int
}

// Compile-time check to ensure State implements oauth2.TokenSource
var _ oauth2.TokenSource = (*State)(nil)

// NewState creates a logged-out State.
func NewState() *State {
	return &State{
		subs: make(map[int]chan Event),
	}
}

// Set replaces the whole session and publishes LoggedIn.
func (s *State) Set(sess Session) error {
	if sess.AccessToken == "" {
		return ErrEmptyAccessToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := sess
	s.current = &cp
	s.reason = ""
	s.publish(Event{Kind: LoggedIn, Session: cp})
	return nil
}

// UpdateAccessToken swaps the access token and keeps the identity fields.
// Returns false if there is no session or the token is empty.
func (s *State) UpdateAccessToken(token string) bool {
	if token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return false
	}
	s.current.AccessToken = token
	return true
}

// Clear removes the session and records reason. LoggedOut is published only if a
// session existed.
func (s *State) Clear(reason LogoutReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reason = reason
	if s.current == nil {
		return
	}
	s.current = nil
	s.publish(Event{Kind: LoggedOut, Reason: reason})
}

// LogoutReason returns why the last session ended. It is empty while logged in and
// before any session was cleared.
func (s *State) LogoutReason() LogoutReason {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.reason
}

// Current returns a copy of the session and whether one exists.
func (s *State) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// Token returns the current access token as a bearer oauth2.Token.
func (s *State) Token() (*oauth2.Token, error) {
	sess, ok := s.Current()
	if !ok {
		return nil, ErrNoSession
	}
	return &oauth2.Token{AccessToken: sess.AccessToken, TokenType: "Bearer"}, nil
}

// Subscribe registers a listener for session transitions. The returned function
// unsubscribes and closes the channel.
//
// Publishing never blocks: when a subscriber's buffer is full its oldest pending event
// is dropped so the latest transition is always delivered.
func (s *State) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish must be called with s.mu held for writing.
func (s *State) publish(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Buffer full: drop the oldest event
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}
