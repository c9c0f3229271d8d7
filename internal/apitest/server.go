// Package apitest provides an in-process fake of the remote rider API for tests.
//
// The fake implements login, refresh, logout, the order event stream and a catch-all
// protected resource that answers 419 {"code":"expired"} for access tokens that were
// expired with ExpireAccessTokens.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// StatusTokenExpired is the status the API uses to signal an expired access token.
const StatusTokenExpired = 419

type account struct {
	password string
	name     string
}

// Server is a fake rider API backed by httptest.Server.
type Server struct {
	*httptest.Server

	key []byte

	mu            sync.Mutex
	accounts      map[string]account
	refreshTokens map[string]string // refresh token -> email
	accessTokens  map[string]string // valid access token -> email
	expiredTokens map[string]string // expired access token -> email
	rotate        bool
	refreshStatus int
	refreshGate   chan struct{}
	streams       map[int]chan []byte
	nextStream    int

	LoginCalls       atomic.Int64
	RefreshCalls     atomic.Int64
	LogoutCalls      atomic.Int64
	ExpiredResponses atomic.Int64
	ResourceCalls    atomic.Int64
	StreamsOpened    atomic.Int64
}

// NewServer starts a fake API. It is closed automatically when the test ends.
func NewServer(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		key:           []byte(uuid.NewString()),
		accounts:      make(map[string]account),
		refreshTokens: make(map[string]string),
		accessTokens:  make(map[string]string),
		expiredTokens: make(map[string]string),
		streams:       make(map[int]chan []byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /refreshToken", s.handleRefresh)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /orders/events", s.handleOrderEvents)
	mux.HandleFunc("/", s.handleResource)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		// Open event streams would otherwise block Close
		s.CloseClientConnections()
		s.Close()
	})
	return s
}

// AddAccount registers a rider that can log in.
func (s *Server) AddAccount(email, password, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[email] = account{password: password, name: name}
}

// IssueRefreshToken creates a valid refresh token for email without logging in.
func (s *Server) IssueRefreshToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := "rt-" + uuid.NewString()
	s.refreshTokens[token] = email
	return token
}

// RotateRefreshTokens makes every refresh return a new refresh token and invalidate the old one.
func (s *Server) RotateRefreshTokens(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate = rotate
}

// FailRefresh makes refresh calls answer with status. Zero restores normal behavior.
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// RevokeRefreshTokens invalidates every issued refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.refreshTokens)
}

// ExpireAccessTokens makes every currently valid access token answer 419 expired.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, email := range s.accessTokens {
		s.expiredTokens[token] = email
	}
	clear(s.accessTokens)
}

// HoldRefresh blocks refresh responses until the returned release function is called.
func (s *Server) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.refreshGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.refreshGate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// PublishOrder sends an "order" event to every connected order stream.
func (s *Server) PublishOrder(order any) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.streams {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// StreamCount returns the number of connected order streams.
func (s *Server) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.LoginCalls.Add(1)

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", "")
		return
	}

	s.mu.Lock()
	acc, ok := s.accounts[req.Email]
	if !ok || acc.password != req.Password {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "wrong email or password", "")
		return
	}
	refreshToken := "rt-" + uuid.NewString()
	s.refreshTokens[refreshToken] = req.Email
	accessToken := s.mintLocked(req.Email)
	s.mu.Unlock()

	writeData(w, map[string]string{
		"name":         acc.name,
		"email":        req.Email,
		"accessToken":  accessToken,
		"refreshToken": refreshToken,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.RefreshCalls.Add(1)

	s.mu.Lock()
	gate := s.refreshGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshStatus != 0 {
		writeError(w, s.refreshStatus, "refresh failed", "expired")
		return
	}

	token := bearer(r)
	email, ok := s.refreshTokens[token]
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid refresh token", "expired")
		return
	}

	data := map[string]string{
		"name":        s.accounts[email].name,
		"email":       email,
		"accessToken": s.mintLocked(email),
	}
	if s.rotate {
		delete(s.refreshTokens, token)
		next := "rt-" + uuid.NewString()
		s.refreshTokens[next] = email
		data["refreshToken"] = next
	}
	writeData(w, data)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.LogoutCalls.Add(1)

	s.mu.Lock()
	delete(s.accessTokens, bearer(r))
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOrderEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.StreamsOpened.Add(1)
	ch := make(chan []byte, 16)
	s.mu.Lock()
	id := s.nextStream
	s.nextStream++
	s.streams[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			_, _ = fmt.Fprintf(w, "event: order\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleResource answers any other path as a protected resource echoing the request.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	s.ResourceCalls.Add(1)

	email, ok := s.authorize(w, r)
	if !ok {
		return
	}

	var body json.RawMessage
	_ = json.NewDecoder(r.Body).Decode(&body)

	writeData(w, map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"email":  email,
		"body":   body,
	})
}

// authorize checks the bearer access token and writes 419/401 on failure.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearer(r)

	s.mu.Lock()
	email, valid := s.accessTokens[token]
	_, expired := s.expiredTokens[token]
	s.mu.Unlock()

	switch {
	case valid:
		return email, true
	case expired:
		s.ExpiredResponses.Add(1)
		writeError(w, StatusTokenExpired, "access token expired", "expired")
	default:
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
	}
	return "", false
}

// mintLocked issues a signed access token. Must be called with s.mu held.
func (s *Server) mintLocked(email string) string {
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   email,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
	}).SignedString(s.key)
	if err != nil {
		panic("apitest: signing access token: " + err.Error())
	}
	s.accessTokens[token] = email
	return token
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message, "code": code})
}
