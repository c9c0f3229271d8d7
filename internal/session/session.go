package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the identity and access token of the signed-in rider.
type Session struct {
	Email       string `json:"email"`
	DisplayName string `json:"name"`
	AccessToken string `json:"-"`
}

// AccessTokenExpiry reports the exp claim of the access token when it is a JWT.
// The signature is not verified; the value is informational only.
func (s Session) AccessTokenExpiry() (time.Time, bool) {
	if s.AccessToken == "" {
		return time.Time{}, false
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(s.AccessToken, &claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// EventKind distinguishes session transitions.
type EventKind int

const (
	// LoggedIn is published whenever a session is set.
	LoggedIn EventKind = iota + 1
	// LoggedOut is published when an existing session is cleared.
	LoggedOut
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case LoggedIn:
		return "loggedIn"
	case LoggedOut:
		return "loggedOut"
	default:
		return "unknown"
	}
}

// LogoutReason tells a rider-initiated logout from a forced one.
type LogoutReason string

const (
	// LogoutRequested is a logout the rider asked for.
	LogoutRequested LogoutReason = "requested"
	// LogoutRevoked is a forced logout after the remote rejected the refresh token.
	// The rider has to be told to log in again.
	LogoutRevoked LogoutReason = "revoked"
)

// Event describes a session transition. Session is zero for LoggedOut, Reason is empty for LoggedIn.
type Event struct {
	Kind    EventKind
	Session Session
	Reason  LogoutReason
}
