package authapi

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned by Login when the remote rejects the credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrRefreshRevoked is returned by Refresh when the refresh token is no longer accepted.
	// It is terminal: the caller must log out.
	ErrRefreshRevoked = errors.New("refresh token revoked")

	// ErrMalformedResponse marks a response whose payload did not have the expected shape.
	// It is always wrapped in a *NetworkError.
	ErrMalformedResponse = errors.New("malformed response")
)

// NetworkError is a transient failure: transport errors, timeouts, server-side errors
// and malformed payloads. It never implies that the session is invalid.
type NetworkError struct {
	Op         string
	StatusCode int // 0 if no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Temporary reports that the operation may succeed when retried.
func (e *NetworkError) Temporary() bool {
	return true
}

// Malformed reports whether the error was caused by an unexpected payload shape.
func (e *NetworkError) Malformed() bool {
	return errors.Is(e.Err, ErrMalformedResponse)
}

// AsNetworkError wraps err in a *NetworkError unless it already is one
// or belongs to the terminal part of the taxonomy.
func AsNetworkError(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) || errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrRefreshRevoked) {
		return err
	}
	return &NetworkError{Op: op, Err: err}
}
