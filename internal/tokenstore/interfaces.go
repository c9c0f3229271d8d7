package tokenstore

import (
	"context"
	"errors"
)

// Key is the single storage key under which the refresh token is kept.
const Key = "refreshToken"

var (
	// ErrNotFound is returned by Read when no token is stored.
	ErrNotFound = errors.New("token not found")

	// ErrReadOnly is returned by Write and Clear on backends that cannot be modified.
	ErrReadOnly = errors.New("token storage is read-only")
)

// TokenStore reads, writes and clears the persisted refresh token.
type TokenStore interface {
	// Read returns the stored token. Returns ErrNotFound if nothing is stored.
	Read(ctx context.Context) (string, error)

	// Write persists the token, overwriting any existing value.
	Write(ctx context.Context, token string) error

	// Clear removes the stored token. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}
