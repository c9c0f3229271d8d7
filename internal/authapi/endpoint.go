package authapi

import "context"

// Remote API paths, relative to the configured base URL.
const (
	LoginPath   = "/login"
	RefreshPath = "/refreshToken"
	LogoutPath  = "/logout"
)

type refreshMarkerKey struct{}

// MarkRefresh tags ctx as belonging to a refresh call.
// Interceptors must pass such requests through without intercepting them.
func MarkRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, refreshMarkerKey{}, true)
}

// IsRefresh reports whether ctx was tagged by MarkRefresh.
func IsRefresh(ctx context.Context) bool {
	marked, _ := ctx.Value(refreshMarkerKey{}).(bool)
	return marked
}
