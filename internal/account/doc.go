// Package account exposes the session lifecycle to the UI layer: login, logout and the
// silent re-authentication performed once at process start.
package account
