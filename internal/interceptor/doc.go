// Package interceptor attaches the session access token to outgoing API requests and
// transparently recovers from expired tokens.
//
// The Interceptor is an http.RoundTripper with two states per process:
//
//	Idle ──(419 {"code":"expired"})──▶ RefreshInFlight(waiters)
//	  ▲                                        │
//	  └──────── refresh resolved or failed ◀───┘
//
// The first expired response starts exactly one refresh. Every other request that expires
// while it is in flight joins the same refresh as a waiter instead of starting another.
// When the refresh succeeds, waiters are replayed in the order they were queued with the
// new access token. When it fails, every waiter is rejected with an error from the
// authapi taxonomy; a revoked refresh token additionally clears the session.
//
// Every session change goes through the Interceptor's lock: Begin on login, End on logout,
// Restore and Revoke at startup. Each one starts a new generation, and a refresh result
// from an older generation is discarded, so a refresh racing a logout cannot bring the
// session back.
//
//	client := &http.Client{Transport: ic}
//	resp, err := client.Get(apiURL + "/orders")
//	if errors.Is(err, interceptor.ErrAuthenticationRequired) {
//		// forced logout
//	}
package interceptor
