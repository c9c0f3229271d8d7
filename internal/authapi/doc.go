// Package authapi talks to the remote authentication endpoints: login, token refresh and logout.
//
// All payloads are JSON and successful responses wrap their content in a "data" envelope.
// Failures are classified into a small taxonomy that callers switch on with errors.Is/As:
//   - ErrInvalidCredentials: the remote rejected a login (user-facing, re-enter credentials)
//   - ErrRefreshRevoked: the refresh token is no longer valid (terminal, log out)
//   - *NetworkError: transient failure, including ErrMalformedResponse payloads
//
// Conflating the last two would either log riders out on flaky networks or retry a
// revoked token forever, so every non-2xx status is mapped explicitly.
//
//	client, err := authapi.NewClient("https://api.example.com")
//	res, err := client.Login(ctx, email, password)
//	if errors.Is(err, authapi.ErrInvalidCredentials) {
//		// prompt again
//	}
package authapi
