// Package session holds the in-memory authenticated session and broadcasts login/logout
// transitions to subscribers.
//
// A State is an explicit, owned value: collaborators receive it by reference and observe
// changes through Subscribe rather than reading ambient globals.
//
//	state := session.NewState()
//	events, cancel := state.Subscribe(4)
//	defer cancel()
//	for ev := range events {
//		switch ev.Kind {
//		case session.LoggedIn:
//			// connect real-time feeds
//		case session.LoggedOut:
//			// disconnect; ev.Reason is LogoutRevoked for a forced logout
//		}
//	}
package session
