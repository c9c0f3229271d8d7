package proxy

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/florianilch/ridergate/internal/session"
)

const eventOrder = "order"

type sessionEvent struct {
	Session *session.Session     `json:"session,omitempty"`
	Reason  session.LogoutReason `json:"reason,omitempty"`
}

// handleEvents streams session transitions and new orders until the client disconnects.
// The first event reflects the current session. A loggedOut event with reason "revoked"
// is a forced logout the rider must be told about.
func (p *Proxy) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sse, err := NewSSEWriter(w)
	if err != nil {
		writeJSONError(ctx, w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before reading the current state so no transition is missed
	sessionEvents, cancelSession := p.account.Subscribe(8)
	defer cancelSession()
	orderEvents, cancelOrders := p.feed.Subscribe(32)
	defer cancelOrders()

	// Long-lived stream, lift the server write deadline where supported
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.WriteHeader(http.StatusOK)

	if s, ok := p.account.Current(); ok {
		err = sse.WriteEvent(session.LoggedIn.String(), sessionEvent{Session: &s})
	} else {
		err = sse.WriteEvent(session.LoggedOut.String(), sessionEvent{Reason: p.account.LogoutReason()})
	}
	if err != nil {
		return
	}

	heartbeat := time.NewTicker(p.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopping:
			return
		case ev, ok := <-sessionEvents:
			if !ok {
				return
			}
			payload := sessionEvent{Reason: ev.Reason}
			if ev.Kind == session.LoggedIn {
				payload.Session = &ev.Session
			}
			err = sse.WriteEvent(ev.Kind.String(), payload)
		case o, ok := <-orderEvents:
			if !ok {
				return
			}
			err = sse.WriteEvent(eventOrder, o)
		case <-heartbeat.C:
			err = sse.WriteComment("heartbeat")
		}
		if err != nil {
			slog.DebugContext(ctx, "event stream closed", "error", err)
			return
		}
	}
}
