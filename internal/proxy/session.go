package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/oapi-codegen/runtime"

	"github.com/florianilch/ridergate/internal/account"
	"github.com/florianilch/ridergate/internal/authapi"
	"github.com/florianilch/ridergate/internal/orders"
)

const maxLoginBody = 64 << 10

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ordersResponse struct {
	Orders []orders.Order `json:"orders"`
}

func (p *Proxy) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		writeJSONError(ctx, w, "invalid request body", http.StatusBadRequest)
		return
	}

	s, err := p.account.Login(ctx, req.Email, req.Password)
	if err != nil {
		var netErr *authapi.NetworkError
		switch {
		case errors.Is(err, account.ErrInvalidInput):
			writeJSONError(ctx, w, "a valid email and password are required", http.StatusBadRequest)
		case errors.Is(err, authapi.ErrInvalidCredentials):
			writeJSONError(ctx, w, err.Error(), http.StatusUnauthorized)
		case errors.As(err, &netErr):
			slog.WarnContext(ctx, "login failed", "error", err)
			writeJSONError(ctx, w, "remote API unavailable", http.StatusBadGateway)
		default:
			slog.ErrorContext(ctx, "login failed", "error", err)
			writeJSONError(ctx, w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(ctx, w, s, http.StatusOK)
}

func (p *Proxy) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := p.account.Logout(r.Context()); err != nil {
		slog.ErrorContext(r.Context(), "logout failed", "error", err)
		writeJSONError(r.Context(), w, "logout failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Proxy) handleSession(w http.ResponseWriter, r *http.Request) {
	s, ok := p.account.Current()
	if !ok {
		writeJSONError(r.Context(), w, "not logged in", http.StatusNotFound)
		return
	}
	writeJSON(r.Context(), w, s, http.StatusOK)
}

// handleOrders lists the orders received since login, oldest first.
// An optional ?limit=N keeps only the N most recent.
func (p *Proxy) handleOrders(w http.ResponseWriter, r *http.Request) {
	var limit int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil || limit < 0 {
		writeJSONError(r.Context(), w, "limit must be a non-negative integer", http.StatusBadRequest)
		return
	}

	list := p.feed.Orders()
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(r.Context(), w, ordersResponse{Orders: list}, http.StatusOK)
}
