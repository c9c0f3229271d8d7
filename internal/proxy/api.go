package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/florianilch/ridergate/internal/interceptor"
)

// forwardedHeaders are the inbound headers passed to the remote API.
// Anything else, including the client's own Authorization, is dropped.
var forwardedHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"User-Agent",
}

// newAPIProxy forwards requests to upstream through transport.
func newAPIProxy(upstream *url.URL, transport http.RoundTripper) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)

			header := make(http.Header, len(forwardedHeaders))
			for _, name := range forwardedHeaders {
				if values := pr.In.Header.Values(name); len(values) > 0 {
					header[name] = append([]string(nil), values...)
				}
			}
			pr.Out.Header = header
			otel.GetTextMapPropagator().Inject(pr.In.Context(), propagation.HeaderCarrier(header))
		},
		// FlushInterval: -1 flushes only when the backend flushes, so streamed
		// responses reach the client without buffering delays.
		FlushInterval: -1,
		Transport:     transport,
		ErrorHandler:  apiErrorHandler,
	}
}

func apiErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, interceptor.ErrAuthenticationRequired):
		writeJSONError(ctx, w, "authentication required", http.StatusUnauthorized)
	case errors.Is(err, interceptor.ErrSessionClosed):
		writeJSONError(ctx, w, "session closed", http.StatusServiceUnavailable)
	case ctx.Err() != nil:
		// Client went away; nothing useful can be written
		w.WriteHeader(http.StatusBadGateway)
	default:
		slog.WarnContext(ctx, "api request failed", "error", err)
		writeJSONError(ctx, w, "remote API unavailable", http.StatusBadGateway)
	}
}
