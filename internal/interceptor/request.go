package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// StatusTokenExpired is the status code the API uses for an expired access token.
// The status alone is ambiguous: only a body code of "expired" triggers a refresh.
const StatusTokenExpired = 419

const expiredCode = "expired"

// maxSignalBody caps how much of a 419 body is inspected.
const maxSignalBody = 64 << 10

// originalRequest is a replayable snapshot of an outgoing request.
type originalRequest struct {
	method string
	url    *url.URL
	host   string
	header http.Header
	body   []byte
}

// captureRequest buffers the request body so the request can be sent more than once.
// The original body is consumed and closed.
func captureRequest(req *http.Request) (*originalRequest, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		defer func() { _ = req.Body.Close() }()
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("buffering request body: %w", err)
		}
		body = b
	}

	u := *req.URL
	return &originalRequest{
		method: req.Method,
		url:    &u,
		host:   req.Host,
		header: req.Header.Clone(),
		body:   body,
	}, nil
}

// build creates a fresh request bound to ctx.
func (o *originalRequest) build(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if o.body != nil {
		body = bytes.NewReader(o.body)
	}

	req, err := http.NewRequestWithContext(ctx, o.method, o.url.String(), body)
	if err != nil {
		return nil, fmt.Errorf("rebuilding request: %w", err)
	}
	req.Header = o.header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Host = o.host
	return req, nil
}

// isExpired reports whether resp is the expired-token signal.
// The inspected body is restored so callers still see the full response.
func isExpired(resp *http.Response) bool {
	if resp.StatusCode != StatusTokenExpired || resp.Body == nil {
		return false
	}

	head, err := io.ReadAll(io.LimitReader(resp.Body, maxSignalBody))
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), resp.Body), resp.Body}
	if err != nil {
		return false
	}

	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(head, &payload); err != nil {
		return false
	}
	return payload.Code == expiredCode
}

// discard drains a little of the body for connection reuse and closes it.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
}
