package pipeline

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"
)

// maxBodyRead caps how much of the request body is pulled into memory
// for inspection. The handler downstream still sees the full body.
const maxBodyRead = 64 * 1024

const blockedMessage = "request rejected by security policy\n"
const limitedMessage = "too many requests\n"

// Middleware inspects each request before the wrapped handler sees it.
// Blocked and challenged requests are answered here with a generic
// message; rule detail never reaches the client.
func Middleware(p *Pipeline, scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := fromHTTP(r, scope)
		verdict := p.Inspect(r.Context(), req)

		for k, v := range verdict.Headers {
			w.Header().Set(k, v)
		}
		switch verdict.Action {
		case ActionBlock:
			http.Error(w, strings.TrimSuffix(blockedMessage, "\n"), verdict.HTTPStatus)
			return
		case ActionChallenge:
			http.Error(w, strings.TrimSuffix(limitedMessage, "\n"), verdict.HTTPStatus)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fromHTTP builds the inspection descriptor. The body is read up to the
// cap and stitched back so the downstream handler is unaffected.
func fromHTTP(r *http.Request, scope string) Request {
	req := Request{
		Method:    r.Method,
		URL:       r.URL.Path,
		Query:     r.URL.Query(),
		UserAgent: r.UserAgent(),
		ClientIP:  clientIP(r),
		Scope:     scope,
	}
	if r.Body != nil && r.Body != http.NoBody {
		buf, err := io.ReadAll(io.LimitReader(r.Body, maxBodyRead))
		if err == nil {
			rest := r.Body
			r.Body = struct {
				io.Reader
				io.Closer
			}{io.MultiReader(bytes.NewReader(buf), rest), rest}
			req.Body = buf
		}
	}
	return req
}

// clientIP resolves the originating address: first hop of
// X-Forwarded-For when present, otherwise the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
