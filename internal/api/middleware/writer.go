package middleware

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// routePattern returns the matched chi route, or "" outside a chi router or
// before routing has happened.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}

// redactedQuery returns the raw query with device tokens reduced to their
// last four characters.
func redactedQuery(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	q := u.Query()
	tokens, ok := q["token"]
	if !ok {
		return u.RawQuery
	}
	for i, t := range tokens {
		tokens[i] = RedactToken(t)
	}
	q["token"] = tokens
	return q.Encode()
}

// RedactToken keeps the last four characters of a device token.
func RedactToken(token string) string {
	if len(token) <= 4 {
		return "..."
	}
	return "..." + token[len(token)-4:]
}
