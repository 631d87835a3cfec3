package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const loggerKey ctxKey = iota

const requestIDHeader = "X-Request-ID"

// statusWriter records the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// requestLog assigns every request an id, echoes it in X-Request-ID, and
// puts a logger carrying it into the request context.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := uuid.NewString()
		w.Header().Set(requestIDHeader, id)

		logger := s.logger.With(slog.String("request_id", id))
		r = r.WithContext(context.WithValue(r.Context(), loggerKey, logger))

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		logger.Debug("request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", r.RemoteAddr),
		)
	})
}

// loggerFrom returns the request-scoped logger, or fallback outside a
// request.
func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}

	return fallback
}

// adminOnly requires HTTP basic auth when admin credentials are configured.
// The session-state gauge is refreshed after every admin call.
func (s *Server) adminOnly(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds := s.adminCreds()

		if creds.enabled() {
			user, pass, ok := r.BasicAuth()
			if !ok || !equal(user, creds.user) || !equal(pass, creds.password) {
				loggerFrom(r.Context(), s.logger).Warn("admin API authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)

				w.Header().Set("WWW-Authenticate", `Basic realm="cloud302"`)
				writeError(w, http.StatusUnauthorized, "authentication required")

				return
			}
		}

		h(w, r)
		s.observeSession()
	})
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
