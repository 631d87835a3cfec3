package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tonimelisma/cloud302/internal/notify"
	"github.com/tonimelisma/cloud302/internal/resolve"
)

// statusClientClosed is recorded when the client went away before a
// response could be written.
const statusClientClosed = 499

const urlLogMaxLen = 80

// excludedPrefixes are never treated as virtual paths on the bare route.
var excludedPrefixes = []string{"api/", "static/", "favicon.ico", "login"}

func (s *Server) handleRootRedirect(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	if p == "" || hasExcludedPrefix(p) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	s.serveRedirect(w, r, p)
}

func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	s.serveRedirect(w, r, r.PathValue("path"))
}

func (s *Server) serveRedirect(w http.ResponseWriter, r *http.Request, p string) {
	start := time.Now()
	virtual := "/" + withQuery(p, r.URL.RawQuery)

	status := s.redirect(w, r, virtual)

	s.metrics.RecordRedirect(status, time.Since(start))
	s.observeSession()
}

// redirect resolves virtual and answers with 302, or with an error status.
// It returns the status for metrics.
func (s *Server) redirect(w http.ResponseWriter, r *http.Request, virtual string) int {
	ctx := r.Context()
	logger := loggerFrom(ctx, s.logger).With(slog.String("path", virtual))

	if !s.session.Authenticated() {
		logger.Info("redirect refused, not logged in", slog.String("state", s.session.State().String()))
		writeError(w, http.StatusUnauthorized, "not logged in to Cloud189")

		return http.StatusUnauthorized
	}

	target, err := s.paths.ResolveFile(ctx, virtual)
	if err != nil {
		return s.fail(ctx, w, logger, virtual, err)
	}

	link, err := s.links.Resolve(ctx, target.ID)
	if err != nil {
		return s.fail(ctx, w, logger, virtual, err)
	}

	logger.Info("redirecting", slog.String("url", truncate(link, urlLogMaxLen)))

	http.Redirect(w, r, link, http.StatusFound)

	s.precache.Schedule(target)

	return http.StatusFound
}

// fail maps a resolver error onto the response. Upstream and auth failures
// produce exactly one notification for the request.
func (s *Server) fail(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, virtual string, err error) int {
	switch {
	case ctx.Err() != nil:
		logger.Debug("client went away", slog.String("error", err.Error()))
		return statusClientClosed
	case errors.Is(err, resolve.ErrNotFound):
		logger.Info("path not found")
		writeError(w, http.StatusNotFound, "not found")

		return http.StatusNotFound
	case errors.Is(err, resolve.ErrIsDirectory):
		logger.Info("path is a folder")
		writeError(w, http.StatusNotFound, "not a file")

		return http.StatusNotFound
	default:
		logger.Error("direct link resolution failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		s.notifyFailure(ctx, notify.FailureMessage(virtual, err))

		return http.StatusBadGateway
	}
}

// withQuery re-attaches a query string to the path: upstream names may
// contain '?', which clients send unescaped.
func withQuery(p, rawQuery string) string {
	if rawQuery == "" {
		return p
	}

	q, err := url.PathUnescape(rawQuery)
	if err != nil {
		q = rawQuery
	}

	return p + "?" + q
}

func hasExcludedPrefix(p string) bool {
	for _, prefix := range excludedPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}

	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
