// Package server serves the redirect endpoint, the admin API under /api/,
// and the Prometheus exposition at /metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tonimelisma/cloud302/internal/config"
	"github.com/tonimelisma/cloud302/internal/metrics"
	"github.com/tonimelisma/cloud302/internal/notify"
	"github.com/tonimelisma/cloud302/internal/precache"
	"github.com/tonimelisma/cloud302/internal/resolve"
	"github.com/tonimelisma/cloud302/internal/session"
)

// Options holds the collaborators a Server is built from. Notifier,
// Metrics and Logger may be nil.
type Options struct {
	Session  *session.Manager
	Paths    *resolve.PathResolver
	Links    *resolve.LinkResolver
	Precache *precache.Scheduler
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	AdminUser     string
	AdminPassword string
}

// Server owns the caches and the session for the lifetime of the process.
type Server struct {
	session  *session.Manager
	paths    *resolve.PathResolver
	links    *resolve.LinkResolver
	precache *precache.Scheduler
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu    sync.RWMutex
	admin adminCredentials

	// notifications tracks in-flight failure notifications so Close can
	// wait for them.
	notifications sync.WaitGroup
}

type adminCredentials struct {
	user, password string
}

func (a adminCredentials) enabled() bool {
	return a.user != "" && a.password != ""
}

// New creates a Server and registers it to clear both caches whenever the
// session enters Authenticated, since a different account sees a different
// tree.
func New(opts Options) *Server {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		session:  opts.Session,
		paths:    opts.Paths,
		links:    opts.Links,
		precache: opts.Precache,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		admin:    adminCredentials{user: opts.AdminUser, password: opts.AdminPassword},
	}

	s.session.OnAuthenticated(s.ClearCaches)
	s.observeSession()

	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /d/{path...}", s.handleRedirect)
	mux.HandleFunc("GET /{path...}", s.handleRootRedirect)

	mux.Handle("POST /api/189/login", s.adminOnly(s.handleLogin))
	mux.Handle("GET /api/189/qrcode", s.adminOnly(s.handleQRCode))
	mux.Handle("GET /api/189/qrcode/status", s.adminOnly(s.handleQRStatus))
	mux.Handle("POST /api/189/logout", s.adminOnly(s.handleLogout))
	mux.Handle("GET /api/189/cookies", s.adminOnly(s.handleCookies))
	mux.Handle("POST /api/clear-cache", s.adminOnly(s.handleClearCache))
	mux.Handle("GET /api/status", s.adminOnly(s.handleStatus))

	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.requestLog(mux)
}

// ClearCaches empties the path and link caches.
func (s *Server) ClearCaches() {
	s.paths.Clear()
	s.links.Clear()

	s.logger.Info("caches cleared")
}

// Apply re-applies the reloadable parts of cfg: cache TTLs and capacity,
// precache workers and the admin credentials.
func (s *Server) Apply(cfg *config.Config) {
	s.paths.SetTTL(cfg.Cache.PathTTL())
	s.links.Configure(cfg.Cache.LinkCapacity, cfg.Cache.LinkTTL())
	s.precache.SetWorkers(cfg.Cache.PrecacheWorkers)

	s.mu.Lock()
	s.admin = adminCredentials{user: cfg.Server.AdminUser, password: cfg.Server.AdminPassword}
	s.mu.Unlock()

	s.logger.Info("configuration applied",
		slog.Duration("path_ttl", cfg.Cache.PathTTL()),
		slog.Duration("link_ttl", cfg.Cache.LinkTTL()),
		slog.Int("link_capacity", cfg.Cache.LinkCapacity),
		slog.Int("precache_workers", cfg.Cache.PrecacheWorkers),
	)
}

// Close stops precaching and waits for pending notifications.
func (s *Server) Close() {
	s.precache.Close()
	s.notifications.Wait()
}

// notifyFailure sends one failure notification in the background. It is
// detached from the request so a disconnecting client cannot cancel it.
func (s *Server) notifyFailure(ctx context.Context, message string) {
	ctx = context.WithoutCancel(ctx)

	s.notifications.Add(1)

	go func() {
		defer s.notifications.Done()

		if err := s.notifier.Notify(ctx, message); err != nil {
			s.logger.Warn("failure notification not delivered", slog.String("error", err.Error()))
		}
	}()
}

func (s *Server) observeSession() {
	all := session.AllStates()
	names := make([]string, len(all))

	for i, st := range all {
		names[i] = st.String()
	}

	s.metrics.SetSessionState(s.session.State().String(), names)
}

func (s *Server) adminCreds() adminCredentials {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.admin
}
