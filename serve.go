package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/cloud302/internal/cloud189"
	"github.com/tonimelisma/cloud302/internal/config"
	"github.com/tonimelisma/cloud302/internal/metrics"
	"github.com/tonimelisma/cloud302/internal/notify"
	"github.com/tonimelisma/cloud302/internal/precache"
	"github.com/tonimelisma/cloud302/internal/resolve"
	"github.com/tonimelisma/cloud302/internal/server"
	"github.com/tonimelisma/cloud302/internal/session"
)

const (
	sweepInterval     = 10 * time.Minute
	readHeaderTimeout = 10 * time.Second
)

var (
	flagHost    string
	flagPort    int
	flagPIDFile string
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the redirect server",
		Long: `Run the HTTP server. Requests for a virtual path are answered with a 302
to the file's direct download link. SIGHUP or an edit to the config file
reloads the cache, precache, admin and notification settings.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&flagHost, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVar(&flagPort, "port", 0, "listen port (overrides config)")
	cmd.Flags().StringVar(&flagPIDFile, "pid-file", config.DefaultPIDPath(), "PID file path")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logs := notify.NewLogBuffer(resolvedCfg.Notify.LogBufferMax)
	level := new(slog.LevelVar)
	logger := buildLogger(resolvedCfg, os.Stderr, logs, level)
	slog.SetDefault(logger)

	cleanup, err := writePIDFile(flagPIDFile)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	a := newApp(config.NewHolder(resolvedCfg, resolvedPath), cliOverrides(cmd), logs, level, logger)

	hup, stop := reloadSignals()
	defer stop()

	a.watcher = newConfigWatcher(resolvedPath, hup, a.reload, logger)

	return a.run(ctx)
}

// app is one assembled server process.
type app struct {
	holder *config.Holder
	cli    config.CLIOverrides
	lookup config.LookupFunc
	logs   *notify.LogBuffer
	level  *slog.LevelVar
	logger *slog.Logger

	session  *session.Manager
	paths    *resolve.PathResolver
	links    *resolve.LinkResolver
	server   *server.Server
	telegram *notify.Telegram // nil when no bot token is configured
	watcher  *configWatcher   // nil disables reloading

	httpServer *http.Server
	listening  chan net.Addr
}

// newApp wires every component from the configuration in holder.
func newApp(
	holder *config.Holder, cli config.CLIOverrides, logs *notify.LogBuffer,
	level *slog.LevelVar, logger *slog.Logger,
) *app {
	cfg := holder.Config()
	m := metrics.New()
	transport := newTransport(cfg.Upstream)
	fetchTimeout := config.Duration(cfg.Upstream.FetchTimeout, 30*time.Second)

	var mgr *session.Manager

	up := newUpstream(cfg.Upstream, transport, cloud189.CookieFunc(func() (string, error) {
		return mgr.Cookies()
	}), logger)
	mgr = session.NewManager(up.account, cfg.Account.CookiesFile, logger)

	paths := resolve.NewPathResolver(up.client, mgr,
		resolve.NewPathCache(cfg.Cache.PathTTL()), fetchTimeout, logger, m)
	links := resolve.NewLinkResolver(up.client, mgr,
		resolve.NewLinkCache(cfg.Cache.LinkCapacity, cfg.Cache.LinkTTL()), fetchTimeout, logger, m)

	a := &app{
		holder:    holder,
		cli:       cli,
		lookup:    os.LookupEnv,
		logs:      logs,
		level:     level,
		logger:    logger,
		session:   mgr,
		paths:     paths,
		links:     links,
		listening: make(chan net.Addr, 1),
	}

	var notifier notify.Notifier = notify.Nop{}

	if cfg.Notify.TelegramEnabled() {
		a.telegram = notify.NewTelegram(cfg.Notify.TelegramAPIURL, cfg.Notify.TelegramBotToken,
			&http.Client{Transport: transport}, logs, logger, m)
		a.telegram.SetTargets(cfg.Notify.ChatIDs, cfg.Notify.UserWhitelist)
		notifier = notify.Multi{a.telegram}
	}

	a.server = server.New(server.Options{
		Session:       mgr,
		Paths:         paths,
		Links:         links,
		Precache:      precache.New(paths, links, cfg.Cache.PrecacheWorkers, logger, m),
		Notifier:      notifier,
		Metrics:       m,
		Logger:        logger,
		AdminUser:     cfg.Server.AdminUser,
		AdminPassword: cfg.Server.AdminPassword,
	})

	a.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a
}

// run logs in from the configured sources, then serves until ctx is
// canceled and shuts down gracefully.
func (a *app) run(ctx context.Context) error {
	cfg := a.holder.Config()

	if err := a.session.InitializeFromConfiguration(ctx, cfg.Account); err != nil {
		a.logger.Warn("starting without a session, log in through the API or `cloud302 login`",
			slog.String("error", err.Error()))
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.httpServer.Addr, err)
	}

	a.listening <- ln.Addr()

	a.logger.Info("server started",
		slog.String("addr", ln.Addr().String()),
		slog.String("version", version),
		slog.String("config", a.holder.Path()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		timeout := config.Duration(a.holder.Config().Server.ShutdownTimeout, 10*time.Second)
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()

		err := a.httpServer.Shutdown(sctx)
		a.server.Close()
		a.logger.Info("server stopped")

		return err
	})

	if a.telegram != nil {
		g.Go(func() error { return a.telegram.Run(gctx) })
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.run(gctx) })
	}

	g.Go(func() error {
		a.sweepLoop(gctx)
		return nil
	})

	return g.Wait()
}

// sweepLoop periodically drops expired cache entries and re-verifies the
// session, so an idle server neither holds stale listings and links until
// the next lookup nor reports a session upstream has already revoked.
func (a *app) sweepLoop(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.sweep(ctx)
		}
	}
}

func (a *app) sweep(ctx context.Context) {
	n := a.paths.Sweep()
	remaining := a.links.Remaining()
	a.logger.Debug("cache sweep",
		slog.Int("paths_removed", n),
		slog.Int("link_slots_free", remaining),
	)

	if !a.session.Authenticated() {
		return
	}

	cfg := a.holder.Config()

	cctx, cancel := context.WithTimeout(ctx, config.Duration(cfg.Upstream.FetchTimeout, 30*time.Second))
	defer cancel()

	if err := a.session.Check(cctx); err != nil {
		a.logger.Warn("session check failed",
			slog.String("state", a.session.State().String()),
			slog.String("error", err.Error()),
		)

		return
	}

	a.logger.Debug("session check passed")
}

// reload re-resolves the configuration and applies the parts that can
// change at runtime. An invalid configuration is logged and ignored. The
// listen address and upstream settings need a restart.
func (a *app) reload(trigger string) {
	cfg, _, err := config.Resolve(a.cli, a.lookup)
	if err != nil {
		a.logger.Error("config reload failed, keeping current configuration",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)

		return
	}

	old := a.holder.Config()
	a.holder.Update(cfg)

	a.level.Set(logLevel(cfg))
	a.logs.Resize(cfg.Notify.LogBufferMax)
	a.server.Apply(cfg)

	if a.telegram != nil {
		a.telegram.SetTargets(cfg.Notify.ChatIDs, cfg.Notify.UserWhitelist)
	}

	if cfg.Server.Addr() != old.Server.Addr() || cfg.Upstream != old.Upstream ||
		cfg.Notify.TelegramBotToken != old.Notify.TelegramBotToken {
		a.logger.Warn("listen address, upstream and bot token changes take effect after a restart")
	}

	a.logger.Info("configuration reloaded", slog.String("trigger", trigger))
}
