package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reload watcher tuning.
const (
	reloadDebounce      = 500 * time.Millisecond
	watchErrInitBackoff = time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
	reloadTriggerSignal = "signal"
	reloadTriggerFile   = "file"
)

// fsWatcher is the subset of *fsnotify.Watcher the reload loop uses.
type fsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return fsnotifyWatcher{w: w}, nil
}

func (f fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// configWatcher calls reload on SIGHUP and, debounced, whenever the config
// file changes. The parent directory is watched because editors usually
// replace the file by rename.
type configWatcher struct {
	path    string
	watcher fsWatcher // nil: signals only
	hup     <-chan os.Signal
	reload  func(trigger string)
	logger  *slog.Logger

	debounce  time.Duration
	sleepFunc func(ctx context.Context, d time.Duration) error
}

func newConfigWatcher(path string, hup <-chan os.Signal, reload func(string), logger *slog.Logger) *configWatcher {
	w := &configWatcher{
		path:      filepath.Clean(path),
		hup:       hup,
		reload:    reload,
		logger:    logger,
		debounce:  reloadDebounce,
		sleepFunc: sleepCtx,
	}

	if path == "" {
		return w
	}

	if _, err := os.Stat(filepath.Dir(w.path)); err != nil {
		logger.Debug("config directory missing, reload with SIGHUP",
			slog.String("path", filepath.Dir(w.path)))

		return w
	}

	fw, err := newFsnotifyWatcher()
	if err != nil {
		logger.Warn("config file watching unavailable, reload with SIGHUP",
			slog.String("error", err.Error()))

		return w
	}

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		logger.Warn("config directory not watchable, reload with SIGHUP",
			slog.String("path", filepath.Dir(w.path)),
			slog.String("error", err.Error()),
		)
		fw.Close()

		return w
	}

	w.watcher = fw

	return w
}

// run blocks until ctx is canceled.
func (w *configWatcher) run(ctx context.Context) error {
	var events <-chan fsnotify.Event

	var errs <-chan error

	if w.watcher != nil {
		defer w.watcher.Close()

		events = w.watcher.Events()
		errs = w.watcher.Errors()
	}

	var pending <-chan time.Time

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-w.hup:
			w.reload(reloadTriggerSignal)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}

			if w.relevant(ev) {
				pending = time.After(w.debounce)
			}

			errBackoff = watchErrInitBackoff

		case <-pending:
			pending = nil
			w.reload(reloadTriggerFile)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}

			w.logger.Warn("config watcher error",
				slog.String("error", err.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if w.sleepFunc(ctx, errBackoff) != nil {
				return nil
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)
		}
	}
}

func (w *configWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}

	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
