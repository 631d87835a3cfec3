// Package precache warms the link cache with the siblings of a file that
// was just served, so a player moving to the next episode gets a cache hit.
package precache

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/cloud302/internal/metrics"
	"github.com/tonimelisma/cloud302/internal/resolve"
)

// Precache results recorded in metrics.
const (
	resultFetched = "fetched"
	resultFailed  = "failed"
	resultSkipped = "skipped"
)

// Siblings enumerates the cached children of a directory.
// *resolve.PathResolver implements it.
type Siblings interface {
	Siblings(dirPath string) []resolve.Target
}

// Links is the subset of *resolve.LinkResolver the scheduler drives.
type Links interface {
	Resolve(ctx context.Context, fileID string) (string, error)
	Cached(fileID string) bool
	Remaining() int
}

// Scheduler runs at most one fan-out at a time, each bounded by a worker
// limit and by the link cache's spare capacity.
type Scheduler struct {
	paths   Siblings
	links   Links
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	running sync.Mutex
	wg      sync.WaitGroup

	mu      sync.Mutex
	workers int
	closed  bool
}

// New creates a scheduler. m may be nil.
func New(paths Siblings, links Links, workers int, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		paths:   paths,
		links:   links,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		workers: max(workers, 1),
	}
}

// SetWorkers changes the worker limit for subsequent fan-outs.
func (s *Scheduler) SetWorkers(n int) {
	s.mu.Lock()
	s.workers = max(n, 1)
	s.mu.Unlock()
}

// Schedule starts a background fan-out over the siblings of served and
// returns immediately. It reports whether a fan-out was started: nothing
// starts when the link cache is full or disabled, when another fan-out is
// running, or after Close.
func (s *Scheduler) Schedule(served resolve.Target) bool {
	if s.links.Remaining() <= 0 {
		return false
	}

	if !s.running.TryLock() {
		s.logger.Debug("precache busy, skipping", slog.String("dir", served.DirPath))
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.running.Unlock()

		return false
	}

	workers := s.workers
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.running.Unlock()

		s.run(served, workers)
	}()

	return true
}

// Close cancels any running fan-out and waits for it to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// run fetches at most as many siblings as the link cache has free slots
// when the fan-out starts. The budget is fixed up front: workers re-reading
// the free capacity would all see the same last slot and each fill it,
// evicting warm links.
func (s *Scheduler) run(served resolve.Target, workers int) {
	candidates := s.candidates(served)

	budget := s.links.Remaining()
	if len(candidates) > budget {
		candidates = candidates[:max(budget, 0)]
	}

	if len(candidates) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(s.ctx)
	g.SetLimit(workers)

	for _, t := range candidates {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if s.links.Cached(t.ID) {
				s.metrics.RecordPrecache(resultSkipped)
				return nil
			}

			if _, err := s.links.Resolve(gctx, t.ID); err != nil {
				s.metrics.RecordPrecache(resultFailed)

				// Without a session every remaining sibling fails the same way.
				if errors.Is(err, resolve.ErrAuthRequired) {
					return err
				}

				s.logger.Debug("precache failed",
					slog.String("path", t.Path),
					slog.String("error", err.Error()),
				)

				return nil
			}

			s.metrics.RecordPrecache(resultFetched)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Debug("precache stopped",
			slog.String("dir", served.DirPath),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Debug("precache finished",
		slog.String("dir", served.DirPath),
		slog.Int("candidates", len(candidates)),
	)
}

// candidates returns the sibling files of served that have no cached link.
func (s *Scheduler) candidates(served resolve.Target) []resolve.Target {
	var out []resolve.Target

	for _, t := range s.paths.Siblings(served.DirPath) {
		if t.IsDir || t.ID == served.ID || s.links.Cached(t.ID) {
			continue
		}

		out = append(out, t)
	}

	return out
}
