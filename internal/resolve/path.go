package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/cloud302/internal/cloud189"
	"github.com/tonimelisma/cloud302/internal/metrics"
)

const listPageSize = 100

// Lister lists one page of a folder. *cloud189.Client implements it.
type Lister interface {
	ListFolder(ctx context.Context, folderID string, pageNum, pageSize int) (*cloud189.FolderPage, error)
}

// PathResolver maps virtual paths to file identifiers by walking the
// folder tree from the root, one listing per uncached directory.
type PathResolver struct {
	lister       Lister
	session      Session
	cache        *PathCache
	flights      singleflight.Group
	fetchTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewPathResolver creates a resolver. m may be nil.
func NewPathResolver(
	lister Lister, s Session, cache *PathCache, fetchTimeout time.Duration,
	logger *slog.Logger, m *metrics.Metrics,
) *PathResolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &PathResolver{
		lister:       lister,
		session:      s,
		cache:        cache,
		fetchTimeout: fetchTimeout,
		logger:       logger,
		metrics:      m,
	}
}

// Resolve returns the target for a virtual path. A fully cached path costs
// no upstream call; otherwise the walk reuses every cached prefix and lists
// only the directories it is missing.
func (r *PathResolver) Resolve(ctx context.Context, p string) (Target, error) {
	gen, ok := r.session.Generation()
	if !ok {
		return Target{}, ErrAuthRequired
	}

	p = Normalize(p)
	if p == "/" {
		return Target{Path: "/", ID: cloud189.RootFolderID, IsDir: true}, nil
	}

	if t, ok := r.cache.Get(p); ok {
		r.metrics.RecordCacheLookup(metrics.LayerPath, true)
		return t, nil
	}

	r.metrics.RecordCacheLookup(metrics.LayerPath, false)

	cur := Target{Path: "/", ID: cloud189.RootFolderID, IsDir: true}

	for _, seg := range Segments(p) {
		if !cur.IsDir {
			return Target{}, fmt.Errorf("%w: %s is not a folder", ErrNotFound, cur.Path)
		}

		next, err := r.child(ctx, gen, cur, seg)
		if err != nil {
			return Target{}, err
		}

		cur = next
	}

	return cur, nil
}

// ResolveFile is Resolve for callers that need a file: a path naming a
// folder fails with ErrIsDirectory.
func (r *PathResolver) ResolveFile(ctx context.Context, p string) (Target, error) {
	t, err := r.Resolve(ctx, p)
	if err != nil {
		return Target{}, err
	}

	if t.IsDir {
		return Target{}, fmt.Errorf("%w: %s", ErrIsDirectory, t.Path)
	}

	return t, nil
}

// Siblings returns the cached children of dirPath. Precache uses it to find
// the neighbours of a freshly resolved file without listing again.
func (r *PathResolver) Siblings(dirPath string) []Target {
	children, _ := r.cache.Children(dirPath)
	return children
}

// Len returns the number of cached paths.
func (r *PathResolver) Len() int {
	return r.cache.Len()
}

// Clear empties the path cache.
func (r *PathResolver) Clear() {
	r.cache.Clear()
	r.metrics.SetCacheEntries(metrics.LayerPath, 0)
}

// Sweep drops stale cache entries and returns how many were removed.
func (r *PathResolver) Sweep() int {
	n := r.cache.Sweep()
	r.metrics.SetCacheEntries(metrics.LayerPath, r.cache.Len())

	return n
}

// SetTTL changes the path cache TTL.
func (r *PathResolver) SetTTL(ttl time.Duration) {
	r.cache.SetTTL(ttl)
	r.metrics.SetCacheEntries(metrics.LayerPath, r.cache.Len())
}

func (r *PathResolver) child(ctx context.Context, gen uint64, dir Target, name string) (Target, error) {
	childPath := joinPath(dir.Path, name)

	if t, ok := r.cache.Get(childPath); ok {
		return t, nil
	}

	children, err := r.listing(ctx, gen, dir)
	if err != nil {
		return Target{}, err
	}

	for _, c := range children {
		if c.Path == childPath {
			return c, nil
		}
	}

	return Target{}, fmt.Errorf("%w: %s", ErrNotFound, childPath)
}

// listing fetches every page of dir, shared between concurrent callers
// listing the same folder under the same session generation. The fetch runs
// detached from the first caller's context so one disconnecting client
// cannot fail the others.
func (r *PathResolver) listing(ctx context.Context, gen uint64, dir Target) ([]Target, error) {
	ch := r.flights.DoChan(flightKey(gen, dir.ID), func() (any, error) {
		if children, ok := r.cache.Children(dir.Path); ok {
			return children, nil
		}

		epoch := r.cache.Epoch()

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()

		start := time.Now()
		children, err := r.listAll(fctx, dir)
		r.metrics.RecordUpstream("list", time.Since(start), err)

		if err != nil {
			return nil, err
		}

		r.cache.PutListing(epoch, dir.Path, children)
		r.metrics.SetCacheEntries(metrics.LayerPath, r.cache.Len())

		r.logger.Debug("listed folder",
			slog.String("path", dir.Path),
			slog.String("id", dir.ID),
			slog.Int("children", len(children)),
		)

		return children, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, classify(res.Err, r.session, gen)
		}

		return res.Val.([]Target), nil
	}
}

func (r *PathResolver) listAll(ctx context.Context, dir Target) ([]Target, error) {
	var children []Target

	for page := 1; ; page++ {
		fp, err := r.lister.ListFolder(ctx, dir.ID, page, listPageSize)
		if err != nil {
			return nil, err
		}

		for _, e := range fp.Entries {
			children = append(children, Target{
				Path:     joinPath(dir.Path, norm.NFC.String(e.Name)),
				ID:       e.ID,
				ParentID: dir.ID,
				DirPath:  dir.Path,
				IsDir:    e.IsFolder,
				Size:     e.Size,
			})
		}

		if len(fp.Entries) < listPageSize || len(children) >= fp.RecordCount {
			return children, nil
		}
	}
}

func flightKey(gen uint64, id string) string {
	return strconv.FormatUint(gen, 10) + "/" + id
}
