package resolve

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/cloud302/internal/cloud189"
	"github.com/tonimelisma/cloud302/internal/metrics"
)

// Linker issues a direct URL for a file. *cloud189.Client implements it.
type Linker interface {
	DirectLink(ctx context.Context, fileID string) (*cloud189.Link, error)
}

// LinkResolver maps file identifiers to direct URLs through the link cache.
// At most one issuance per file identifier is in flight at any time.
type LinkResolver struct {
	linker       Linker
	session      Session
	cache        *LinkCache
	flights      singleflight.Group
	fetchTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewLinkResolver creates a resolver. m may be nil.
func NewLinkResolver(
	linker Linker, s Session, cache *LinkCache, fetchTimeout time.Duration,
	logger *slog.Logger, m *metrics.Metrics,
) *LinkResolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &LinkResolver{
		linker:       linker,
		session:      s,
		cache:        cache,
		fetchTimeout: fetchTimeout,
		logger:       logger,
		metrics:      m,
	}
}

// Resolve returns a direct URL for fileID, from the cache when a valid
// entry exists.
func (r *LinkResolver) Resolve(ctx context.Context, fileID string) (string, error) {
	gen, ok := r.session.Generation()
	if !ok {
		return "", ErrAuthRequired
	}

	if u, ok := r.cache.Get(fileID); ok {
		r.metrics.RecordCacheLookup(metrics.LayerLink, true)
		return u, nil
	}

	r.metrics.RecordCacheLookup(metrics.LayerLink, false)

	ch := r.flights.DoChan(flightKey(gen, fileID), func() (any, error) {
		// A flight that finished just before this one started may have
		// filled the cache.
		if u, ok := r.cache.Get(fileID); ok {
			return u, nil
		}

		epoch := r.cache.Epoch()

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()

		start := time.Now()
		link, err := r.linker.DirectLink(fctx, fileID)
		r.metrics.RecordUpstream("link", time.Since(start), err)

		if err != nil {
			return nil, err
		}

		if n := r.cache.Put(epoch, fileID, link.URL, link.Expiry); n > 0 {
			r.metrics.RecordEvictions(n)
			r.logger.Debug("link cache evicted entries", slog.Int("count", n))
		}

		r.metrics.SetCacheEntries(metrics.LayerLink, r.cache.Len())

		return link.URL, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", classify(res.Err, r.session, gen)
		}

		return res.Val.(string), nil
	}
}

// Cached reports whether fileID has a valid cache entry.
func (r *LinkResolver) Cached(fileID string) bool {
	_, ok := r.cache.Get(fileID)
	return ok
}

// Remaining reports the free link cache capacity.
func (r *LinkResolver) Remaining() int {
	return r.cache.Remaining()
}

// Len returns the number of cached links.
func (r *LinkResolver) Len() int {
	return r.cache.Len()
}

// Clear empties the link cache.
func (r *LinkResolver) Clear() {
	r.cache.Clear()
	r.metrics.SetCacheEntries(metrics.LayerLink, 0)
}

// Configure applies a new capacity and TTL.
func (r *LinkResolver) Configure(capacity int, ttl time.Duration) {
	if n := r.cache.Configure(capacity, ttl); n > 0 {
		r.metrics.RecordEvictions(n)
	}

	r.metrics.SetCacheEntries(metrics.LayerLink, r.cache.Len())
}
