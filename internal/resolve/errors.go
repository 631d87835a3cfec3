// Package resolve turns virtual paths into Cloud189 file identifiers and
// file identifiers into direct download URLs. Both layers are cached: the
// path cache is populated a whole directory listing at a time, and the link
// cache is bounded by capacity and by the provider expiry of each URL.
// Concurrent misses on the same directory or file share one upstream call.
package resolve

import (
	"errors"
	"fmt"

	"github.com/tonimelisma/cloud302/internal/cloud189"
)

// Sentinel errors returned by the resolvers. Match with errors.Is.
var (
	ErrAuthRequired = errors.New("resolve: authentication required")
	ErrNotFound     = errors.New("resolve: not found")
	ErrUpstream     = errors.New("resolve: upstream failure")
	ErrIsDirectory  = errors.New("resolve: path is a directory")
)

// Session is the gate the resolvers consult before touching cache or
// upstream. *session.Manager implements it.
//
// Generation identifies the current login and reports whether it is
// authenticated. Every successful login starts a new generation, and
// Invalidate only expires the generation it names, so an auth failure from
// a fetch that began before a re-login cannot expire the new session.
type Session interface {
	Generation() (uint64, bool)
	Invalidate(gen uint64)
}

// classify maps an upstream error onto the resolver taxonomy. Auth failures
// invalidate the session generation the failed call ran under.
func classify(err error, s Session, gen uint64) error {
	switch {
	case cloud189.IsAuthError(err):
		s.Invalidate(gen)
		return fmt.Errorf("%w: %w", ErrAuthRequired, err)
	case errors.Is(err, cloud189.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	}
}
