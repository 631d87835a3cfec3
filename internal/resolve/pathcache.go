package resolve

import (
	"sync"
	"time"
)

// Target is a resolved virtual path.
type Target struct {
	Path     string
	ID       string
	ParentID string
	DirPath  string
	IsDir    bool
	Size     int64
}

type pathEntry struct {
	target   Target
	inserted time.Time
}

type dirListing struct {
	children []Target
	inserted time.Time
}

// PathCache maps normalized virtual paths to targets and remembers each
// listed directory's children for the precache scheduler. An entry older
// than the TTL is absent; a zero TTL disables the cache entirely.
//
// Every Clear starts a new epoch. A listing fetched before a Clear carries
// the old epoch and is dropped by PutListing.
type PathCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	epoch   uint64
	entries map[string]pathEntry
	dirs    map[string]dirListing
}

// NewPathCache creates a path cache with the given TTL.
func NewPathCache(ttl time.Duration) *PathCache {
	return &PathCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]pathEntry),
		dirs:    make(map[string]dirListing),
	}
}

// Get returns the cached target for p if it is younger than the TTL.
func (c *PathCache) Get(p string) (Target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[p]
	if !ok || !c.freshLocked(e.inserted) {
		return Target{}, false
	}

	return e.target, true
}

// Epoch returns the current cache epoch. Read it before starting the fetch
// whose result will be passed to PutListing.
func (c *PathCache) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.epoch
}

// PutListing records every child of dirPath in one step, so concurrent
// readers see either none or all of a listing. A listing from an earlier
// epoch is ignored.
func (c *PathCache) PutListing(epoch uint64, dirPath string, children []Target) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl <= 0 || epoch != c.epoch {
		return
	}

	now := c.now()

	for _, t := range children {
		c.entries[t.Path] = pathEntry{target: t, inserted: now}
	}

	c.dirs[dirPath] = dirListing{children: children, inserted: now}
}

// Children returns the cached listing of dirPath.
func (c *PathCache) Children(dirPath string) ([]Target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.dirs[dirPath]
	if !ok || !c.freshLocked(d.inserted) {
		return nil, false
	}

	return d.children, true
}

// Len returns the number of path entries, including stale ones not yet
// swept.
func (c *PathCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Sweep drops stale entries and returns how many were removed.
func (c *PathCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0

	for k, e := range c.entries {
		if !c.freshLocked(e.inserted) {
			delete(c.entries, k)
			removed++
		}
	}

	for k, d := range c.dirs {
		if !c.freshLocked(d.inserted) {
			delete(c.dirs, k)
		}
	}

	return removed
}

// Clear empties the cache and starts a new epoch.
func (c *PathCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	clear(c.entries)
	clear(c.dirs)
}

// SetTTL changes the TTL. Existing entries are judged by the new value.
func (c *PathCache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ttl = ttl
	if ttl <= 0 {
		clear(c.entries)
		clear(c.dirs)
	}
}

func (c *PathCache) freshLocked(inserted time.Time) bool {
	return c.ttl > 0 && c.now().Sub(inserted) < c.ttl
}

// SetClock replaces the time source.
func (c *PathCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
