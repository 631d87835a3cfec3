package resolve

import (
	"container/list"
	"sync"
	"time"
)

type linkEntry struct {
	fileID   string
	url      string
	expiry   time.Time
	inserted time.Time
}

// LinkCache maps file identifiers to direct URLs. An entry is valid while
// now is before its expiry and younger than the TTL. When an insert pushes
// the size past capacity, the earliest-inserted entries are evicted first.
// A zero capacity or TTL disables the cache. Like PathCache, every Clear
// starts a new epoch and Put drops URLs issued in an earlier one.
type LinkCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time
	epoch    uint64
	entries  map[string]*list.Element
	order    *list.List // of *linkEntry, front is the oldest insertion
}

// NewLinkCache creates a link cache.
func NewLinkCache(capacity int, ttl time.Duration) *LinkCache {
	return &LinkCache{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached URL for fileID if it is still valid. Invalid
// entries are dropped on sight.
func (c *LinkCache) Get(fileID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fileID]
	if !ok {
		return "", false
	}

	e := el.Value.(*linkEntry)
	if !c.validLocked(e) {
		c.removeLocked(el)
		return "", false
	}

	return e.url, true
}

// Epoch returns the current cache epoch.
func (c *LinkCache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.epoch
}

// Put inserts a URL. A zero expiry means the TTL alone bounds the entry.
// Re-inserting an identifier counts as a new insertion. Returns the number
// of entries evicted to stay within capacity. A URL fetched in an earlier
// epoch is not stored.
func (c *LinkCache) Put(epoch uint64, fileID, url string, expiry time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabledLocked() || epoch != c.epoch {
		return 0
	}

	if el, ok := c.entries[fileID]; ok {
		c.removeLocked(el)
	}

	now := c.now()
	if expiry.IsZero() {
		expiry = now.Add(c.ttl)
	}

	e := &linkEntry{fileID: fileID, url: url, expiry: expiry, inserted: now}
	c.entries[fileID] = c.order.PushBack(e)

	return c.evictLocked()
}

// Remaining reports how many more entries fit before eviction starts.
// Invalid entries are swept first so they do not hold capacity.
func (c *LinkCache) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabledLocked() {
		return 0
	}

	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !c.validLocked(el.Value.(*linkEntry)) {
			c.removeLocked(el)
		}

		el = next
	}

	return max(c.capacity-c.order.Len(), 0)
}

// Len returns the number of stored entries.
func (c *LinkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}

// Clear empties the cache and starts a new epoch.
func (c *LinkCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	clear(c.entries)
	c.order.Init()
}

// Configure changes capacity and TTL, evicting the oldest entries if the
// new capacity is smaller. Returns the number evicted.
func (c *LinkCache) Configure(capacity int, ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.capacity = capacity
	c.ttl = ttl

	if c.disabledLocked() {
		n := c.order.Len()
		clear(c.entries)
		c.order.Init()

		return n
	}

	return c.evictLocked()
}

func (c *LinkCache) evictLocked() int {
	evicted := 0

	for c.order.Len() > c.capacity {
		c.removeLocked(c.order.Front())
		evicted++
	}

	return evicted
}

func (c *LinkCache) validLocked(e *linkEntry) bool {
	now := c.now()
	return now.Before(e.expiry) && now.Sub(e.inserted) < c.ttl
}

func (c *LinkCache) removeLocked(el *list.Element) {
	e := c.order.Remove(el).(*linkEntry)
	delete(c.entries, e.fileID)
}

func (c *LinkCache) disabledLocked() bool {
	return c.capacity <= 0 || c.ttl <= 0
}

// SetClock replaces the time source.
func (c *LinkCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
