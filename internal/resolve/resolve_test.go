package resolve

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/cloud302/internal/cloud189"
)

type fakeSession struct {
	gen         atomic.Uint64
	loggedOut   atomic.Bool
	invalidated atomic.Int32
}

func (s *fakeSession) Generation() (uint64, bool) {
	return s.gen.Load(), !s.loggedOut.Load()
}

func (s *fakeSession) Invalidate(gen uint64) {
	if gen != s.gen.Load() {
		return
	}

	s.invalidated.Add(1)
	s.loggedOut.Store(true)
}

// relogin starts a new session generation.
func (s *fakeSession) relogin() {
	s.gen.Add(1)
	s.loggedOut.Store(false)
}

// fakeLister serves folder listings from a map keyed by folder id.
type fakeLister struct {
	mu      sync.Mutex
	folders map[string][]cloud189.Entry
	calls   map[string]int
	err     error
	gate    chan struct{}
}

func newFakeLister() *fakeLister {
	return &fakeLister{
		folders: map[string][]cloud189.Entry{
			cloud189.RootFolderID: {
				{ID: "d1", Name: "电影", IsFolder: true},
				{ID: "f0", Name: "readme.txt", Size: 10},
			},
			"d1": {
				{ID: "f1", Name: "test.mkv", Size: 1 << 30},
				{ID: "f2", Name: "other.mkv", Size: 1 << 20},
				{ID: "d2", Name: "extras", IsFolder: true},
			},
			"d2": {},
		},
		calls: make(map[string]int),
	}
}

func (l *fakeLister) ListFolder(_ context.Context, folderID string, pageNum, pageSize int) (*cloud189.FolderPage, error) {
	if l.gate != nil {
		<-l.gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls[folderID]++

	if l.err != nil {
		return nil, l.err
	}

	all := l.folders[folderID]
	start := min((pageNum-1)*pageSize, len(all))
	end := min(start+pageSize, len(all))

	return &cloud189.FolderPage{Entries: all[start:end], RecordCount: len(all)}, nil
}

func (l *fakeLister) totalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, c := range l.calls {
		n += c
	}

	return n
}

// fakeLinker issues numbered URLs and counts calls per file.
type fakeLinker struct {
	calls  atomic.Int32
	expiry time.Time
	err    error
	gate   chan struct{}
}

func (l *fakeLinker) DirectLink(ctx context.Context, fileID string) (*cloud189.Link, error) {
	n := l.calls.Add(1)

	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if l.err != nil {
		return nil, l.err
	}

	return &cloud189.Link{URL: "https://dl.example/" + fileID + "?n=" + string(rune('0'+n)), Expiry: l.expiry}, nil
}

// clock is a settable time source for cache tests.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
