package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// LogBuffer keeps the most recent formatted log lines in a ring.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	start int
	count int
}

// NewLogBuffer creates a buffer holding at most size lines.
func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{lines: make([]string, max(size, 1))}
}

// Append adds a line, overwriting the oldest when full.
func (b *LogBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.start + b.count) % len(b.lines)
	b.lines[idx] = line

	if b.count < len(b.lines) {
		b.count++
		return
	}

	b.start = (b.start + 1) % len(b.lines)
}

// Recent returns up to n lines, oldest first.
func (b *LogBuffer) Recent(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.recentLocked(n)
}

func (b *LogBuffer) recentLocked(n int) []string {
	n = min(max(n, 0), b.count)
	out := make([]string, n)

	for i := range n {
		out[i] = b.lines[(b.start+b.count-n+i)%len(b.lines)]
	}

	return out
}

// Len returns the number of stored lines.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.count
}

// Resize changes the capacity, keeping the newest lines.
func (b *LogBuffer) Resize(size int) {
	size = max(size, 1)

	b.mu.Lock()
	defer b.mu.Unlock()

	keep := b.recentLocked(size)
	b.lines = make([]string, size)
	copy(b.lines, keep)
	b.start = 0
	b.count = len(keep)
}

// Write implements io.Writer. slog's text handler writes one record per
// call, so each call becomes one line.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.Append(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Handler returns a slog text handler that formats records into the
// buffer.
func (b *LogBuffer) Handler(level slog.Leveler) slog.Handler {
	return slog.NewTextHandler(b, &slog.HandlerOptions{Level: level})
}

// TeeHandler sends each record to every handler. A record is enabled if any
// handler is enabled for its level.
type TeeHandler []slog.Handler

// Enabled implements slog.Handler.
func (t TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

// Handle implements slog.Handler.
func (t TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}

		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}

	return nil
}

// WithAttrs implements slog.Handler.
func (t TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(TeeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}

	return out
}

// WithGroup implements slog.Handler.
func (t TeeHandler) WithGroup(name string) slog.Handler {
	out := make(TeeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}

	return out
}
