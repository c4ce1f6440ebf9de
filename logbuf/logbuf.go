// Package logbuf keeps a bounded, append-only copy of recent log lines in
// memory so a UI can show them without tailing a file.  It implements
// io.Writer, so the standard logger can tee into it.
package logbuf

import (
	"strings"
	"sync"
)

// Buffer is a bounded ring of log lines.  Appends never fail; once the limit
// is reached the oldest lines fall off.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	limit int
}

// New creates a Buffer holding up to limit lines.
func New(limit int) *Buffer {
	if limit <= 0 {
		limit = 1000
	}
	return &Buffer{limit: limit}
}

// Add appends one line.
func (b *Buffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.limit {
		b.lines = b.lines[len(b.lines)-b.limit:]
	}
}

// Write implements io.Writer for use with log.SetOutput.  Each call is
// treated as one line; the trailing newline the logger appends is dropped.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Add(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// Snapshot returns a copy of the current contents, oldest first.
func (b *Buffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}
