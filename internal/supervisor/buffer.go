package supervisor

import (
	"strings"
	"sync"
)

// LogLine is one captured stdio line with its source stream.
type LogLine struct {
	Stream string `json:"stream"` // "stdout" or "stderr"
	Line   string `json:"line"`
}

// OutputBuffer is a thread-safe ring buffer of captured stdio lines.
// It keeps a bounded memory footprint by discarding the oldest lines
// when capacity is reached.
type OutputBuffer struct {
	lines    []LogLine
	capacity int
	start    int // Index of oldest line
	count    int // Number of lines stored
	total    int // Lines ever written, including discarded ones
	mu       sync.RWMutex
}

// NewOutputBuffer creates a buffer with the given capacity (minimum 1).
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &OutputBuffer{
		lines:    make([]LogLine, capacity),
		capacity: capacity,
	}
}

// Write appends a line, overwriting the oldest when full.
func (b *OutputBuffer) Write(stream, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := LogLine{Stream: stream, Line: line}
	if b.count < b.capacity {
		b.lines[(b.start+b.count)%b.capacity] = entry
		b.count++
	} else {
		b.lines[b.start] = entry
		b.start = (b.start + 1) % b.capacity
	}
	b.total++
}

// Lines returns all buffered lines in chronological order.
func (b *OutputBuffer) Lines() []LogLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]LogLine, b.count)
	for i := 0; i < b.count; i++ {
		result[i] = b.lines[(b.start+i)%b.capacity]
	}
	return result
}

// Page returns up to limit lines starting at offset within the buffered
// window, plus the total number of lines ever written. Offsets address
// the buffered lines only; lines already discarded cannot be paged.
func (b *OutputBuffer) Page(offset, limit int) ([]LogLine, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= b.count || limit <= 0 {
		return nil, b.total
	}
	n := b.count - offset
	if limit < n {
		n = limit
	}

	result := make([]LogLine, n)
	for i := 0; i < n; i++ {
		result[i] = b.lines[(b.start+offset+i)%b.capacity]
	}
	return result, b.total
}

// Len returns the number of buffered lines.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// String returns all buffered lines joined with newlines.
func (b *OutputBuffer) String() string {
	lines := b.Lines()
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Line
	}
	return strings.Join(parts, "\n")
}
