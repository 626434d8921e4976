package process

import (
	"bytes"
	"strings"
	"sync"
)

// LineBuffer keeps the most recent lines written to it, in order.
// Writes arrive from the stdout and stderr copy goroutines concurrently.
type LineBuffer struct {
	mu    sync.Mutex
	lines []string
	start int // index of the oldest line once the ring is full
	max   int
}

// NewLineBuffer returns a buffer retaining at most max lines.
func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = DefaultDiagnosticLines
	}
	return &LineBuffer{max: max, lines: make([]string, 0, min(max, 64))}
}

// Add appends a line, evicting the oldest when full.
func (b *LineBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) < b.max {
		b.lines = append(b.lines, line)
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % b.max
}

// Tail returns up to n most recent lines, oldest first. n <= 0 returns all.
func (b *LineBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := len(b.lines)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]string, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, b.lines[(b.start+i)%size])
	}
	return out
}

// Len returns the number of retained lines.
func (b *LineBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// lineWriter splits a byte stream into trimmed, non-empty lines.
type lineWriter struct {
	mu      sync.Mutex
	pending []byte
	emit    func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emitLine(w.pending[:i])
		w.pending = w.pending[i+1:]
	}
	// An unterminated line is flushed once it grows past 64KiB.
	if len(w.pending) > 64*1024 {
		w.emitLine(w.pending)
		w.pending = nil
	}
	return len(p), nil
}

// Flush emits any unterminated trailing line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emitLine(w.pending)
		w.pending = nil
	}
}

func (w *lineWriter) emitLine(b []byte) {
	line := strings.TrimSpace(string(b))
	if line != "" {
		w.emit(line)
	}
}
