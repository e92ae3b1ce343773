package executor

import (
	"strings"
	"sync"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

// Line is one captured line of agent output
type Line struct {
	Stream domain.Stream
	Text   string
}

// LogBuffer is a single-writer/multi-reader append-only line buffer. The
// executor's stream readers append while observers snapshot concurrently;
// readers never block the writer.
type LogBuffer struct {
	mu    sync.RWMutex
	lines []Line
}

// NewLogBuffer returns an empty buffer
func NewLogBuffer() *LogBuffer {
	return &LogBuffer{}
}

// Append adds one line
func (b *LogBuffer) Append(stream domain.Stream, text string) {
	b.mu.Lock()
	b.lines = append(b.lines, Line{Stream: stream, Text: text})
	b.mu.Unlock()
}

// Len returns the number of lines appended so far
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// Since returns a copy of the lines from index n onward. Observers poll with
// their last seen length to stream increments.
func (b *LogBuffer) Since(n int) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(b.lines) {
		return nil
	}
	out := make([]Line, len(b.lines)-n)
	copy(out, b.lines[n:])
	return out
}

// Snapshot returns a copy of all lines
func (b *LogBuffer) Snapshot() []Line {
	return b.Since(0)
}

// Tail returns the last n lines joined with newlines, for error messages
func (b *LogBuffer) Tail(n int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := len(b.lines) - n
	if start < 0 {
		start = 0
	}
	var sb strings.Builder
	for i := start; i < len(b.lines); i++ {
		if i > start {
			sb.WriteByte('\n')
		}
		sb.WriteString(b.lines[i].Text)
	}
	return sb.String()
}
