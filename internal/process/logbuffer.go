package process

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// LogEntry is one line a sub-agent wrote to stderr.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

// LogBuffer is a thread-safe ring buffer holding the last N lines of a
// sub-agent's stderr.
type LogBuffer struct {
	mu         sync.RWMutex
	entries    []LogEntry
	maxEntries int
	total      int
}

// NewLogBuffer creates a log buffer that retains up to maxEntries lines.
func NewLogBuffer(maxEntries int) *LogBuffer {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &LogBuffer{
		entries:    make([]LogEntry, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

// Write appends one line, dropping the oldest when full.
func (lb *LogBuffer) Write(line string) {
	entry := LogEntry{Timestamp: time.Now().UTC(), Line: line}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(lb.entries) >= lb.maxEntries {
		copy(lb.entries, lb.entries[1:])
		lb.entries = lb.entries[:len(lb.entries)-1]
	}
	lb.entries = append(lb.entries, entry)
	lb.total++
}

// Recent returns the last n entries, oldest first. n <= 0 means all.
func (lb *LogBuffer) Recent(n int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	total := len(lb.entries)
	if n <= 0 || n > total {
		n = total
	}
	result := make([]LogEntry, n)
	copy(result, lb.entries[total-n:])
	return result
}

// Total returns the number of lines ever written, including dropped ones.
func (lb *LogBuffer) Total() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.total
}

// Capture reads r line by line until EOF, storing every line and passing
// it to each hook.
func (lb *LogBuffer) Capture(r io.Reader, hooks ...func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 16*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lb.Write(line)
		for _, h := range hooks {
			h(line)
		}
	}
	return scanner.Err()
}
