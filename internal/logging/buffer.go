package logging

import (
	"sync"
	"time"
)

// LogEntry is one log line kept for the log endpoints. Seq increases by
// one per entry written to the buffer.
type LogEntry struct {
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer keeps the most recent log entries. Safe for concurrent use.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    uint64 // seq of the next write
}

// NewRingBuffer creates a buffer holding up to size entries.
func NewRingBuffer(size int) *RingBuffer {
	size = max(size, 1)
	return &RingBuffer{entries: make([]LogEntry, size), next: 1}
}

// Write stores entry, replacing the oldest one when full, and returns it
// with its sequence number set.
func (rb *RingBuffer) Write(entry LogEntry) LogEntry {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	entry.Seq = rb.next
	rb.entries[int((rb.next-1)%uint64(len(rb.entries)))] = entry
	rb.next++
	return entry
}

// ReadAll returns the buffered entries, oldest first.
func (rb *RingBuffer) ReadAll() []LogEntry {
	return rb.Since(0)
}

// Since returns the buffered entries with a sequence number above seq,
// oldest first.
func (rb *RingBuffer) Since(seq uint64) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	size := uint64(len(rb.entries))
	first := uint64(1)
	if rb.next > size {
		first = rb.next - size
	}
	if seq+1 > first {
		first = seq + 1
	}
	if first >= rb.next {
		return nil
	}

	result := make([]LogEntry, 0, rb.next-first)
	for s := first; s < rb.next; s++ {
		result = append(result, rb.entries[(s-1)%size])
	}
	return result
}

// Count returns the number of buffered entries.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return int(min(rb.next-1, uint64(len(rb.entries))))
}
