package alert

import (
	"sync"

	audit "knowton/pkg/platform/audit"
)

// RingBuffer is a bounded, thread-safe buffer of recent alerts.
// When full, the oldest alert is evicted to make room.
type RingBuffer struct {
	mu       sync.Mutex
	events   []audit.Event
	head     int // next write position
	count    int
	capacity int

	evicted int64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{
		events:   make([]audit.Event, capacity),
		capacity: capacity,
	}
}

// Add stores an alert, evicting the oldest if necessary.
func (b *RingBuffer) Add(event audit.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == b.capacity {
		b.evicted++
	} else {
		b.count++
	}
	b.events[b.head] = event
	b.head = (b.head + 1) % b.capacity
}

// Recent returns up to n alerts, newest first. n <= 0 returns all of them.
func (b *RingBuffer) Recent(n int) []audit.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.count {
		n = b.count
	}
	result := make([]audit.Event, n)
	pos := b.head
	for i := range n {
		pos = (pos - 1 + b.capacity) % b.capacity
		result[i] = b.events[pos]
	}
	return result
}

// Len returns the number of buffered alerts.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Evicted returns how many alerts were pushed out by newer ones.
func (b *RingBuffer) Evicted() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
