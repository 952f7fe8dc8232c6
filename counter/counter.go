// Package counter implements the byte counters shared between a sampler
// and the measurement loop.
package counter

import "sync"

// Bytes is a non-negative byte count guarded by a mutex. Samplers Add to
// it, the measurement loop Drains it once per interval. The zero value is
// ready to use.
type Bytes struct {
	mu sync.Mutex
	n  int64
}

// Add adds n bytes. Negative or zero values are ignored so that the count
// never decreases between two drains.
func (b *Bytes) Add(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.n += int64(n)
	b.mu.Unlock()
}

// Drain returns the current count and resets it to zero in the same
// critical section.
func (b *Bytes) Drain() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.n
	b.n = 0
	return n
}

// Load returns the current count without resetting it.
func (b *Bytes) Load() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}
