// Package buffer provides Ring, a thread-safe FIFO ring buffer.
//
// A Ring runs in one of two modes:
//   - growable: doubles its capacity when it reaches 70% full, never drops
//   - bounded: fixed capacity, Send evicts the oldest item when full
package buffer

import (
	"sync"
)

// Ring is a mutex + cond ring buffer.
type Ring[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	bounded  bool
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	dropped       int64
	resizeCount   int
}

// Stats contains buffer statistics.
type Stats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	Dropped       int64
	ResizeCount   int
}

// NewGrowable creates a buffer that grows instead of dropping.
func NewGrowable[T any](initialCapacity int) *Ring[T] {
	return newRing[T](initialCapacity, false)
}

// NewBounded creates a buffer holding at most capacity items; when full the
// oldest item is evicted to make room.
func NewBounded[T any](capacity int) *Ring[T] {
	return newRing[T](capacity, true)
}

func newRing[T any](capacity int, bounded bool) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	r := &Ring[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
		bounded:  bounded,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Send appends an item. Returns false if the buffer is closed.
func (r *Ring[T]) Send(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	if r.bounded {
		if r.count == r.capacity {
			r.popLocked()
			r.dropped++
		}
	} else {
		threshold := (r.capacity * 70) / 100
		if threshold < 1 {
			threshold = 1
		}
		if r.count+1 >= threshold {
			r.grow()
		}
	}

	r.buf[r.tail] = item
	r.tail = (r.tail + 1) % r.capacity
	r.count++
	r.totalReceived++

	r.cond.Signal()
	return true
}

// Receive blocks until an item is available or the buffer is closed and empty.
func (r *Ring[T]) Receive() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == 0 && !r.closed {
		r.cond.Wait()
	}

	if r.count == 0 {
		var zero T
		return zero, false
	}
	r.totalSent++
	return r.popLocked(), true
}

// TryReceive removes the oldest item without blocking.
func (r *Ring[T]) TryReceive() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}
	r.totalSent++
	return r.popLocked(), true
}

// DrainTo removes up to max items (all when max <= 0) in FIFO order.
func (r *Ring[T]) DrainTo(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}

	n := r.count
	if max > 0 && max < n {
		n = max
	}

	out := make([]T, n)
	for i := range out {
		out[i] = r.popLocked()
	}
	r.totalSent += int64(n)
	return out
}

// Items returns a copy of the buffered items, oldest first, without removing them.
func (r *Ring[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%r.capacity]
	}
	return out
}

// Reset discards all buffered items. Stats counters are kept.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.tail, r.count = 0, 0, 0
}

// Close wakes all receivers. After Close, Send returns false; receivers drain
// what is left and then see ok == false.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.cond.Broadcast()
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the current capacity.
func (r *Ring[T]) Cap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity
}

// Stats returns buffer statistics.
func (r *Ring[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Count:         r.count,
		Capacity:      r.capacity,
		TotalReceived: r.totalReceived,
		TotalSent:     r.totalSent,
		Dropped:       r.dropped,
		ResizeCount:   r.resizeCount,
	}
}

// popLocked removes the head item. Must be called with mu held and count > 0.
func (r *Ring[T]) popLocked() T {
	item := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero // release reference for GC
	r.head = (r.head + 1) % r.capacity
	r.count--
	return item
}

// grow doubles the capacity. Must be called with mu held.
func (r *Ring[T]) grow() {
	newCapacity := r.capacity * 2
	newBuf := make([]T, newCapacity)

	if r.count > 0 {
		if r.head < r.tail {
			copy(newBuf, r.buf[r.head:r.tail])
		} else {
			n := copy(newBuf, r.buf[r.head:])
			copy(newBuf[n:], r.buf[:r.tail])
		}
	}

	r.buf = newBuf
	r.head = 0
	r.tail = r.count
	r.capacity = newCapacity
	r.resizeCount++
}
