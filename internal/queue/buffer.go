// Package queue provides the unbounded blocking queue each strategy lane reads from.
package queue

import "sync"

// Buffer is an unbounded FIFO. Push never blocks; Pop blocks until an item
// arrives or the buffer is closed. The ring doubles when it fills up.
type Buffer[T any] struct {
	cond   *sync.Cond
	ring   []T
	head   int
	count  int
	pushed int64
	popped int64
	grown  int
	closed bool
	mu     sync.Mutex
}

// New creates a buffer with the given initial capacity.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer[T]{ring: make([]T, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends an item. It returns false once the buffer is closed.
func (b *Buffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if b.count == len(b.ring) {
		b.grow()
	}
	b.ring[(b.head+b.count)%len(b.ring)] = item
	b.count++
	b.pushed++
	b.cond.Signal()
	return true
}

// Pop removes the oldest item, blocking while the buffer is empty. After
// Close the remaining items are still delivered; ok is false once none are left.
func (b *Buffer[T]) Pop() (item T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.count == 0 {
		return item, false
	}
	return b.take(), true
}

// TryPop removes the oldest item without blocking.
func (b *Buffer[T]) TryPop() (item T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return item, false
	}
	return b.take(), true
}

// take must be called with the lock held and count > 0.
func (b *Buffer[T]) take() T {
	var zero T
	item := b.ring[b.head]
	b.ring[b.head] = zero
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	b.popped++
	return item
}

func (b *Buffer[T]) grow() {
	next := make([]T, len(b.ring)*2)
	n := copy(next, b.ring[b.head:])
	copy(next[n:], b.ring[:b.head])
	b.ring = next
	b.head = 0
	b.grown++
}

// Close stops accepting items and wakes every blocked Pop.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Closed reports whether Close was called.
func (b *Buffer[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats is a point-in-time view of a buffer.
type Stats struct {
	Queued   int
	Capacity int
	Pushed   int64
	Popped   int64
	Grown    int
}

// Stats returns buffer statistics.
func (b *Buffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Queued: b.count, Capacity: len(b.ring), Pushed: b.pushed, Popped: b.popped, Grown: b.grown}
}
