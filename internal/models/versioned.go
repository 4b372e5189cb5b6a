package models

import (
	"context"
	"sync"
)

// Versioned holds a value whose changes are persisted by an explicit Flush.
// Set bumps the version; Flush writes only when the value changed since the
// last successful flush.
type Versioned[T any] struct {
	flush   func(context.Context, T) error
	value   T
	mu      sync.RWMutex
	version uint64
	flushed uint64
}

// NewVersioned wraps initial. flush may be nil for in-memory state.
func NewVersioned[T any](initial T, flush func(context.Context, T) error) *Versioned[T] {
	return &Versioned[T]{value: initial, flush: flush}
}

// Get returns the current value.
func (v *Versioned[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Set replaces the value and returns the new version.
func (v *Versioned[T]) Set(value T) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = value
	v.version++
	return v.version
}

// Version returns the number of Set calls so far.
func (v *Versioned[T]) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// Dirty reports whether a Set has not been flushed yet.
func (v *Versioned[T]) Dirty() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version != v.flushed
}

// Flush persists the current value if it is dirty. A failed flush leaves the
// value dirty so the next Flush retries it.
func (v *Versioned[T]) Flush(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.version == v.flushed || v.flush == nil {
		v.flushed = v.version
		return nil
	}
	if err := v.flush(ctx, v.value); err != nil {
		return err
	}
	v.flushed = v.version
	return nil
}
