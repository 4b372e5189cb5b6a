package chain

import (
	"sync"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// Reloadable wraps an Index and allows atomic replacement when a new day's
// snapshot is built. All Lookup methods delegate to the current index.
type Reloadable struct {
	mu      sync.RWMutex
	current *Index
}

// NewReloadable creates a Reloadable with the given initial index, which may be nil.
func NewReloadable(initial *Index) *Reloadable {
	return &Reloadable{current: initial}
}

// Swap atomically replaces the current index and returns the old one.
func (r *Reloadable) Swap(next *Index) *Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.current
	r.current = next
	return old
}

// Current returns the index in use.
func (r *Reloadable) Current() *Index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Contract resolves an instrument ID in the current index.
func (r *Reloadable) Contract(instrumentID string) (models.OptionContract, bool) {
	return r.Current().Contract(instrumentID)
}

// Chain returns a chain of the current index.
func (r *Reloadable) Chain(underlying string, standard bool) *Chain {
	return r.Current().Chain(underlying, standard)
}

// NextMonth delegates to the current index.
func (r *Reloadable) NextMonth(instrumentID string) (models.OptionContract, bool) {
	return r.Current().NextMonth(instrumentID)
}

// PrevMonth delegates to the current index.
func (r *Reloadable) PrevMonth(instrumentID string) (models.OptionContract, bool) {
	return r.Current().PrevMonth(instrumentID)
}

// NextStrike delegates to the current index.
func (r *Reloadable) NextStrike(instrumentID string) (models.OptionContract, bool) {
	return r.Current().NextStrike(instrumentID)
}

// PrevStrike delegates to the current index.
func (r *Reloadable) PrevStrike(instrumentID string) (models.OptionContract, bool) {
	return r.Current().PrevStrike(instrumentID)
}

// Counterpart delegates to the current index.
func (r *Reloadable) Counterpart(instrumentID string) (models.OptionContract, bool) {
	return r.Current().Counterpart(instrumentID)
}

// Compile-time interface verification
var _ Lookup = (*Reloadable)(nil)
