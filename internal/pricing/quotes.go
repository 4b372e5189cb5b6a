package pricing

import (
	"sync"
	"time"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// PriceBook keeps the last price per instrument ID. Symbols with an exchange
// suffix are stored under their bare instrument ID. Safe for concurrent use.
type PriceBook struct {
	prices  map[string]float64
	updated map[string]time.Time
	mu      sync.RWMutex
}

// NewPriceBook returns an empty book.
func NewPriceBook() *PriceBook {
	return &PriceBook{
		prices:  make(map[string]float64),
		updated: make(map[string]time.Time),
	}
}

// Set records price for symbol.
func (b *PriceBook) Set(symbol string, price float64, at time.Time) {
	id, _ := models.SplitSymbol(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.updated[id]; ok && at.Before(prev) {
		return
	}
	b.prices[id] = price
	b.updated[id] = at
}

// ApplyBar records the bar's close.
func (b *PriceBook) ApplyBar(bar models.Bar) {
	if bar.Close <= 0 {
		return
	}
	b.Set(bar.Symbol, bar.Close, bar.Time)
}

// Last returns the latest price of symbol.
func (b *PriceBook) Last(symbol string) (float64, bool) {
	id, _ := models.SplitSymbol(symbol)
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prices[id]
	return p, ok
}

// Len returns the number of priced instruments.
func (b *PriceBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.prices)
}
