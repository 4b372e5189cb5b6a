package chain

import (
	"fmt"
	"sort"
	"time"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// Lookup is the read side of the option chain consumed by the ledgers and strategies.
type Lookup interface {
	Contract(instrumentID string) (models.OptionContract, bool)
	Chain(underlying string, standard bool) *Chain
	NextMonth(instrumentID string) (models.OptionContract, bool)
	PrevMonth(instrumentID string) (models.OptionContract, bool)
	NextStrike(instrumentID string) (models.OptionContract, bool)
	PrevStrike(instrumentID string) (models.OptionContract, bool)
	Counterpart(instrumentID string) (models.OptionContract, bool)
}

type chainKey struct {
	underlying string
	standard   bool
}

// Index holds every chain of one trading day. It is immutable once built.
type Index struct {
	tradeDate time.Time
	chains    map[chainKey]*Chain
	owner     map[string]*Chain
}

// Ensure Index implements Lookup at compile time.
var _ Lookup = (*Index)(nil)

// Build groups rows by underlying and size bucket and links the contracts of
// each chain. A row is standard when its multiplier equals standardMultiplier.
func Build(tradeDate time.Time, rows []models.ContractRow, standardMultiplier int64) (*Index, error) {
	if standardMultiplier <= 0 {
		standardMultiplier = models.DefaultStandardMultiplier
	}
	idx := &Index{
		tradeDate: tradeDate,
		chains:    make(map[chainKey]*Chain),
		owner:     make(map[string]*Chain, len(rows)),
	}
	for i, r := range rows {
		if r.InstrumentID == "" {
			return nil, fmt.Errorf("row %d: empty instrument id", i)
		}
		if !r.Type.Valid() {
			return nil, fmt.Errorf("row %d (%s): invalid option type %q", i, r.InstrumentID, r.Type)
		}
		if _, dup := idx.owner[r.InstrumentID]; dup {
			return nil, fmt.Errorf("row %d: duplicate instrument %s", i, r.InstrumentID)
		}
		mult := r.Multiplier
		if mult <= 0 {
			mult = standardMultiplier
		}
		key := chainKey{r.Underlying, mult == standardMultiplier}
		c, ok := idx.chains[key]
		if !ok {
			c = newChain(key.underlying, key.standard)
			idx.chains[key] = c
		}
		c.add(models.OptionContract{
			InstrumentID: r.InstrumentID,
			ExchangeID:   r.ExchangeID,
			Underlying:   r.Underlying,
			Name:         r.Name,
			Type:         r.Type,
			Strike:       r.Strike,
			Expiry:       r.Expiry,
			Multiplier:   mult,
			Standard:     key.standard,
		})
		idx.owner[r.InstrumentID] = c
	}
	for _, c := range idx.chains {
		c.link()
	}
	return idx, nil
}

// TradeDate returns the snapshot day the index was built for.
func (x *Index) TradeDate() time.Time {
	if x == nil {
		return time.Time{}
	}
	return x.tradeDate
}

// Len returns the number of contracts across all chains.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.owner)
}

// Underlyings returns the underlying codes with at least one chain, sorted.
func (x *Index) Underlyings() []string {
	if x == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for k := range x.chains {
		if !seen[k.underlying] {
			seen[k.underlying] = true
			out = append(out, k.underlying)
		}
	}
	sort.Strings(out)
	return out
}

// Chain returns one underlying's chain; nil when absent.
func (x *Index) Chain(underlying string, standard bool) *Chain {
	if x == nil {
		return nil
	}
	return x.chains[chainKey{underlying, standard}]
}

// Contract resolves an instrument ID across all chains.
func (x *Index) Contract(instrumentID string) (models.OptionContract, bool) {
	if x == nil {
		return models.OptionContract{}, false
	}
	return x.owner[instrumentID].Contract(instrumentID)
}

func (x *Index) follow(instrumentID string, ref func(models.OptionContract) string) (models.OptionContract, bool) {
	oc, ok := x.Contract(instrumentID)
	if !ok {
		return models.OptionContract{}, false
	}
	target := ref(oc)
	if target == "" {
		return models.OptionContract{}, false
	}
	return x.owner[instrumentID].Contract(target)
}

// NextMonth returns the same strike and type at the next listed expiry.
func (x *Index) NextMonth(instrumentID string) (models.OptionContract, bool) {
	return x.follow(instrumentID, func(oc models.OptionContract) string { return oc.NextExpiry })
}

// PrevMonth returns the same strike and type at the previous listed expiry.
func (x *Index) PrevMonth(instrumentID string) (models.OptionContract, bool) {
	return x.follow(instrumentID, func(oc models.OptionContract) string { return oc.PrevExpiry })
}

// NextStrike returns the next higher strike of the same expiry and type.
func (x *Index) NextStrike(instrumentID string) (models.OptionContract, bool) {
	return x.follow(instrumentID, func(oc models.OptionContract) string { return oc.NextStrike })
}

// PrevStrike returns the next lower strike of the same expiry and type.
func (x *Index) PrevStrike(instrumentID string) (models.OptionContract, bool) {
	return x.follow(instrumentID, func(oc models.OptionContract) string { return oc.PrevStrike })
}

// Counterpart returns the put of a call (or the call of a put) at the same strike and expiry.
func (x *Index) Counterpart(instrumentID string) (models.OptionContract, bool) {
	return x.follow(instrumentID, func(oc models.OptionContract) string { return oc.Counterpart })
}
