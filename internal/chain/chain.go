// Package chain indexes a trading day's option contracts for constant-time navigation
// by instrument, expiry, strike and call/put counterpart.
package chain

import (
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

const dayLayout = "2006-01-02"

// strikeKey is a strike in thousandths, exact for exchange-listed strikes.
type strikeKey int64

func toStrikeKey(strike float64) strikeKey {
	return strikeKey(math.Round(strike * 1000))
}

func dayKey(t time.Time) string {
	return t.Format(dayLayout)
}

type expiryTypeKey struct {
	expiry string
	typ    models.OptionType
}

type strikeTypeKey struct {
	strike strikeKey
	typ    models.OptionType
}

type expiryStrikeKey struct {
	expiry string
	strike strikeKey
}

// Chain holds one underlying's contracts of one size bucket. It is read-only
// after Build; a nil *Chain behaves as an empty chain.
type Chain struct {
	contracts    map[string]models.OptionContract
	byExpiryType map[expiryTypeKey][]string // sorted by strike
	byStrikeType map[strikeTypeKey][]string // sorted by expiry
	byPair       map[expiryStrikeKey]map[models.OptionType]string
	expiries     []time.Time
	underlying   string
	standard     bool
}

func newChain(underlying string, standard bool) *Chain {
	return &Chain{
		underlying:   underlying,
		standard:     standard,
		contracts:    make(map[string]models.OptionContract),
		byExpiryType: make(map[expiryTypeKey][]string),
		byStrikeType: make(map[strikeTypeKey][]string),
		byPair:       make(map[expiryStrikeKey]map[models.OptionType]string),
	}
}

// Underlying returns the underlying code of the chain.
func (c *Chain) Underlying() string {
	if c == nil {
		return ""
	}
	return c.underlying
}

// Standard reports whether the chain holds standard-multiplier contracts.
func (c *Chain) Standard() bool {
	return c != nil && c.standard
}

// Len returns the number of contracts in the chain.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.contracts)
}

func (c *Chain) add(oc models.OptionContract) {
	c.contracts[oc.InstrumentID] = oc
	ek := expiryTypeKey{dayKey(oc.Expiry), oc.Type}
	c.byExpiryType[ek] = append(c.byExpiryType[ek], oc.InstrumentID)
	sk := strikeTypeKey{toStrikeKey(oc.Strike), oc.Type}
	c.byStrikeType[sk] = append(c.byStrikeType[sk], oc.InstrumentID)
	pk := expiryStrikeKey{dayKey(oc.Expiry), toStrikeKey(oc.Strike)}
	if c.byPair[pk] == nil {
		c.byPair[pk] = make(map[models.OptionType]string, 2)
	}
	c.byPair[pk][oc.Type] = oc.InstrumentID
}

// link sorts the index slices and fills the cross references of every contract.
func (c *Chain) link() {
	seen := make(map[string]bool)
	for _, oc := range c.contracts {
		d := dayKey(oc.Expiry)
		if !seen[d] {
			seen[d] = true
			c.expiries = append(c.expiries, oc.Expiry)
		}
	}
	sort.Slice(c.expiries, func(i, j int) bool { return c.expiries[i].Before(c.expiries[j]) })

	for _, ids := range c.byExpiryType {
		sort.Slice(ids, func(i, j int) bool {
			return c.contracts[ids[i]].Strike < c.contracts[ids[j]].Strike
		})
		for i, id := range ids {
			oc := c.contracts[id]
			if i > 0 {
				oc.PrevStrike = ids[i-1]
			}
			if i < len(ids)-1 {
				oc.NextStrike = ids[i+1]
			}
			c.contracts[id] = oc
		}
	}

	// Only expiries listing this exact strike are linked, so gaps are skipped.
	for _, ids := range c.byStrikeType {
		sort.Slice(ids, func(i, j int) bool {
			return c.contracts[ids[i]].Expiry.Before(c.contracts[ids[j]].Expiry)
		})
		for i, id := range ids {
			oc := c.contracts[id]
			if i > 0 {
				oc.PrevExpiry = ids[i-1]
			}
			if i < len(ids)-1 {
				oc.NextExpiry = ids[i+1]
			}
			c.contracts[id] = oc
		}
	}

	for _, pair := range c.byPair {
		call, put := pair[models.OptionTypeCall], pair[models.OptionTypePut]
		if call == "" || put == "" {
			continue
		}
		oc := c.contracts[call]
		oc.Counterpart = put
		c.contracts[call] = oc
		oc = c.contracts[put]
		oc.Counterpart = call
		c.contracts[put] = oc
	}
}

// Contract resolves an instrument ID within the chain.
func (c *Chain) Contract(instrumentID string) (models.OptionContract, bool) {
	if c == nil {
		return models.OptionContract{}, false
	}
	oc, ok := c.contracts[instrumentID]
	return oc, ok
}

func (c *Chain) resolve(ids []string) []models.OptionContract {
	out := make([]models.OptionContract, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.contracts[id])
	}
	return out
}

// Expiries returns the listed expiries in ascending order.
func (c *Chain) Expiries() []time.Time {
	if c == nil {
		return nil
	}
	out := make([]time.Time, len(c.expiries))
	copy(out, c.expiries)
	return out
}

// NearestExpiry returns the first listed expiry on or after day, or the last
// expiry when every listed expiry is earlier.
func (c *Chain) NearestExpiry(day time.Time) (time.Time, bool) {
	if c == nil || len(c.expiries) == 0 {
		return time.Time{}, false
	}
	d := dayKey(day)
	i := sort.Search(len(c.expiries), func(i int) bool { return dayKey(c.expiries[i]) >= d })
	if i == len(c.expiries) {
		i--
	}
	return c.expiries[i], true
}

// ByExpiry returns the contracts of one expiry sorted by strike, calls before
// puts. An empty typ selects both types.
func (c *Chain) ByExpiry(expiry time.Time, typ models.OptionType) []models.OptionContract {
	if c == nil {
		return nil
	}
	var out []models.OptionContract
	for _, t := range typesOf(typ) {
		out = append(out, c.resolve(c.byExpiryType[expiryTypeKey{dayKey(expiry), t}])...)
	}
	return out
}

// ByStrike returns the contracts listed at one strike sorted by expiry. An
// empty typ selects both types.
func (c *Chain) ByStrike(strike float64, typ models.OptionType) []models.OptionContract {
	if c == nil {
		return nil
	}
	var out []models.OptionContract
	for _, t := range typesOf(typ) {
		out = append(out, c.resolve(c.byStrikeType[strikeTypeKey{toStrikeKey(strike), t}])...)
	}
	return out
}

// Strikes returns the strike ladder of one expiry and type.
func (c *Chain) Strikes(expiry time.Time, typ models.OptionType) []float64 {
	if c == nil {
		return nil
	}
	ids := c.byExpiryType[expiryTypeKey{dayKey(expiry), typ}]
	out := make([]float64, len(ids))
	for i, id := range ids {
		out[i] = c.contracts[id].Strike
	}
	return out
}

// ATM returns the contract whose strike is nearest to price. A zero expiry
// selects the earliest listed expiry. Ties resolve to the lower strike.
func (c *Chain) ATM(typ models.OptionType, price float64, expiry time.Time) (models.OptionContract, bool) {
	if c == nil || len(c.expiries) == 0 {
		return models.OptionContract{}, false
	}
	if expiry.IsZero() {
		expiry = c.expiries[0]
	}
	ids := c.byExpiryType[expiryTypeKey{dayKey(expiry), typ}]
	if len(ids) == 0 {
		return models.OptionContract{}, false
	}
	i := sort.Search(len(ids), func(i int) bool { return c.contracts[ids[i]].Strike >= price })
	switch {
	case i == 0:
	case i == len(ids):
		i--
	default:
		below, above := c.contracts[ids[i-1]].Strike, c.contracts[ids[i]].Strike
		if price-below <= above-price {
			i--
		}
	}
	return c.contracts[ids[i]], true
}

// Moneyness returns S/K for calls and K/S for puts, so values above 1 are in the money.
func Moneyness(oc models.OptionContract, underlyingPrice float64) float64 {
	if oc.Strike <= 0 || underlyingPrice <= 0 {
		return 0
	}
	if oc.Type == models.OptionTypeCall {
		return underlyingPrice / oc.Strike
	}
	return oc.Strike / underlyingPrice
}

// FilterMoneyness returns the contracts of one expiry and type whose moneyness
// lies within [lo, hi], sorted by strike.
func (c *Chain) FilterMoneyness(typ models.OptionType, expiry time.Time, underlyingPrice, lo, hi float64) []models.OptionContract {
	var out []models.OptionContract
	for _, oc := range c.ByExpiry(expiry, typ) {
		if m := Moneyness(oc, underlyingPrice); m >= lo && m <= hi {
			out = append(out, oc)
		}
	}
	return out
}

func typesOf(typ models.OptionType) []models.OptionType {
	if typ == "" {
		return []models.OptionType{models.OptionTypeCall, models.OptionTypePut}
	}
	return []models.OptionType{typ}
}
