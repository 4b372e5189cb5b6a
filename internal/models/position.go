package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the economic side of a position.
type Direction int

const (
	// Long is a bought (right-holding) position
	Long Direction = 1
	// Short is a sold (obligation) position
	Short Direction = -1
)

// Valid returns true if the Direction is long or short
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	return -d
}

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection parses the remark encoding "1" / "-1".
func ParseDirection(s string) (Direction, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parsing direction %q: %w", s, err)
	}
	d := Direction(n)
	if !d.Valid() {
		return 0, fmt.Errorf("direction %q out of range", s)
	}
	return d, nil
}

// PositionKey identifies a position row within one strategy.
type PositionKey struct {
	InstrumentID string
	Direction    Direction
}

func (k PositionKey) String() string {
	return k.InstrumentID + ":" + strconv.Itoa(int(k.Direction))
}

// Position is one (instrument, direction) row of a strategy's ledger.
// Volume stays > 0 while the row exists; a zero-volume row is a deletion marker.
type Position struct {
	CreatedAt    time.Time       `json:"created_at"`
	OpenPrice    decimal.Decimal `json:"open_price"`
	Commission   decimal.Decimal `json:"commission"`
	StrategyID   string          `json:"strategy_id"`
	InstrumentID string          `json:"instrument_id"`
	ExchangeID   string          `json:"exchange_id"`
	TradeDate    string          `json:"trade_date"`
	Direction    Direction       `json:"direction"`
	Volume       int64           `json:"volume"`
}

// Key returns the ledger key of the row.
func (p Position) Key() PositionKey {
	return PositionKey{InstrumentID: p.InstrumentID, Direction: p.Direction}
}

// Symbol returns the exchange-qualified instrument code.
func (p Position) Symbol() string {
	return JoinSymbol(p.InstrumentID, p.ExchangeID)
}

// Cost is the premium paid (long) or received (short) for the open volume,
// before the contract multiplier.
func (p Position) Cost() decimal.Decimal {
	return p.OpenPrice.Mul(decimal.NewFromInt(p.Volume))
}

// Combination is one ordered "legA/legB" pair of a strategy. LegA is the long
// leg for spreads and the call leg for straddles and strangles.
type Combination struct {
	CreatedAt  time.Time       `json:"created_at"`
	StrategyID string          `json:"strategy_id"`
	LegA       string          `json:"leg_a"`
	LegB       string          `json:"leg_b"`
	TradeDate  string          `json:"trade_date"`
	Type       CombinationType `json:"comb_type"`
	Volume     int64           `json:"volume"`
}

// Pair returns the combination key "legA/legB".
func (c Combination) Pair() string {
	return JoinPair(c.LegA, c.LegB)
}

// PairSeparator separates the two legs of a combination instrument.
const PairSeparator = "/"

// JoinPair builds a combination key.
func JoinPair(a, b string) string {
	return a + PairSeparator + b
}

// SplitPair parses "A/B". ok is false unless exactly two non-empty legs are present.
func SplitPair(pair string) (a, b string, ok bool) {
	parts := strings.Split(pair, PairSeparator)
	if len(parts) != 2 {
		return "", "", false
	}
	a, b = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}
