package models

import (
	"fmt"
	"math"
	"strconv"
)

// CombinationType is the exchange strategy code of a two-leg combination.
type CombinationType int

const (
	BullCallSpread  CombinationType = 50 // long low-strike call, short high-strike call
	BearPutSpread   CombinationType = 51 // long high-strike put, short low-strike put
	BullPutSpread   CombinationType = 52 // short high-strike put, long low-strike put
	BearCallSpread  CombinationType = 53 // short low-strike call, long high-strike call
	ShortStraddle   CombinationType = 54
	ShortStrangle   CombinationType = 55
	MarginToCovered CombinationType = 56
	CoveredToMargin CombinationType = 57
)

var combinationCodes = map[CombinationType]string{
	BullCallSpread:  "CNSJC",
	BearPutSpread:   "PXSJC",
	BullPutSpread:   "PNSJC",
	BearCallSpread:  "CXSJC",
	ShortStraddle:   "KS",
	ShortStrangle:   "KKS",
	MarginToCovered: "ZBD",
	CoveredToMargin: "ZXJ",
}

var combinationNames = map[CombinationType]string{
	BullCallSpread:  "BULL_CALL_SPREAD",
	BearPutSpread:   "BEAR_PUT_SPREAD",
	BullPutSpread:   "BULL_PUT_SPREAD",
	BearCallSpread:  "BEAR_CALL_SPREAD",
	ShortStraddle:   "SHORT_STRADDLE",
	ShortStrangle:   "SHORT_STRANGLE",
	MarginToCovered: "MARGIN_TO_COVERED",
	CoveredToMargin: "COVERED_TO_MARGIN",
}

// Valid returns true if the type is a known exchange code
func (t CombinationType) Valid() bool {
	_, ok := combinationCodes[t]
	return ok
}

// Code returns the exchange combination code, e.g. "CNSJC".
func (t CombinationType) Code() string {
	return combinationCodes[t]
}

func (t CombinationType) String() string {
	if n, ok := combinationNames[t]; ok {
		return n
	}
	return "COMBINATION_" + strconv.Itoa(int(t))
}

// IsSpread reports whether the legs sit on opposite sides.
func (t CombinationType) IsSpread() bool {
	return t >= BullCallSpread && t <= BearCallSpread
}

// IsRiskless reports spreads whose long leg fully covers the short leg.
func (t CombinationType) IsRiskless() bool {
	return t == BullCallSpread || t == BearPutSpread
}

// ParseCombinationType parses the numeric remark encoding.
func ParseCombinationType(s string) (CombinationType, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parsing combination type %q: %w", s, err)
	}
	t := CombinationType(n)
	if !t.Valid() {
		return 0, fmt.Errorf("unknown combination type %d", n)
	}
	return t, nil
}

// Leg is a contract held on one side, as seen by the classifier.
type Leg struct {
	Contract  OptionContract
	Direction Direction
}

const strikeEpsilon = 1e-6

// ClassifyCombination recognizes the two-leg structure of a and b and returns it
// with the legs in canonical order: long leg first for spreads, call first for
// straddles and strangles. ok is false when the pair forms no known combination.
func ClassifyCombination(a, b Leg) (t CombinationType, first, second Leg, ok bool) {
	ca, cb := a.Contract, b.Contract
	if ca.IsZero() || cb.IsZero() || ca.InstrumentID == cb.InstrumentID {
		return 0, Leg{}, Leg{}, false
	}
	sameStrike := math.Abs(ca.Strike-cb.Strike) < strikeEpsilon

	if a.Direction != b.Direction {
		if ca.Type != cb.Type || !ca.Expiry.Equal(cb.Expiry) || sameStrike {
			return 0, Leg{}, Leg{}, false
		}
		long, short := a, b
		if a.Direction == Short {
			long, short = b, a
		}
		lk, sk := long.Contract.Strike, short.Contract.Strike
		switch ca.Type {
		case OptionTypeCall:
			if lk < sk {
				return BullCallSpread, long, short, true
			}
			return BearCallSpread, long, short, true
		case OptionTypePut:
			if lk > sk {
				return BearPutSpread, long, short, true
			}
			return BullPutSpread, long, short, true
		}
		return 0, Leg{}, Leg{}, false
	}

	// Same side: only short call + short put pairs are recognized.
	if a.Direction != Short || ca.Type == cb.Type || !ca.Expiry.Equal(cb.Expiry) {
		return 0, Leg{}, Leg{}, false
	}
	call, put := a, b
	if ca.Type == OptionTypePut {
		call, put = b, a
	}
	if sameStrike {
		return ShortStraddle, call, put, true
	}
	return ShortStrangle, call, put, true
}
