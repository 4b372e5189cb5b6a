package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wire codes of the deal feed.
const (
	CodeBuy  = 48
	CodeSell = 49

	OffsetOpen        = 48
	OffsetClose       = 49
	OffsetCombination = -1
)

// DealKind is the operation a fill represents.
type DealKind string

const (
	DealBuyOpen   DealKind = "buy_open"
	DealSellOpen  DealKind = "sell_open"
	DealBuyClose  DealKind = "buy_close"
	DealSellClose DealKind = "sell_close"
	DealRelease   DealKind = "release_combination"
	DealBuild     DealKind = "build_combination"
)

// DealRule maps one (direction, offset) code pair to its kind. Under the
// combination offset the direction code selects release or build.
type DealRule struct {
	Kind        DealKind
	Description string
	Direction   int
	Offset      int
	Pair        bool
}

// DealRules lists every recognized code combination.
var DealRules = []DealRule{
	{DealBuyOpen, "Buy to open a long position", CodeBuy, OffsetOpen, false},
	{DealSellOpen, "Sell to open a short position", CodeSell, OffsetOpen, false},
	{DealBuyClose, "Buy to close a short position", CodeBuy, OffsetClose, false},
	{DealSellClose, "Sell to close a long position", CodeSell, OffsetClose, false},
	{DealRelease, "Release a combination into its legs", CodeBuy, OffsetCombination, true},
	{DealBuild, "Build a combination from two legs", CodeSell, OffsetCombination, true},
}

// ErrUnknownDealKind is wrapped by DealEvent.Kind for unrecognized codes.
var ErrUnknownDealKind = errors.New("unrecognized direction/offset combination")

// DealEvent is one fill reported by the exchange gateway. It is consumed exactly once.
type DealEvent struct {
	TradeTime    time.Time `json:"trade_time"`
	Commission   *float64  `json:"commission,omitempty"`
	ID           string    `json:"id,omitempty"`
	InstrumentID string    `json:"instrument_id"`
	ExchangeID   string    `json:"exchange_id"`
	Remark       string    `json:"remark"`
	AccountID    string    `json:"account_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	Price        float64   `json:"price"`
	Volume       int64     `json:"volume"`
	Direction    int       `json:"direction"`
	OffsetFlag   int       `json:"offset_flag"`
}

// IsPair reports whether the deal targets a combination pair.
func (d DealEvent) IsPair() bool {
	return strings.Contains(d.InstrumentID, PairSeparator)
}

// Kind classifies the deal through DealRules.
func (d DealEvent) Kind() (DealKind, error) {
	for _, r := range DealRules {
		if r.Direction == d.Direction && r.Offset == d.OffsetFlag && r.Pair == d.IsPair() {
			return r.Kind, nil
		}
	}
	return "", fmt.Errorf("%w: direction=%d offset=%d instrument=%q",
		ErrUnknownDealKind, d.Direction, d.OffsetFlag, d.InstrumentID)
}

// PositionDirection returns the side of the position an open or close deal touches.
// A buy-open creates a long and a buy-close retires a short.
func (k DealKind) PositionDirection() Direction {
	switch k {
	case DealBuyOpen, DealSellClose:
		return Long
	case DealSellOpen, DealBuyClose:
		return Short
	}
	return 0
}

// IsOpen reports whether the kind opens a position.
func (k DealKind) IsOpen() bool {
	return k == DealBuyOpen || k == DealSellOpen
}

// IsClose reports whether the kind closes a position.
func (k DealKind) IsClose() bool {
	return k == DealBuyClose || k == DealSellClose
}
