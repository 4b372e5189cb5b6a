// Package models provides the data structures shared by the ledgers, the chain index and the deal sequencer.
package models

import (
	"strings"
	"time"
)

// DefaultStandardMultiplier is the contract unit of a standard-size ETF option.
const DefaultStandardMultiplier = 10000

// OptionType distinguishes calls from puts.
type OptionType string

const (
	// OptionTypeCall represents a call option contract
	OptionTypeCall OptionType = "CALL"
	// OptionTypePut represents a put option contract
	OptionTypePut OptionType = "PUT"
)

// Valid returns true if the OptionType is one of the defined constants
func (t OptionType) Valid() bool {
	return t == OptionTypeCall || t == OptionTypePut
}

// Opposite returns the counterpart option type.
func (t OptionType) Opposite() OptionType {
	if t == OptionTypeCall {
		return OptionTypePut
	}
	return OptionTypeCall
}

// ParseOptionType accepts the common spellings found in contract snapshots.
func ParseOptionType(s string) (OptionType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CALL", "C", "认购":
		return OptionTypeCall, true
	case "PUT", "P", "认沽":
		return OptionTypePut, true
	}
	return "", false
}

// ContractRow is one flat row of the daily contract-metadata snapshot.
type ContractRow struct {
	TradeDate    time.Time  `json:"trade_date"`
	Expiry       time.Time  `json:"expiry"`
	InstrumentID string     `json:"instrument_id"`
	ExchangeID   string     `json:"exchange_id"`
	Underlying   string     `json:"underlying"`
	Name         string     `json:"name"`
	Type         OptionType `json:"type"`
	Strike       float64    `json:"strike"`
	Multiplier   int64      `json:"multiplier"`
}

// OptionContract is an immutable contract of one trading day. Cross references
// are instrument IDs resolved through the owning chain; empty means none.
type OptionContract struct {
	Expiry       time.Time
	InstrumentID string
	ExchangeID   string
	Underlying   string
	Name         string
	Type         OptionType
	Strike       float64
	Multiplier   int64
	Standard     bool

	PrevStrike  string
	NextStrike  string
	PrevExpiry  string
	NextExpiry  string
	Counterpart string
}

// Symbol returns the exchange-qualified code, e.g. "10008555.SHO".
func (c OptionContract) Symbol() string {
	return JoinSymbol(c.InstrumentID, c.ExchangeID)
}

// IsZero reports whether the contract is the empty lookup result.
func (c OptionContract) IsZero() bool {
	return c.InstrumentID == ""
}

// JoinSymbol builds an exchange-qualified symbol.
func JoinSymbol(instrumentID, exchangeID string) string {
	if exchangeID == "" {
		return instrumentID
	}
	return instrumentID + "." + exchangeID
}

// SplitSymbol separates "10008555.SHO" into instrument and exchange. A bare
// instrument ID yields an empty exchange.
func SplitSymbol(symbol string) (instrumentID, exchangeID string) {
	symbol = strings.TrimSpace(symbol)
	if i := strings.LastIndexByte(symbol, '.'); i > 0 {
		return symbol[:i], symbol[i+1:]
	}
	return symbol, ""
}

// Bar is an OHLCV bar delivered to a strategy's bar lane.
type Bar struct {
	Time   time.Time `json:"time"`
	Symbol string    `json:"symbol"`
	Period string    `json:"period"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}
