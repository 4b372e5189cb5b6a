package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Greeks holds the sensitivities of one contract or an aggregate book.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
	Rho   float64 `json:"rho"`
}

// Add returns g + o·scale.
func (g Greeks) Add(o Greeks, scale float64) Greeks {
	return Greeks{
		Delta: g.Delta + o.Delta*scale,
		Gamma: g.Gamma + o.Gamma*scale,
		Vega:  g.Vega + o.Vega*scale,
		Theta: g.Theta + o.Theta*scale,
		Rho:   g.Rho + o.Rho*scale,
	}
}

// Account is the per-strategy money snapshot persisted after every recompute.
//
// AvailableMargin = InitCash + Profit - Margin - Commission - LongCost + FloatingProfit
type Account struct {
	UpdatedAt       time.Time       `json:"updated_at"`
	StrategyID      string          `json:"strategy_id"`
	TradeDate       string          `json:"trade_date"`
	Margin          decimal.Decimal `json:"margin"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	InitCash        decimal.Decimal `json:"init_cash"`
	Profit          decimal.Decimal `json:"profit"`
	FloatingProfit  decimal.Decimal `json:"floating_profit"`
	Commission      decimal.Decimal `json:"commission"`
	LongCost        decimal.Decimal `json:"long_cost"`
	Greeks
}

// NewAccount returns a fresh account funded with initCash.
func NewAccount(strategyID string, initCash decimal.Decimal) Account {
	return Account{
		StrategyID:      strategyID,
		InitCash:        initCash,
		AvailableMargin: initCash,
	}
}
