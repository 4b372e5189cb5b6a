// Package mock generates synthetic contract snapshots and bars for paper runs and tests.
package mock

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// DataProvider simulates one ETF underlying and its listed option contracts.
type DataProvider struct {
	underlying   string
	exchangeID   string
	currentPrice float64
	strikeStep   float64
	strikes      int
	nextID       int
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return r.Int64()
}

// NewDataProvider returns a provider for the 50ETF-like underlying "510050".
func NewDataProvider() *DataProvider {
	return NewDataProviderFor("510050", "SHO", 2.5+secureFloat64()*0.2)
}

// NewDataProviderFor returns a provider centered on price.
func NewDataProviderFor(underlying, exchangeID string, price float64) *DataProvider {
	return &DataProvider{
		underlying:   underlying,
		exchangeID:   exchangeID,
		currentPrice: price,
		strikeStep:   0.05,
		strikes:      9,
		nextID:       10008500,
	}
}

// Price returns the current simulated underlying price.
func (m *DataProvider) Price() float64 {
	return m.currentPrice
}

// NextBar moves the price by a small random step and returns a one-minute bar.
func (m *DataProvider) NextBar(at time.Time) models.Bar {
	open := m.currentPrice
	m.currentPrice = math.Max(0.01, m.currentPrice+(secureFloat64()-0.5)*0.01)
	high := math.Max(open, m.currentPrice) + secureFloat64()*0.002
	low := math.Min(open, m.currentPrice) - secureFloat64()*0.002
	return models.Bar{
		Time:   at,
		Symbol: models.JoinSymbol(m.underlying, "SH"),
		Period: "1m",
		Open:   open,
		High:   high,
		Low:    low,
		Close:  m.currentPrice,
		Volume: secureInt63n(1_000_000),
	}
}

// ContractRows lists calls and puts for each expiry on a strike ladder around
// the current price. Every contract uses the standard multiplier.
func (m *DataProvider) ContractRows(tradeDate time.Time, expiries []time.Time) ([]models.ContractRow, error) {
	if len(expiries) == 0 {
		return nil, fmt.Errorf("at least one expiry is required")
	}
	center := math.Round(m.currentPrice/m.strikeStep) * m.strikeStep
	half := m.strikes / 2

	var rows []models.ContractRow
	for _, exp := range expiries {
		if exp.Before(tradeDate) {
			return nil, fmt.Errorf("expiry %s precedes trade date %s",
				exp.Format("2006-01-02"), tradeDate.Format("2006-01-02"))
		}
		for i := -half; i <= half; i++ {
			strike := math.Round((center+float64(i)*m.strikeStep)*1000) / 1000
			for _, typ := range []models.OptionType{models.OptionTypeCall, models.OptionTypePut} {
				rows = append(rows, models.ContractRow{
					TradeDate:    tradeDate,
					Expiry:       exp,
					InstrumentID: fmt.Sprintf("%d", m.nextID),
					ExchangeID:   m.exchangeID,
					Underlying:   m.underlying,
					Name:         contractName(m.underlying, typ, exp, strike),
					Type:         typ,
					Strike:       strike,
					Multiplier:   models.DefaultStandardMultiplier,
				})
				m.nextID++
			}
		}
	}
	return rows, nil
}

func contractName(underlying string, typ models.OptionType, exp time.Time, strike float64) string {
	side := "购"
	if typ == models.OptionTypePut {
		side = "沽"
	}
	return fmt.Sprintf("%s%s%d月%d", underlying, side, int(exp.Month()), int(math.Round(strike*1000)))
}

// MonthlyExpiries returns the fourth Wednesday of the next n months starting
// with from's month, skipping any already past.
func MonthlyExpiries(from time.Time, n int) []time.Time {
	var out []time.Time
	for month := 0; len(out) < n && month < n+1; month++ {
		first := time.Date(from.Year(), from.Month()+time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		offset := (int(time.Wednesday) - int(first.Weekday()) + 7) % 7
		exp := first.AddDate(0, 0, offset+21)
		if exp.Before(time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)) {
			continue
		}
		out = append(out, exp)
	}
	return out
}
