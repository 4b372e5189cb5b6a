package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// MarginParams are the exchange's seller margin coefficients.
type MarginParams struct {
	Ratio    float64 // margin coefficient, 0.12 on SSE ETF options
	MinRatio float64 // minimum guarantee coefficient, 0.07
}

// DefaultMarginParams are the SSE ETF option coefficients.
var DefaultMarginParams = MarginParams{Ratio: 0.12, MinRatio: 0.07}

// SellerMargin returns the margin of one short contract, rounded to cents:
//
//	call: price·m + max(S·m·ratio − max(K−S,0)·m, S·m·minRatio)
//	put:  price·m + max(K·m·ratio − max(S−K,0)·m, K·m·minRatio)
func SellerMargin(oc models.OptionContract, price, underlying float64, p MarginParams) (float64, error) {
	if underlying <= 0 || oc.Strike <= 0 || price < 0 || oc.Multiplier <= 0 {
		return 0, fmt.Errorf("%w: margin of %s (price=%g S=%g)", ErrInvalidInput, oc.InstrumentID, price, underlying)
	}
	m := decimal.NewFromInt(oc.Multiplier)
	s := decimal.NewFromFloat(underlying)
	k := decimal.NewFromFloat(oc.Strike)
	ratio := decimal.NewFromFloat(p.Ratio)
	minRatio := decimal.NewFromFloat(p.MinRatio)

	var base, outOfMoney decimal.Decimal
	switch oc.Type {
	case models.OptionTypeCall:
		base = s
		outOfMoney = decimal.Max(k.Sub(s), decimal.Zero).Mul(m)
	case models.OptionTypePut:
		base = k
		outOfMoney = decimal.Max(s.Sub(k), decimal.Zero).Mul(m)
	default:
		return 0, fmt.Errorf("%w: option type %q", ErrInvalidInput, oc.Type)
	}
	a := base.Mul(m).Mul(ratio).Sub(outOfMoney)
	b := base.Mul(m).Mul(minRatio)
	total := decimal.NewFromFloat(price).Mul(m).Add(decimal.Max(a, b))
	return total.Round(2).InexactFloat64(), nil
}
