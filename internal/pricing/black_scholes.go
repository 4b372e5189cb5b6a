package pricing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// BlackScholesInput holds the model inputs.
type BlackScholesInput struct {
	S float64 // underlying price
	K float64 // strike
	T float64 // time to expiry in years
	R float64 // risk-free rate
	V float64 // volatility
}

func (in BlackScholesInput) validate() error {
	if in.S <= 0 || in.K <= 0 || in.T <= 0 || in.R < 0 || in.V <= 0 {
		return fmt.Errorf("%w: S=%g K=%g T=%g R=%g V=%g", ErrInvalidInput, in.S, in.K, in.T, in.R, in.V)
	}
	return nil
}

// BlackScholesResult is the model price and its sensitivities. Theta is per
// calendar day, vega and rho per one percentage point.
type BlackScholesResult struct {
	Price float64
	models.Greeks
}

// BlackScholes prices a European option.
func BlackScholes(typ models.OptionType, in BlackScholesInput) (BlackScholesResult, error) {
	if err := in.validate(); err != nil {
		return BlackScholesResult{}, err
	}
	sqrtT := math.Sqrt(in.T)
	d1 := (math.Log(in.S/in.K) + (in.R+0.5*in.V*in.V)*in.T) / (in.V * sqrtT)
	d2 := d1 - in.V*sqrtT
	disc := math.Exp(-in.R * in.T)

	gamma := normPdf(d1) / (in.S * in.V * sqrtT)
	vega := in.S * sqrtT * normPdf(d1)

	var price, delta, theta, rho float64
	if typ == models.OptionTypeCall {
		price = in.S*normCdf(d1) - in.K*disc*normCdf(d2)
		delta = normCdf(d1)
		theta = -in.S*normPdf(d1)*in.V/(2*sqrtT) - in.R*in.K*disc*normCdf(d2)
		rho = in.K * in.T * disc * normCdf(d2)
	} else {
		price = in.K*disc*normCdf(-d2) - in.S*normCdf(-d1)
		delta = normCdf(d1) - 1
		theta = -in.S*normPdf(d1)*in.V/(2*sqrtT) + in.R*in.K*disc*normCdf(-d2)
		rho = -in.K * in.T * disc * normCdf(-d2)
	}

	return BlackScholesResult{
		Price: price,
		Greeks: models.Greeks{
			Delta: delta,
			Gamma: gamma,
			Vega:  vega / 100,
			Theta: theta / 365,
			Rho:   rho / 100,
		},
	}, nil
}

// ImpliedVolatility inverts BlackScholes by bisection on [1e-4, 5].
func ImpliedVolatility(typ models.OptionType, price float64, in BlackScholesInput) (float64, error) {
	in.V = 1
	if err := in.validate(); err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: price %g", ErrInvalidInput, price)
	}

	lo, hi := 1e-4, 5.0
	at := func(v float64) float64 {
		in.V = v
		r, _ := BlackScholes(typ, in)
		return r.Price
	}
	if price < at(lo) || price > at(hi) {
		return 0, fmt.Errorf("%w: price %g outside model range", ErrInvalidInput, price)
	}
	for i := 0; i < 200 && hi-lo > 1e-8; i++ {
		mid := (lo + hi) / 2
		if at(mid) < price {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2, nil
}

// round4 rounds to four decimal places.
func round4(x float64) float64 {
	return decimal.NewFromFloat(x).Round(4).InexactFloat64()
}

func normCdf(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPdf(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}
