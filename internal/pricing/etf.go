package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/option_ledger/internal/models"
	"github.com/eddiefleurent/option_ledger/internal/util"
)

// PriceTick is the minimum price increment of an ETF option.
const PriceTick = 0.0001

// ETFOracleConfig configures the ETF option oracle.
type ETFOracleConfig struct {
	Margin       MarginParams
	RiskFreeRate float64
}

// DefaultETFOracleConfig is used for zero-valued fields.
var DefaultETFOracleConfig = ETFOracleConfig{
	Margin:       DefaultMarginParams,
	RiskFreeRate: 0.02,
}

// ETFOracle prices exchange-listed ETF options from the last prices in a PriceBook.
type ETFOracle struct {
	book   *PriceBook
	logger zerolog.Logger
	config ETFOracleConfig
}

// Ensure ETFOracle implements Oracle at compile time.
var _ Oracle = (*ETFOracle)(nil)

// NewETFOracle creates an oracle reading marks and underlying prices from book.
func NewETFOracle(book *PriceBook, logger zerolog.Logger, config ...ETFOracleConfig) *ETFOracle {
	cfg := DefaultETFOracleConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Margin.Ratio <= 0 {
		cfg.Margin.Ratio = DefaultMarginParams.Ratio
	}
	if cfg.Margin.MinRatio <= 0 {
		cfg.Margin.MinRatio = DefaultMarginParams.MinRatio
	}
	if cfg.RiskFreeRate < 0 {
		cfg.RiskFreeRate = DefaultETFOracleConfig.RiskFreeRate
	}
	if book == nil {
		panic("pricing.NewETFOracle: book must not be nil")
	}
	return &ETFOracle{
		book:   book,
		logger: logger.With().Str("component", "etf_oracle").Logger(),
		config: cfg,
	}
}

// Evaluate returns margin, implied volatility and Greeks for each contract.
func (o *ETFOracle) Evaluate(ctx context.Context, contracts []models.OptionContract, at time.Time) (map[string]Evaluation, error) {
	out := make(map[string]Evaluation, len(contracts))
	for _, oc := range contracts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out[oc.InstrumentID] = o.evaluate(oc, at)
	}
	return out, nil
}

func (o *ETFOracle) evaluate(oc models.OptionContract, at time.Time) Evaluation {
	ev := Evaluation{InstrumentID: oc.InstrumentID}
	mark, ok := o.book.Last(oc.InstrumentID)
	if !ok {
		return ev
	}
	ev.Mark = util.RoundToTick(mark, PriceTick)
	ev.HasMark = true

	underlying, ok := o.book.Last(oc.Underlying)
	if !ok {
		return ev
	}
	margin, err := SellerMargin(oc, ev.Mark, underlying, o.config.Margin)
	if err != nil {
		o.logger.Debug().Err(err).Str("instrument", oc.InstrumentID).Msg("margin unavailable")
	} else {
		ev.Margin = margin
	}

	days := daysToExpiry(at, oc.Expiry)
	in := BlackScholesInput{S: underlying, K: oc.Strike, T: days / 365.0, R: o.config.RiskFreeRate}
	iv, err := ImpliedVolatility(oc.Type, ev.Mark, in)
	if err != nil {
		if !errors.Is(err, ErrInvalidInput) {
			o.logger.Warn().Err(err).Str("instrument", oc.InstrumentID).Msg("implied volatility failed")
		}
		return ev
	}
	in.V = iv
	res, err := BlackScholes(oc.Type, in)
	if err != nil {
		return ev
	}
	ev.IV = round4(iv)
	ev.Greeks = models.Greeks{
		Delta: round4(res.Delta),
		Gamma: round4(res.Gamma),
		Vega:  round4(res.Vega),
		Theta: round4(res.Theta),
		Rho:   round4(res.Rho),
	}
	return ev
}

// daysToExpiry counts calendar days from at's date to the expiry date.
func daysToExpiry(at, expiry time.Time) float64 {
	from := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, time.UTC)
	return to.Sub(from).Hours() / 24
}
