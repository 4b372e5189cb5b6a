package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/option_ledger/internal/chain"
	"github.com/eddiefleurent/option_ledger/internal/models"
	"github.com/eddiefleurent/option_ledger/internal/sequencer"
)

// StrangleName registers the short strangle strategy.
const StrangleName = "strangle"

// StrangleConfig configures the short strangle entry.
type StrangleConfig struct {
	Underlying       string `yaml:"underlying"`        // 510050
	UnderlyingSymbol string `yaml:"underlying_symbol"` // 510050.SH, whose bars trigger entry
	Volume           int64  `yaml:"volume"`
	Width            int    `yaml:"width"`    // strikes out of the money on each side
	MaxUnits         int64  `yaml:"max_units"` // cap on short volume held per leg
}

// StrangleStrategy sells an out-of-the-money call and put of the nearest
// expiry. The put order carries an open continuation naming the call, so
// its fill pairs both legs into a short strangle combination.
type StrangleStrategy struct {
	chain   chain.Lookup
	logger  zerolog.Logger
	config  StrangleConfig
	pending string // trade date of an entry still waiting for its build
	mu      sync.Mutex
}

// NewStrangle builds the strategy from params.
func NewStrangle(params map[string]any, deps Deps) (Strategy, error) {
	cfg := StrangleConfig{Volume: 1, Width: 1}
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if cfg.Underlying == "" || cfg.UnderlyingSymbol == "" {
		return nil, errors.New("strangle: underlying and underlying_symbol are required")
	}
	if cfg.Volume <= 0 {
		return nil, fmt.Errorf("strangle: volume must be positive, got %d", cfg.Volume)
	}
	if cfg.Width < 0 {
		return nil, fmt.Errorf("strangle: width must not be negative, got %d", cfg.Width)
	}
	if cfg.MaxUnits <= 0 {
		cfg.MaxUnits = cfg.Volume
	}
	if deps.Chain == nil {
		return nil, errors.New("strangle: option chain is required")
	}
	return &StrangleStrategy{
		chain:  deps.Chain,
		logger: deps.Logger.With().Str("strategy", StrangleName).Logger(),
		config: cfg,
	}, nil
}

func (s *StrangleStrategy) Name() string { return StrangleName }

// OnBar enters when the underlying prints and no short leg is held or
// pending. An entry left unpaired expires with its trade date.
func (s *StrangleStrategy) OnBar(_ context.Context, bar models.Bar, view View) ([]Order, error) {
	if bar.Symbol != s.config.UnderlyingSymbol || bar.Close <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	day := bar.Time.Format(time.DateOnly)
	if s.pending == day || s.shortVolume(view) >= s.config.MaxUnits {
		return nil, nil
	}

	call, put, ok := s.FindStrikes(bar.Close, bar.Time)
	if !ok {
		s.logger.Debug().Float64("price", bar.Close).Msg("no strikes around the underlying")
		return nil, nil
	}
	s.pending = day
	s.logger.Info().
		Str("call", call.Symbol()).Float64("call_strike", call.Strike).
		Str("put", put.Symbol()).Float64("put_strike", put.Strike).
		Float64("spot", bar.Close).Msg("entering short strangle")

	pair := sequencer.OpenContinuation{Peer: call.Symbol(), Side: models.Short, HasSide: true}
	return []Order{
		{Op: models.OpSellOpen, Code: call.Symbol(), Volume: s.config.Volume},
		{Op: models.OpSellOpen, Code: put.Symbol(), Volume: s.config.Volume, Continuation: pair.String()},
	}, nil
}

// OnDeal clears the pending entry once a combination is built.
func (s *StrangleStrategy) OnDeal(_ context.Context, deal models.DealEvent, _ View) ([]Order, error) {
	kind, err := deal.Kind()
	if err != nil {
		return nil, nil
	}
	if kind == models.DealBuild {
		s.mu.Lock()
		s.pending = ""
		s.mu.Unlock()
	}
	return nil, nil
}

// FindStrikes returns the call and put Width strikes out of the money
// around price on the nearest expiry.
func (s *StrangleStrategy) FindStrikes(price float64, day time.Time) (models.OptionContract, models.OptionContract, bool) {
	c := s.chain.Chain(s.config.Underlying, true)
	if c == nil {
		return models.OptionContract{}, models.OptionContract{}, false
	}
	expiry, ok := c.NearestExpiry(day)
	if !ok {
		return models.OptionContract{}, models.OptionContract{}, false
	}
	call, okC := c.ATM(models.OptionTypeCall, price, expiry)
	put, okP := c.ATM(models.OptionTypePut, price, expiry)
	if !okC || !okP {
		return models.OptionContract{}, models.OptionContract{}, false
	}
	for i := 0; i < s.config.Width; i++ {
		if next, ok := s.chain.NextStrike(call.InstrumentID); ok {
			call = next
		}
		if prev, ok := s.chain.PrevStrike(put.InstrumentID); ok {
			put = prev
		}
	}
	return call, put, true
}

func (s *StrangleStrategy) shortVolume(view View) int64 {
	var held int64
	for _, p := range view.Positions() {
		if p.Direction == models.Short && p.Volume > held {
			held = p.Volume
		}
	}
	return held
}
