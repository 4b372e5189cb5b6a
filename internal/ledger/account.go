package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/option_ledger/internal/chain"
	"github.com/eddiefleurent/option_ledger/internal/models"
	"github.com/eddiefleurent/option_ledger/internal/pricing"
	"github.com/eddiefleurent/option_ledger/internal/storage"
)

// AccountStore persists account snapshots.
type AccountStore interface {
	SaveAccount(ctx context.Context, a models.Account) error
	LatestAccount(ctx context.Context, strategyID string) (models.Account, error)
}

// AccountConfig tunes the account computation.
type AccountConfig struct {
	// SpreadMarginFactor scales the strike-width margin of a vertical spread.
	SpreadMarginFactor decimal.Decimal
	// StandardMultiplier is assumed for positions missing from the chain.
	StandardMultiplier int64
}

// DefaultAccountConfig is used for zero-valued fields.
var DefaultAccountConfig = AccountConfig{
	SpreadMarginFactor: decimal.RequireFromString("1.06"),
	StandardMultiplier: models.DefaultStandardMultiplier,
}

// AccountLedger recomputes a strategy's margin, floating P&L and Greeks from
// its positions and combinations.
type AccountLedger struct {
	state        *models.Versioned[models.Account]
	positions    *PositionLedger
	combinations *CombinationLedger
	contracts    chain.Lookup
	oracle       pricing.Oracle
	store        AccountStore
	now          func() time.Time
	logger       zerolog.Logger
	config       AccountConfig
}

// NewAccountLedger wires the account to the ledgers it summarizes.
func NewAccountLedger(
	initial models.Account,
	store AccountStore,
	positions *PositionLedger,
	combinations *CombinationLedger,
	contracts chain.Lookup,
	oracle pricing.Oracle,
	logger zerolog.Logger,
	config ...AccountConfig,
) *AccountLedger {
	cfg := DefaultAccountConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.SpreadMarginFactor.IsZero() {
		cfg.SpreadMarginFactor = DefaultAccountConfig.SpreadMarginFactor
	}
	if cfg.StandardMultiplier <= 0 {
		cfg.StandardMultiplier = DefaultAccountConfig.StandardMultiplier
	}
	if store == nil || positions == nil || combinations == nil || contracts == nil || oracle == nil {
		panic("ledger.NewAccountLedger: dependencies must not be nil")
	}

	a := &AccountLedger{
		positions:    positions,
		combinations: combinations,
		contracts:    contracts,
		oracle:       oracle,
		store:        store,
		now:          time.Now,
		logger:       logger.With().Str("component", "account_ledger").Str("strategy", initial.StrategyID).Logger(),
		config:       cfg,
	}
	a.state = models.NewVersioned(initial, func(ctx context.Context, acct models.Account) error {
		return a.store.SaveAccount(ctx, acct)
	})
	return a
}

// LoadAccount returns the latest persisted account of a strategy, or a fresh
// one funded with initCash. initCash also fills a missing init_cash.
func LoadAccount(ctx context.Context, store AccountStore, strategyID string, initCash decimal.Decimal) (models.Account, error) {
	acct, err := store.LatestAccount(ctx, strategyID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.NewAccount(strategyID, initCash), nil
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("loading account %s: %w", strategyID, err)
	}
	if acct.InitCash.IsZero() && !initCash.IsZero() {
		acct.InitCash = initCash
		acct.AvailableMargin = acct.AvailableMargin.Add(initCash)
	}
	return acct, nil
}

// Get returns a copy of the current account.
func (a *AccountLedger) Get() models.Account {
	return a.state.Get()
}

// AddProfit books realized P&L. It is cash immediately available.
func (a *AccountLedger) AddProfit(amount decimal.Decimal) models.Account {
	acct := a.state.Get()
	acct.Profit = acct.Profit.Add(amount)
	acct.AvailableMargin = acct.AvailableMargin.Add(amount)
	a.state.Set(acct)
	return acct
}

// legView is one position row joined with its contract and evaluation.
type legView struct {
	row        models.Position
	mark       decimal.Decimal
	margin     decimal.Decimal // per unit, short rows only
	price      decimal.Decimal // mark × multiplier
	strike     decimal.Decimal
	multiplier decimal.Decimal
	greeks     models.Greeks
}

// Refresh recomputes the account and persists it.
func (a *AccountLedger) Refresh(ctx context.Context) (models.Account, error) {
	rows := a.positions.Snapshot()
	prev := a.state.Get()
	at := a.now()

	if len(rows) == 0 {
		// Everything the last snapshot held back is free again.
		acct := prev
		acct.AvailableMargin = prev.AvailableMargin.
			Add(prev.Margin).
			Add(prev.Commission).
			Add(prev.LongCost).
			Sub(prev.FloatingProfit)
		acct.Margin = decimal.Zero
		acct.FloatingProfit = decimal.Zero
		acct.Commission = decimal.Zero
		acct.LongCost = decimal.Zero
		acct.Greeks = models.Greeks{}
		acct.TradeDate = a.positions.TradeDate()
		acct.UpdatedAt = at
		a.state.Set(acct)
		return acct, a.flush(ctx)
	}

	legs, err := a.evaluate(ctx, rows, at)
	if err != nil {
		return prev, errors.Join(err, a.flush(ctx))
	}

	acct := prev
	acct.Margin = decimal.Zero
	acct.FloatingProfit = decimal.Zero
	acct.Commission = decimal.Zero
	acct.LongCost = decimal.Zero
	acct.Greeks = models.Greeks{}

	for _, l := range legs {
		vol := decimal.NewFromInt(l.row.Volume)
		dir := decimal.NewFromInt(int64(l.row.Direction))
		if l.row.Direction == models.Short {
			acct.Margin = acct.Margin.Add(l.margin.Mul(vol))
		} else {
			acct.LongCost = acct.LongCost.Add(l.row.OpenPrice.Mul(vol).Mul(l.multiplier))
		}
		acct.FloatingProfit = acct.FloatingProfit.Add(
			l.mark.Sub(l.row.OpenPrice).Mul(vol).Mul(dir).Mul(l.multiplier))
		acct.Commission = acct.Commission.Add(l.row.Commission)
		acct.Greeks = acct.Greeks.Add(l.greeks, float64(l.row.Volume)*float64(l.row.Direction))
	}
	acct.Margin = acct.Margin.Sub(a.netting(legs)).Round(2)
	acct.AvailableMargin = acct.InitCash.
		Add(acct.Profit).
		Sub(acct.Margin).
		Sub(acct.Commission).
		Sub(acct.LongCost).
		Add(acct.FloatingProfit)
	acct.TradeDate = a.positions.TradeDate()
	acct.UpdatedAt = at

	a.state.Set(acct)
	return acct, a.flush(ctx)
}

func (a *AccountLedger) flush(ctx context.Context) error {
	if err := a.state.Flush(ctx); err != nil {
		return fmt.Errorf("persisting account: %w", err)
	}
	return nil
}

func (a *AccountLedger) evaluate(ctx context.Context, rows []models.Position, at time.Time) (map[models.PositionKey]legView, error) {
	contracts := make([]models.OptionContract, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		oc, ok := a.contracts.Contract(r.InstrumentID)
		if !ok || seen[oc.InstrumentID] {
			continue
		}
		seen[oc.InstrumentID] = true
		contracts = append(contracts, oc)
	}

	evals, err := a.oracle.Evaluate(ctx, contracts, at)
	if err != nil {
		return nil, fmt.Errorf("evaluating %d contracts: %w", len(contracts), err)
	}

	legs := make(map[models.PositionKey]legView, len(rows))
	for _, r := range rows {
		l := legView{row: r, mark: r.OpenPrice, multiplier: decimal.NewFromInt(a.config.StandardMultiplier)}
		oc, ok := a.contracts.Contract(r.InstrumentID)
		if ok {
			l.multiplier = decimal.NewFromInt(oc.Multiplier)
			l.strike = decimal.NewFromFloat(oc.Strike)
		} else {
			a.logger.Warn().Str("instrument", r.InstrumentID).Msg("position not in contract snapshot")
		}
		if ev, ok := evals[r.InstrumentID]; ok {
			if ev.HasMark {
				l.mark = decimal.NewFromFloat(ev.Mark)
				l.greeks = ev.Greeks
			}
			if r.Direction == models.Short {
				l.margin = decimal.NewFromFloat(ev.Margin)
			}
		}
		l.price = l.mark.Mul(l.multiplier)
		legs[r.Key()] = l
	}
	return legs, nil
}

// netting returns the margin released by combinations: the standalone margin
// of the covered legs minus the combination's own margin.
func (a *AccountLedger) netting(legs map[models.PositionKey]legView) decimal.Decimal {
	relief := decimal.Zero
	for _, c := range a.combinations.Snapshot() {
		if c.Volume <= 0 {
			continue
		}
		dirA, dirB, ok := legDirections(c, legs)
		if !ok {
			a.logger.Debug().Str("pair", c.Pair()).Msg("combination legs not held, no netting")
			continue
		}
		la := legs[key(c.LegA, dirA)]
		lb := legs[key(c.LegB, dirB)]
		vol := decimal.NewFromInt(min(c.Volume, la.row.Volume, lb.row.Volume))

		standalone := la.margin.Add(lb.margin).Mul(vol)
		var combined decimal.Decimal
		if dirA != dirB {
			if c.Type.IsRiskless() {
				combined = decimal.Zero
			} else {
				width := la.strike.Sub(lb.strike).Abs()
				combined = width.Mul(la.multiplier).Mul(vol).Mul(a.config.SpreadMarginFactor)
			}
		} else {
			combined = decimal.Max(la.margin, lb.margin).Add(decimal.Min(la.price, lb.price)).Mul(vol)
		}
		relief = relief.Add(standalone.Sub(combined))
	}
	return relief
}

// legDirections resolves the held side of each leg: opposite sides for
// spreads in either pair order, short for both legs of straddles and
// strangles. Pairs of unknown type are matched against the held rows.
func legDirections(c models.Combination, legs map[models.PositionKey]legView) (models.Direction, models.Direction, bool) {
	held := func(leg string, d models.Direction) bool {
		_, ok := legs[key(leg, d)]
		return ok
	}
	switch {
	case c.Type.IsSpread():
		if held(c.LegA, models.Long) && held(c.LegB, models.Short) {
			return models.Long, models.Short, true
		}
		return models.Short, models.Long, held(c.LegA, models.Short) && held(c.LegB, models.Long)
	case c.Type == models.ShortStraddle || c.Type == models.ShortStrangle:
		return models.Short, models.Short, held(c.LegA, models.Short) && held(c.LegB, models.Short)
	case c.Type.Valid():
		return 0, 0, false
	}
	for _, pair := range [][2]models.Direction{
		{models.Long, models.Short}, {models.Short, models.Long}, {models.Short, models.Short},
	} {
		if held(c.LegA, pair[0]) && held(c.LegB, pair[1]) {
			return pair[0], pair[1], true
		}
	}
	return 0, 0, false
}
