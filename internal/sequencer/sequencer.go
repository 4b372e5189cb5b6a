// Package sequencer applies fills to a strategy's ledgers and drives
// multi-step combination plans through remark continuations.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/option_ledger/internal/chain"
	"github.com/eddiefleurent/option_ledger/internal/ledger"
	"github.com/eddiefleurent/option_ledger/internal/models"
	"github.com/eddiefleurent/option_ledger/internal/util"
)

// CommandSink receives the order commands a deal produces.
type CommandSink interface {
	Submit(ctx context.Context, cmd models.OrderCommand) error
}

// Config identifies the strategy and its defaults.
type Config struct {
	// DefaultCommission is charged per unit when a deal carries none.
	DefaultCommission decimal.Decimal
	StrategyID        string
	UserID            string
	AccountID         string
	// StandardMultiplier prices contracts missing from the chain.
	StandardMultiplier int64
}

// Sequencer consumes one deal at a time for one strategy.
type Sequencer struct {
	positions    *ledger.PositionLedger
	combinations *ledger.CombinationLedger
	account      *ledger.AccountLedger
	contracts    chain.Lookup
	sink         CommandSink
	newID        func() string
	newActionID  func() string
	now          func() time.Time
	logger       zerolog.Logger
	config       Config
	mu           sync.Mutex
}

// New wires a sequencer. sink may be nil, in which case commands are only returned.
func New(
	config Config,
	positions *ledger.PositionLedger,
	combinations *ledger.CombinationLedger,
	account *ledger.AccountLedger,
	contracts chain.Lookup,
	sink CommandSink,
	logger zerolog.Logger,
) *Sequencer {
	if positions == nil || combinations == nil || account == nil || contracts == nil {
		panic("sequencer.New: ledgers and contracts must not be nil")
	}
	if config.StandardMultiplier <= 0 {
		config.StandardMultiplier = models.DefaultStandardMultiplier
	}
	return &Sequencer{
		positions:    positions,
		combinations: combinations,
		account:      account,
		contracts:    contracts,
		sink:         sink,
		newID:        uuid.NewString,
		newActionID:  util.NewActionID,
		now:          time.Now,
		logger:       logger.With().Str("component", "sequencer").Str("strategy", config.StrategyID).Logger(),
		config:       config,
	}
}

// StrategyID returns the strategy the sequencer serves.
func (s *Sequencer) StrategyID() string {
	return s.config.StrategyID
}

// Refresh reloads the ledgers for today and recomputes the account.
func (s *Sequencer) Refresh(ctx context.Context, today time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.positions.Refresh(ctx, today); err != nil {
		return fmt.Errorf("refreshing positions: %w", err)
	}
	if err := s.combinations.Refresh(ctx, today); err != nil {
		return fmt.Errorf("refreshing combinations: %w", err)
	}
	if _, err := s.account.Refresh(ctx); err != nil {
		return fmt.Errorf("refreshing account: %w", err)
	}
	return nil
}

// TradeDate returns the day the ledgers were last refreshed for.
func (s *Sequencer) TradeDate() string { return s.positions.TradeDate() }

// Positions returns a copy of the position rows.
func (s *Sequencer) Positions() []models.Position { return s.positions.Snapshot() }

// Combinations returns a copy of the combination rows.
func (s *Sequencer) Combinations() []models.Combination { return s.combinations.Snapshot() }

// Account returns a copy of the account.
func (s *Sequencer) Account() models.Account { return s.account.Get() }

// Process applies one deal and submits the commands its continuation asks
// for. Ledger, account and submit failures are joined into the returned
// error; the commands built are returned either way.
func (s *Sequencer) Process(ctx context.Context, deal models.DealEvent) ([]models.OrderCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind, err := deal.Kind()
	if err != nil {
		s.logger.Error().Err(err).Str("remark", deal.Remark).Msg("unrecognized deal")
		return nil, fmt.Errorf("%w: %w", ErrUnknownDeal, err)
	}
	cont := ParseEnvelope(deal.Remark).Continuation

	s.logger.Info().
		Str("kind", string(kind)).
		Str("instrument", deal.InstrumentID).
		Int64("volume", deal.Volume).
		Float64("price", deal.Price).
		Str("continuation", cont).
		Msg("processing deal")

	var cmds []models.OrderCommand
	var errs []error
	switch kind {
	case models.DealBuyOpen, models.DealSellOpen:
		cmds, errs = s.open(ctx, deal, kind, cont)
	case models.DealBuyClose, models.DealSellClose:
		cmds, errs = s.close(ctx, deal, kind, cont)
	case models.DealRelease:
		cmds, errs = s.release(ctx, deal, cont)
	case models.DealBuild:
		errs = s.build(ctx, deal, cont)
	}

	if _, err := s.account.Refresh(ctx); err != nil {
		errs = append(errs, err)
	}

	for _, cmd := range cmds {
		if s.sink == nil {
			continue
		}
		if err := s.sink.Submit(ctx, cmd); err != nil {
			errs = append(errs, fmt.Errorf("submitting %s %s: %w", cmd.OpType, cmd.OrderCode, err))
			continue
		}
		s.logger.Info().Str("op", string(cmd.OpType)).Str("code", cmd.OrderCode).
			Int64("volume", cmd.Volume).Str("remark", cmd.Remark).Msg("command submitted")
	}
	return cmds, errors.Join(errs...)
}

func (s *Sequencer) commission(deal models.DealEvent) decimal.Decimal {
	if deal.Commission != nil {
		return decimal.NewFromFloat(*deal.Commission)
	}
	return s.config.DefaultCommission
}

func (s *Sequencer) fill(deal models.DealEvent, dir models.Direction) ledger.Fill {
	return ledger.Fill{
		InstrumentID: deal.InstrumentID,
		ExchangeID:   deal.ExchangeID,
		Direction:    dir,
		Volume:       deal.Volume,
		Price:        decimal.NewFromFloat(deal.Price),
		Commission:   s.commission(deal),
	}
}

func (s *Sequencer) open(ctx context.Context, deal models.DealEvent, kind models.DealKind, cont string) ([]models.OrderCommand, []error) {
	var errs []error
	dir := kind.PositionDirection()
	if _, err := s.positions.Open(ctx, s.fill(deal, dir)); err != nil {
		errs = append(errs, err)
	}

	oc, ok := ParseOpenContinuation(cont)
	if !ok {
		return nil, errs
	}
	self := models.JoinSymbol(deal.InstrumentID, deal.ExchangeID)
	peerSide := oc.PeerSide(dir)
	peer, ok := s.positions.Get(oc.Peer, peerSide)
	if !ok {
		s.logger.Debug().Str("peer", oc.Peer).Stringer("side", peerSide).Msg("no peer position, continuation dropped")
		return nil, errs
	}
	tradable := peer.Volume - s.combinations.Committed(oc.Peer)
	if tradable <= 0 {
		s.logger.Debug().Str("peer", oc.Peer).Int64("volume", peer.Volume).
			Msg("peer fully committed, continuation dropped")
		return nil, errs
	}

	cmd, ok := s.buildCommand(self, dir, oc.Peer, peerSide, 0, min(deal.Volume, tradable))
	if !ok {
		return nil, errs
	}
	return []models.OrderCommand{cmd}, errs
}

func (s *Sequencer) close(ctx context.Context, deal models.DealEvent, kind models.DealKind, cont string) ([]models.OrderCommand, []error) {
	var errs []error
	dir := kind.PositionDirection()
	f := s.fill(deal, dir)
	res, err := s.positions.Close(ctx, f)
	if err != nil {
		errs = append(errs, err)
	}
	if res.Flat() {
		mult := decimal.NewFromInt(s.multiplier(deal.InstrumentID))
		gross := f.Price.Sub(res.Before.OpenPrice).
			Mul(decimal.NewFromInt(res.Closed)).
			Mul(decimal.NewFromInt(int64(dir))).
			Mul(mult)
		realized := gross.Sub(res.Before.Commission).Sub(f.Commission.Mul(decimal.NewFromInt(res.Closed)))
		acct := s.account.AddProfit(realized)
		s.logger.Info().Str("instrument", deal.InstrumentID).Str("realized", realized.StringFixed(2)).
			Str("profit", acct.Profit.StringFixed(2)).Msg("position closed")
	}

	cc, ok := ParseCloseContinuation(cont)
	if !ok {
		return nil, errs
	}
	cmd := s.command(models.OpenOp(dir), cc.NewSymbol, deal.Volume, cc.Opposite)
	return []models.OrderCommand{cmd}, errs
}

func (s *Sequencer) release(ctx context.Context, deal models.DealEvent, cont string) ([]models.OrderCommand, []error) {
	var errs []error
	legA, legB, ok := s.pairSymbols(deal)
	if !ok {
		return nil, []error{fmt.Errorf("%w: malformed pair %q", ErrUnknownDeal, deal.InstrumentID)}
	}
	comb, found, err := s.combinations.Release(ctx, models.JoinPair(legA, legB), deal.Volume)
	if err != nil {
		errs = append(errs, err)
	}

	rc, err := ParseReleaseContinuation(cont)
	if err != nil {
		s.logger.Warn().Err(err).Str("continuation", cont).Msg("unreadable release continuation dropped")
		return nil, errs
	}
	if !rc.Closes() {
		return nil, errs
	}

	typ := rc.Type
	if !typ.Valid() && found {
		typ = comb.Type
	}
	sideA, sideB := s.releasedSides(rc, typ, legA, legB)
	var cmds []models.OrderCommand
	if rc.FlagA != 0 {
		vol := min(abs(rc.FlagA), deal.Volume)
		cmds = append(cmds, s.command(models.CloseOp(sideA), legA, vol, legContinuation(rc.NextA, rc.NextB, sideB)))
	}
	if rc.FlagB != 0 {
		vol := min(abs(rc.FlagB), deal.Volume)
		cmds = append(cmds, s.command(models.CloseOp(sideB), legB, vol, legContinuation(rc.NextB, rc.NextA, sideA)))
	}

	residual := deal.Volume - max(abs(rc.FlagA), abs(rc.FlagB))
	if residual > 0 {
		// The residual stays combined on the sides still held.
		heldA, heldB := s.pairSides(typ, legA, legB)
		if cmd, ok := s.buildCommand(legA, heldA, legB, heldB, typ, residual); ok {
			cmds = append(cmds, cmd)
		}
	}
	return cmds, errs
}

// releasedSides returns the side each leg of a released pair is closed on.
// A non-zero flag decides its own leg; otherwise the held rows do.
func (s *Sequencer) releasedSides(rc ReleaseContinuation, typ models.CombinationType, legA, legB string) (models.Direction, models.Direction) {
	sideA, sideB := s.pairSides(typ, legA, legB)
	if rc.FlagA != 0 {
		sideA = flagSide(rc.FlagA)
	}
	if rc.FlagB != 0 {
		sideB = flagSide(rc.FlagB)
	}
	return sideA, sideB
}

// pairSides returns the sides the legs of a combination are held on. Spread
// legs sit on opposite sides in whichever order the pair was built.
func (s *Sequencer) pairSides(t models.CombinationType, legA, legB string) (models.Direction, models.Direction) {
	switch {
	case t.IsSpread():
		if s.holds(legA, models.Short) && s.holds(legB, models.Long) &&
			!(s.holds(legA, models.Long) && s.holds(legB, models.Short)) {
			return models.Short, models.Long
		}
		return models.Long, models.Short
	case t == models.ShortStraddle || t == models.ShortStrangle:
		return models.Short, models.Short
	}
	return s.heldSide(legA), s.heldSide(legB)
}

func (s *Sequencer) holds(symbol string, d models.Direction) bool {
	_, ok := s.positions.Get(symbol, d)
	return ok
}

func (s *Sequencer) heldSide(symbol string) models.Direction {
	if _, ok := s.positions.Get(symbol, models.Long); ok {
		if _, short := s.positions.Get(symbol, models.Short); !short {
			return models.Long
		}
	}
	return models.Short
}

// classifyHeld recognizes a pair from the sides its legs are held on.
func (s *Sequencer) classifyHeld(legA, legB string) models.CombinationType {
	ca, okA := s.contract(legA)
	cb, okB := s.contract(legB)
	if !okA || !okB {
		return 0
	}
	for _, sides := range [][2]models.Direction{
		{models.Long, models.Short}, {models.Short, models.Long}, {models.Short, models.Short},
	} {
		_, heldA := s.positions.Get(legA, sides[0])
		_, heldB := s.positions.Get(legB, sides[1])
		if !heldA || !heldB {
			continue
		}
		if t, _, _, ok := models.ClassifyCombination(models.Leg{Contract: ca, Direction: sides[0]},
			models.Leg{Contract: cb, Direction: sides[1]}); ok {
			return t
		}
	}
	s.logger.Debug().Str("pair", models.JoinPair(legA, legB)).Msg("built pair not classified")
	return 0
}

func (s *Sequencer) contract(symbol string) (models.OptionContract, bool) {
	id, _ := models.SplitSymbol(symbol)
	return s.contracts.Contract(id)
}

func (s *Sequencer) multiplier(symbol string) int64 {
	if oc, ok := s.contract(symbol); ok && oc.Multiplier > 0 {
		return oc.Multiplier
	}
	return s.config.StandardMultiplier
}

// pairSymbols returns the exchange-qualified legs of a pair deal.
func (s *Sequencer) pairSymbols(deal models.DealEvent) (string, string, bool) {
	a, b, ok := models.SplitPair(deal.InstrumentID)
	if !ok {
		return "", "", false
	}
	qualify := func(sym string) string {
		if _, ex := models.SplitSymbol(sym); ex == "" {
			return models.JoinSymbol(sym, deal.ExchangeID)
		}
		return sym
	}
	return qualify(a), qualify(b), true
}

// buildCommand builds a combination order for two held legs. typ 0 asks for
// classification; the legs are put in canonical order when they classify.
func (s *Sequencer) buildCommand(symA string, sideA models.Direction, symB string, sideB models.Direction, typ models.CombinationType, volume int64) (models.OrderCommand, bool) {
	ca, okA := s.contract(symA)
	cb, okB := s.contract(symB)
	if okA && okB {
		classified, first, _, ok := models.ClassifyCombination(
			models.Leg{Contract: ca, Direction: sideA}, models.Leg{Contract: cb, Direction: sideB})
		if ok {
			if !typ.Valid() {
				typ = classified
			}
			if first.Contract.InstrumentID != ca.InstrumentID {
				symA, symB = symB, symA
				sideA, sideB = sideB, sideA
			}
		}
	}
	if !typ.Valid() {
		s.logger.Debug().Str("pair", models.JoinPair(symA, symB)).
			Msg("legs form no known combination, build dropped")
		return models.OrderCommand{}, false
	}

	cmd := s.command(models.OpBuildCombination, models.JoinPair(symA, symB), volume, strconv.Itoa(int(typ)))
	cmd.CombType = typ
	cmd.Legs = map[string]int{symA: sideCode(sideA), symB: sideCode(sideB)}
	return cmd, true
}

// sideCode maps a leg side to its wire direction code.
func sideCode(d models.Direction) int {
	if d == models.Long {
		return models.CodeBuy
	}
	return models.CodeSell
}

// NewCommand builds an order command carrying this strategy's remark
// envelope around continuation.
func (s *Sequencer) NewCommand(op models.OpType, code string, volume int64, continuation string) models.OrderCommand {
	return s.command(op, code, volume, continuation)
}

func (s *Sequencer) command(op models.OpType, code string, volume int64, continuation string) models.OrderCommand {
	action := s.newActionID()
	return models.OrderCommand{
		CreatedAt:   s.now(),
		ID:          s.newID(),
		OrderCode:   code,
		UserID:      s.config.UserID,
		AccountID:   s.config.AccountID,
		StrategyID:  s.config.StrategyID,
		UserOrderID: action,
		Remark:      Envelope{StrategyID: s.config.StrategyID, ActionID: action, Continuation: continuation}.String(),
		OpType:      op,
		Volume:      volume,
	}
}

func (s *Sequencer) build(ctx context.Context, deal models.DealEvent, cont string) []error {
	legA, legB, ok := s.pairSymbols(deal)
	if !ok {
		return []error{fmt.Errorf("%w: malformed pair %q", ErrUnknownDeal, deal.InstrumentID)}
	}
	typ, err := models.ParseCombinationType(cont)
	if err != nil {
		typ = s.classifyHeld(legA, legB)
	}
	if _, err := s.combinations.Combine(ctx, models.JoinPair(legA, legB), typ, deal.Volume); err != nil {
		return []error{err}
	}
	return nil
}
