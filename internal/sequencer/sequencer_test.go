package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/option_ledger/internal/calendar"
	"github.com/eddiefleurent/option_ledger/internal/chain"
	"github.com/eddiefleurent/option_ledger/internal/ledger"
	"github.com/eddiefleurent/option_ledger/internal/models"
	"github.com/eddiefleurent/option_ledger/internal/pricing"
	"github.com/eddiefleurent/option_ledger/internal/storage"
)

var (
	today  = time.Date(2025, 5, 27, 0, 0, 0, 0, time.UTC)
	expiry = time.Date(2025, 6, 25, 0, 0, 0, 0, time.UTC)
)

type recordingSink struct {
	err  error
	cmds []models.OrderCommand
	mu   sync.Mutex
}

func (r *recordingSink) Submit(_ context.Context, cmd models.OrderCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.cmds = append(r.cmds, cmd)
	return nil
}

type fixture struct {
	seq   *Sequencer
	store *storage.MemoryStorage
	sink  *recordingSink
	evals map[string]pricing.Evaluation
	ids   int
}

func contractRow(id string, typ models.OptionType, strike float64) models.ContractRow {
	return models.ContractRow{InstrumentID: id, ExchangeID: "SHO", Underlying: "510050", Type: typ,
		Strike: strike, Expiry: expiry, Multiplier: models.DefaultStandardMultiplier, TradeDate: today}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	idx, err := chain.Build(today, []models.ContractRow{
		contractRow("10008554", models.OptionTypeCall, 2.40),
		contractRow("10008546", models.OptionTypeCall, 2.45),
		contractRow("10008547", models.OptionTypeCall, 2.50),
		contractRow("10008555", models.OptionTypeCall, 2.55),
		contractRow("10008801", models.OptionTypePut, 2.45),
		contractRow("10008809", models.OptionTypePut, 2.50),
	}, 0)
	require.NoError(t, err)

	f := &fixture{store: storage.NewMemoryStorage(), sink: &recordingSink{}, evals: map[string]pricing.Evaluation{}}
	logger := zerolog.Nop()
	positions := ledger.NewPositionLedger("s1", f.store, calendar.Weekdays{}, logger)
	combinations := ledger.NewCombinationLedger("s1", f.store, calendar.Weekdays{}, logger)
	oracle := pricing.OracleFunc(func(_ context.Context, cs []models.OptionContract, _ time.Time) (map[string]pricing.Evaluation, error) {
		out := make(map[string]pricing.Evaluation, len(cs))
		for _, c := range cs {
			if ev, ok := f.evals[c.InstrumentID]; ok {
				out[c.InstrumentID] = ev
			}
		}
		return out, nil
	})
	account := ledger.NewAccountLedger(models.NewAccount("s1", decimal.NewFromInt(1000000)), f.store,
		positions, combinations, idx, oracle, logger)

	f.seq = New(Config{StrategyID: "s1", UserID: "u1", AccountID: "840092285"},
		positions, combinations, account, idx, f.sink, logger)
	f.seq.newID = func() string {
		f.ids++
		return fmt.Sprintf("cmd-%d", f.ids)
	}
	f.seq.newActionID = func() string { return fmt.Sprintf("act%d", f.ids+1) }
	f.seq.now = func() time.Time { return today.Add(10 * time.Hour) }
	require.NoError(t, f.seq.Refresh(context.Background(), today))
	return f
}

func deal(instrument string, direction, offset int, volume int64, price float64, continuation string) models.DealEvent {
	remark := "s1|x1"
	if continuation != "" {
		remark += "|" + continuation
	}
	return models.DealEvent{InstrumentID: instrument, ExchangeID: "SHO", Direction: direction,
		OffsetFlag: offset, Volume: volume, Price: price, Remark: remark}
}

func (f *fixture) process(t *testing.T, d models.DealEvent) []models.OrderCommand {
	t.Helper()
	cmds, err := f.seq.Process(context.Background(), d)
	require.NoError(t, err)
	return cmds
}

func continuationOf(cmd models.OrderCommand) string {
	return ParseEnvelope(cmd.Remark).Continuation
}

func TestProcess_OpenBuildsWithPeer(t *testing.T) {
	f := newFixture(t)
	f.process(t, deal("10008555", models.CodeSell, models.OffsetOpen, 10, 0.02, ""))

	cmds := f.process(t, deal("10008554", models.CodeBuy, models.OffsetOpen, 5, 0.0186, "10008555.SHO|-1"))
	require.Len(t, cmds, 1)
	cmd := cmds[0]
	assert.Equal(t, models.OpBuildCombination, cmd.OpType)
	assert.Equal(t, models.BullCallSpread, cmd.CombType)
	assert.Equal(t, "10008554.SHO/10008555.SHO", cmd.OrderCode)
	assert.Equal(t, map[string]int{"10008554.SHO": models.CodeBuy, "10008555.SHO": models.CodeSell}, cmd.Legs)
	assert.Equal(t, int64(5), cmd.Volume)
	assert.Equal(t, "s1", cmd.StrategyID)
	assert.Equal(t, "840092285", cmd.AccountID)

	env := ParseEnvelope(cmd.Remark)
	assert.Equal(t, "s1", env.StrategyID)
	assert.Equal(t, cmd.UserOrderID, env.ActionID)
	assert.Equal(t, "50", env.Continuation)
	assert.Equal(t, cmds, f.sink.cmds)
}

func TestProcess_OpenBoundedByTradableVolume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.process(t, deal("10008809", models.CodeBuy, models.OffsetOpen, 8, 0.05, ""))
	_, err := f.seq.combinations.Combine(ctx, "10008809.SHO/10008546.SHO", 0, 3)
	require.NoError(t, err)

	cmds := f.process(t, deal("10008801", models.CodeSell, models.OffsetOpen, 7, 0.025, "10008809.SHO|additional_info|1"))
	require.Len(t, cmds, 1)
	assert.Equal(t, int64(5), cmds[0].Volume, "8 held minus 3 committed")
	assert.Equal(t, models.BearPutSpread, cmds[0].CombType)
	assert.Equal(t, "10008809.SHO/10008801.SHO", cmds[0].OrderCode, "long leg first")
}

func TestProcess_OpenDefaultsToOppositeSide(t *testing.T) {
	f := newFixture(t)
	f.process(t, deal("10008555", models.CodeSell, models.OffsetOpen, 2, 0.02, ""))

	cmds := f.process(t, deal("10008554", models.CodeBuy, models.OffsetOpen, 5, 0.03, "10008555.SHO"))
	require.Len(t, cmds, 1)
	assert.Equal(t, int64(2), cmds[0].Volume)
}

func TestProcess_OpenWithoutPeerDropsContinuation(t *testing.T) {
	f := newFixture(t)
	cmds := f.process(t, deal("10008554", models.CodeBuy, models.OffsetOpen, 5, 0.03, "10008555.SHO|-1"))
	assert.Empty(t, cmds)
	assert.Empty(t, f.sink.cmds)

	row, ok := f.seq.positions.Get("10008554", models.Long)
	require.True(t, ok)
	assert.Equal(t, int64(5), row.Volume)
}

func TestProcess_CloseOpensNewSymbol(t *testing.T) {
	f := newFixture(t)
	cmds := f.process(t, deal("10008547", models.CodeBuy, models.OffsetClose, 3, 0.0378, "10008801.SHO|10008809.SHO|-1"))

	require.Len(t, cmds, 1)
	assert.Equal(t, models.OpSellOpen, cmds[0].OpType, "same side as the closed short")
	assert.Equal(t, "10008801.SHO", cmds[0].OrderCode)
	assert.Equal(t, int64(3), cmds[0].Volume)
	assert.Equal(t, "10008809.SHO|-1", continuationOf(cmds[0]))
}

func TestProcess_RealizesProfitOnlyOnFullClose(t *testing.T) {
	f := newFixture(t)
	fee := 1.0
	open := deal("10008547", models.CodeSell, models.OffsetOpen, 4, 0.05, "")
	open.Commission = &fee
	f.process(t, open)

	partial := deal("10008547", models.CodeBuy, models.OffsetClose, 2, 0.03, "")
	partial.Commission = &fee
	f.process(t, partial)
	assert.True(t, f.seq.Account().Profit.IsZero(), "partial close never books profit")

	final := deal("10008547", models.CodeBuy, models.OffsetClose, 2, 0.04, "")
	final.Commission = &fee
	f.process(t, final)

	// sold 4@0.05, bought 2@0.03 and 2@0.04: 600 gross less 8 commission
	assert.True(t, f.seq.Account().Profit.Equal(decimal.NewFromInt(592)), "profit %s", f.seq.Account().Profit)
	assert.Empty(t, f.seq.Positions())

	// A later close is a no-op
	f.process(t, final)
	assert.True(t, f.seq.Account().Profit.Equal(decimal.NewFromInt(592)))
}

func TestProcess_DefaultCommission(t *testing.T) {
	f := newFixture(t)
	f.seq.config.DefaultCommission = decimal.RequireFromString("1.7")
	f.process(t, deal("10008547", models.CodeSell, models.OffsetOpen, 10, 0.05, ""))

	row, ok := f.seq.positions.Get("10008547", models.Short)
	require.True(t, ok)
	assert.True(t, row.Commission.Equal(decimal.NewFromInt(17)))
}

// holdSpread opens a bull call spread 10008547/10008555 of volume 5 and builds it.
func holdSpread(t *testing.T, f *fixture) {
	t.Helper()
	f.process(t, deal("10008547", models.CodeBuy, models.OffsetOpen, 5, 0.06, ""))
	f.process(t, deal("10008555", models.CodeSell, models.OffsetOpen, 5, 0.02, ""))
	f.process(t, deal("10008547/10008555", models.CodeSell, models.OffsetCombination, 5, 0, ""))
}

func TestProcess_BuildClassifiesHeldLegs(t *testing.T) {
	f := newFixture(t)
	holdSpread(t, f)

	combs := f.seq.Combinations()
	require.Len(t, combs, 1)
	assert.Equal(t, "10008547.SHO/10008555.SHO", combs[0].Pair())
	assert.Equal(t, models.BullCallSpread, combs[0].Type)
	assert.Equal(t, int64(5), combs[0].Volume)
	assert.Empty(t, f.sink.cmds, "build has no continuation")
}

func TestProcess_BuildUsesTypeFromContinuation(t *testing.T) {
	f := newFixture(t)
	f.process(t, deal("10008546/10008547", models.CodeSell, models.OffsetCombination, 2, 0, "53"))
	c, ok := f.seq.combinations.Get("10008546.SHO/10008547.SHO")
	require.True(t, ok)
	assert.Equal(t, models.BearCallSpread, c.Type)
}

func TestProcess_ReleaseWithoutClose(t *testing.T) {
	f := newFixture(t)
	holdSpread(t, f)

	cmds := f.process(t, deal("10008547/10008555", models.CodeBuy, models.OffsetCombination, 2, 0, "0/0"))
	assert.Empty(t, cmds)
	c, _ := f.seq.combinations.Get("10008547.SHO/10008555.SHO")
	assert.Equal(t, int64(3), c.Volume)
}

func TestProcess_ReleaseClosesAndRebuildsResidual(t *testing.T) {
	f := newFixture(t)
	holdSpread(t, f)

	cmds := f.process(t, deal("10008547/10008555", models.CodeBuy, models.OffsetCombination, 2, 0,
		"1/-1|10008801.SHO/10008809.SHO"))
	require.Len(t, cmds, 3)

	assert.Equal(t, models.OpSellClose, cmds[0].OpType)
	assert.Equal(t, "10008547.SHO", cmds[0].OrderCode)
	assert.Equal(t, int64(1), cmds[0].Volume)
	assert.Equal(t, "10008801.SHO|10008809.SHO|-1", continuationOf(cmds[0]))

	assert.Equal(t, models.OpBuyClose, cmds[1].OpType)
	assert.Equal(t, "10008555.SHO", cmds[1].OrderCode)
	assert.Equal(t, "10008809.SHO|10008801.SHO|1", continuationOf(cmds[1]))

	assert.Equal(t, models.OpBuildCombination, cmds[2].OpType)
	assert.Equal(t, "10008547.SHO/10008555.SHO", cmds[2].OrderCode)
	assert.Equal(t, int64(1), cmds[2].Volume)
	assert.Equal(t, models.BullCallSpread, cmds[2].CombType)

	c, _ := f.seq.combinations.Get("10008547.SHO/10008555.SHO")
	assert.Equal(t, int64(3), c.Volume)
}

func TestProcess_ReleaseSingleLegFlag(t *testing.T) {
	f := newFixture(t)
	holdSpread(t, f)

	cmds := f.process(t, deal("10008547/10008555", models.CodeBuy, models.OffsetCombination, 1, 0, "1/0"))
	require.Len(t, cmds, 1, "no residual left to rebuild")
	assert.Equal(t, models.OpSellClose, cmds[0].OpType)
	assert.Equal(t, "10008547.SHO", cmds[0].OrderCode)
	assert.Empty(t, continuationOf(cmds[0]))
}

func TestProcess_ReleaseOfShortFirstPairKeepsHeldSides(t *testing.T) {
	f := newFixture(t)
	f.process(t, deal("10008546", models.CodeBuy, models.OffsetOpen, 2, 0.08, ""))
	f.process(t, deal("10008555", models.CodeSell, models.OffsetOpen, 2, 0.02, ""))
	// Built outside this strategy's commands, short leg first.
	f.process(t, deal("10008555/10008546", models.CodeSell, models.OffsetCombination, 2, 0, ""))

	c, ok := f.seq.combinations.Get("10008555.SHO/10008546.SHO")
	require.True(t, ok)
	assert.Equal(t, models.BullCallSpread, c.Type)

	cmds := f.process(t, deal("10008555/10008546", models.CodeBuy, models.OffsetCombination, 2, 0, "-1/0"))
	require.Len(t, cmds, 2)

	assert.Equal(t, models.OpBuyClose, cmds[0].OpType)
	assert.Equal(t, "10008555.SHO", cmds[0].OrderCode)
	assert.Equal(t, int64(1), cmds[0].Volume)

	build := cmds[1]
	assert.Equal(t, models.OpBuildCombination, build.OpType)
	assert.Equal(t, models.BullCallSpread, build.CombType)
	assert.Equal(t, "10008546.SHO/10008555.SHO", build.OrderCode)
	assert.Equal(t, int64(1), build.Volume)
	assert.Equal(t, map[string]int{"10008546.SHO": models.CodeBuy, "10008555.SHO": models.CodeSell}, build.Legs)
}

func TestProcess_RisklessSpreadNeedsNoMargin(t *testing.T) {
	tests := []struct {
		name string
		pair string
	}{
		{"long leg first", "10008546/10008555"},
		{"short leg first", "10008555/10008546"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.evals["10008546"] = pricing.Evaluation{InstrumentID: "10008546", Mark: 0.08, HasMark: true, Margin: 2800}
			f.evals["10008555"] = pricing.Evaluation{InstrumentID: "10008555", Mark: 0.02, HasMark: true, Margin: 3000}

			f.process(t, deal("10008546", models.CodeBuy, models.OffsetOpen, 1, 0.08, ""))
			f.process(t, deal("10008555", models.CodeSell, models.OffsetOpen, 1, 0.02, ""))
			require.True(t, f.seq.Account().Margin.Equal(decimal.NewFromInt(3000)), "standalone margin %s", f.seq.Account().Margin)

			f.process(t, deal(tt.pair, models.CodeSell, models.OffsetCombination, 1, 0, ""))
			acct := f.seq.Account()
			assert.True(t, acct.Margin.IsZero(), "bull call spread margin %s", acct.Margin)
		})
	}
}

func TestProcess_ContinuationChainRoundTrip(t *testing.T) {
	f := newFixture(t)
	holdSpread(t, f)

	cmds := f.process(t, deal("10008547/10008555", models.CodeBuy, models.OffsetCombination, 1, 0,
		"1/-1/50|10008801.SHO/10008809.SHO"))
	require.Len(t, cmds, 2)

	// The close of leg A fills: reopen 10008801 long, carrying the pairing
	closeA := deal("10008547", models.CodeSell, models.OffsetClose, 1, 0.07, continuationOf(cmds[0]))
	next := f.process(t, closeA)
	require.Len(t, next, 1)
	assert.Equal(t, models.OpBuyOpen, next[0].OpType)
	assert.Equal(t, "10008801.SHO", next[0].OrderCode)
	assert.Equal(t, "10008809.SHO|-1", continuationOf(next[0]))

	// The close of leg B fills: reopen 10008809 short, pair with 10008801 long
	closeB := deal("10008555", models.CodeBuy, models.OffsetClose, 1, 0.01, continuationOf(cmds[1]))
	next = f.process(t, closeB)
	require.Len(t, next, 1)
	assert.Equal(t, models.OpSellOpen, next[0].OpType)
	assert.Equal(t, "10008809.SHO", next[0].OrderCode)

	// Both reopen fills arrive; the second one builds the new pair
	f.process(t, deal("10008801", models.CodeBuy, models.OffsetOpen, 1, 0.02, "10008809.SHO|-1"))
	build := f.process(t, deal("10008809", models.CodeSell, models.OffsetOpen, 1, 0.04, continuationOf(next[0])))
	require.Len(t, build, 1)
	assert.Equal(t, models.OpBuildCombination, build[0].OpType)
	assert.Equal(t, "10008801.SHO/10008809.SHO", build[0].OrderCode)
	assert.Equal(t, models.BullPutSpread, build[0].CombType)
}

func TestProcess_UnknownDeal(t *testing.T) {
	f := newFixture(t)
	_, err := f.seq.Process(context.Background(), deal("10008547", 50, models.OffsetOpen, 1, 0.05, ""))
	assert.ErrorIs(t, err, ErrUnknownDeal)
	assert.ErrorIs(t, err, models.ErrUnknownDealKind)
	assert.Empty(t, f.seq.Positions())

	_, err = f.seq.Process(context.Background(), deal("10008547", models.CodeSell, models.OffsetCombination, 1, 0, ""))
	assert.ErrorIs(t, err, ErrUnknownDeal, "combination offset needs a pair")
}

func TestProcess_JoinsIOFailures(t *testing.T) {
	f := newFixture(t)
	f.process(t, deal("10008555", models.CodeSell, models.OffsetOpen, 10, 0.02, ""))

	f.sink.err = errors.New("gateway closed")
	f.store.SetSaveError(errors.New("disk full"))
	cmds, err := f.seq.Process(context.Background(), deal("10008554", models.CodeBuy, models.OffsetOpen, 5, 0.03, "10008555.SHO|-1"))
	require.Error(t, err)
	assert.Len(t, cmds, 1, "commands are returned even when submit fails")
	assert.True(t, strings.Contains(err.Error(), "gateway closed"))
	assert.True(t, strings.Contains(err.Error(), "disk full"))

	_, ok := f.seq.positions.Get("10008554", models.Long)
	assert.True(t, ok, "ledger stays ahead of durable state")
}

func TestProcess_SerializesConcurrentDeals(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.seq.Process(context.Background(), deal("10008547", models.CodeSell, models.OffsetOpen, 1, 0.05, ""))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	row, ok := f.seq.positions.Get("10008547", models.Short)
	require.True(t, ok)
	assert.Equal(t, int64(20), row.Volume)
}
