package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/option_ledger/internal/chain"
	"github.com/eddiefleurent/option_ledger/internal/models"
)

var (
	tradeDay = time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
	jun      = time.Date(2025, 6, 25, 0, 0, 0, 0, time.UTC)
)

type staticView struct {
	positions []models.Position
}

func (v staticView) Positions() []models.Position       { return v.positions }
func (v staticView) Combinations() []models.Combination { return nil }
func (v staticView) Account() models.Account            { return models.Account{} }

func testChain(t *testing.T) *chain.Index {
	t.Helper()
	var rows []models.ContractRow
	for _, r := range []struct {
		id     string
		typ    models.OptionType
		strike float64
	}{
		{"C245", models.OptionTypeCall, 2.45},
		{"C250", models.OptionTypeCall, 2.50},
		{"C255", models.OptionTypeCall, 2.55},
		{"P245", models.OptionTypePut, 2.45},
		{"P250", models.OptionTypePut, 2.50},
		{"P255", models.OptionTypePut, 2.55},
	} {
		rows = append(rows, models.ContractRow{TradeDate: tradeDay, InstrumentID: r.id, ExchangeID: "SHO",
			Underlying: "510050", Type: r.typ, Strike: r.strike, Expiry: jun, Multiplier: models.DefaultStandardMultiplier})
	}
	idx, err := chain.Build(tradeDay, rows, 0)
	require.NoError(t, err)
	return idx
}

func strangleParams() map[string]any {
	return map[string]any{"underlying": "510050", "underlying_symbol": "510050.SH", "volume": 2}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"passive", "strangle"}, r.Names())

	_, err := r.New("martingale", nil, Deps{})
	assert.True(t, errors.Is(err, ErrUnknownStrategy))

	s, err := r.New(PassiveName, nil, Deps{})
	require.NoError(t, err)
	orders, err := s.OnBar(context.Background(), models.Bar{Symbol: "510050.SH", Close: 2.5}, staticView{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestNewStrangle_Validation(t *testing.T) {
	deps := Deps{Chain: testChain(t), Logger: zerolog.Nop()}
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"missing underlying", map[string]any{"underlying_symbol": "510050.SH"}},
		{"negative volume", map[string]any{"underlying": "510050", "underlying_symbol": "510050.SH", "volume": -1}},
		{"unknown key", map[string]any{"underlying": "510050", "underlying_symbol": "510050.SH", "delta": 0.16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStrangle(tt.params, deps)
			assert.Error(t, err)
		})
	}

	_, err := NewStrangle(strangleParams(), Deps{})
	assert.Error(t, err, "chain is required")
}

func TestStrangle_EntersOutOfTheMoney(t *testing.T) {
	s, err := NewStrangle(strangleParams(), Deps{Chain: testChain(t), Logger: zerolog.Nop()})
	require.NoError(t, err)
	bar := models.Bar{Symbol: "510050.SH", Close: 2.51, Time: tradeDay.Add(10 * time.Hour)}

	orders, err := s.OnBar(context.Background(), bar, staticView{})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, Order{Op: models.OpSellOpen, Code: "C255.SHO", Volume: 2}, orders[0])
	assert.Equal(t, Order{Op: models.OpSellOpen, Code: "P245.SHO", Volume: 2, Continuation: "C255.SHO|-1"}, orders[1])

	// Pending entry blocks a second one on the same day.
	orders, _ = s.OnBar(context.Background(), bar, staticView{})
	assert.Empty(t, orders)

	// A build clears it, but held short legs at the cap still block.
	_, _ = s.OnDeal(context.Background(), models.DealEvent{InstrumentID: "C255/P245", Direction: models.CodeSell,
		OffsetFlag: models.OffsetCombination, Volume: 2}, staticView{})
	held := staticView{positions: []models.Position{{InstrumentID: "C255", Direction: models.Short, Volume: 2}}}
	orders, _ = s.OnBar(context.Background(), bar, held)
	assert.Empty(t, orders)

	orders, _ = s.OnBar(context.Background(), bar, staticView{})
	assert.Len(t, orders, 2)
}

func TestStrangle_IgnoresOtherSymbols(t *testing.T) {
	s, err := NewStrangle(strangleParams(), Deps{Chain: testChain(t), Logger: zerolog.Nop()})
	require.NoError(t, err)

	orders, err := s.OnBar(context.Background(), models.Bar{Symbol: "C250.SHO", Close: 0.05, Time: tradeDay}, staticView{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestStrangle_UnlistedUnderlying(t *testing.T) {
	params := strangleParams()
	params["underlying"] = "510300"
	s, err := NewStrangle(params, Deps{Chain: testChain(t), Logger: zerolog.Nop()})
	require.NoError(t, err)

	orders, err := s.OnBar(context.Background(), models.Bar{Symbol: "510050.SH", Close: 2.5, Time: tradeDay}, staticView{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestStrangle_FindStrikesWidthZero(t *testing.T) {
	params := strangleParams()
	params["width"] = 0
	st, err := NewStrangle(params, Deps{Chain: testChain(t), Logger: zerolog.Nop()})
	require.NoError(t, err)

	call, put, ok := st.(*StrangleStrategy).FindStrikes(2.54, tradeDay)
	require.True(t, ok)
	assert.Equal(t, "C255", call.InstrumentID)
	assert.Equal(t, "P255", put.InstrumentID)
}
