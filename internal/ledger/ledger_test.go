package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/option_ledger/internal/calendar"
	"github.com/eddiefleurent/option_ledger/internal/chain"
	"github.com/eddiefleurent/option_ledger/internal/models"
	"github.com/eddiefleurent/option_ledger/internal/pricing"
	"github.com/eddiefleurent/option_ledger/internal/storage"
)

var (
	today  = time.Date(2025, 5, 27, 0, 0, 0, 0, time.UTC)
	expiry = time.Date(2025, 6, 25, 0, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(id string, dir models.Direction, vol int64, price, fee string) Fill {
	return Fill{InstrumentID: id, ExchangeID: "SHO", Direction: dir, Volume: vol, Price: d(price), Commission: d(fee)}
}

// tick returns a clock advancing one second per call.
func tick() func() time.Time {
	at := today.Add(9 * time.Hour)
	return func() time.Time {
		at = at.Add(time.Second)
		return at
	}
}

func newPositions(t *testing.T, store *storage.MemoryStorage) *PositionLedger {
	t.Helper()
	l := NewPositionLedger("s1", store, calendar.Weekdays{}, zerolog.Nop())
	l.now = tick()
	require.NoError(t, l.Refresh(context.Background(), today))
	return l
}

func TestPositionLedger_OpenWeightedAverage(t *testing.T) {
	store := storage.NewMemoryStorage()
	l := newPositions(t, store)
	ctx := context.Background()

	_, err := l.Open(ctx, fill("X", models.Short, 5, "0.05", "1.7"))
	require.NoError(t, err)
	row, err := l.Open(ctx, fill("X", models.Short, 5, "0.07", "1.7"))
	require.NoError(t, err)

	assert.Equal(t, int64(10), row.Volume)
	assert.True(t, row.OpenPrice.Equal(d("0.06")), "open price %s", row.OpenPrice)
	assert.True(t, row.Commission.Equal(d("17")), "commission %s", row.Commission)
	assert.Equal(t, "2025-05-27", row.TradeDate)

	got, ok := l.Get("X.SHO", models.Short)
	require.True(t, ok)
	assert.Equal(t, row, got)
	_, ok = l.Get("X", models.Long)
	assert.False(t, ok)
	assert.Len(t, store.Positions(), 2, "every update is persisted")
}

func TestPositionLedger_WeightedAverageOverManyFills(t *testing.T) {
	l := newPositions(t, storage.NewMemoryStorage())
	ctx := context.Background()
	fills := []struct {
		price string
		vol   int64
	}{{"0.0512", 3}, {"0.0498", 7}, {"0.0533", 2}, {"0.0475", 11}}

	num, den := decimal.Zero, int64(0)
	for _, f := range fills {
		_, err := l.Open(ctx, fill("Y", models.Long, f.vol, f.price, "0"))
		require.NoError(t, err)
		num = num.Add(d(f.price).Mul(decimal.NewFromInt(f.vol)))
		den += f.vol
	}
	row, _ := l.Get("Y", models.Long)
	want := num.Div(decimal.NewFromInt(den))
	assert.True(t, row.OpenPrice.Sub(want).Abs().LessThan(d("1e-12")), "got %s want %s", row.OpenPrice, want)
}

func TestPositionLedger_Close(t *testing.T) {
	store := storage.NewMemoryStorage()
	l := newPositions(t, store)
	ctx := context.Background()

	_, err := l.Open(ctx, fill("X", models.Long, 10, "0.06", "1"))
	require.NoError(t, err)

	res, err := l.Close(ctx, fill("X", models.Long, 4, "0.09", "1"))
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.False(t, res.Flat())
	assert.Equal(t, int64(4), res.Closed)
	assert.Equal(t, int64(6), res.After.Volume)
	// (0.06·10 − 0.09·4) / 6
	assert.True(t, res.After.OpenPrice.Equal(d("0.04")), "open price %s", res.After.OpenPrice)
	assert.True(t, res.After.Commission.Equal(d("14")))

	res, err = l.Close(ctx, fill("X", models.Long, 6, "0.05", "1"))
	require.NoError(t, err)
	assert.True(t, res.Flat())
	assert.Equal(t, int64(6), res.Before.Volume)
	assert.Equal(t, 0, l.Len())

	rows := store.Positions()
	assert.Equal(t, int64(0), rows[len(rows)-1].Volume, "removal is persisted as a zero-volume row")

	res, err = l.Close(ctx, fill("X", models.Long, 1, "0.05", "1"))
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Len(t, store.Positions(), len(rows), "no-op close persists nothing")
}

func TestPositionLedger_OverCloseClamps(t *testing.T) {
	l := newPositions(t, storage.NewMemoryStorage())
	ctx := context.Background()
	_, err := l.Open(ctx, fill("X", models.Short, 3, "0.05", "0"))
	require.NoError(t, err)

	res, err := l.Close(ctx, fill("X", models.Short, 5, "0.04", "0"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Closed)
	assert.True(t, res.Flat())
	assert.Equal(t, int64(0), res.After.Volume)
}

func TestPositionLedger_PersistErrorKeepsMemoryAhead(t *testing.T) {
	store := storage.NewMemoryStorage()
	l := newPositions(t, store)
	boom := errors.New("disk full")
	store.SetSaveError(boom)

	_, err := l.Open(context.Background(), fill("X", models.Short, 1, "0.05", "0"))
	assert.ErrorIs(t, err, boom)
	_, ok := l.Get("X", models.Short)
	assert.True(t, ok)
}

func TestPositionLedger_RefreshCarriesForward(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	prior := today.AddDate(0, 0, -4)
	base := prior.Add(10 * time.Hour)
	for i, p := range []models.Position{
		{InstrumentID: "A", Direction: models.Short, Volume: 2, OpenPrice: d("0.05")},
		{InstrumentID: "A", Direction: models.Short, Volume: 5, OpenPrice: d("0.06")},
		{InstrumentID: "B", Direction: models.Long, Volume: 1, OpenPrice: d("0.1")},
		{InstrumentID: "B", Direction: models.Long, Volume: 0, OpenPrice: d("0.1")},
	} {
		p.StrategyID = "s1"
		p.TradeDate = "2025-05-23"
		p.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.SavePosition(ctx, p))
	}
	// Another strategy's rows stay invisible
	require.NoError(t, store.SavePosition(ctx, models.Position{StrategyID: "s2", InstrumentID: "Z",
		Direction: models.Long, Volume: 9, TradeDate: "2025-05-23", CreatedAt: base}))

	l := NewPositionLedger("s1", store, calendar.Weekdays{}, zerolog.Nop())
	require.NoError(t, l.Refresh(ctx, today))

	snap := l.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "A", snap[0].InstrumentID)
	assert.Equal(t, int64(5), snap[0].Volume)
	assert.Equal(t, "2025-05-27", snap[0].TradeDate)

	carried, err := store.LoadPositions(ctx, "s1", "2025-05-27")
	require.NoError(t, err)
	assert.Len(t, carried, 1, "fallback rows are persisted forward")

	// Second refresh finds today's rows and writes nothing
	saves := store.SaveCallCount()
	require.NoError(t, l.Refresh(ctx, today))
	assert.Equal(t, saves, store.SaveCallCount())
}

func TestPositionLedger_RefreshOnHolidayDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SavePosition(ctx, models.Position{StrategyID: "s1", InstrumentID: "A",
		Direction: models.Short, Volume: 1, TradeDate: "2025-05-23", CreatedAt: today}))

	saturday := time.Date(2025, 5, 24, 0, 0, 0, 0, time.UTC)
	l := NewPositionLedger("s1", store, calendar.Weekdays{}, zerolog.Nop())
	require.NoError(t, l.Refresh(ctx, saturday))

	assert.Equal(t, 1, l.Len())
	assert.Len(t, store.Positions(), 1)
}

func TestPositionLedger_SnapshotIsACopy(t *testing.T) {
	l := newPositions(t, storage.NewMemoryStorage())
	_, err := l.Open(context.Background(), fill("X", models.Short, 1, "0.05", "0"))
	require.NoError(t, err)

	snap := l.Snapshot()
	snap[0].Volume = 99
	row, _ := l.Get("X", models.Short)
	assert.Equal(t, int64(1), row.Volume)
}

func TestCombinationLedger(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	l := NewCombinationLedger("s1", store, calendar.Weekdays{}, zerolog.Nop())
	require.NoError(t, l.Refresh(ctx, today))

	c, err := l.Combine(ctx, "10008546.SHO/10008555.SHO", models.BullCallSpread, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Volume)
	c, err = l.Combine(ctx, "10008546.SHO/10008555.SHO", models.BullCallSpread, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.Volume)

	assert.Equal(t, int64(5), l.Committed("10008546"))
	assert.Equal(t, int64(5), l.Committed("10008555.SHO"))
	assert.Zero(t, l.Committed("10008999"))

	c, found, err := l.Release(ctx, "10008546.SHO/10008555.SHO", 5)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(0), c.Volume)
	_, ok := l.Get("10008546.SHO/10008555.SHO")
	assert.True(t, ok, "zero-volume rows are kept")

	_, found, err = l.Release(ctx, "A/B", 1)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = l.Combine(ctx, "A", models.ShortStraddle, 1)
	assert.Error(t, err)
}

// accountFixture holds short and long legs of one expiry.
type accountFixture struct {
	positions    *PositionLedger
	combinations *CombinationLedger
	account      *AccountLedger
	store        *storage.MemoryStorage
	evals        map[string]pricing.Evaluation
}

func newAccountFixture(t *testing.T) *accountFixture {
	t.Helper()
	rows := []models.ContractRow{
		{InstrumentID: "C250", ExchangeID: "SHO", Underlying: "510050", Type: models.OptionTypeCall, Strike: 2.50, Expiry: expiry, Multiplier: 10000},
		{InstrumentID: "C255", ExchangeID: "SHO", Underlying: "510050", Type: models.OptionTypeCall, Strike: 2.55, Expiry: expiry, Multiplier: 10000},
		{InstrumentID: "P250", ExchangeID: "SHO", Underlying: "510050", Type: models.OptionTypePut, Strike: 2.50, Expiry: expiry, Multiplier: 10000},
		{InstrumentID: "P245", ExchangeID: "SHO", Underlying: "510050", Type: models.OptionTypePut, Strike: 2.45, Expiry: expiry, Multiplier: 10000},
	}
	idx, err := chain.Build(today, rows, 0)
	require.NoError(t, err)

	f := &accountFixture{store: storage.NewMemoryStorage(), evals: map[string]pricing.Evaluation{}}
	f.positions = NewPositionLedger("s1", f.store, calendar.Weekdays{}, zerolog.Nop())
	f.positions.now = tick()
	f.combinations = NewCombinationLedger("s1", f.store, calendar.Weekdays{}, zerolog.Nop())
	require.NoError(t, f.positions.Refresh(context.Background(), today))
	require.NoError(t, f.combinations.Refresh(context.Background(), today))

	oracle := pricing.OracleFunc(func(_ context.Context, cs []models.OptionContract, _ time.Time) (map[string]pricing.Evaluation, error) {
		out := make(map[string]pricing.Evaluation, len(cs))
		for _, c := range cs {
			if ev, ok := f.evals[c.InstrumentID]; ok {
				out[c.InstrumentID] = ev
			}
		}
		return out, nil
	})
	f.account = NewAccountLedger(models.NewAccount("s1", d("100000")), f.store, f.positions, f.combinations,
		idx, oracle, zerolog.Nop())
	return f
}

func (f *accountFixture) open(t *testing.T, id string, dir models.Direction, vol int64, price string) {
	t.Helper()
	_, err := f.positions.Open(context.Background(), fill(id, dir, vol, price, "0"))
	require.NoError(t, err)
}

func TestAccountLedger_ShortStraddleNetting(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	f.evals["C250"] = pricing.Evaluation{InstrumentID: "C250", Mark: 0.005, HasMark: true, Margin: 1000}
	f.evals["P250"] = pricing.Evaluation{InstrumentID: "P250", Mark: 0.004, HasMark: true, Margin: 1200}
	f.open(t, "C250", models.Short, 1, "0.005")
	f.open(t, "P250", models.Short, 1, "0.004")

	acct, err := f.account.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, acct.Margin.Equal(d("2200")), "standalone margin %s", acct.Margin)

	_, err = f.combinations.Combine(ctx, "C250.SHO/P250.SHO", models.ShortStraddle, 1)
	require.NoError(t, err)
	acct, err = f.account.Refresh(ctx)
	require.NoError(t, err)
	// max(1000, 1200) + min(50, 40)
	assert.True(t, acct.Margin.Equal(d("1240")), "netted margin %s", acct.Margin)
	assert.True(t, acct.AvailableMargin.Equal(d("98760")), "available %s", acct.AvailableMargin)
}

func TestAccountLedger_VerticalSpreadNetting(t *testing.T) {
	tests := []struct {
		name     string
		long     string
		short    string
		typ      models.CombinationType
		wantNet  string
		longCost string
	}{
		{"bear call spread pays strike width", "C255", "C250", models.BearCallSpread, "530", "100"},
		{"bull call spread is riskless", "C250", "C255", models.BullCallSpread, "0", "100"},
		{"bull put spread pays strike width", "P245", "P250", models.BullPutSpread, "530", "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAccountFixture(t)
			ctx := context.Background()
			f.evals[tt.short] = pricing.Evaluation{InstrumentID: tt.short, Mark: 0.03, HasMark: true, Margin: 3000}
			f.evals[tt.long] = pricing.Evaluation{InstrumentID: tt.long, Mark: 0.01, HasMark: true, Margin: 2500}
			f.open(t, tt.long, models.Long, 1, "0.01")
			f.open(t, tt.short, models.Short, 1, "0.03")
			_, err := f.combinations.Combine(ctx, tt.long+".SHO/"+tt.short+".SHO", tt.typ, 1)
			require.NoError(t, err)

			acct, err := f.account.Refresh(ctx)
			require.NoError(t, err)
			assert.True(t, acct.Margin.Equal(d(tt.wantNet)), "margin %s", acct.Margin)
			assert.True(t, acct.LongCost.Equal(d(tt.longCost)), "long cost %s", acct.LongCost)
		})
	}
}

func TestAccountLedger_SpreadNettingIgnoresPairOrder(t *testing.T) {
	tests := []struct {
		name string
		pair string
	}{
		{"long leg first", "C255.SHO/C250.SHO"},
		{"short leg first", "C250.SHO/C255.SHO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAccountFixture(t)
			ctx := context.Background()
			f.evals["C250"] = pricing.Evaluation{InstrumentID: "C250", Mark: 0.03, HasMark: true, Margin: 3000}
			f.evals["C255"] = pricing.Evaluation{InstrumentID: "C255", Mark: 0.01, HasMark: true, Margin: 2500}
			f.open(t, "C255", models.Long, 1, "0.01")
			f.open(t, "C250", models.Short, 1, "0.03")
			_, err := f.combinations.Combine(ctx, tt.pair, models.BearCallSpread, 1)
			require.NoError(t, err)

			acct, err := f.account.Refresh(ctx)
			require.NoError(t, err)
			// 0.05 · 10000 · 1.06
			assert.True(t, acct.Margin.Equal(d("530")), "margin %s", acct.Margin)
		})
	}
}

func TestAccountLedger_FloatingProfitAndGreeks(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	f.evals["C250"] = pricing.Evaluation{InstrumentID: "C250", Mark: 0.04, HasMark: true, Margin: 3000,
		Greeks: models.Greeks{Delta: 0.5, Gamma: 2, Vega: 0.003, Theta: -0.001, Rho: 0.002}}
	f.evals["C255"] = pricing.Evaluation{InstrumentID: "C255", Mark: 0.02, HasMark: true,
		Greeks: models.Greeks{Delta: 0.3, Gamma: 1.5, Vega: 0.002, Theta: -0.0008, Rho: 0.001}}

	f.open(t, "C250", models.Short, 2, "0.05") // floating +0.01·2·10000 = 200
	f.open(t, "C255", models.Long, 3, "0.01")  // floating +0.01·3·10000 = 300, cost 300
	_, err := f.positions.Open(ctx, fill("P245", models.Long, 1, "0.02", "1.5"))
	require.NoError(t, err) // no evaluation: marked at open price, zero Greeks

	acct, err := f.account.Refresh(ctx)
	require.NoError(t, err)

	assert.True(t, acct.FloatingProfit.Equal(d("500")), "floating %s", acct.FloatingProfit)
	assert.True(t, acct.Margin.Equal(d("6000")), "margin %s", acct.Margin)
	assert.True(t, acct.LongCost.Equal(d("500")), "long cost %s", acct.LongCost)
	assert.True(t, acct.Commission.Equal(d("1.5")), "commission %s", acct.Commission)
	// 100000 + 0 − 6000 − 1.5 − 500 + 500
	assert.True(t, acct.AvailableMargin.Equal(d("93998.5")), "available %s", acct.AvailableMargin)

	assert.InDelta(t, -0.1, acct.Delta, 1e-12)
	assert.InDelta(t, 0.5, acct.Gamma, 1e-12)
	assert.InDelta(t, 0.0, acct.Vega, 1e-12)
	assert.InDelta(t, -0.0004, acct.Theta, 1e-12)
	assert.InDelta(t, -0.001, acct.Rho, 1e-12)

	latest, err := f.store.LatestAccount(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, latest.AvailableMargin.Equal(acct.AvailableMargin), "refresh persists the snapshot")
}

func TestAccountLedger_EmptyLedgerFoldsMarginBack(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	f.evals["C250"] = pricing.Evaluation{InstrumentID: "C250", Mark: 0.05, HasMark: true, Margin: 3000,
		Greeks: models.Greeks{Delta: 0.5}}
	f.open(t, "C250", models.Short, 1, "0.05")

	before, err := f.account.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, before.Margin.Equal(d("3000")))

	_, err = f.positions.Close(ctx, fill("C250", models.Short, 1, "0.05", "0"))
	require.NoError(t, err)
	after, err := f.account.Refresh(ctx)
	require.NoError(t, err)

	assert.True(t, after.Margin.IsZero())
	assert.Zero(t, after.Delta)
	assert.True(t, after.FloatingProfit.IsZero())
	assert.True(t, after.AvailableMargin.Equal(before.AvailableMargin.Add(d("3000"))))
	assert.True(t, after.Profit.Equal(before.Profit))
}

func TestAccountLedger_EmptyLedgerRestoresCash(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	f.evals["C250"] = pricing.Evaluation{InstrumentID: "C250", Mark: 0.05, HasMark: true}

	_, err := f.positions.Open(ctx, fill("C250", models.Long, 1, "0.05", "2"))
	require.NoError(t, err)
	before, err := f.account.Refresh(ctx)
	require.NoError(t, err)
	// 100000 − 2 − 500
	require.True(t, before.AvailableMargin.Equal(d("99498")), "available %s", before.AvailableMargin)

	_, err = f.positions.Close(ctx, fill("C250", models.Long, 1, "0.06", "2"))
	require.NoError(t, err)
	f.account.AddProfit(d("96")) // 0.01 · 10000 − 2 − 2

	after, err := f.account.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, after.Profit.Equal(d("96")))
	assert.True(t, after.AvailableMargin.Equal(after.InitCash.Add(after.Profit)), "available %s", after.AvailableMargin)
	assert.True(t, after.LongCost.IsZero())
	assert.True(t, after.Commission.IsZero())
}

func TestAccountLedger_OracleFailureKeepsAccount(t *testing.T) {
	f := newAccountFixture(t)
	f.open(t, "C250", models.Short, 1, "0.05")
	boom := errors.New("quote service down")
	f.account.oracle = pricing.OracleFunc(func(context.Context, []models.OptionContract, time.Time) (map[string]pricing.Evaluation, error) {
		return nil, boom
	})

	before := f.account.Get()
	acct, err := f.account.Refresh(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, acct)
}

func TestAccountLedger_AddProfit(t *testing.T) {
	f := newAccountFixture(t)
	acct := f.account.AddProfit(d("-12.5"))
	assert.True(t, acct.Profit.Equal(d("-12.5")))
	assert.True(t, acct.AvailableMargin.Equal(d("99987.5")))
}

func TestLoadAccount(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	acct, err := LoadAccount(ctx, store, "s1", d("50000"))
	require.NoError(t, err)
	assert.True(t, acct.InitCash.Equal(d("50000")))
	assert.True(t, acct.AvailableMargin.Equal(d("50000")))

	saved := models.NewAccount("s1", d("80000"))
	saved.Profit = d("120")
	require.NoError(t, store.SaveAccount(ctx, saved))
	acct, err = LoadAccount(ctx, store, "s1", d("50000"))
	require.NoError(t, err)
	assert.True(t, acct.InitCash.Equal(d("80000")), "init cash is set once")
	assert.True(t, acct.Profit.Equal(d("120")))
}
