package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/option_ledger/internal/calendar"
	"github.com/eddiefleurent/option_ledger/internal/models"
)

// PositionStore persists position rows.
type PositionStore interface {
	SavePosition(ctx context.Context, p models.Position) error
	LoadPositions(ctx context.Context, strategyID, tradeDate string) ([]models.Position, error)
	LatestPositionDay(ctx context.Context, strategyID, before string) (string, error)
}

// Fill is one executed quantity applied to a position row. Commission is per unit.
type Fill struct {
	Price        decimal.Decimal
	Commission   decimal.Decimal
	InstrumentID string
	ExchangeID   string
	Direction    models.Direction
	Volume       int64
}

// CloseResult describes the effect of a Close.
type CloseResult struct {
	// Before is the row as it was prior to the close.
	Before models.Position
	// After is the persisted row; Volume is 0 when the row was removed.
	After models.Position
	// Closed is the volume actually taken off the row.
	Closed int64
	// Found is false when no row existed and the close was a no-op.
	Found bool
}

// Flat reports whether the close consumed the whole row.
func (r CloseResult) Flat() bool {
	return r.Found && r.After.Volume == 0
}

// PositionLedger keeps one row per (instrument, direction).
type PositionLedger struct {
	store      PositionStore
	cal        calendar.Calendar
	rows       map[models.PositionKey]models.Position
	now        func() time.Time
	logger     zerolog.Logger
	strategyID string
	tradeDate  string
	mu         sync.RWMutex
}

// NewPositionLedger creates an empty ledger for a strategy.
func NewPositionLedger(strategyID string, store PositionStore, cal calendar.Calendar, logger zerolog.Logger) *PositionLedger {
	if store == nil {
		panic("ledger.NewPositionLedger: store must not be nil")
	}
	return &PositionLedger{
		store:      store,
		cal:        cal,
		rows:       make(map[models.PositionKey]models.Position),
		now:        time.Now,
		logger:     logger.With().Str("component", "position_ledger").Str("strategy", strategyID).Logger(),
		strategyID: strategyID,
	}
}

func key(instrument string, d models.Direction) models.PositionKey {
	id, _ := models.SplitSymbol(instrument)
	return models.PositionKey{InstrumentID: id, Direction: d}
}

// Open adds volume to a row, creating it when absent. The open price becomes
// the volume-weighted average and commission accumulates per unit.
func (l *PositionLedger) Open(ctx context.Context, f Fill) (models.Position, error) {
	l.mu.Lock()
	k := key(f.InstrumentID, f.Direction)
	vol := decimal.NewFromInt(f.Volume)
	fee := f.Commission.Mul(vol)

	row, ok := l.rows[k]
	if !ok {
		exchange := f.ExchangeID
		if exchange == "" {
			_, exchange = models.SplitSymbol(f.InstrumentID)
		}
		row = models.Position{
			StrategyID:   l.strategyID,
			InstrumentID: k.InstrumentID,
			ExchangeID:   exchange,
			Direction:    f.Direction,
			Volume:       f.Volume,
			OpenPrice:    f.Price,
			Commission:   fee,
		}
	} else {
		total := row.Volume + f.Volume
		row.OpenPrice = row.OpenPrice.Mul(decimal.NewFromInt(row.Volume)).
			Add(f.Price.Mul(vol)).
			Div(decimal.NewFromInt(total))
		row.Volume = total
		row.Commission = row.Commission.Add(fee)
	}
	row.TradeDate = l.tradeDate
	row.CreatedAt = l.now()
	l.rows[k] = row
	l.mu.Unlock()

	return row, l.store.SavePosition(ctx, row)
}

// Close removes volume from a row. A remaining volume above zero reprices the
// row with the mirrored weighted average; otherwise the row is removed and a
// zero-volume row is persisted. Closing a missing row is a no-op. A close
// larger than the row is clamped to the row's volume.
func (l *PositionLedger) Close(ctx context.Context, f Fill) (CloseResult, error) {
	l.mu.Lock()
	k := key(f.InstrumentID, f.Direction)
	row, ok := l.rows[k]
	if !ok {
		l.mu.Unlock()
		l.logger.Debug().Str("instrument", k.InstrumentID).Stringer("direction", f.Direction).
			Msg("close of missing position ignored")
		return CloseResult{}, nil
	}

	res := CloseResult{Before: row, Found: true, Closed: f.Volume}
	if f.Volume > row.Volume {
		l.logger.Warn().Str("instrument", k.InstrumentID).Int64("volume", row.Volume).
			Int64("requested", f.Volume).Msg("close exceeds position volume, clamping")
		res.Closed = row.Volume
	}
	vol := decimal.NewFromInt(res.Closed)
	remaining := row.Volume - res.Closed

	row.Commission = row.Commission.Add(f.Commission.Mul(vol))
	if remaining > 0 {
		row.OpenPrice = row.OpenPrice.Mul(decimal.NewFromInt(row.Volume)).
			Sub(f.Price.Mul(vol)).
			Div(decimal.NewFromInt(remaining))
		row.Volume = remaining
		l.rows[k] = row
	} else {
		row.Volume = 0
		delete(l.rows, k)
	}
	row.TradeDate = l.tradeDate
	row.CreatedAt = l.now()
	res.After = row
	l.mu.Unlock()

	return res, l.store.SavePosition(ctx, row)
}

// Refresh reloads the rows current on today.
func (l *PositionLedger) Refresh(ctx context.Context, today time.Time) error {
	cf := carryForward[models.Position, models.PositionKey]{
		load: func(ctx context.Context, day string) ([]models.Position, error) {
			return l.store.LoadPositions(ctx, l.strategyID, day)
		},
		latestBefore: func(ctx context.Context, before string) (string, error) {
			return l.store.LatestPositionDay(ctx, l.strategyID, before)
		},
		save:      l.store.SavePosition,
		key:       models.Position.Key,
		createdAt: func(p models.Position) time.Time { return p.CreatedAt },
		live:      func(p models.Position) bool { return p.Volume > 0 },
		restamp: func(p models.Position, day string, at time.Time) models.Position {
			p.TradeDate = day
			p.CreatedAt = at
			return p
		},
	}
	rows, carried, err := cf.reload(ctx, today, l.cal, l.now())
	if rows == nil {
		return err
	}

	l.mu.Lock()
	l.rows = rows
	l.tradeDate = calendar.Day(today)
	l.mu.Unlock()

	l.logger.Info().Int("positions", len(rows)).Bool("carried_forward", carried).
		Str("trade_date", calendar.Day(today)).Msg("positions refreshed")
	return err
}

// Get returns a copy of one row.
func (l *PositionLedger) Get(instrument string, d models.Direction) (models.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.rows[key(instrument, d)]
	return p, ok
}

// Snapshot returns copies of every row ordered by instrument then direction.
func (l *PositionLedger) Snapshot() []models.Position {
	l.mu.RLock()
	out := make([]models.Position, 0, len(l.rows))
	for _, p := range l.rows {
		out = append(out, p)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].InstrumentID != out[j].InstrumentID {
			return out[i].InstrumentID < out[j].InstrumentID
		}
		return out[i].Direction > out[j].Direction
	})
	return out
}

// Len returns the number of open rows.
func (l *PositionLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}

// TradeDate returns the trade date rows are stamped with.
func (l *PositionLedger) TradeDate() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tradeDate
}
