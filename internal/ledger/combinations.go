package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/option_ledger/internal/calendar"
	"github.com/eddiefleurent/option_ledger/internal/models"
)

// CombinationStore persists combination rows.
type CombinationStore interface {
	SaveCombination(ctx context.Context, c models.Combination) error
	LoadCombinations(ctx context.Context, strategyID, tradeDate string) ([]models.Combination, error)
	LatestCombinationDay(ctx context.Context, strategyID, before string) (string, error)
}

// CombinationLedger keeps one row per ordered "legA/legB" pair.
type CombinationLedger struct {
	store      CombinationStore
	cal        calendar.Calendar
	rows       map[string]models.Combination
	now        func() time.Time
	logger     zerolog.Logger
	strategyID string
	tradeDate  string
	mu         sync.RWMutex
}

// NewCombinationLedger creates an empty ledger for a strategy.
func NewCombinationLedger(strategyID string, store CombinationStore, cal calendar.Calendar, logger zerolog.Logger) *CombinationLedger {
	if store == nil {
		panic("ledger.NewCombinationLedger: store must not be nil")
	}
	return &CombinationLedger{
		store:      store,
		cal:        cal,
		rows:       make(map[string]models.Combination),
		now:        time.Now,
		logger:     logger.With().Str("component", "combination_ledger").Str("strategy", strategyID).Logger(),
		strategyID: strategyID,
	}
}

// Combine creates the pair or adds volume to it. typ is recorded on creation
// and fills in an unknown type on later builds.
func (l *CombinationLedger) Combine(ctx context.Context, pair string, typ models.CombinationType, volume int64) (models.Combination, error) {
	a, b, ok := models.SplitPair(pair)
	if !ok {
		return models.Combination{}, fmt.Errorf("invalid combination pair %q", pair)
	}

	l.mu.Lock()
	key := models.JoinPair(a, b)
	row, exists := l.rows[key]
	if !exists {
		row = models.Combination{StrategyID: l.strategyID, LegA: a, LegB: b, Type: typ}
	} else if !row.Type.Valid() {
		row.Type = typ
	}
	row.Volume += volume
	row.TradeDate = l.tradeDate
	row.CreatedAt = l.now()
	l.rows[key] = row
	l.mu.Unlock()

	return row, l.store.SaveCombination(ctx, row)
}

// Release takes volume off the pair. The row stays at zero volume; it is not
// deleted. Releasing an unknown pair is a no-op and returns found false.
func (l *CombinationLedger) Release(ctx context.Context, pair string, volume int64) (models.Combination, bool, error) {
	a, b, ok := models.SplitPair(pair)
	if !ok {
		return models.Combination{}, false, fmt.Errorf("invalid combination pair %q", pair)
	}

	l.mu.Lock()
	key := models.JoinPair(a, b)
	row, exists := l.rows[key]
	if !exists {
		l.mu.Unlock()
		l.logger.Debug().Str("pair", key).Msg("release of missing combination ignored")
		return models.Combination{}, false, nil
	}
	if volume > row.Volume {
		l.logger.Warn().Str("pair", key).Int64("volume", row.Volume).Int64("requested", volume).
			Msg("release exceeds combination volume, clamping")
		volume = row.Volume
	}
	row.Volume -= volume
	row.TradeDate = l.tradeDate
	row.CreatedAt = l.now()
	l.rows[key] = row
	l.mu.Unlock()

	return row, true, l.store.SaveCombination(ctx, row)
}

// Refresh reloads the rows current on today.
func (l *CombinationLedger) Refresh(ctx context.Context, today time.Time) error {
	cf := carryForward[models.Combination, string]{
		load: func(ctx context.Context, day string) ([]models.Combination, error) {
			return l.store.LoadCombinations(ctx, l.strategyID, day)
		},
		latestBefore: func(ctx context.Context, before string) (string, error) {
			return l.store.LatestCombinationDay(ctx, l.strategyID, before)
		},
		save:      l.store.SaveCombination,
		key:       models.Combination.Pair,
		createdAt: func(c models.Combination) time.Time { return c.CreatedAt },
		live:      func(c models.Combination) bool { return c.Volume > 0 },
		restamp: func(c models.Combination, day string, at time.Time) models.Combination {
			c.TradeDate = day
			c.CreatedAt = at
			return c
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

	l.logger.Info().Int("combinations", len(rows)).Bool("carried_forward", carried).
		Str("trade_date", calendar.Day(today)).Msg("combinations refreshed")
	return err
}

// Get returns a copy of one pair.
func (l *CombinationLedger) Get(pair string) (models.Combination, bool) {
	a, b, ok := models.SplitPair(pair)
	if !ok {
		return models.Combination{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.rows[models.JoinPair(a, b)]
	return c, ok
}

// Committed returns the volume of an instrument locked into combinations.
func (l *CombinationLedger) Committed(instrument string) int64 {
	id, _ := models.SplitSymbol(instrument)
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, c := range l.rows {
		legA, _ := models.SplitSymbol(c.LegA)
		legB, _ := models.SplitSymbol(c.LegB)
		if legA == id || legB == id {
			total += c.Volume
		}
	}
	return total
}

// Snapshot returns copies of every row ordered by pair.
func (l *CombinationLedger) Snapshot() []models.Combination {
	l.mu.RLock()
	out := make([]models.Combination, 0, len(l.rows))
	for _, c := range l.rows {
		out = append(out, c)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Pair() < out[j].Pair() })
	return out
}
