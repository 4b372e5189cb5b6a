// Package ledger holds a strategy's positions, combinations and account.
//
// Each ledger keeps its current rows in memory and appends every change to the
// store. Readers on other goroutines get copies.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/option_ledger/internal/calendar"
	"github.com/eddiefleurent/option_ledger/internal/storage"
)

// carryForward describes how one row type is reloaded for a trade date.
type carryForward[T any, K comparable] struct {
	load         func(ctx context.Context, day string) ([]T, error)
	latestBefore func(ctx context.Context, before string) (string, error)
	save         func(ctx context.Context, row T) error
	key          func(T) K
	createdAt    func(T) time.Time
	live         func(T) bool
	restamp      func(row T, day string, at time.Time) T
}

// reload returns the current rows for today: today's rows if any, else the
// rows of the latest earlier day that has some. Rows collapse to the latest
// per key and only live rows are kept. When the rows came from an earlier day
// and today is a trading day they are persisted forward stamped with today.
func (c carryForward[T, K]) reload(ctx context.Context, today time.Time, cal calendar.Calendar, now time.Time) (map[K]T, bool, error) {
	day := calendar.Day(today)
	rows, err := c.load(ctx, day)
	if err != nil {
		return nil, false, fmt.Errorf("loading rows of %s: %w", day, err)
	}
	if len(rows) > 0 {
		return c.collapse(rows), false, nil
	}

	prev, err := c.latestBefore(ctx, day)
	if errors.Is(err, storage.ErrNotFound) {
		return map[K]T{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("finding latest day before %s: %w", day, err)
	}
	if rows, err = c.load(ctx, prev); err != nil {
		return nil, false, fmt.Errorf("loading rows of %s: %w", prev, err)
	}
	current := c.collapse(rows)

	if cal == nil || !cal.IsTradingDay(today) {
		return current, false, nil
	}
	var errs []error
	for k, row := range current {
		row = c.restamp(row, day, now)
		current[k] = row
		if err := c.save(ctx, row); err != nil {
			errs = append(errs, err)
		}
	}
	return current, true, errors.Join(errs...)
}

func (c carryForward[T, K]) collapse(rows []T) map[K]T {
	latest := make(map[K]T, len(rows))
	for _, row := range rows {
		k := c.key(row)
		if prev, ok := latest[k]; ok && c.createdAt(row).Before(c.createdAt(prev)) {
			continue
		}
		latest[k] = row
	}
	for k, row := range latest {
		if !c.live(row) {
			delete(latest, k)
		}
	}
	return latest
}
