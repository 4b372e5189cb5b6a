// Package util provides common helpers for price arithmetic.
package util

import "github.com/shopspring/decimal"

// RoundToTick rounds x to the nearest multiple of tick, ties away from zero.
// The arithmetic is decimal so 1.235 on a 0.01 tick yields 1.24.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return RoundDecimalToTick(decimal.NewFromFloat(x), decimal.NewFromFloat(tick)).InexactFloat64()
}

// RoundDecimalToTick is RoundToTick for decimal values.
func RoundDecimalToTick(x, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return x
	}
	return x.Div(tick).Round(0).Mul(tick)
}
