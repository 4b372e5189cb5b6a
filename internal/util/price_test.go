package util

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{"basic rounding down", 1.2345, 0.01, 1.23},
		{"tie rounds away from zero", 1.235, 0.01, 1.24},
		{"negative tie rounds away from zero", -1.235, 0.01, -1.24},
		{"larger tick size", 1.27, 0.05, 1.25},
		{"exact multiple", 1.25, 0.05, 1.25},
		{"etf option tick", 0.018649, 0.0001, 0.0186},
		{"zero tick returns input", 0.123456, 0, 0.123456},
		{"negative tick returns input", 0.5, -0.01, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTick(tt.x, tt.tick)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("RoundToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, result, tt.expected)
			}
		})
	}
}

func TestRoundDecimalToTick(t *testing.T) {
	got := RoundDecimalToTick(decimal.RequireFromString("0.06005"), decimal.RequireFromString("0.0001"))
	if !got.Equal(decimal.RequireFromString("0.0601")) {
		t.Errorf("expected 0.0601, got %s", got)
	}
	same := RoundDecimalToTick(decimal.RequireFromString("3.3"), decimal.Zero)
	if !same.Equal(decimal.RequireFromString("3.3")) {
		t.Errorf("zero tick should return input, got %s", same)
	}
}
