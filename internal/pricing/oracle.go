// Package pricing provides the risk oracle consumed by the account ledger:
// per-contract seller margin, implied volatility and Greeks.
package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// ErrInvalidInput is returned when a pricing input is out of range.
var ErrInvalidInput = errors.New("invalid pricing input")

// Evaluation is the oracle's view of one contract.
type Evaluation struct {
	InstrumentID string
	// Mark is the option price per share; HasMark is false when no quote exists.
	Mark    float64
	HasMark bool
	// Margin is the seller margin of one contract (one lot).
	Margin float64
	IV     float64
	models.Greeks
}

// Oracle evaluates a batch of contracts at a point in time. Contracts the
// oracle cannot price are returned with HasMark false and zero Greeks.
type Oracle interface {
	Evaluate(ctx context.Context, contracts []models.OptionContract, at time.Time) (map[string]Evaluation, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, contracts []models.OptionContract, at time.Time) (map[string]Evaluation, error)

// Evaluate calls f.
func (f OracleFunc) Evaluate(ctx context.Context, contracts []models.OptionContract, at time.Time) (map[string]Evaluation, error) {
	return f(ctx, contracts, at)
}
