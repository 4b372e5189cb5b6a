// Package storage persists ledger snapshots, order commands and contract
// snapshots as append-only rows.
package storage

import (
	"context"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// DateLayout is the trade-date format used as a storage key.
const DateLayout = "2006-01-02"

// Interface defines the contract for ledger persistence.
//
// Position, combination and account rows are append-only snapshots; the
// current state of a key is its latest row. Implementations must be safe for
// concurrent use.
type Interface interface {
	// Position rows
	SavePosition(ctx context.Context, p models.Position) error
	LoadPositions(ctx context.Context, strategyID, tradeDate string) ([]models.Position, error)
	LatestPositionDay(ctx context.Context, strategyID, before string) (string, error)

	// Combination rows
	SaveCombination(ctx context.Context, c models.Combination) error
	LoadCombinations(ctx context.Context, strategyID, tradeDate string) ([]models.Combination, error)
	LatestCombinationDay(ctx context.Context, strategyID, before string) (string, error)

	// Account snapshots
	SaveAccount(ctx context.Context, a models.Account) error
	LatestAccount(ctx context.Context, strategyID string) (models.Account, error)

	// Outbound order commands
	SaveCommand(ctx context.Context, cmd models.OrderCommand) error
	LoadCommands(ctx context.Context, strategyID string, limit int) ([]models.OrderCommand, error)

	// Daily contract snapshots
	SaveContracts(ctx context.Context, tradeDate string, rows []models.ContractRow) error
	LoadContracts(ctx context.Context, tradeDate string) ([]models.ContractRow, error)
	LatestContractDay(ctx context.Context, onOrBefore string) (string, error)

	Close() error
}

// NewStorage opens the SQLite store at path; ":memory:" selects the in-memory store.
func NewStorage(path string) (Interface, error) {
	if path == "" || path == ":memory:" {
		return NewMemoryStorage(), nil
	}
	return NewSQLiteStorage(path)
}

// Ensure both implementations satisfy Interface
var (
	_ Interface = (*SQLiteStorage)(nil)
	_ Interface = (*MemoryStorage)(nil)
)
