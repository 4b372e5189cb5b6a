package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// MemoryStorage keeps every row in memory. It backs paper runs and tests and
// supports error injection and call counting.
type MemoryStorage struct {
	saveError    error
	loadError    error
	positions    []models.Position
	combinations []models.Combination
	accounts     []models.Account
	commands     []models.OrderCommand
	contracts    map[string][]models.ContractRow
	saveCalls    int
	loadCalls    int
	mu           sync.Mutex
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{contracts: make(map[string][]models.ContractRow)}
}

func (m *MemoryStorage) beginSave() error {
	m.saveCalls++
	return m.saveError
}

func (m *MemoryStorage) beginLoad() error {
	m.loadCalls++
	return m.loadError
}

// SavePosition appends a position row.
func (m *MemoryStorage) SavePosition(_ context.Context, p models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginSave(); err != nil {
		return err
	}
	m.positions = append(m.positions, p)
	return nil
}

// LoadPositions returns a strategy's rows of one trade date in insertion order.
func (m *MemoryStorage) LoadPositions(_ context.Context, strategyID, tradeDate string) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLoad(); err != nil {
		return nil, err
	}
	var out []models.Position
	for _, p := range m.positions {
		if p.StrategyID == strategyID && p.TradeDate == tradeDate {
			out = append(out, p)
		}
	}
	return out, nil
}

// LatestPositionDay returns the latest trade date before the given one holding rows.
func (m *MemoryStorage) LatestPositionDay(_ context.Context, strategyID, before string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLoad(); err != nil {
		return "", err
	}
	latest := ""
	for _, p := range m.positions {
		if p.StrategyID == strategyID && p.TradeDate < before && p.TradeDate > latest {
			latest = p.TradeDate
		}
	}
	if latest == "" {
		return "", ErrNotFound
	}
	return latest, nil
}

// SaveCombination appends a combination row.
func (m *MemoryStorage) SaveCombination(_ context.Context, c models.Combination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginSave(); err != nil {
		return err
	}
	m.combinations = append(m.combinations, c)
	return nil
}

// LoadCombinations returns a strategy's combination rows of one trade date.
func (m *MemoryStorage) LoadCombinations(_ context.Context, strategyID, tradeDate string) ([]models.Combination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLoad(); err != nil {
		return nil, err
	}
	var out []models.Combination
	for _, c := range m.combinations {
		if c.StrategyID == strategyID && c.TradeDate == tradeDate {
			out = append(out, c)
		}
	}
	return out, nil
}

// LatestCombinationDay returns the latest trade date before the given one holding rows.
func (m *MemoryStorage) LatestCombinationDay(_ context.Context, strategyID, before string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLoad(); err != nil {
		return "", err
	}
	latest := ""
	for _, c := range m.combinations {
		if c.StrategyID == strategyID && c.TradeDate < before && c.TradeDate > latest {
			latest = c.TradeDate
		}
	}
	if latest == "" {
		return "", ErrNotFound
	}
	return latest, nil
}

// SaveAccount appends an account snapshot.
func (m *MemoryStorage) SaveAccount(_ context.Context, a models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginSave(); err != nil {
		return err
	}
	m.accounts = append(m.accounts, a)
	return nil
}

// LatestAccount returns the most recent snapshot of a strategy.
func (m *MemoryStorage) LatestAccount(_ context.Context, strategyID string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLoad(); err != nil {
		return models.Account{}, err
	}
	for i := len(m.accounts) - 1; i >= 0; i-- {
		if m.accounts[i].StrategyID == strategyID {
			return m.accounts[i], nil
		}
	}
	return models.Account{}, ErrNotFound
}

// SaveCommand appends an order command.
func (m *MemoryStorage) SaveCommand(_ context.Context, cmd models.OrderCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginSave(); err != nil {
		return err
	}
	m.commands = append(m.commands, cmd)
	return nil
}

// LoadCommands returns a strategy's commands, newest first. limit <= 0 returns all.
func (m *MemoryStorage) LoadCommands(_ context.Context, strategyID string, limit int) ([]models.OrderCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLoad(); err != nil {
		return nil, err
	}
	var out []models.OrderCommand
	for i := len(m.commands) - 1; i >= 0; i-- {
		if strategyID != "" && m.commands[i].StrategyID != strategyID {
			continue
		}
		out = append(out, m.commands[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SaveContracts replaces the contract snapshot of a trade date.
func (m *MemoryStorage) SaveContracts(_ context.Context, tradeDate string, rows []models.ContractRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginSave(); err != nil {
		return err
	}
	m.contracts[tradeDate] = append([]models.ContractRow(nil), rows...)
	return nil
}

// LoadContracts returns the contract snapshot of a trade date.
func (m *MemoryStorage) LoadContracts(_ context.Context, tradeDate string) ([]models.ContractRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLoad(); err != nil {
		return nil, err
	}
	rows, ok := m.contracts[tradeDate]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]models.ContractRow(nil), rows...), nil
}

// LatestContractDay returns the latest snapshot date on or before the given one.
func (m *MemoryStorage) LatestContractDay(_ context.Context, onOrBefore string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLoad(); err != nil {
		return "", err
	}
	days := make([]string, 0, len(m.contracts))
	for d := range m.contracts {
		if d <= onOrBefore {
			days = append(days, d)
		}
	}
	if len(days) == 0 {
		return "", ErrNotFound
	}
	sort.Strings(days)
	return days[len(days)-1], nil
}

// Close is a no-op.
func (m *MemoryStorage) Close() error {
	return nil
}

// Test control methods

// SetSaveError makes every following save fail with err.
func (m *MemoryStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

// SetLoadError makes every following load fail with err.
func (m *MemoryStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

// SaveCallCount returns the number of save calls.
func (m *MemoryStorage) SaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}

// LoadCallCount returns the number of load calls.
func (m *MemoryStorage) LoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCalls
}

// Positions returns every stored position row.
func (m *MemoryStorage) Positions() []models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Position(nil), m.positions...)
}

// Accounts returns every stored account snapshot.
func (m *MemoryStorage) Accounts() []models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Account(nil), m.accounts...)
}
