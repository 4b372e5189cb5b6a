// Package orders persists outbound order commands and hands them to the gateway.
package orders

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/option_ledger/internal/broker"
	"github.com/eddiefleurent/option_ledger/internal/models"
	"github.com/eddiefleurent/option_ledger/internal/retry"
	"github.com/eddiefleurent/option_ledger/internal/storage"
)

// ErrInvalidCommand is returned for commands the gateway would reject.
var ErrInvalidCommand = errors.New("invalid order command")

// Config contains configuration for the order manager.
type Config struct {
	// CallTimeout bounds one gateway attempt.
	CallTimeout time.Duration
	Retry       retry.Config
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	CallTimeout: 5 * time.Second,
	Retry:       retry.DefaultConfig,
}

// Stats counts commands by outcome.
type Stats struct {
	Submitted int
	Failed    int
	Rejected  int
}

// Manager records every command in storage before submitting it to the
// gateway. A command that fails to reach the gateway stays recorded.
type Manager struct {
	gateway broker.Gateway
	storage storage.Interface
	policy  *retry.Policy
	logger  zerolog.Logger
	config  Config
	stats   Stats
	mu      sync.Mutex
}

// NewManager creates a new order manager instance.
func NewManager(
	gateway broker.Gateway,
	store storage.Interface,
	logger *zerolog.Logger,
	config ...Config,
) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	// Guard against nil logger
	if logger == nil {
		l := zerolog.New(os.Stderr).With().Timestamp().Logger()
		logger = &l
	}

	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}

	// Validate required dependencies (fail fast to avoid later panics)
	if gateway == nil {
		panic("orders.NewManager: gateway must not be nil")
	}
	if store == nil {
		panic("orders.NewManager: storage must not be nil")
	}

	l := logger.With().Str("component", "orders").Logger()
	return &Manager{
		gateway: gateway,
		storage: store,
		policy:  retry.New(l, cfg.Retry),
		logger:  l,
		config:  cfg,
	}
}

// Submit validates, records and forwards cmd.
func (m *Manager) Submit(ctx context.Context, cmd models.OrderCommand) error {
	if err := Validate(cmd); err != nil {
		m.count(func(s *Stats) { s.Rejected++ })
		return err
	}

	if err := m.storage.SaveCommand(ctx, cmd); err != nil {
		m.count(func(s *Stats) { s.Failed++ })
		return fmt.Errorf("recording command %s: %w", cmd.ID, err)
	}

	err := m.policy.Do(ctx, "submit "+cmd.ID, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
		defer cancel()
		return m.gateway.Submit(callCtx, cmd)
	})
	if err != nil {
		m.count(func(s *Stats) { s.Failed++ })
		m.logger.Error().Err(err).Str("id", cmd.ID).Str("op", string(cmd.OpType)).
			Str("code", cmd.OrderCode).Msg("gateway submit failed")
		return err
	}

	m.count(func(s *Stats) { s.Submitted++ })
	m.logger.Debug().Str("id", cmd.ID).Str("remark", cmd.Remark).Msg("command handed to gateway")
	return nil
}

// Recent returns the latest recorded commands of a strategy, newest first.
func (m *Manager) Recent(ctx context.Context, strategyID string, limit int) ([]models.OrderCommand, error) {
	cmds, err := m.storage.LoadCommands(ctx, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading commands: %w", err)
	}
	return cmds, nil
}

// Stats returns the outcome counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) count(f func(*Stats)) {
	m.mu.Lock()
	f(&m.stats)
	m.mu.Unlock()
}

// Validate checks the fields every command kind needs.
func Validate(cmd models.OrderCommand) error {
	if cmd.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCommand)
	}
	if cmd.StrategyID == "" {
		return fmt.Errorf("%w: missing strategy id", ErrInvalidCommand)
	}
	if cmd.Volume <= 0 {
		return fmt.Errorf("%w: volume %d", ErrInvalidCommand, cmd.Volume)
	}
	if cmd.OrderCode == "" {
		return fmt.Errorf("%w: missing order code", ErrInvalidCommand)
	}

	switch cmd.OpType {
	case models.OpBuyOpen, models.OpSellOpen, models.OpBuyClose, models.OpSellClose:
		if isPair(cmd.OrderCode) {
			return fmt.Errorf("%w: %s on pair %q", ErrInvalidCommand, cmd.OpType, cmd.OrderCode)
		}
	case models.OpBuildCombination:
		if !isPair(cmd.OrderCode) {
			return fmt.Errorf("%w: build of single instrument %q", ErrInvalidCommand, cmd.OrderCode)
		}
		if len(cmd.Legs) != 2 {
			return fmt.Errorf("%w: build needs two legs, got %d", ErrInvalidCommand, len(cmd.Legs))
		}
		for code, side := range cmd.Legs {
			if side != models.CodeBuy && side != models.CodeSell {
				return fmt.Errorf("%w: leg %s side %d", ErrInvalidCommand, code, side)
			}
		}
	case models.OpReleaseCombination:
		if !isPair(cmd.OrderCode) {
			return fmt.Errorf("%w: release of single instrument %q", ErrInvalidCommand, cmd.OrderCode)
		}
	default:
		return fmt.Errorf("%w: op type %q", ErrInvalidCommand, cmd.OpType)
	}
	return nil
}

func isPair(code string) bool {
	_, _, ok := models.SplitPair(code)
	return ok
}
