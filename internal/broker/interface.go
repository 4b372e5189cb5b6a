// Package broker moves deals and bars in from the exchange gateway and order
// commands out to it.
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/option_ledger/internal/models"
	"github.com/eddiefleurent/option_ledger/internal/pricing"
)

// Gateway accepts order commands for execution.
type Gateway interface {
	Submit(ctx context.Context, cmd models.OrderCommand) error
}

// Handler receives decoded feed messages.
type Handler interface {
	OnDeal(ctx context.Context, deal models.DealEvent) error
	OnBar(ctx context.Context, bar models.Bar) error
}

// Feed delivers deals and bars until ctx is done.
type Feed interface {
	Run(ctx context.Context, h Handler) error
	Close() error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, cmd models.OrderCommand) error

// Submit calls f.
func (f GatewayFunc) Submit(ctx context.Context, cmd models.OrderCommand) error {
	return f(ctx, cmd)
}

// PaperGateway logs commands instead of sending them and keeps them for inspection.
type PaperGateway struct {
	logger   zerolog.Logger
	commands []models.OrderCommand
	mu       sync.Mutex
}

// NewPaperGateway creates a gateway for paper runs.
func NewPaperGateway(logger zerolog.Logger) *PaperGateway {
	return &PaperGateway{logger: logger.With().Str("component", "paper_gateway").Logger()}
}

// Submit records cmd.
func (p *PaperGateway) Submit(_ context.Context, cmd models.OrderCommand) error {
	p.mu.Lock()
	p.commands = append(p.commands, cmd)
	p.mu.Unlock()
	p.logger.Info().
		Str("strategy", cmd.StrategyID).
		Str("op", string(cmd.OpType)).
		Str("code", cmd.OrderCode).
		Int64("volume", cmd.Volume).
		Str("remark", cmd.Remark).
		Msg("paper order")
	return nil
}

// Commands returns the recorded commands.
func (p *PaperGateway) Commands() []models.OrderCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.OrderCommand(nil), p.commands...)
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings = pricing.CircuitBreakerSettings

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerGateway wraps gateway with the default settings.
func NewCircuitBreakerGateway(gateway Gateway, logger zerolog.Logger) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gateway, pricing.DefaultCircuitBreakerSettings, logger)
}

// NewCircuitBreakerGatewayWithSettings creates a CircuitBreakerGateway with custom settings
func NewCircuitBreakerGatewayWithSettings(gateway Gateway, settings CircuitBreakerSettings, logger zerolog.Logger) *CircuitBreakerGateway {
	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: pricing.NewBreaker("GatewayCircuitBreaker", settings, logger),
	}
}

// Submit wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) Submit(ctx context.Context, cmd models.OrderCommand) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.gateway.Submit(ctx, cmd)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &UnavailableError{Err: err}
	}
	return err
}

// State returns the breaker state.
func (c *CircuitBreakerGateway) State() gobreaker.State {
	return c.breaker.State()
}

// UnavailableError reports a gateway rejected by an open breaker.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return "gateway unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Ensure implementations satisfy Gateway at compile time.
var (
	_ Gateway = (*PaperGateway)(nil)
	_ Gateway = (*CircuitBreakerGateway)(nil)
	_ Gateway = (*KafkaGateway)(nil)
	_ Gateway = GatewayFunc(nil)
	_ Feed    = (*KafkaFeed)(nil)
)
