package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% failures over at least 5 calls.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewBreaker builds a gobreaker circuit breaker that logs state changes.
func NewBreaker(name string, settings CircuitBreakerSettings, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

// CircuitBreakerOracle wraps an Oracle with circuit breaker functionality.
type CircuitBreakerOracle struct {
	oracle  Oracle
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerOracle wraps oracle with the default settings.
func NewCircuitBreakerOracle(oracle Oracle, logger zerolog.Logger) *CircuitBreakerOracle {
	return NewCircuitBreakerOracleWithSettings(oracle, DefaultCircuitBreakerSettings, logger)
}

// NewCircuitBreakerOracleWithSettings wraps oracle with custom settings.
func NewCircuitBreakerOracleWithSettings(oracle Oracle, settings CircuitBreakerSettings, logger zerolog.Logger) *CircuitBreakerOracle {
	return &CircuitBreakerOracle{
		oracle:  oracle,
		breaker: NewBreaker("OracleCircuitBreaker", settings, logger),
	}
}

// Evaluate wraps the underlying oracle call with the circuit breaker.
func (c *CircuitBreakerOracle) Evaluate(ctx context.Context, contracts []models.OptionContract, at time.Time) (map[string]Evaluation, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.oracle.Evaluate(ctx, contracts, at)
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	v, ok := res.(map[string]Evaluation)
	if !ok {
		return nil, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// State returns the breaker state.
func (c *CircuitBreakerOracle) State() gobreaker.State {
	return c.breaker.State()
}

var _ Oracle = (*CircuitBreakerOracle)(nil)
