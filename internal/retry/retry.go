// Package retry runs operations with jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config bounds the attempts of one operation.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout caps the whole operation including backoff; zero means none.
	Timeout time.Duration
}

// DefaultConfig retries three times starting at one second.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Policy retries transient failures.
type Policy struct {
	logger zerolog.Logger
	config Config
}

// New creates a policy; zero-valued config fields take defaults.
func New(logger zerolog.Logger, config ...Config) *Policy {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Policy{logger: logger, config: cfg}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.config
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// retries are used up.
func (p *Policy) Do(ctx context.Context, name string, op func(context.Context) error) error {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	var lastErr error
	backoff := p.config.InitialBackoff
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s canceled after %d attempts: %w", name, attempt, errors.Join(err, lastErr))
			}
			return fmt.Errorf("%s canceled: %w", name, err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 0 {
				p.logger.Info().Str("op", name).Int("attempt", attempt+1).Msg("succeeded after retry")
			}
			return nil
		}
		if !IsTransient(lastErr) || attempt == p.config.MaxRetries {
			break
		}

		p.logger.Warn().Err(lastErr).Str("op", name).Int("attempt", attempt+1).
			Dur("backoff", backoff).Msg("transient error, retrying")
		if err := Sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%s canceled during backoff: %w", name, errors.Join(err, lastErr))
		}
		backoff = p.NextBackoff(backoff)
	}
	return fmt.Errorf("%s failed: %w", name, lastErr)
}

// NextBackoff grows the delay by half, caps it and adds up to 25% jitter.
func (p *Policy) NextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > p.config.MaxBackoff {
		backoff = p.config.MaxBackoff
	}
	return backoff + Jitter(backoff/4)
}

// Jitter returns a random duration in [0, max).
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"broken pipe",
	"leader not available",
	"not leader for partition",
	"network",
	"dns",
	"tcp",
	"eof",
}

// IsTransient reports whether err looks like a passing network or broker condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) && t.Temporary() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
