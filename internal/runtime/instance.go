// Package runtime runs strategy instances: one bar lane and one deal lane
// per strategy, each draining its own queue.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/option_ledger/internal/calendar"
	"github.com/eddiefleurent/option_ledger/internal/models"
	"github.com/eddiefleurent/option_ledger/internal/queue"
	"github.com/eddiefleurent/option_ledger/internal/retry"
	"github.com/eddiefleurent/option_ledger/internal/sequencer"
	"github.com/eddiefleurent/option_ledger/internal/strategy"
)

// Config bounds lane supervision.
type Config struct {
	StopTimeout   time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxBackoff    time.Duration
	QueueCapacity int
}

// DefaultConfig is the default lane supervision.
var DefaultConfig = Config{
	StopTimeout:   10 * time.Second,
	MaxRetries:    3,
	RetryDelay:    time.Second,
	MaxBackoff:    30 * time.Second,
	QueueCapacity: 64,
}

// Marks receives bars to keep mark prices current.
type Marks interface {
	ApplyBar(bar models.Bar)
}

// Instance is one running strategy.
type Instance struct {
	seq      *sequencer.Sequencer
	strategy strategy.Strategy
	sink     sequencer.CommandSink
	marks    Marks
	state    *models.StateMachine
	backoff  *retry.Policy
	now      func() time.Time
	logger   zerolog.Logger
	config   Config

	mu      sync.Mutex
	deals   *queue.Buffer[models.DealEvent]
	bars    *queue.Buffer[models.Bar]
	done    chan struct{}
	cancel  context.CancelFunc
	laneErr error
}

// NewInstance wires a sequencer and a strategy. marks may be nil.
func NewInstance(
	seq *sequencer.Sequencer,
	strat strategy.Strategy,
	sink sequencer.CommandSink,
	marks Marks,
	logger zerolog.Logger,
	config ...Config,
) *Instance {
	if seq == nil || strat == nil || sink == nil {
		panic("runtime.NewInstance: sequencer, strategy and sink must not be nil")
	}
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultConfig.StopTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig.RetryDelay
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	l := logger.With().Str("component", "instance").Str("strategy_id", seq.StrategyID()).
		Str("strategy", strat.Name()).Logger()
	return &Instance{
		seq:      seq,
		strategy: strat,
		sink:     sink,
		marks:    marks,
		state:    models.NewStateMachine(),
		backoff: retry.New(l, retry.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.RetryDelay,
			MaxBackoff:     cfg.MaxBackoff,
		}),
		now:    time.Now,
		logger: l,
		config: cfg,
	}
}

// ID returns the strategy ID.
func (i *Instance) ID() string { return i.seq.StrategyID() }

// State returns the lifecycle state.
func (i *Instance) State() models.InstanceState { return i.state.Current() }

// Sequencer exposes the ledgers for reads.
func (i *Instance) Sequencer() *sequencer.Sequencer { return i.seq }

// Err returns the error that stopped a lane, if any.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.laneErr
}

// Done is closed once both lanes have exited. It is nil before Start.
func (i *Instance) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.done
}

// Start refreshes the ledgers for today and spawns both lanes. The lanes
// stop when Stop is called, when ctx is done, or when one lane exhausts its
// error budget.
func (i *Instance) Start(ctx context.Context) error {
	cond := "start"
	if i.state.Current() == models.StateStopped {
		cond = "restart"
	}
	if err := i.state.Transition(models.StateStarting, cond); err != nil {
		return fmt.Errorf("starting %s: %w", i.ID(), err)
	}
	if err := i.seq.Refresh(ctx, i.now()); err != nil {
		_ = i.state.Transition(models.StateFailed, "refresh_failed")
		_ = i.state.Transition(models.StateStopped, "lanes_exited")
		return fmt.Errorf("starting %s: %w", i.ID(), err)
	}

	laneCtx, cancel := context.WithCancel(ctx)
	deals := queue.New[models.DealEvent](i.config.QueueCapacity)
	bars := queue.New[models.Bar](i.config.QueueCapacity)
	done := make(chan struct{})

	i.mu.Lock()
	i.deals, i.bars, i.done, i.cancel, i.laneErr = deals, bars, done, cancel, nil
	i.mu.Unlock()

	if err := i.state.Transition(models.StateRunning, "lanes_started"); err != nil {
		cancel()
		return err
	}

	g, gctx := errgroup.WithContext(laneCtx)
	g.Go(func() error { return lane(i, gctx, "deal", deals, i.handleDeal) })
	g.Go(func() error { return lane(i, gctx, "bar", bars, i.handleBar) })

	go func() {
		select {
		case <-laneCtx.Done():
			deals.Close()
			bars.Close()
		case <-done:
		}
	}()
	go func() {
		err := g.Wait()
		i.mu.Lock()
		i.laneErr = err
		i.mu.Unlock()
		close(done)
		// Lanes also exit on a failure or a canceled ctx, without Stop.
		if i.state.Current() == models.StateRunning {
			_ = i.state.Transition(models.StateStopping, "stop")
		}
		_ = i.state.Transition(models.StateStopped, "lanes_exited")
	}()

	i.logger.Info().Str("trade_date", i.seq.TradeDate()).Msg("instance started")
	return nil
}

// Stop closes both queues and waits up to StopTimeout for the lanes to drain
// them. Lanes still running after that are abandoned.
func (i *Instance) Stop() error {
	if err := i.state.Transition(models.StateStopping, "stop"); err != nil {
		if cur := i.state.Current(); cur == models.StateStopped || cur == models.StateIdle {
			return nil
		}
		return fmt.Errorf("stopping %s: %w", i.ID(), err)
	}

	i.mu.Lock()
	deals, bars, done, cancel := i.deals, i.bars, i.done, i.cancel
	i.mu.Unlock()
	deals.Close()
	bars.Close()
	defer cancel()

	timer := time.NewTimer(i.config.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		_ = i.state.Transition(models.StateStopped, "lanes_exited")
		i.logger.Info().Msg("instance stopped")
		return nil
	case <-timer.C:
		_ = i.state.Transition(models.StateStopped, "timeout")
		i.logger.Warn().Dur("timeout", i.config.StopTimeout).Msg("lanes abandoned")
		return fmt.Errorf("stopping %s: %w", i.ID(), ErrStopTimeout)
	}
}

// PushDeal queues a deal for the deal lane.
func (i *Instance) PushDeal(deal models.DealEvent) error {
	i.mu.Lock()
	q := i.deals
	i.mu.Unlock()
	if q == nil || !q.Push(deal) {
		return fmt.Errorf("%s: %w", i.ID(), ErrNotRunning)
	}
	return nil
}

// PushBar queues a bar for the bar lane.
func (i *Instance) PushBar(bar models.Bar) error {
	i.mu.Lock()
	q := i.bars
	i.mu.Unlock()
	if q == nil || !q.Push(bar) {
		return fmt.Errorf("%s: %w", i.ID(), ErrNotRunning)
	}
	return nil
}

// lane pops items until the queue is closed and drained. Consecutive
// failures back off; more than MaxRetries of them fail the instance.
func lane[T any](i *Instance, ctx context.Context, name string, q *queue.Buffer[T], handle func(context.Context, T) error) error {
	failures := 0
	delay := i.config.RetryDelay
	for {
		item, ok := q.Pop()
		if !ok {
			return nil
		}
		err := handle(ctx, item)
		if err == nil {
			failures, delay = 0, i.config.RetryDelay
			continue
		}
		if errors.Is(err, sequencer.ErrUnknownDeal) {
			i.logger.Error().Err(err).Str("lane", name).Msg("deal rejected")
			continue
		}

		failures++
		i.logger.Error().Err(err).Str("lane", name).Int("failures", failures).Msg("lane error")
		if failures > i.config.MaxRetries {
			_ = i.state.Transition(models.StateFailed, "max_retries")
			i.logger.Error().Str("lane", name).Int("max_retries", i.config.MaxRetries).
				Msg("error budget exhausted, stopping instance")
			i.mu.Lock()
			i.deals.Close()
			i.bars.Close()
			i.mu.Unlock()
			return fmt.Errorf("%s lane: %w", name, err)
		}
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
		delay = i.backoff.NextBackoff(delay)
	}
}

func (i *Instance) handleDeal(ctx context.Context, deal models.DealEvent) error {
	cmds, err := i.seq.Process(ctx, deal)
	if errors.Is(err, sequencer.ErrUnknownDeal) {
		return err
	}
	i.logger.Debug().Str("instrument", deal.InstrumentID).Int("commands", len(cmds)).Msg("deal applied")

	orders, serr := i.strategy.OnDeal(ctx, deal, i.seq)
	return errors.Join(err, serr, i.submit(ctx, orders))
}

func (i *Instance) handleBar(ctx context.Context, bar models.Bar) error {
	if i.marks != nil {
		i.marks.ApplyBar(bar)
	}
	if !bar.Time.IsZero() && calendar.Day(bar.Time) > i.seq.TradeDate() {
		if err := i.seq.Refresh(ctx, bar.Time); err != nil {
			return fmt.Errorf("rolling to %s: %w", calendar.Day(bar.Time), err)
		}
		i.logger.Info().Str("trade_date", i.seq.TradeDate()).Msg("ledgers rolled to new trade date")
	}
	orders, err := i.strategy.OnBar(ctx, bar, i.seq)
	if err != nil {
		return err
	}
	return i.submit(ctx, orders)
}

func (i *Instance) submit(ctx context.Context, orders []strategy.Order) error {
	var errs []error
	for _, o := range orders {
		cmd := i.seq.NewCommand(o.Op, o.Code, o.Volume, o.Continuation)
		if err := i.sink.Submit(ctx, cmd); err != nil {
			errs = append(errs, fmt.Errorf("submitting %s %s: %w", o.Op, o.Code, err))
		}
	}
	return errors.Join(errs...)
}
