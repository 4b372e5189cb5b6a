package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/option_ledger/internal/broker"
	"github.com/eddiefleurent/option_ledger/internal/calendar"
	"github.com/eddiefleurent/option_ledger/internal/chain"
	"github.com/eddiefleurent/option_ledger/internal/config"
	"github.com/eddiefleurent/option_ledger/internal/ledger"
	"github.com/eddiefleurent/option_ledger/internal/mock"
	"github.com/eddiefleurent/option_ledger/internal/models"
	"github.com/eddiefleurent/option_ledger/internal/orders"
	"github.com/eddiefleurent/option_ledger/internal/pricing"
	"github.com/eddiefleurent/option_ledger/internal/runtime"
	"github.com/eddiefleurent/option_ledger/internal/sequencer"
	"github.com/eddiefleurent/option_ledger/internal/storage"
	"github.com/eddiefleurent/option_ledger/internal/strategy"
)

const chainReloadInterval = 5 * time.Minute

// liveStartDelay gives the operator a window to abort a live start.
var liveStartDelay = 10 * time.Second

// Bot owns the process-wide services and the strategy instances.
type Bot struct {
	config     *config.Config
	logger     zerolog.Logger
	store      storage.Interface
	cal        calendar.Calendar
	contracts  *chain.Reloadable
	book       *pricing.PriceBook
	oracle     pricing.Oracle
	gateway    broker.Gateway
	orders     *orders.Manager
	registry   *strategy.Registry
	runtime    *runtime.Manager
	reconciler *Reconciler
	closers    []io.Closer
	now        func() time.Time
}

type botOptions struct {
	// forcePaper keeps commands in process whatever the configured mode.
	forcePaper bool
}

// newBot wires storage, the contract index, pricing, the order path and one
// runtime instance per configured strategy.
func newBot(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts botOptions) (*Bot, error) {
	b := &Bot{
		config:   cfg,
		logger:   logger,
		book:     pricing.NewPriceBook(),
		registry: strategy.NewRegistry(),
		runtime:  runtime.NewManager(logger),
		now:      time.Now,
	}

	store, err := openStore(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	b.store = store
	b.closers = append(b.closers, store)

	if b.cal, err = calendar.New(cfg.Calendar.Exchange, cfg.Calendar.TradeDatesFile, cfg.Calendar.Timezone); err != nil {
		b.Close()
		return nil, fmt.Errorf("loading calendar: %w", err)
	}

	idx, err := b.loadChain(ctx)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.contracts = chain.NewReloadable(idx)
	b.reconciler = NewReconciler(b.contracts, logger)

	b.oracle = pricing.NewCircuitBreakerOracle(pricing.NewETFOracle(b.book, logger, pricing.ETFOracleConfig{
		Margin:       pricing.MarginParams{Ratio: cfg.Market.MarginRatio, MinRatio: cfg.Market.MinMarginRatio},
		RiskFreeRate: cfg.Market.RiskFreeRate,
	}), logger)

	if cfg.IsPaperTrading() || opts.forcePaper {
		b.gateway = broker.NewPaperGateway(logger)
	} else {
		kg, err := broker.NewKafkaGateway(b.kafkaConfig(), logger)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("creating command gateway: %w", err)
		}
		b.closers = append(b.closers, kg)
		b.gateway = broker.NewCircuitBreakerGateway(kg, logger)
	}
	b.orders = orders.NewManager(b.gateway, store, &logger)

	for _, sc := range cfg.Strategies {
		if err := b.addStrategy(ctx, sc); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func openStore(path string) (storage.Interface, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}
	store, err := storage.NewStorage(path)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// loadChain builds the index from the newest stored snapshot. An empty store
// yields an empty index so a fresh install can still start.
func (b *Bot) loadChain(ctx context.Context) (*chain.Index, error) {
	today := calendar.Truncate(b.now())
	idx, err := chain.LoadLatest(ctx, b.store, today, b.config.Market.StandardMultiplier)
	if errors.Is(err, storage.ErrNotFound) {
		b.logger.Warn().Str("trade_date", calendar.Day(today)).
			Msg("no contract snapshot stored, run import-contracts")
		return chain.Build(today, nil, b.config.Market.StandardMultiplier)
	}
	if err != nil {
		return nil, err
	}
	b.logger.Info().Int("contracts", idx.Len()).Str("snapshot", calendar.Day(idx.TradeDate())).
		Msg("contract index loaded")
	return idx, nil
}

func (b *Bot) addStrategy(ctx context.Context, sc config.StrategyConfig) error {
	cfg := b.config
	positions := ledger.NewPositionLedger(sc.ID, b.store, b.cal, b.logger)
	combinations := ledger.NewCombinationLedger(sc.ID, b.store, b.cal, b.logger)

	acct, err := ledger.LoadAccount(ctx, b.store, sc.ID, sc.InitCashDecimal())
	if err != nil {
		return err
	}
	account := ledger.NewAccountLedger(acct, b.store, positions, combinations, b.contracts, b.oracle, b.logger,
		ledger.AccountConfig{
			SpreadMarginFactor: cfg.SpreadMarginFactor(),
			StandardMultiplier: cfg.Market.StandardMultiplier,
		})

	seq := sequencer.New(sequencer.Config{
		DefaultCommission:  cfg.Commission(),
		StrategyID:         sc.ID,
		UserID:             sc.UserID,
		AccountID:          sc.AccountID,
		StandardMultiplier: cfg.Market.StandardMultiplier,
	}, positions, combinations, account, b.contracts, b.orders, b.logger)

	strat, err := b.registry.New(sc.Name, sc.Params, strategy.Deps{Chain: b.contracts, Logger: b.logger})
	if err != nil {
		return fmt.Errorf("strategy %s: %w", sc.ID, err)
	}

	inst := runtime.NewInstance(seq, strat, b.orders, b.book, b.logger, runtime.Config{
		StopTimeout:   cfg.Runtime.StopTimeout,
		MaxRetries:    cfg.Runtime.MaxRetries,
		RetryDelay:    cfg.Runtime.RetryDelay,
		MaxBackoff:    cfg.Runtime.MaxBackoff,
		QueueCapacity: runtime.DefaultConfig.QueueCapacity,
	})
	return b.runtime.Add(inst)
}

func (b *Bot) kafkaConfig() broker.KafkaConfig {
	kc := broker.DefaultKafkaConfig()
	k := b.config.Kafka
	kc.Brokers = k.Brokers
	if k.DealsTopic != "" {
		kc.DealsTopic = k.DealsTopic
	}
	kc.BarsTopic = k.BarsTopic
	if k.CommandsTopic != "" {
		kc.CommandsTopic = k.CommandsTopic
	}
	kc.GroupID = k.GroupID
	kc.SessionTimeout = k.SessionTimeout
	return kc
}

// sequencers returns the sequencer of every instance ordered by strategy ID.
func (b *Bot) sequencers() []*sequencer.Sequencer {
	var out []*sequencer.Sequencer
	for _, id := range b.runtime.IDs() {
		if inst, err := b.runtime.Get(id); err == nil {
			out = append(out, inst.Sequencer())
		}
	}
	return out
}

// refresh loads every strategy's ledgers for today without starting lanes.
func (b *Bot) refresh(ctx context.Context) error {
	var errs []error
	for _, seq := range b.sequencers() {
		if err := seq.Refresh(ctx, b.now()); err != nil {
			errs = append(errs, fmt.Errorf("refreshing %s: %w", seq.StrategyID(), err))
		}
	}
	return errors.Join(errs...)
}

// RunOptions controls the market data source of Run.
type RunOptions struct {
	// BarInterval paces simulated bars when no Kafka brokers are configured.
	BarInterval time.Duration
}

// Run starts every instance, feeds it until ctx is done and stops it.
func (b *Bot) Run(ctx context.Context, opts RunOptions) error {
	if b.config.IsPaperTrading() {
		b.logger.Info().Msg("PAPER TRADING MODE - commands stay in process")
	} else {
		b.logger.Warn().Dur("delay", liveStartDelay).Msg("LIVE TRADING MODE - commands go to the gateway")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(liveStartDelay):
		}
	}

	if err := b.runtime.StartAll(ctx); err != nil {
		_ = b.runtime.StopAll()
		return fmt.Errorf("starting strategies: %w", err)
	}
	b.logger.Info().Strs("strategies", b.runtime.IDs()).Msg("strategies running")

	g, gctx := errgroup.WithContext(ctx)
	if len(b.config.Kafka.Brokers) > 0 {
		feed, err := broker.NewKafkaFeed(b.kafkaConfig(), b.logger)
		if err != nil {
			_ = b.runtime.StopAll()
			return err
		}
		defer feed.Close()
		g.Go(func() error { return feed.Run(gctx, b.runtime) })
	} else {
		g.Go(func() error { return b.simulate(gctx, opts.BarInterval) })
	}
	g.Go(func() error { return b.maintain(gctx, chainReloadInterval) })

	err := g.Wait()
	if stopErr := b.runtime.StopAll(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	b.reconciler.Check(b.views()...)
	b.logger.Info().Interface("orders", b.orders.Stats()).Msg("strategies stopped")
	return err
}

// simulate publishes mock bars for every underlying in the index.
func (b *Bot) simulate(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	var feeds []*mock.DataProvider
	for _, u := range b.contracts.Current().Underlyings() {
		feeds = append(feeds, mock.NewDataProviderFor(u, "SH", b.centerPrice(u)))
	}
	if len(feeds) == 0 {
		feeds = append(feeds, mock.NewDataProvider())
	}
	b.logger.Info().Int("underlyings", len(feeds)).Dur("interval", interval).Msg("simulating market data")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, f := range feeds {
				if err := b.runtime.OnBar(ctx, f.NextBar(b.now())); err != nil {
					b.logger.Warn().Err(err).Msg("simulated bar rejected")
				}
			}
		}
	}
}

// centerPrice is the median strike listed for an underlying.
func (b *Bot) centerPrice(underlying string) float64 {
	c := b.contracts.Chain(underlying, true)
	if c == nil {
		return 2.5
	}
	exp := c.Expiries()
	if len(exp) == 0 {
		return 2.5
	}
	strikes := c.Strikes(exp[0], models.OptionTypeCall)
	if len(strikes) == 0 {
		return 2.5
	}
	return strikes[len(strikes)/2]
}

// maintain reloads the contract index and reconciles the ledgers.
func (b *Bot) maintain(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			idx, err := chain.LoadLatest(ctx, b.store, calendar.Truncate(b.now()), b.config.Market.StandardMultiplier)
			if err != nil {
				b.logger.Warn().Err(err).Msg("contract index reload failed, keeping current")
			} else if prev := b.contracts.Swap(idx); !prev.TradeDate().Equal(idx.TradeDate()) {
				b.logger.Info().Int("contracts", idx.Len()).Str("snapshot", calendar.Day(idx.TradeDate())).
					Msg("contract index swapped")
			}
			b.reconciler.Check(b.views()...)
		}
	}
}

func (b *Bot) views() []LedgerView {
	seqs := b.sequencers()
	out := make([]LedgerView, len(seqs))
	for i, s := range seqs {
		out[i] = s
	}
	return out
}

// Close releases storage and gateway connections.
func (b *Bot) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			b.logger.Warn().Err(err).Msg("close failed")
		}
	}
	b.closers = nil
}
