package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/option_ledger/internal/broker"
	"github.com/eddiefleurent/option_ledger/internal/calendar"
	"github.com/eddiefleurent/option_ledger/internal/chain"
	"github.com/eddiefleurent/option_ledger/internal/config"
	"github.com/eddiefleurent/option_ledger/internal/logging"
	"github.com/eddiefleurent/option_ledger/internal/mock"
	"github.com/eddiefleurent/option_ledger/internal/models"
	"github.com/eddiefleurent/option_ledger/internal/sequencer"
	"github.com/eddiefleurent/option_ledger/internal/storage"
	"github.com/eddiefleurent/option_ledger/internal/util"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "bot",
		Short:         "Options combination ledger and deal sequencer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override environment.log_level")

	cmd.AddCommand(
		newRunCmd(opts),
		newImportContractsCmd(opts),
		newReplayCmd(opts),
		newAuditCmd(opts),
	)
	return cmd
}

// load reads the configuration and builds the process logger. Console output
// goes to the command's error stream.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("loading config: %w", err)
	}
	lc := logging.DefaultConfig()
	lc.Level = cfg.Environment.LogLevel
	if o.logLevel != "" {
		lc.Level = o.logLevel
	}
	lc.FilePath = cfg.Environment.LogFile
	logger, err := logging.NewWithConsole(lc, cmd.ErrOrStderr())
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("creating logger: %w", err)
	}
	return cfg, logger, nil
}

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		barInterval time.Duration
		duration    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every configured strategy until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			bot, err := newBot(ctx, cfg, logger, botOptions{})
			if err != nil {
				return err
			}
			defer bot.Close()

			logger.Info().Str("mode", cfg.Environment.Mode).Int("strategies", len(cfg.Strategies)).
				Msg("starting option ledger")
			if err := bot.Run(ctx, RunOptions{BarInterval: barInterval}); err != nil {
				return err
			}
			logger.Info().Msg("option ledger stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&barInterval, "bar-interval", time.Minute, "Simulated bar interval when no Kafka brokers are configured")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	return cmd
}

func newImportContractsCmd(root *rootOptions) *cobra.Command {
	var (
		file     string
		date     string
		useMock  bool
		price    float64
		expiries int
	)
	cmd := &cobra.Command{
		Use:   "import-contracts",
		Short: "Store a contract snapshot for a trading day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (file == "") == !useMock {
				return errors.New("exactly one of --file or --mock is required")
			}
			cfg, logger, err := root.load(cmd)
			if err != nil {
				return err
			}
			day := calendar.Truncate(time.Now())
			if date != "" {
				if day, err = calendar.ParseDay(date); err != nil {
					return err
				}
			}

			var rows []models.ContractRow
			if useMock {
				rows, err = mock.NewDataProviderFor("510050", "SHO", price).
					ContractRows(day, mock.MonthlyExpiries(day, expiries))
			} else {
				rows, err = readContractFile(file, day)
			}
			if err != nil {
				return err
			}
			if _, err := chain.Build(day, rows, cfg.Market.StandardMultiplier); err != nil {
				return fmt.Errorf("invalid snapshot: %w", err)
			}

			store, err := openStore(cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.SaveContracts(cmd.Context(), calendar.Day(day), rows); err != nil {
				return err
			}
			logger.Info().Int("contracts", len(rows)).Str("trade_date", calendar.Day(day)).Msg("contract snapshot imported")
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d contracts for %s\n", len(rows), calendar.Day(day))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "CSV contract snapshot")
	cmd.Flags().StringVar(&date, "date", "", "Trading day YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&useMock, "mock", false, "Generate a simulated 510050 snapshot")
	cmd.Flags().Float64Var(&price, "price", 2.5, "Underlying price centering the simulated strike ladder")
	cmd.Flags().IntVar(&expiries, "expiries", 4, "Number of monthly expiries to simulate")
	return cmd
}

func readContractFile(path string, day time.Time) ([]models.ContractRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening contract file: %w", err)
	}
	defer f.Close()
	return chain.ReadContractsCSV(f, day)
}

func newReplayCmd(root *rootOptions) *cobra.Command {
	var (
		strategyID string
		file       string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed a JSON-lines deal file through one strategy's sequencer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(cmd)
			if err != nil {
				return err
			}
			bot, err := newBot(cmd.Context(), cfg, logger, botOptions{forcePaper: true})
			if err != nil {
				return err
			}
			defer bot.Close()

			inst, err := bot.runtime.Get(strategyID)
			if err != nil {
				return err
			}
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("opening deal file: %w", err)
			}
			defer f.Close()
			return replay(cmd.Context(), inst.Sequencer(), f, cmd.OutOrStdout(), bot.now())
		},
	}
	cmd.Flags().StringVar(&strategyID, "strategy", "", "Strategy ID")
	cmd.Flags().StringVar(&file, "file", "", "JSON-lines deal file")
	_ = cmd.MarkFlagRequired("strategy")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// replay applies each deal in r and prints the commands it produced. Lines
// that fail to decode or apply are reported and skipped.
func replay(ctx context.Context, seq *sequencer.Sequencer, r io.Reader, out io.Writer, today time.Time) error {
	if err := seq.Refresh(ctx, today); err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LINE\tOP\tCODE\tVOLUME\tREMARK")

	scanner := bufio.NewScanner(r)
	var applied, skipped int
	for line := 1; scanner.Scan(); line++ {
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		deal, err := broker.DecodeDeal(data)
		if err == nil {
			var cmds []models.OrderCommand
			if cmds, err = seq.Process(ctx, deal); err == nil {
				applied++
				for _, c := range cmds {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", line, c.OpType, c.OrderCode, c.Volume, c.Remark)
				}
				continue
			}
		}
		skipped++
		fmt.Fprintf(w, "%d\terror\t\t\t%v\n", line, err)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading deal file: %w", err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "applied %d deals, skipped %d\n", applied, skipped)
	return nil
}

func newAuditCmd(root *rootOptions) *cobra.Command {
	var (
		strategyID string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the ledgers, account and recent orders of each strategy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(cmd)
			if err != nil {
				return err
			}
			bot, err := newBot(cmd.Context(), cfg, logger, botOptions{forcePaper: true})
			if err != nil {
				return err
			}
			defer bot.Close()
			if err := bot.refresh(cmd.Context()); err != nil {
				return err
			}

			ids := bot.runtime.IDs()
			if strategyID != "" {
				if _, err := bot.runtime.Get(strategyID); err != nil {
					return err
				}
				ids = []string{strategyID}
			}
			for _, id := range ids {
				if err := bot.audit(cmd.Context(), id, limit, cmd.OutOrStdout()); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&strategyID, "strategy", "", "Strategy ID (default all)")
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of recent orders to show")
	return cmd
}

func (b *Bot) audit(ctx context.Context, id string, limit int, out io.Writer) error {
	inst, err := b.runtime.Get(id)
	if err != nil {
		return err
	}
	seq := inst.Sequencer()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintf(w, "== %s (trade date %s)\n", id, seq.TradeDate())
	fmt.Fprintln(w, "POSITION\tDIRECTION\tVOLUME\tOPEN PRICE\tCOMMISSION")
	for _, p := range seq.Positions() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", p.Symbol(), p.Direction, p.Volume,
			p.OpenPrice.StringFixed(4), p.Commission.StringFixed(2))
	}
	fmt.Fprintln(w, "COMBINATION\tTYPE\tVOLUME")
	for _, c := range seq.Combinations() {
		fmt.Fprintf(w, "%s\t%s\t%d\n", c.Pair(), c.Type, c.Volume)
	}

	a := seq.Account()
	fmt.Fprintln(w, "INIT CASH\tAVAILABLE\tMARGIN\tPROFIT\tFLOATING\tCOMMISSION\tDELTA")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.4f\n", a.InitCash.StringFixed(2), a.AvailableMargin.StringFixed(2),
		a.Margin.StringFixed(2), a.Profit.StringFixed(2), a.FloatingProfit.StringFixed(2),
		a.Commission.StringFixed(2), a.Delta)

	cmds, err := b.orders.Recent(ctx, id, limit)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	fmt.Fprintln(w, "ORDER\tOP\tCODE\tVOLUME\tREMARK")
	for _, c := range cmds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", util.ShortID(c.ID), c.OpType, c.OrderCode, c.Volume, c.Remark)
	}

	for _, is := range b.reconciler.Reconcile(seq) {
		fmt.Fprintf(w, "ISSUE\t%s\t%s\theld=%d\tcommitted=%d\n", is.Kind, is.Instrument, is.Held, is.Committed)
	}
	return w.Flush()
}
