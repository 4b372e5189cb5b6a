package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// SQLiteStorage implements Interface on a SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at dbPath.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStorage{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id TEXT NOT NULL,
		instrument_id TEXT NOT NULL,
		exchange_id TEXT NOT NULL DEFAULT '',
		direction INTEGER NOT NULL,
		volume INTEGER NOT NULL,
		open_price TEXT NOT NULL,
		commission TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_positions_day ON positions(strategy_id, trade_date);

	CREATE TABLE IF NOT EXISTS combinations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id TEXT NOT NULL,
		leg_a TEXT NOT NULL,
		leg_b TEXT NOT NULL,
		comb_type INTEGER NOT NULL DEFAULT 0,
		volume INTEGER NOT NULL,
		trade_date TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_combinations_day ON combinations(strategy_id, trade_date);

	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		margin TEXT NOT NULL,
		available_margin TEXT NOT NULL,
		init_cash TEXT NOT NULL,
		profit TEXT NOT NULL,
		floating_profit TEXT NOT NULL,
		commission TEXT NOT NULL,
		long_cost TEXT NOT NULL,
		delta REAL NOT NULL,
		gamma REAL NOT NULL,
		vega REAL NOT NULL,
		theta REAL NOT NULL,
		rho REAL NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_strategy ON accounts(strategy_id, id);

	CREATE TABLE IF NOT EXISTS trade_commands (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		strategy_id TEXT NOT NULL,
		op_type TEXT NOT NULL,
		comb_type INTEGER NOT NULL DEFAULT 0,
		order_code TEXT NOT NULL,
		legs TEXT,
		volume INTEGER NOT NULL,
		user_id TEXT,
		account_id TEXT,
		user_order_id TEXT,
		remark TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contracts (
		trade_date TEXT NOT NULL,
		instrument_id TEXT NOT NULL,
		exchange_id TEXT NOT NULL,
		underlying TEXT NOT NULL,
		name TEXT,
		option_type TEXT NOT NULL,
		strike REAL NOT NULL,
		expiry TEXT NOT NULL,
		multiplier INTEGER NOT NULL,
		PRIMARY KEY (trade_date, instrument_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// SavePosition appends a position row.
func (s *SQLiteStorage) SavePosition(ctx context.Context, p models.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (strategy_id, instrument_id, exchange_id, direction, volume,
			open_price, commission, trade_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.StrategyID, p.InstrumentID, p.ExchangeID, int(p.Direction), p.Volume,
		p.OpenPrice, p.Commission, p.TradeDate, p.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("saving position %s: %w", p.Key(), err)
	}
	return nil
}

// LoadPositions returns a strategy's rows of one trade date in insertion order.
func (s *SQLiteStorage) LoadPositions(ctx context.Context, strategyID, tradeDate string) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strategy_id, instrument_id, exchange_id, direction, volume, open_price,
			commission, trade_date, created_at
		FROM positions WHERE strategy_id = ? AND trade_date = ? ORDER BY id`,
		strategyID, tradeDate)
	if err != nil {
		return nil, fmt.Errorf("loading positions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var p models.Position
		var dir int
		var created int64
		if err := rows.Scan(&p.StrategyID, &p.InstrumentID, &p.ExchangeID, &dir, &p.Volume,
			&p.OpenPrice, &p.Commission, &p.TradeDate, &created); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		p.Direction = models.Direction(dir)
		p.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) latestDay(ctx context.Context, query string, args ...any) (string, error) {
	var day sql.NullString
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&day); err != nil {
		return "", err
	}
	if !day.Valid || day.String == "" {
		return "", ErrNotFound
	}
	return day.String, nil
}

// LatestPositionDay returns the latest trade date before the given one holding rows.
func (s *SQLiteStorage) LatestPositionDay(ctx context.Context, strategyID, before string) (string, error) {
	return s.latestDay(ctx,
		`SELECT MAX(trade_date) FROM positions WHERE strategy_id = ? AND trade_date < ?`,
		strategyID, before)
}

// SaveCombination appends a combination row.
func (s *SQLiteStorage) SaveCombination(ctx context.Context, c models.Combination) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO combinations (strategy_id, leg_a, leg_b, comb_type, volume, trade_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.StrategyID, c.LegA, c.LegB, int(c.Type), c.Volume, c.TradeDate, c.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("saving combination %s: %w", c.Pair(), err)
	}
	return nil
}

// LoadCombinations returns a strategy's combination rows of one trade date.
func (s *SQLiteStorage) LoadCombinations(ctx context.Context, strategyID, tradeDate string) ([]models.Combination, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strategy_id, leg_a, leg_b, comb_type, volume, trade_date, created_at
		FROM combinations WHERE strategy_id = ? AND trade_date = ? ORDER BY id`,
		strategyID, tradeDate)
	if err != nil {
		return nil, fmt.Errorf("loading combinations: %w", err)
	}
	defer rows.Close()

	var out []models.Combination
	for rows.Next() {
		var c models.Combination
		var typ int
		var created int64
		if err := rows.Scan(&c.StrategyID, &c.LegA, &c.LegB, &typ, &c.Volume, &c.TradeDate, &created); err != nil {
			return nil, fmt.Errorf("scanning combination: %w", err)
		}
		c.Type = models.CombinationType(typ)
		c.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestCombinationDay returns the latest trade date before the given one holding rows.
func (s *SQLiteStorage) LatestCombinationDay(ctx context.Context, strategyID, before string) (string, error) {
	return s.latestDay(ctx,
		`SELECT MAX(trade_date) FROM combinations WHERE strategy_id = ? AND trade_date < ?`,
		strategyID, before)
}

// SaveAccount appends an account snapshot.
func (s *SQLiteStorage) SaveAccount(ctx context.Context, a models.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (strategy_id, trade_date, margin, available_margin, init_cash, profit,
			floating_profit, commission, long_cost, delta, gamma, vega, theta, rho, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.StrategyID, a.TradeDate, a.Margin, a.AvailableMargin, a.InitCash, a.Profit,
		a.FloatingProfit, a.Commission, a.LongCost, a.Delta, a.Gamma, a.Vega, a.Theta, a.Rho,
		a.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("saving account %s: %w", a.StrategyID, err)
	}
	return nil
}

// LatestAccount returns the most recent snapshot of a strategy.
func (s *SQLiteStorage) LatestAccount(ctx context.Context, strategyID string) (models.Account, error) {
	var a models.Account
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT strategy_id, trade_date, margin, available_margin, init_cash, profit, floating_profit,
			commission, long_cost, delta, gamma, vega, theta, rho, updated_at
		FROM accounts WHERE strategy_id = ? ORDER BY id DESC LIMIT 1`, strategyID).
		Scan(&a.StrategyID, &a.TradeDate, &a.Margin, &a.AvailableMargin, &a.InitCash, &a.Profit,
			&a.FloatingProfit, &a.Commission, &a.LongCost, &a.Delta, &a.Gamma, &a.Vega, &a.Theta,
			&a.Rho, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ErrNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("loading account %s: %w", strategyID, err)
	}
	a.UpdatedAt = time.Unix(0, updated).UTC()
	return a, nil
}

// SaveCommand appends an order command.
func (s *SQLiteStorage) SaveCommand(ctx context.Context, cmd models.OrderCommand) error {
	var legs []byte
	if len(cmd.Legs) > 0 {
		var err error
		if legs, err = json.Marshal(cmd.Legs); err != nil {
			return fmt.Errorf("encoding legs: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_commands (id, strategy_id, op_type, comb_type, order_code, legs, volume,
			user_id, account_id, user_order_id, remark, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.StrategyID, string(cmd.OpType), int(cmd.CombType), cmd.OrderCode, string(legs),
		cmd.Volume, cmd.UserID, cmd.AccountID, cmd.UserOrderID, cmd.Remark, cmd.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("saving command %s: %w", cmd.ID, err)
	}
	return nil
}

// LoadCommands returns a strategy's commands, newest first. limit <= 0 returns
// all; an empty strategyID matches every strategy.
func (s *SQLiteStorage) LoadCommands(ctx context.Context, strategyID string, limit int) ([]models.OrderCommand, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, op_type, comb_type, order_code, legs, volume, user_id, account_id,
			user_order_id, remark, created_at
		FROM trade_commands WHERE (? = '' OR strategy_id = ?) ORDER BY seq DESC LIMIT ?`,
		strategyID, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading commands: %w", err)
	}
	defer rows.Close()

	var out []models.OrderCommand
	for rows.Next() {
		var c models.OrderCommand
		var op string
		var typ int
		var legs, userID, accountID, userOrderID, remark sql.NullString
		var created int64
		if err := rows.Scan(&c.ID, &c.StrategyID, &op, &typ, &c.OrderCode, &legs, &c.Volume,
			&userID, &accountID, &userOrderID, &remark, &created); err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		c.OpType = models.OpType(op)
		c.CombType = models.CombinationType(typ)
		c.UserID, c.AccountID, c.UserOrderID, c.Remark = userID.String, accountID.String, userOrderID.String, remark.String
		c.CreatedAt = time.Unix(0, created).UTC()
		if legs.String != "" {
			if err := json.Unmarshal([]byte(legs.String), &c.Legs); err != nil {
				return nil, fmt.Errorf("decoding legs of %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveContracts replaces the contract snapshot of a trade date.
func (s *SQLiteStorage) SaveContracts(ctx context.Context, tradeDate string, rows []models.ContractRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM contracts WHERE trade_date = ?`, tradeDate); err != nil {
		return fmt.Errorf("clearing contracts of %s: %w", tradeDate, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contracts (trade_date, instrument_id, exchange_id, underlying, name, option_type,
			strike, expiry, multiplier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing contract insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, tradeDate, r.InstrumentID, r.ExchangeID, r.Underlying, r.Name,
			string(r.Type), r.Strike, r.Expiry.Format(DateLayout), r.Multiplier); err != nil {
			return fmt.Errorf("inserting contract %s: %w", r.InstrumentID, err)
		}
	}
	return tx.Commit()
}

// LoadContracts returns the contract snapshot of a trade date.
func (s *SQLiteStorage) LoadContracts(ctx context.Context, tradeDate string) ([]models.ContractRow, error) {
	day, err := time.Parse(DateLayout, tradeDate)
	if err != nil {
		return nil, fmt.Errorf("parsing trade date %q: %w", tradeDate, err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument_id, exchange_id, underlying, name, option_type, strike, expiry, multiplier
		FROM contracts WHERE trade_date = ? ORDER BY instrument_id`, tradeDate)
	if err != nil {
		return nil, fmt.Errorf("loading contracts: %w", err)
	}
	defer rows.Close()

	var out []models.ContractRow
	for rows.Next() {
		r := models.ContractRow{TradeDate: day}
		var name sql.NullString
		var typ, expiry string
		if err := rows.Scan(&r.InstrumentID, &r.ExchangeID, &r.Underlying, &name, &typ, &r.Strike,
			&expiry, &r.Multiplier); err != nil {
			return nil, fmt.Errorf("scanning contract: %w", err)
		}
		r.Name = name.String
		r.Type = models.OptionType(typ)
		if r.Expiry, err = time.Parse(DateLayout, expiry); err != nil {
			return nil, fmt.Errorf("parsing expiry of %s: %w", r.InstrumentID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// LatestContractDay returns the latest snapshot date on or before the given one.
func (s *SQLiteStorage) LatestContractDay(ctx context.Context, onOrBefore string) (string, error) {
	return s.latestDay(ctx, `SELECT MAX(trade_date) FROM contracts WHERE trade_date <= ?`, onOrBefore)
}
