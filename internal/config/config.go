// Package config provides configuration management for the ledger runtime.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

// Market defaults for exchange-listed ETF options
const (
	defaultCommission         = "1.7"
	defaultRiskFreeRate       = 0.02
	defaultMarginRatio        = 0.12
	defaultMinMarginRatio     = 0.07
	defaultSpreadMarginFactor = "1.06"
	defaultTimezone           = "Asia/Shanghai"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Storage     StorageConfig     `yaml:"storage"`
	Market      MarketConfig      `yaml:"market"`
	Calendar    CalendarConfig    `yaml:"calendar"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Strategies  []StrategyConfig  `yaml:"strategies"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	LogFile  string `yaml:"log_file"`  // rotated with lumberjack when set
}

// StorageConfig defines where ledger snapshots are kept.
type StorageConfig struct {
	Path string `yaml:"path"` // sqlite file, ":memory:" for the in-memory store
}

// MarketConfig holds contract and margin parameters.
type MarketConfig struct {
	StandardMultiplier    int64   `yaml:"standard_multiplier"`
	CommissionPerContract string  `yaml:"commission_per_contract"`
	RiskFreeRate          float64 `yaml:"risk_free_rate"`
	MarginRatio           float64 `yaml:"margin_ratio"`
	MinMarginRatio        float64 `yaml:"min_margin_ratio"`
	SpreadMarginFactor    string  `yaml:"spread_margin_factor"`
}

// CalendarConfig selects the trading calendar.
type CalendarConfig struct {
	Exchange       string `yaml:"exchange"`         // e.g. XNYS
	TradeDatesFile string `yaml:"trade_dates_file"` // CSV of trading days, takes precedence
	Timezone       string `yaml:"timezone"`
}

// KafkaConfig defines the deal feed and command topics.
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	DealsTopic     string        `yaml:"deals_topic"`
	BarsTopic      string        `yaml:"bars_topic"`
	CommandsTopic  string        `yaml:"commands_topic"`
	GroupID        string        `yaml:"group_id"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// RuntimeConfig bounds lane supervision.
type RuntimeConfig struct {
	StopTimeout time.Duration `yaml:"stop_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// StrategyConfig describes one strategy instance.
type StrategyConfig struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	UserID    string         `yaml:"user_id"`
	AccountID string         `yaml:"account_id"`
	InitCash  string         `yaml:"init_cash"`
	Params    map[string]any `yaml:"params"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML after expanding environment variables.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Validate fills defaults and checks that values are consistent.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	if c.Market.StandardMultiplier <= 0 {
		return fmt.Errorf("market.standard_multiplier must be > 0")
	}
	if d, err := decimal.NewFromString(c.Market.CommissionPerContract); err != nil || d.IsNegative() {
		return fmt.Errorf("market.commission_per_contract must be a non-negative decimal")
	}
	if d, err := decimal.NewFromString(c.Market.SpreadMarginFactor); err != nil || !d.IsPositive() {
		return fmt.Errorf("market.spread_margin_factor must be a positive decimal")
	}
	if c.Market.MarginRatio <= 0 || c.Market.MarginRatio >= 1 {
		return fmt.Errorf("market.margin_ratio must be in (0,1)")
	}
	if c.Market.MinMarginRatio <= 0 || c.Market.MinMarginRatio > c.Market.MarginRatio {
		return fmt.Errorf("market.min_margin_ratio must be in (0, margin_ratio]")
	}
	if c.Market.RiskFreeRate < 0 {
		return fmt.Errorf("market.risk_free_rate must be >= 0")
	}

	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		return fmt.Errorf("calendar.timezone invalid: %w", err)
	}

	if c.Environment.Mode == "live" {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required in live mode")
		}
		if c.Kafka.DealsTopic == "" || c.Kafka.CommandsTopic == "" {
			return fmt.Errorf("kafka.deals_topic and kafka.commands_topic are required in live mode")
		}
	}

	if c.Runtime.MaxRetries < 0 {
		return fmt.Errorf("runtime.max_retries must be >= 0")
	}
	if c.Runtime.MaxBackoff < c.Runtime.RetryDelay {
		return fmt.Errorf("runtime.max_backoff must be >= runtime.retry_delay")
	}

	seen := make(map[string]bool, len(c.Strategies))
	for i, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategies[%d].id is required", i)
		}
		if strings.Contains(s.ID, "|") {
			return fmt.Errorf("strategies[%d].id must not contain '|'", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("strategies[%d].id %q is duplicated", i, s.ID)
		}
		seen[s.ID] = true
		if s.Name == "" {
			return fmt.Errorf("strategies[%d].name is required", i)
		}
		if d, err := decimal.NewFromString(s.InitCash); err != nil || d.IsNegative() {
			return fmt.Errorf("strategies[%d].init_cash must be a non-negative decimal", i)
		}
	}
	return nil
}

// normalize sets default values for unset fields
func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/ledger.db"
	}
	if c.Market.StandardMultiplier == 0 {
		c.Market.StandardMultiplier = models.DefaultStandardMultiplier
	}
	if c.Market.CommissionPerContract == "" {
		c.Market.CommissionPerContract = defaultCommission
	}
	if c.Market.SpreadMarginFactor == "" {
		c.Market.SpreadMarginFactor = defaultSpreadMarginFactor
	}
	if c.Market.RiskFreeRate == 0 {
		c.Market.RiskFreeRate = defaultRiskFreeRate
	}
	if c.Market.MarginRatio == 0 {
		c.Market.MarginRatio = defaultMarginRatio
	}
	if c.Market.MinMarginRatio == 0 {
		c.Market.MinMarginRatio = defaultMinMarginRatio
	}
	if c.Calendar.Timezone == "" {
		c.Calendar.Timezone = defaultTimezone
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "option-ledger"
	}
	if c.Kafka.SessionTimeout == 0 {
		c.Kafka.SessionTimeout = 30 * time.Second
	}
	if c.Runtime.StopTimeout == 0 {
		c.Runtime.StopTimeout = 10 * time.Second
	}
	if c.Runtime.MaxRetries == 0 {
		c.Runtime.MaxRetries = 3
	}
	if c.Runtime.RetryDelay == 0 {
		c.Runtime.RetryDelay = time.Second
	}
	if c.Runtime.MaxBackoff == 0 {
		c.Runtime.MaxBackoff = 30 * time.Second
	}
	for i := range c.Strategies {
		if c.Strategies[i].InitCash == "" {
			c.Strategies[i].InitCash = "0"
		}
	}
}

// IsPaperTrading returns true if commands stay in the process.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Commission returns the per-contract commission.
func (c *Config) Commission() decimal.Decimal {
	return decimal.RequireFromString(c.Market.CommissionPerContract)
}

// SpreadMarginFactor returns the spread netting factor.
func (c *Config) SpreadMarginFactor() decimal.Decimal {
	return decimal.RequireFromString(c.Market.SpreadMarginFactor)
}

// Strategy returns the configuration of one strategy ID.
func (c *Config) Strategy(id string) (StrategyConfig, bool) {
	for _, s := range c.Strategies {
		if s.ID == id {
			return s, true
		}
	}
	return StrategyConfig{}, false
}

// InitCashDecimal returns the initial cash of s.
func (s StrategyConfig) InitCashDecimal() decimal.Decimal {
	return decimal.RequireFromString(s.InitCash)
}
