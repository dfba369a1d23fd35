package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig    `yaml:"log"`
	Chain     ChainConfig      `yaml:"chain"`
	Market    MarketConfig     `yaml:"market"`
	Positions []PositionConfig `yaml:"positions"`
	Retry     RetryConfig      `yaml:"retry"`
	State     StateConfig      `yaml:"state"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Timescale TimescaleConfig  `yaml:"timescale"`
	Redis     RedisConfig      `yaml:"redis"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ChainConfig struct {
	RPCURL  string        `yaml:"rpc_url"`
	ChainID int64         `yaml:"chain_id"`
	Timeout time.Duration `yaml:"timeout"`
	// ConfirmTimeout bounds each submitted action, including the receipt wait.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// MarketConfig addresses an Aave V2 or V3 deployment; the contract methods used
// have the same signatures in both.
type MarketConfig struct {
	LendingPool      string `yaml:"lending_pool"`
	NativeGateway    string `yaml:"native_gateway"`
	DataProvider     string `yaml:"data_provider"`
	PriceOracle      string `yaml:"price_oracle"`
	InterestRateMode int64  `yaml:"interest_rate_mode"`
}

type PositionConfig struct {
	Name            string `yaml:"name"`
	PrivateKeyEnv   string `yaml:"private_key_env"`
	CollateralAsset string `yaml:"collateral_asset"`
	DebtAsset       string `yaml:"debt_asset"`
	// Amounts are base units (wei for the native asset).
	SupplyAmount   string `yaml:"supply_amount"`
	WithdrawAmount string `yaml:"withdraw_amount"`
	MarginBps      int    `yaml:"margin_bps"`
	// RepayDust is the debt (debt-asset base units) that may remain after a
	// full repay. Interest accrues between the balance read and the mined
	// block, so on a live pool 0 fails the repay after it landed; allow a few
	// blocks of interest.
	RepayDust string `yaml:"repay_dust"`
	// AccrualSlack is how far the collateral receipt decrease may fall short
	// of withdraw_amount. Same accrual caveat as RepayDust.
	AccrualSlack string `yaml:"accrual_slack"`
}

type RetryConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Chain.RPCURL == "" {
		cfg.Chain.RPCURL = "http://127.0.0.1:8545"
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 1
	}
	if cfg.Chain.Timeout == 0 {
		cfg.Chain.Timeout = 10 * time.Second
	}
	if cfg.Chain.ConfirmTimeout == 0 {
		cfg.Chain.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.Market.InterestRateMode == 0 {
		cfg.Market.InterestRateMode = 2
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 5
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = 200 * time.Millisecond
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/lend-cycle-bot.db"
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9102"
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 10 * time.Minute
	}
	for i := range cfg.Positions {
		pos := &cfg.Positions[i]
		if pos.Name == "" {
			pos.Name = fmt.Sprintf("position-%d", i)
		}
		if pos.PrivateKeyEnv == "" {
			pos.PrivateKeyEnv = "LENDER_PRIVATE_KEY"
		}
		if pos.WithdrawAmount == "" {
			pos.WithdrawAmount = pos.SupplyAmount
		}
	}
}

func validate(cfg *Config) error {
	for _, field := range []struct {
		name  string
		value string
	}{
		{"market.lending_pool", cfg.Market.LendingPool},
		{"market.native_gateway", cfg.Market.NativeGateway},
		{"market.data_provider", cfg.Market.DataProvider},
		{"market.price_oracle", cfg.Market.PriceOracle},
	} {
		if !common.IsHexAddress(strings.TrimSpace(field.value)) {
			return fmt.Errorf("%s must be a hex address", field.name)
		}
	}
	if cfg.Market.InterestRateMode != 1 && cfg.Market.InterestRateMode != 2 {
		return errors.New("market.interest_rate_mode must be 1 (stable) or 2 (variable)")
	}
	if len(cfg.Positions) == 0 {
		return errors.New("at least one position is required")
	}
	seen := make(map[string]struct{}, len(cfg.Positions))
	for _, pos := range cfg.Positions {
		if _, dup := seen[pos.Name]; dup {
			return fmt.Errorf("duplicate position name %q", pos.Name)
		}
		seen[pos.Name] = struct{}{}
		if err := validatePosition(pos); err != nil {
			return fmt.Errorf("position %s: %w", pos.Name, err)
		}
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	return nil
}

func validatePosition(pos PositionConfig) error {
	if !common.IsHexAddress(pos.CollateralAsset) {
		return errors.New("collateral_asset must be a hex address")
	}
	if !common.IsHexAddress(pos.DebtAsset) {
		return errors.New("debt_asset must be a hex address")
	}
	if pos.MarginBps < 0 || pos.MarginBps > 10000 {
		return errors.New("margin_bps must be within [0, 10000]")
	}
	supply, err := ParseAmount(pos.SupplyAmount)
	if err != nil {
		return fmt.Errorf("supply_amount: %w", err)
	}
	if supply.Sign() <= 0 {
		return errors.New("supply_amount must be > 0")
	}
	withdraw, err := ParseAmount(pos.WithdrawAmount)
	if err != nil {
		return fmt.Errorf("withdraw_amount: %w", err)
	}
	if withdraw.Sign() <= 0 {
		return errors.New("withdraw_amount must be > 0")
	}
	for name, raw := range map[string]string{"repay_dust": pos.RepayDust, "accrual_slack": pos.AccrualSlack} {
		if raw == "" {
			continue
		}
		v, err := ParseAmount(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if v.Sign() < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	return nil
}

// ParseAmount parses a base-unit integer amount. Underscores are allowed as
// digit separators.
func ParseAmount(raw string) (*big.Int, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(raw), "_", "")
	if clean == "" {
		return nil, errors.New("amount is required")
	}
	v, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

// OptionalAmount parses raw, treating an empty value as zero.
func OptionalAmount(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return new(big.Int), nil
	}
	return ParseAmount(raw)
}
