package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the ledger node configuration, decoded from TOML.
type Config struct {
	DataDir string `toml:"DataDir"`
	// Paused lists modules that start administratively paused. Valid
	// entries are pool, loan, collateral and credit.
	Paused []string `toml:"Paused"`

	PriceFeed PriceFeedConfig `toml:"PriceFeed"`
	Loan      LoanConfig      `toml:"Loan"`
}

// PriceFeedConfig configures collateral valuation.
type PriceFeedConfig struct {
	Pair string `toml:"Pair"`
	// MaxQuoteAgeSeconds bounds quote staleness for valuations.
	MaxQuoteAgeSeconds int64 `toml:"MaxQuoteAgeSeconds"`
	// Endpoints are HTTP quote sources, highest priority first.
	Endpoints []string `toml:"Endpoints"`
	APIKey    string   `toml:"APIKey"`
}

// LoanConfig configures loan product parameters that operators may tune.
type LoanConfig struct {
	// MinAmountUnits is the minimum principal in whole stable units.
	MinAmountUnits int64 `toml:"MinAmountUnits"`
	GraceDays      int64 `toml:"GraceDays"`
	// ProtocolFeePercent is the protocol's share of repayment interest.
	ProtocolFeePercent int64 `toml:"ProtocolFeePercent"`
	// LiquidationRewardPercent is the liquidator's share of seized
	// collateral.
	LiquidationRewardPercent int64 `toml:"LiquidationRewardPercent"`
}

// Load reads the configuration at path, creating a default file when none
// exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./onloan-data"
	}
	if strings.TrimSpace(cfg.PriceFeed.Pair) == "" {
		cfg.PriceFeed.Pair = "MNT/USD"
	}
	if cfg.PriceFeed.MaxQuoteAgeSeconds == 0 {
		cfg.PriceFeed.MaxQuoteAgeSeconds = 3600
	}
	if cfg.PriceFeed.Endpoints == nil {
		cfg.PriceFeed.Endpoints = []string{}
	}
	if cfg.Paused == nil {
		cfg.Paused = []string{}
	}
	if cfg.Loan.MinAmountUnits == 0 {
		cfg.Loan.MinAmountUnits = 100
	}
	if cfg.Loan.GraceDays == 0 {
		cfg.Loan.GraceDays = 3
	}
	if cfg.Loan.ProtocolFeePercent == 0 {
		cfg.Loan.ProtocolFeePercent = 10
	}
	if cfg.Loan.LiquidationRewardPercent == 0 {
		cfg.Loan.LiquidationRewardPercent = 5
	}
}

// Validate rejects configurations the engines cannot run with.
func (cfg *Config) Validate() error {
	if cfg.PriceFeed.MaxQuoteAgeSeconds < 0 {
		return fmt.Errorf("config: PriceFeed.MaxQuoteAgeSeconds must not be negative")
	}
	if cfg.Loan.MinAmountUnits < 0 {
		return fmt.Errorf("config: Loan.MinAmountUnits must not be negative")
	}
	if cfg.Loan.GraceDays < 0 {
		return fmt.Errorf("config: Loan.GraceDays must not be negative")
	}
	if cfg.Loan.ProtocolFeePercent < 0 || cfg.Loan.ProtocolFeePercent > 100 {
		return fmt.Errorf("config: Loan.ProtocolFeePercent must be between 0 and 100")
	}
	if cfg.Loan.LiquidationRewardPercent < 0 || cfg.Loan.LiquidationRewardPercent > 100 {
		return fmt.Errorf("config: Loan.LiquidationRewardPercent must be between 0 and 100")
	}
	for _, endpoint := range cfg.PriceFeed.Endpoints {
		if strings.TrimSpace(endpoint) == "" {
			return fmt.Errorf("config: PriceFeed.Endpoints contains an empty entry")
		}
	}
	for _, module := range cfg.Paused {
		switch module {
		case "pool", "loan", "collateral", "credit":
		default:
			return fmt.Errorf("config: Paused contains unknown module %q", module)
		}
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
