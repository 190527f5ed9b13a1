// Package config loads and validates the copytrader configuration.
// Files may be YAML or JSON; exchange credentials are never stored in
// the file and come from the environment instead.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mirrorline/copytrader/errs"
	"github.com/mirrorline/copytrader/risk"
)

// Env var names for exchange credentials.
const (
	EnvAPIKey    = "COPYTRADER_API_KEY"
	EnvAPISecret = "COPYTRADER_API_SECRET"
)

// Config is the complete runtime configuration.
type Config struct {
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	Trading  TradingConfig  `json:"trading" yaml:"trading"`
	Exchange ExchangeConfig `json:"exchange" yaml:"exchange"`
	Ledger   LedgerConfig   `json:"ledger" yaml:"ledger"`
	Journal  JournalConfig  `json:"journal" yaml:"journal"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// AgentConfig names the snapshot source and which agents to follow.
type AgentConfig struct {
	FeedURL      string   `json:"feed_url" yaml:"feed_url"`
	Agents       []string `json:"agents,omitempty" yaml:"agents,omitempty"` // empty follows all
	PollInterval string   `json:"poll_interval" yaml:"poll_interval"`       // e.g. "30s", "2m"
	CacheTTL     string   `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
}

// ParsePollInterval converts the poll interval string to a Duration.
func (a AgentConfig) ParsePollInterval() (time.Duration, error) {
	if a.PollInterval == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(a.PollInterval)
}

// ParseCacheTTL converts the cache TTL string to a Duration.
func (a AgentConfig) ParseCacheTTL() (time.Duration, error) {
	if a.CacheTTL == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(a.CacheTTL)
}

// TradingConfig contains sizing and gating parameters.
type TradingConfig struct {
	MarginBudget      float64            `json:"margin_budget" yaml:"margin_budget"`
	PriceTolerance    float64            `json:"price_tolerance" yaml:"price_tolerance"` // percent
	SymbolTolerance   map[string]float64 `json:"symbol_tolerance,omitempty" yaml:"symbol_tolerance,omitempty"`
	UseBalanceCeiling bool               `json:"use_balance_ceiling" yaml:"use_balance_ceiling"`
}

// Tolerance builds the per-symbol tolerance table.
func (t TradingConfig) Tolerance() risk.ToleranceConfig {
	return risk.ToleranceConfig{
		Default:  t.PriceTolerance,
		BySymbol: t.SymbolTolerance,
	}
}

// ExchangeConfig selects the venue. Credentials are environment-only.
type ExchangeConfig struct {
	Testnet bool `json:"testnet" yaml:"testnet"`

	APIKey    string `json:"-" yaml:"-"`
	APISecret string `json:"-" yaml:"-"`
}

// LedgerConfig locates the order ledger file.
type LedgerConfig struct {
	Path          string `json:"path" yaml:"path"`
	RetentionDays int    `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
}

// JournalConfig locates the SQLite audit journal; empty disables it.
type JournalConfig struct {
	DBPath string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

// MetricsConfig exposes Prometheus metrics; empty disables the listener.
type MetricsConfig struct {
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
}

// LoadFromFile loads configuration from a file (JSON or YAML based on
// content), overlays credentials from the environment, and validates.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	cfg.loadCredentials()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadCredentials pulls API credentials from the environment, loading
// a .env file first if one is present.
func (c *Config) loadCredentials() {
	_ = godotenv.Load()
	c.Exchange.APIKey = os.Getenv(EnvAPIKey)
	c.Exchange.APISecret = os.Getenv(EnvAPISecret)
}

// SaveToFile saves configuration to a file (JSON or YAML based on
// extension). Credentials are never written.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if (len(path) > 5 && path[len(path)-5:] == ".yaml") || (len(path) > 4 && path[len(path)-4:] == ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Agent.FeedURL == "" {
		return errs.Config("agent.feed_url", "is required")
	}
	if _, err := c.Agent.ParsePollInterval(); err != nil {
		return errs.Config("agent.poll_interval", "invalid duration: %v", err)
	}
	if _, err := c.Agent.ParseCacheTTL(); err != nil {
		return errs.Config("agent.cache_ttl", "invalid duration: %v", err)
	}
	if c.Trading.MarginBudget < 0 {
		return errs.Config("trading.margin_budget", "must not be negative")
	}
	if c.Trading.PriceTolerance <= 0 {
		return errs.Config("trading.price_tolerance", "must be positive")
	}
	for sym, tol := range c.Trading.SymbolTolerance {
		if tol <= 0 {
			return errs.Config("trading.symbol_tolerance", "%s: must be positive", sym)
		}
	}
	if c.Ledger.Path == "" {
		return errs.Config("ledger.path", "is required")
	}
	if c.Ledger.RetentionDays < 0 {
		return errs.Config("ledger.retention_days", "must not be negative")
	}
	return nil
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			PollInterval: "30s",
			CacheTTL:     "10s",
		},
		Trading: TradingConfig{
			MarginBudget:   1000,
			PriceTolerance: 1.0,
		},
		Exchange: ExchangeConfig{
			Testnet: true,
		},
		Ledger: LedgerConfig{
			Path:          "./ledger.yaml",
			RetentionDays: 30,
		},
	}
}
