package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for offersd.
type Config struct {
	ListenAddress    string           `yaml:"listen" toml:"listen"`
	Environment      string           `yaml:"environment" toml:"environment"`
	EscrowAccount    string           `yaml:"escrow_account" toml:"escrow_account"`
	Storage          StorageConfig    `yaml:"storage" toml:"storage"`
	Index            IndexConfig      `yaml:"index" toml:"index"`
	Auth             AuthConfig       `yaml:"auth" toml:"auth"`
	RateLimit        RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
	Settlement       SettlementConfig `yaml:"settlement" toml:"settlement"`
	Offers           OffersConfig     `yaml:"offers" toml:"offers"`
	Logging          LoggingConfig    `yaml:"logging" toml:"logging"`
	Genesis          GenesisConfig    `yaml:"genesis" toml:"genesis"`
	BlockedReceivers []string         `yaml:"blocked_receivers" toml:"blocked_receivers"`
}

// StorageConfig selects the key/value backend holding ledger and escrow state.
type StorageConfig struct {
	Backend   string `yaml:"backend" toml:"backend"`
	Path      string `yaml:"path" toml:"path"`
	CacheSize int    `yaml:"cache_size" toml:"cache_size"`
}

// IndexConfig configures the relational event index. An empty DSN disables it.
type IndexConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// AuthConfig controls bearer authentication. The token subject is the caller
// account.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Secret    string   `yaml:"secret" toml:"secret"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// SettlementConfig tunes the background worker executing queued transfers.
type SettlementConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
}

// OffersConfig carries the escrow engine parameters.
type OffersConfig struct {
	LegBPolicy     string   `yaml:"leg_b_policy" toml:"leg_b_policy"`
	MaxPageSize    uint64   `yaml:"max_page_size" toml:"max_page_size"`
	DefaultGasTGas uint64   `yaml:"default_gas_tgas" toml:"default_gas_tgas"`
	QuotaPerEpoch  uint32   `yaml:"quota_per_epoch" toml:"quota_per_epoch"`
	QuotaEpoch     Duration `yaml:"quota_epoch" toml:"quota_epoch"`
	Paused         bool     `yaml:"paused" toml:"paused"`
}

// LoggingConfig controls log level and optional file output.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
	File  string `yaml:"file" toml:"file"`
}

// GenesisConfig seeds asset ledgers on first start.
type GenesisConfig struct {
	Contracts []ContractConfig `yaml:"contracts" toml:"contracts"`
	Balances  []BalanceConfig  `yaml:"balances" toml:"balances"`
	Tokens    []TokenConfig    `yaml:"tokens" toml:"tokens"`
}

// ContractConfig registers one asset ledger.
type ContractConfig struct {
	Name string `yaml:"name" toml:"name"`
	Kind string `yaml:"kind" toml:"kind"`
}

// BalanceConfig mints a fungible balance.
type BalanceConfig struct {
	Contract string `yaml:"contract" toml:"contract"`
	Account  string `yaml:"account" toml:"account"`
	Amount   string `yaml:"amount" toml:"amount"`
}

// TokenConfig mints a unique token.
type TokenConfig struct {
	Contract string `yaml:"contract" toml:"contract"`
	TokenID  string `yaml:"token_id" toml:"token_id"`
	Owner    string `yaml:"owner" toml:"owner"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML. Environment overrides are applied
// before defaults and validation.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if secret := strings.TrimSpace(os.Getenv("OFFERSD_JWT_SECRET")); secret != "" {
		cfg.Auth.Secret = secret
	}
	if env := strings.TrimSpace(os.Getenv("NHB_ENV")); env != "" {
		cfg.Environment = env
	}
	if driver := strings.TrimSpace(os.Getenv("OFFERSD_INDEX_DRIVER")); driver != "" {
		cfg.Index.Driver = driver
	}
	if dsn := strings.TrimSpace(os.Getenv("OFFERSD_INDEX_DSN")); dsn != "" {
		cfg.Index.DSN = dsn
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7081"
	}
	if cfg.EscrowAccount == "" {
		cfg.EscrowAccount = "escrow.offers"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Index.Driver == "" {
		cfg.Index.Driver = "sqlite"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 50
	}
	if cfg.Settlement.Interval.Duration == 0 {
		cfg.Settlement.Interval.Duration = 500 * time.Millisecond
	}
	if cfg.Offers.MaxPageSize == 0 {
		cfg.Offers.MaxPageSize = 100
	}
	if cfg.Offers.DefaultGasTGas == 0 {
		cfg.Offers.DefaultGasTGas = 100
	}
	if cfg.Offers.QuotaPerEpoch > 0 && cfg.Offers.QuotaEpoch.Duration == 0 {
		cfg.Offers.QuotaEpoch.Duration = time.Hour
	}
}

func validate(cfg Config) error {
	switch cfg.Storage.Backend {
	case "memory":
	case "leveldb", "bolt":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage path required for %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	switch cfg.Index.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown index driver %q", cfg.Index.Driver)
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.Secret) == "" {
		return fmt.Errorf("auth secret required when auth is enabled (set OFFERSD_JWT_SECRET)")
	}
	if !cfg.Auth.Enabled && cfg.Environment != "dev" && cfg.Environment != "test" {
		return fmt.Errorf("auth may only be disabled when environment is dev or test")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Offers.LegBPolicy)) {
	case "", "refund", "retain":
	default:
		return fmt.Errorf("unknown leg_b_policy %q", cfg.Offers.LegBPolicy)
	}
	if cfg.Offers.QuotaEpoch.Duration > 0 && cfg.Offers.QuotaEpoch.Duration < time.Second {
		return fmt.Errorf("quota_epoch must be at least one second")
	}
	for i, c := range cfg.Genesis.Contracts {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("genesis contract %d: name required", i)
		}
	}
	return nil
}
