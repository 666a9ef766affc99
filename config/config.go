// Package config holds bridgekit's client configuration, grounded on
// liteclient/api/config.go's Config/DefaultConfig/Validate/ErrInvalidConfig
// shape, generalized to spec.md §6's field set plus the ambient timeout,
// cache, and poll-interval knobs spec.md §9 requires every component to carry.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/certen/bridgekit/bridgelog"
)

// Config is the top-level configuration for a bridgekit Client.
type Config struct {
	// Required per spec.md §6.
	Integrator string `yaml:"integrator"`

	// Behavior.
	AutoDeposit     bool               `yaml:"autoDeposit"`
	DefaultSlippage float64            `yaml:"defaultSlippage"`
	RPCURLs         map[int]string     `yaml:"rpcUrls"`
	LifiAPIKey      string             `yaml:"lifiApiKey"`
	AggregatorURL   string             `yaml:"aggregatorUrl"`
	InfoEndpointURL string             `yaml:"infoEndpointUrl"`

	// Ambient timeouts, per spec.md §5's abort-backed fetch caps.
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// Ambient cache TTLs, per spec.md §4.1/§4.2/§4.4.
	Cache CacheConfig `yaml:"cache"`

	// Ambient poll intervals, per spec.md §4.5/§4.6/§4.7/§4.9.
	Poll PollConfig `yaml:"poll"`

	// Logging.
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// TimeoutConfig holds the abort-backed HTTP timeouts from spec.md §4.2/§4.4.
type TimeoutConfig struct {
	CatalogFetch time.Duration `yaml:"catalogFetch"`
	QuoteFetch   time.Duration `yaml:"quoteFetch"`
	ApprovalMine time.Duration `yaml:"approvalMine"`
	StepComplete time.Duration `yaml:"stepComplete"`
}

// CacheConfig holds TTLs for the caches owned by a Client, per spec.md §4.1.
type CacheConfig struct {
	ChainsTTL  time.Duration `yaml:"chainsTtl"`
	TokensTTL  time.Duration `yaml:"tokensTtl"`
	QuoteTTL   time.Duration `yaml:"quoteTtl"`
	BalanceTTL time.Duration `yaml:"balanceTtl"`
}

// PollConfig holds polling cadences and timeouts from spec.md §4.5-§4.7.
type PollConfig struct {
	ArrivalInterval    time.Duration `yaml:"arrivalInterval"`
	ArrivalTimeout     time.Duration `yaml:"arrivalTimeout"`
	ReceiptInterval    time.Duration `yaml:"receiptInterval"`
	ReceiptMaxAttempts int           `yaml:"receiptMaxAttempts"`
	BridgeStatusInterval time.Duration `yaml:"bridgeStatusInterval"`
	L1PollInterval     time.Duration `yaml:"l1PollInterval"`
	L1SoftTimeout      time.Duration `yaml:"l1SoftTimeout"`
	L1HardTimeout      time.Duration `yaml:"l1HardTimeout"`
	BalanceDebounce    time.Duration `yaml:"balanceDebounce"`
}

// DefaultConfig returns spec.md's documented defaults: autoDeposit=true,
// defaultSlippage=0.005 (§6), plus the ambient timings named throughout §4.
func DefaultConfig() *Config {
	return &Config{
		AutoDeposit:     true,
		DefaultSlippage: 0.005,
		RPCURLs:         map[int]string{},
		AggregatorURL:   "https://li.quest/v1",
		InfoEndpointURL: "https://api.hyperliquid.xyz",
		Timeouts: TimeoutConfig{
			CatalogFetch: 12 * time.Second,
			QuoteFetch:   30 * time.Second,
			ApprovalMine: 3 * time.Second,
			StepComplete: 10 * time.Minute,
		},
		Cache: CacheConfig{
			ChainsTTL:  30 * time.Minute,
			TokensTTL:  15 * time.Minute,
			QuoteTTL:   60 * time.Second,
			BalanceTTL: 10 * time.Second,
		},
		Poll: PollConfig{
			ArrivalInterval:      5 * time.Second,
			ArrivalTimeout:       5 * time.Minute,
			ReceiptInterval:      2 * time.Second,
			ReceiptMaxAttempts:   60,
			BridgeStatusInterval: 5 * time.Second,
			L1PollInterval:       5 * time.Second,
			L1SoftTimeout:        2 * time.Minute,
			L1HardTimeout:        30 * time.Minute,
			BalanceDebounce:      300 * time.Millisecond,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// FromEnv overlays environment variables on top of DefaultConfig, mirroring
// the teacher's pkg/config/config.go os.Getenv-driven style (outside the
// liteclient submodule, which is struct-literal only).
func FromEnv() *Config {
	c := DefaultConfig()
	if v := os.Getenv("BRIDGEKIT_INTEGRATOR"); v != "" {
		c.Integrator = v
	}
	if v := os.Getenv("BRIDGEKIT_LIFI_API_KEY"); v != "" {
		c.LifiAPIKey = v
	}
	if v := os.Getenv("BRIDGEKIT_AGGREGATOR_URL"); v != "" {
		c.AggregatorURL = v
	}
	if v := os.Getenv("BRIDGEKIT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return c
}

// Load reads a YAML configuration file and overlays it onto DefaultConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ErrInvalidConfig mirrors liteclient/api/config.go's field+reason error shape.
type ErrInvalidConfig struct {
	Field  string
	Reason string
}

func (e ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid config field %s: %s", e.Field, e.Reason)
}

// Validate checks required fields and value ranges per spec.md §3/§6.
func (c *Config) Validate() error {
	if c.Integrator == "" {
		return ErrInvalidConfig{Field: "integrator", Reason: "is required"}
	}
	if c.DefaultSlippage < 0.0001 || c.DefaultSlippage > 0.05 {
		return ErrInvalidConfig{Field: "defaultSlippage", Reason: "must be within [0.0001, 0.05]"}
	}
	if c.Timeouts.QuoteFetch <= 0 {
		return ErrInvalidConfig{Field: "timeouts.quoteFetch", Reason: "must be positive"}
	}
	if c.Cache.QuoteTTL <= 0 {
		return ErrInvalidConfig{Field: "cache.quoteTtl", Reason: "must be positive"}
	}
	if c.Poll.L1SoftTimeout >= c.Poll.L1HardTimeout {
		return ErrInvalidConfig{Field: "poll.l1SoftTimeout", Reason: "must be less than poll.l1HardTimeout"}
	}
	return nil
}

// LoggerConfig maps LogLevel/LogFormat into a bridgelog.Config, defaulting to
// info level on an unrecognized value.
func (c *Config) LoggerConfig() bridgelog.Config {
	cfg := bridgelog.DefaultConfig()
	switch c.LogLevel {
	case "debug":
		cfg.Level = slog.LevelDebug
	case "info":
		cfg.Level = slog.LevelInfo
	case "warn":
		cfg.Level = slog.LevelWarn
	case "error":
		cfg.Level = slog.LevelError
	}
	if c.LogFormat == "json" {
		cfg.Format = "json"
	}
	return cfg
}
