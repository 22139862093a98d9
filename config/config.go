package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"orderflow/models"
)

type Config struct {
	Orderflow   OrderflowConfig   `yaml:"orderflow"`
	Risk        RiskConfig        `yaml:"risk"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Slippage    SlippageConfig    `yaml:"slippage"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Venues      VenuesConfig      `yaml:"venues"`
	Specs       SpecsConfig       `yaml:"specs"`
	Feed        FeedConfig        `yaml:"feed"`
	Audit       AuditConfig       `yaml:"audit"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Ops         OpsConfig         `yaml:"ops"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// OpsConfig drives the embedded HTTP surface used to hand intents to
// the execution facade and to observe the portfolio at runtime.
type OpsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	ResourceHistory int           `yaml:"resource_history"`
}

type OrderflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// RiskConfig is loaded once and treated as immutable for the lifetime
// of a run.
type RiskConfig struct {
	TradingEnabled bool `yaml:"trading_enabled"`
	// AllowedSymbols empty or containing "*" means allow-all.
	AllowedSymbols     []string      `yaml:"allowed_symbols"`
	MinNotional        float64       `yaml:"min_notional"`
	MaxNotional        float64       `yaml:"max_notional"`
	MaxOrdersPerMinute int           `yaml:"max_orders_per_minute"`
	MaxSymbolExposure  float64       `yaml:"max_symbol_exposure"`
	MaxVenueExposure   float64       `yaml:"max_venue_exposure"`
	MaxTotalExposure   float64       `yaml:"max_total_exposure"`
	Breaker            BreakerConfig `yaml:"breaker"`
	EquityFloor        float64       `yaml:"equity_floor"`
	MaxDrawdownPct     float64       `yaml:"max_drawdown_pct"`
}

type BreakerConfig struct {
	ThresholdPct float64       `yaml:"threshold_pct"`
	Window       time.Duration `yaml:"window"`
	MinSamples   int           `yaml:"min_samples"`
}

type ExecutionConfig struct {
	DefaultVenue string        `yaml:"default_venue"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	DryRun       bool          `yaml:"dry_run"`
	Chase        ChaseConfig   `yaml:"chase"`
}

type ChaseConfig struct {
	MaxChases    int           `yaml:"max_chases"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ToleranceBps float64       `yaml:"tolerance_bps"`
}

type SlippageConfig struct {
	CapBps             float64       `yaml:"cap_bps"`
	Window             time.Duration `yaml:"window"`
	ViolationThreshold int           `yaml:"violation_threshold"`
	Cooldown           time.Duration `yaml:"cooldown"`
	SizeScale          float64       `yaml:"size_scale"`
}

type IdempotencyConfig struct {
	ClaimTTL   time.Duration `yaml:"claim_ttl"`
	MaxRecords int           `yaml:"max_records"`
	KeyBucket  time.Duration `yaml:"key_bucket"`
}

type VenuesConfig struct {
	Binance VenueConfig `yaml:"binance"`
	Bybit   VenueConfig `yaml:"bybit"`
}

type VenueConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	URL            string               `yaml:"url"`
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	FeeBps         float64              `yaml:"fee_bps"`
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

// SpecsConfig seeds the symbol spec registry. Defaults are keyed by
// venue name; overrides are keyed by "venue:symbol" and win over live
// venue lookups.
type SpecsConfig struct {
	Defaults  map[string]models.SymbolSpec `yaml:"defaults"`
	Overrides map[string]models.SymbolSpec `yaml:"overrides"`
}

type FeedConfig struct {
	Binance BinanceFeedConfig `yaml:"binance"`
	Kucoin  KucoinFeedConfig  `yaml:"kucoin"`
}

type BinanceFeedConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Symbols        []string      `yaml:"symbols"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type KucoinFeedConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	Symbols    []string      `yaml:"symbols"`
	IntervalMs int           `yaml:"interval_ms"`
	Timeout    time.Duration `yaml:"timeout"`
}

type AuditConfig struct {
	Path   string        `yaml:"path"`
	MaxAge int           `yaml:"max_age"`
	S3     AuditS3Config `yaml:"s3"`
}

type AuditS3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	Compression     string        `yaml:"compression"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type TelemetryConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Execution: ExecutionConfig{
			MaxAttempts: 3,
			BackoffBase: 500 * time.Millisecond,
		},
		Idempotency: IdempotencyConfig{
			ClaimTTL:   300 * time.Second,
			MaxRecords: 4096,
			KeyBucket:  time.Minute,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials come from the environment when present so the yaml
	// file never has to hold secrets.
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		config.Venues.Binance.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		config.Venues.Binance.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		config.Venues.Bybit.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		config.Venues.Bybit.APISecret = strings.TrimSpace(v)
	}
	if config.Audit.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Audit.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Audit.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Audit.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Audit.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Audit.S3.Bucket = strings.TrimSpace(config.Audit.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Orderflow.Name == "" {
		return fmt.Errorf("orderflow.name is required")
	}

	if cfg.Orderflow.Version == "" {
		return fmt.Errorf("orderflow.version is required")
	}

	if cfg.Risk.MinNotional < 0 {
		return fmt.Errorf("risk.min_notional must not be negative")
	}

	if cfg.Risk.MaxNotional > 0 && cfg.Risk.MaxNotional < cfg.Risk.MinNotional {
		return fmt.Errorf("risk.max_notional must not be below risk.min_notional")
	}

	if cfg.Risk.MaxOrdersPerMinute < 0 {
		return fmt.Errorf("risk.max_orders_per_minute must not be negative")
	}

	if cfg.Risk.Breaker.ThresholdPct < 0 || cfg.Risk.Breaker.ThresholdPct > 100 {
		return fmt.Errorf("risk.breaker.threshold_pct must be within [0, 100]")
	}

	if cfg.Execution.MaxAttempts <= 0 {
		return fmt.Errorf("execution.max_attempts must be positive")
	}

	if cfg.Execution.DefaultVenue != "" {
		switch cfg.Execution.DefaultVenue {
		case "binance", "bybit", "paper":
		default:
			return fmt.Errorf("execution.default_venue %q is not a known venue", cfg.Execution.DefaultVenue)
		}
	}

	if cfg.Slippage.SizeScale < 0 || cfg.Slippage.SizeScale > 1 {
		return fmt.Errorf("slippage.size_scale must be within [0, 1]")
	}

	if cfg.Audit.S3.Enabled && cfg.Audit.S3.Bucket == "" {
		return fmt.Errorf("audit.s3.bucket is required when audit.s3 is enabled")
	}

	return nil
}
