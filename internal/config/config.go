// Package config loads engine settings from YAML, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Exchange adapters selectable by Execution.Exchange.
const (
	ExchangeBinance = "binance"
	ExchangePaper   = "paper"
)

// Config is the complete engine configuration.
type Config struct {
	Postgres   PostgresConfig   `yaml:"postgres"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Binance    BinanceConfig    `yaml:"binance"`
	Engine     EngineConfig     `yaml:"engine"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Verbose    bool             `yaml:"verbose"`
}

// PostgresConfig selects the primary store. An empty DSN runs in memory.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// ClickHouseConfig configures the audit archive. An empty DSN disables export.
type ClickHouseConfig struct {
	DSN            string        `yaml:"dsn"`
	Database       string        `yaml:"database"`
	ExportInterval time.Duration `yaml:"export_interval"`
	ExportLag      time.Duration `yaml:"export_lag"`
	BatchSize      int           `yaml:"batch_size"`
}

// BinanceConfig holds venue credentials and endpoints.
type BinanceConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url"`
}

// EngineConfig controls trigger evaluation.
type EngineConfig struct {
	WorkerID      string        `yaml:"worker_id"`
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	BucketWidth   time.Duration `yaml:"bucket_width"`
	MaxTickAge    time.Duration `yaml:"max_tick_age"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	StreamEnabled bool          `yaml:"stream_enabled"`
	PollEnabled   bool          `yaml:"poll_enabled"`
}

// ExecutionConfig controls exchange calls.
type ExecutionConfig struct {
	Exchange       string        `yaml:"exchange"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryInitial   time.Duration `yaml:"retry_initial"`
	RetryMax       time.Duration `yaml:"retry_max"`
	MaxSlippagePct float64       `yaml:"max_slippage_pct"`
}

// BreakerConfig configures new per-symbol circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
}

// MetricsConfig configures the /metrics and /health listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ClickHouse: ClickHouseConfig{
			Database:       "stopguard",
			ExportInterval: 10 * time.Second,
			ExportLag:      5 * time.Second,
			BatchSize:      500,
		},
		Engine: EngineConfig{
			Workers:       4,
			QueueSize:     256,
			BucketWidth:   5 * time.Second,
			MaxTickAge:    300 * time.Second,
			PollInterval:  30 * time.Second,
			StreamEnabled: true,
			PollEnabled:   true,
		},
		Execution: ExecutionConfig{
			Exchange:       ExchangeBinance,
			Timeout:        10 * time.Second,
			MaxRetries:     2,
			RetryInitial:   500 * time.Millisecond,
			RetryMax:       5 * time.Second,
			MaxSlippagePct: 5,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			RetryDelay:       5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then .env, then environment overrides. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads .env from the working directory if present.
// Variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from well-known environment variables.
func (c *Config) ApplyEnv() error {
	setString(&c.Postgres.DSN, "POSTGRES_DSN")
	setString(&c.ClickHouse.DSN, "CLICKHOUSE_DSN")
	setString(&c.Binance.APIKey, "BINANCE_API_KEY")
	setString(&c.Binance.APISecret, "BINANCE_API_SECRET")
	setString(&c.Metrics.Addr, "METRICS_ADDR")
	setString(&c.Engine.WorkerID, "STOPGUARD_WORKER_ID")
	setString(&c.Execution.Exchange, "STOPGUARD_EXCHANGE")

	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BINANCE_TESTNET: %w", err)
		}
		c.Binance.Testnet = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if c.Engine.QueueSize < 0 {
		return fmt.Errorf("engine.queue_size must not be negative")
	}
	if c.Engine.BucketWidth < time.Second {
		return fmt.Errorf("engine.bucket_width must be at least 1s")
	}
	if c.Engine.MaxTickAge <= 0 {
		return fmt.Errorf("engine.max_tick_age must be positive")
	}
	if c.Engine.PollEnabled && c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be positive")
	}
	if c.Execution.Exchange != ExchangeBinance && c.Execution.Exchange != ExchangePaper {
		return fmt.Errorf("execution.exchange must be %q or %q", ExchangeBinance, ExchangePaper)
	}
	if c.Execution.Timeout <= 0 {
		return fmt.Errorf("execution.timeout must be positive")
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries must not be negative")
	}
	if c.Execution.MaxSlippagePct < 0 {
		return fmt.Errorf("execution.max_slippage_pct must not be negative")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.RetryDelay <= 0 {
		return fmt.Errorf("breaker.retry_delay must be positive")
	}
	if c.ClickHouse.DSN != "" && c.ClickHouse.BatchSize <= 0 {
		return fmt.Errorf("clickhouse.batch_size must be positive")
	}
	return nil
}

// RequireBinanceCredentials reports missing credentials for live execution.
func (c *Config) RequireBinanceCredentials() error {
	if c.Execution.Exchange != ExchangeBinance {
		return nil
	}
	if c.Binance.APIKey == "" || c.Binance.APISecret == "" {
		return fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET are required for exchange %q", ExchangeBinance)
	}
	return nil
}
