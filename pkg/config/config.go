// Package config loads node configuration: defaults, then an optional
// bankengine.toml, then BANKENGINE_-prefixed environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full node configuration.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Log       LogConfig       `mapstructure:"log"`
	Journal   JournalConfig   `mapstructure:"journal"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Closure   ClosureConfig   `mapstructure:"closure"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Fees      FeeConfig       `mapstructure:"fees"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// NodeConfig identifies the node and its working directory.
type NodeConfig struct {
	ID      string `mapstructure:"id"`
	DataDir string `mapstructure:"data_dir"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

// JournalConfig controls the SQLite event store.
type JournalConfig struct {
	// DSN is the SQLite DSN; empty derives <data_dir>/journal.db.
	DSN string `mapstructure:"dsn"`
	// WALMode enables write-ahead logging.
	WALMode bool `mapstructure:"wal_mode"`
	// SnapshotInterval is the events-between-snapshots threshold.
	SnapshotInterval int64 `mapstructure:"snapshot_interval"`
}

// NATSConfig controls messaging. With Embedded set, the node runs its own
// JetStream server and URL is ignored.
type NATSConfig struct {
	Embedded bool   `mapstructure:"embedded"`
	URL      string `mapstructure:"url"`
	// Port fixes the embedded server's listen port; -1 picks a free one.
	Port int `mapstructure:"port"`
	// StreamMaxAge bounds event retention on the egress stream.
	StreamMaxAge time.Duration `mapstructure:"stream_max_age"`
}

// RuntimeConfig controls the entity regions.
type RuntimeConfig struct {
	ShardCount  int           `mapstructure:"shard_count"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	AskTimeout  time.Duration `mapstructure:"ask_timeout"`
}

// BreakerConfig controls the domestic gateway circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// BillingConfig controls the billing-cycle fan-out.
type BillingConfig struct {
	// Burst, Count and Per define the token bucket: Count commands per
	// Per, with bursts up to Burst.
	Burst int           `mapstructure:"burst"`
	Count int           `mapstructure:"count"`
	Per   time.Duration `mapstructure:"per"`

	LookbackDays int    `mapstructure:"lookback_days"`
	PageSize     int    `mapstructure:"page_size"`
	Cron         string `mapstructure:"cron"`
}

// ClosureConfig controls the closure finalizer.
type ClosureConfig struct {
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

// GatewayConfig controls the domestic transfer gateway client. Exactly one
// of Token or KeeperURL+TokenCiphertext supplies the bearer token; with
// neither set the domestic worker is disabled.
type GatewayConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`

	// Token is a static bearer token, for development setups.
	Token string `mapstructure:"token"`

	// KeeperURL and TokenCiphertext resolve the token through a secrets
	// keeper (base64 ciphertext decrypted at use).
	KeeperURL       string        `mapstructure:"keeper_url"`
	TokenCiphertext string        `mapstructure:"token_ciphertext"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
}

// FeeConfig is the maintenance fee schedule applied to new accounts.
// Amounts are decimal strings.
type FeeConfig struct {
	Amount           string `mapstructure:"amount"`
	BalanceThreshold string `mapstructure:"balance_threshold"`
	DepositThreshold string `mapstructure:"deposit_threshold"`
}

// TelemetryConfig controls OpenTelemetry initialization.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// Validate checks the configuration for values no component can run with.
func Validate(cfg *Config) error {
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: must be debug, info, warn or error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: must be text or json", cfg.Log.Format)
	}

	if cfg.Runtime.ShardCount <= 0 {
		return fmt.Errorf("runtime.shard_count must be positive, got %d", cfg.Runtime.ShardCount)
	}
	if cfg.Runtime.IdleTimeout <= 0 {
		return fmt.Errorf("runtime.idle_timeout must be positive, got %s", cfg.Runtime.IdleTimeout)
	}
	if cfg.Runtime.AskTimeout <= 0 {
		return fmt.Errorf("runtime.ask_timeout must be positive, got %s", cfg.Runtime.AskTimeout)
	}

	if cfg.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if cfg.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be positive, got %s", cfg.Breaker.Cooldown)
	}

	if cfg.Billing.Count <= 0 || cfg.Billing.Per <= 0 {
		return fmt.Errorf("billing throttle needs positive count and per, got %d per %s",
			cfg.Billing.Count, cfg.Billing.Per)
	}
	if cfg.Billing.LookbackDays <= 0 {
		return fmt.Errorf("billing.lookback_days must be positive, got %d", cfg.Billing.LookbackDays)
	}

	if !cfg.NATS.Embedded && cfg.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}

	if cfg.Gateway.Token != "" && cfg.Gateway.KeeperURL != "" {
		return fmt.Errorf("gateway: set either token or keeper_url, not both")
	}
	if cfg.Gateway.KeeperURL != "" && cfg.Gateway.TokenCiphertext == "" {
		return fmt.Errorf("gateway.token_ciphertext is required with keeper_url")
	}

	for _, field := range []struct {
		name, value string
	}{
		{"fees.amount", cfg.Fees.Amount},
		{"fees.balance_threshold", cfg.Fees.BalanceThreshold},
		{"fees.deposit_threshold", cfg.Fees.DepositThreshold},
	} {
		d, err := decimal.NewFromString(field.value)
		if err != nil {
			return fmt.Errorf("%s %q: not a decimal: %w", field.name, field.value, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must not be negative, got %s", field.name, d)
		}
	}

	return nil
}

// FeeSchedule converts the fee section into the domain type. Call after
// Validate; malformed amounts become zero here.
func (c FeeConfig) FeeSchedule() (amount, balanceThreshold, depositThreshold decimal.Decimal) {
	amount, _ = decimal.NewFromString(c.Amount)
	balanceThreshold, _ = decimal.NewFromString(c.BalanceThreshold)
	depositThreshold, _ = decimal.NewFromString(c.DepositThreshold)
	return amount, balanceThreshold, depositThreshold
}
