package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load builds the configuration in priority order:
//  1. Default values
//  2. Configuration file (bankengine.toml), when path is non-empty
//  3. Environment variables (BANKENGINE_ prefix)
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("BANKENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Journal.DSN == "" {
		cfg.Journal.DSN = "file:" + filepath.Join(cfg.Node.DataDir, "journal.db")
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "bankengine-1")
	v.SetDefault("node.data_dir", "data")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("journal.dsn", "")
	v.SetDefault("journal.wal_mode", true)
	v.SetDefault("journal.snapshot_interval", 100)

	v.SetDefault("nats.embedded", true)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.port", -1)
	v.SetDefault("nats.stream_max_age", 7*24*time.Hour)

	v.SetDefault("runtime.shard_count", 32)
	v.SetDefault("runtime.idle_timeout", 2*time.Minute)
	v.SetDefault("runtime.ask_timeout", 5*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", 30*time.Second)

	v.SetDefault("billing.burst", 10)
	v.SetDefault("billing.count", 50)
	v.SetDefault("billing.per", time.Second)
	v.SetDefault("billing.lookback_days", 25)
	v.SetDefault("billing.page_size", 100)
	v.SetDefault("billing.cron", "0 2 1 * *")

	v.SetDefault("closure.drain_interval", 30*time.Second)

	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.call_timeout", 10*time.Second)
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.keeper_url", "")
	v.SetDefault("gateway.token_ciphertext", "")
	v.SetDefault("gateway.token_ttl", 5*time.Minute)

	v.SetDefault("fees.amount", "5")
	v.SetDefault("fees.balance_threshold", "250")
	v.SetDefault("fees.deposit_threshold", "250")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.environment", "dev")
	v.SetDefault("telemetry.sample_rate", 1.0)
}
