// Package config loads the lottery daemon configuration from an optional
// TOML file overlaid with LOTTERY_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"vaultlottery/internal/models"
)

const (
	OracleLocal = "local"
	OracleRedis = "redis"
)

// Config describes the lottery daemon.
type Config struct {
	HTTPAddr        string        `toml:"http_addr" env:"LOTTERY_HTTP_ADDR"`
	DBPath          string        `toml:"db_path" env:"LOTTERY_DB_PATH"`
	DefaultStrategy string        `toml:"default_strategy" env:"LOTTERY_DEFAULT_STRATEGY"`
	VaultRent       uint64        `toml:"vault_rent" env:"LOTTERY_VAULT_RENT"`
	ParticipantRent uint64        `toml:"participant_rent" env:"LOTTERY_PARTICIPANT_RENT"`
	SlotDuration    time.Duration `toml:"slot_duration" env:"LOTTERY_SLOT_DURATION"`

	Oracle OracleConfig `toml:"oracle"`
	Kafka  KafkaConfig  `toml:"kafka"`

	Faucet         bool     `toml:"faucet" env:"LOTTERY_FAUCET"`
	AllowedOrigins []string `toml:"allowed_origins" env:"LOTTERY_ALLOWED_ORIGINS" envSeparator:","`
	OTLPEndpoint   string   `toml:"otlp_endpoint" env:"LOTTERY_OTLP_ENDPOINT"`
}

// OracleConfig selects the randomness oracle backend.
type OracleConfig struct {
	Backend  string `toml:"backend" env:"LOTTERY_ORACLE_BACKEND"`
	RedisURL string `toml:"redis_url" env:"LOTTERY_REDIS_URL"`
	// Timeout bounds each request or poll a draw sends to the oracle.
	Timeout time.Duration `toml:"timeout" env:"LOTTERY_ORACLE_TIMEOUT"`
	// FulfilDelay is how long the built-in fulfiller waits before answering
	// a request. Zero disables the fulfiller.
	FulfilDelay    time.Duration `toml:"fulfil_delay" env:"LOTTERY_ORACLE_FULFIL_DELAY"`
	FulfilInterval time.Duration `toml:"fulfil_interval" env:"LOTTERY_ORACLE_FULFIL_INTERVAL"`
}

// KafkaConfig enables the Kafka event sink when Brokers is set.
type KafkaConfig struct {
	Brokers []string `toml:"brokers" env:"LOTTERY_KAFKA_BROKERS" envSeparator:","`
	Topic   string   `toml:"topic" env:"LOTTERY_KAFKA_TOPIC"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		DBPath:          "lottery.db",
		DefaultStrategy: string(models.StrategyNaive),
		SlotDuration:    400 * time.Millisecond,
		Oracle: OracleConfig{
			Backend:        OracleLocal,
			Timeout:        5 * time.Second,
			FulfilDelay:    2 * time.Second,
			FulfilInterval: time.Second,
		},
		Kafka: KafkaConfig{
			Topic: "lottery-events",
		},
	}
}

// Load reads path, if set, over the defaults and then applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("http_addr is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}
	if _, err := models.ParseStrategy(c.DefaultStrategy); err != nil {
		return fmt.Errorf("default_strategy: %w", err)
	}
	if c.SlotDuration <= 0 {
		return fmt.Errorf("slot_duration must be positive")
	}
	switch c.Oracle.Backend {
	case OracleLocal:
	case OracleRedis:
		if c.Oracle.RedisURL == "" {
			return fmt.Errorf("oracle.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown oracle backend %q", c.Oracle.Backend)
	}
	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("oracle.timeout must be positive")
	}
	if c.Oracle.FulfilDelay < 0 {
		return fmt.Errorf("oracle.fulfil_delay must not be negative")
	}
	if c.Oracle.FulfilDelay > 0 && c.Oracle.FulfilInterval <= 0 {
		return fmt.Errorf("oracle.fulfil_interval must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	return nil
}
