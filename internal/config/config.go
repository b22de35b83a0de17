package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the process configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// TelemetryRetention bounds each device's reading history. Zero keeps everything.
	TelemetryRetention time.Duration `mapstructure:"telemetry_retention"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
	Durable string `mapstructure:"durable"`
	Enabled bool   `mapstructure:"enabled"`
}

// LedgerConfig describes the EVM settlement/order-book contracts.
type LedgerConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ChainID         int64         `mapstructure:"chain_id"`
	ContractAddress string        `mapstructure:"contract_address"`
	PrivateKey      string        `mapstructure:"private_key"`
	ValueDecimals   int32         `mapstructure:"value_decimals"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// SettlementConfig holds the settlement cadence and fallback parameters.
type SettlementConfig struct {
	AutoEnabled              bool          `mapstructure:"auto_enabled"`
	IntervalMinutes          int           `mapstructure:"interval_minutes"`
	MinWh                    float64       `mapstructure:"min_wh"`
	ConversionRatio          string        `mapstructure:"conversion_ratio"`
	PendingTimeout           time.Duration `mapstructure:"pending_timeout"`
	ConfirmationPollInterval time.Duration `mapstructure:"confirmation_poll_interval"`
	SweepPolicy              string        `mapstructure:"sweep_policy"`
	PolicyFile               string        `mapstructure:"policy_file"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`

	// CallbackSecret signs ledger confirmation callbacks. Empty disables the callback route.
	CallbackSecret  string        `mapstructure:"callback_secret"`
	CallbackMaxSkew time.Duration `mapstructure:"callback_max_skew"`
}

// Interval returns the sweep cadence.
func (c SettlementConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// StaleAfter returns how long a settlement may stay PENDING before the sweep fails it.
func (c SettlementConfig) StaleAfter() time.Duration {
	if c.PendingTimeout > 0 {
		return c.PendingTimeout
	}
	return 2 * c.Interval()
}

// Ratio parses the fallback conversion ratio.
func (c SettlementConfig) Ratio() (decimal.Decimal, error) {
	ratio, err := decimal.NewFromString(strings.TrimSpace(c.ConversionRatio))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: conversion ratio: %w", err)
	}
	return ratio, nil
}

// Load reads configuration from an optional YAML file and the environment.
// The four settlement options also honour their historical env names.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.development", false)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", true)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.telemetry_retention", "720h")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "LEDGER")
	v.SetDefault("nats.durable", "microgrid-ledger")
	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("ledger.chain_id", 1337)
	v.SetDefault("ledger.contract_address", "")
	v.SetDefault("ledger.private_key", "")
	v.SetDefault("ledger.value_decimals", 18)
	v.SetDefault("ledger.request_timeout", "15s")
	v.SetDefault("settlement.auto_enabled", false)
	v.SetDefault("settlement.interval_minutes", 15)
	v.SetDefault("settlement.min_wh", 100)
	v.SetDefault("settlement.conversion_ratio", "1")
	v.SetDefault("settlement.pending_timeout", "0s")
	v.SetDefault("settlement.confirmation_poll_interval", "30s")
	v.SetDefault("settlement.sweep_policy", "continue")
	v.SetDefault("settlement.policy_file", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.callback_secret", "")
	v.SetDefault("auth.callback_max_skew", "5m")

	bindings := map[string]string{
		"settlement.auto_enabled":     "AUTO_SETTLEMENT_ENABLED",
		"settlement.interval_minutes": "SETTLEMENT_INTERVAL_MINUTES",
		"settlement.min_wh":           "MIN_SETTLEMENT_WH",
		"settlement.conversion_ratio": "CONVERSION_RATIO",
		"settlement.policy_file":      "SETTLEMENT_POLICY_FILE",
		"db.dsn":                      "PG_DSN",
		"auth.jwt_secret":             "AUTH_JWT_SECRET",
		"auth.callback_secret":        "LEDGER_CALLBACK_SECRET",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.Settlement.IntervalMinutes <= 0 {
		return errors.New("config: settlement interval must be positive")
	}
	if c.Settlement.MinWh < 0 {
		return errors.New("config: min settlement wh must not be negative")
	}
	ratio, err := c.Settlement.Ratio()
	if err != nil {
		return err
	}
	if !ratio.IsPositive() {
		return errors.New("config: conversion ratio must be positive")
	}
	switch c.Settlement.SweepPolicy {
	case "", "continue", "abort":
	default:
		return fmt.Errorf("config: unknown sweep policy %q", c.Settlement.SweepPolicy)
	}
	if c.Redis.TelemetryRetention < 0 {
		return errors.New("config: telemetry retention must not be negative")
	}
	if c.Ledger.RequestTimeout <= 0 {
		return errors.New("config: ledger request timeout must be positive")
	}
	return nil
}
