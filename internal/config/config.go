// Package config defines the exchange engine's configuration. Fields are
// populated from a TOML file, then overridden by EXCHANGE_* environment
// variables so operators can inject secrets at deploy time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Trading  TradingConfig  `toml:"trading"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port int `toml:"port"`
}

// PostgresConfig holds PostgreSQL connection parameters. An empty DSN
// selects the in-memory store.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis cache parameters. An empty Addr disables the
// cache layer.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	CacheTTLMs int    `toml:"cache_ttl_ms"`
}

// TradingConfig holds settlement policy parameters. Fees are fractions
// of the bet amount.
type TradingConfig struct {
	CreatorFee   float64 `toml:"creator_fee"`
	PlatformFee  float64 `toml:"platform_fee"`
	LiquidityFee float64 `toml:"liquidity_fee"`
	ProfitFee    float64 `toml:"profit_fee"`
	Ante         int64   `toml:"ante"`
	MinBet       int64   `toml:"min_bet"`
	SignupGift   int64   `toml:"signup_gift"`
	MaxRetries   int     `toml:"max_retries"`
}

// Defaults returns a Config populated with the standard policy.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Postgres: PostgresConfig{
			PoolMaxConns:  10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTLMs: 5000,
		},
		Trading: TradingConfig{
			CreatorFee:   0.01,
			PlatformFee:  0.01,
			LiquidityFee: 0.003,
			ProfitFee:    0.05,
			Ante:         100,
			MinBet:       1,
			SignupGift:   1000,
			MaxRetries:   5,
		},
		LogLevel: "info",
	}
}

// Load reads a TOML configuration file at path (skipped when path is
// empty), merges it on top of the built-in defaults, and applies
// EXCHANGE_* environment variable overrides. Call Validate afterwards.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "EXCHANGE_SERVER_PORT")

	setStr(&cfg.Postgres.DSN, "EXCHANGE_POSTGRES_DSN")
	setInt(&cfg.Postgres.PoolMaxConns, "EXCHANGE_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXCHANGE_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "EXCHANGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXCHANGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXCHANGE_REDIS_DB")
	setInt(&cfg.Redis.CacheTTLMs, "EXCHANGE_REDIS_CACHE_TTL_MS")

	setFloat64(&cfg.Trading.CreatorFee, "EXCHANGE_TRADING_CREATOR_FEE")
	setFloat64(&cfg.Trading.PlatformFee, "EXCHANGE_TRADING_PLATFORM_FEE")
	setFloat64(&cfg.Trading.LiquidityFee, "EXCHANGE_TRADING_LIQUIDITY_FEE")
	setFloat64(&cfg.Trading.ProfitFee, "EXCHANGE_TRADING_PROFIT_FEE")
	setInt64(&cfg.Trading.Ante, "EXCHANGE_TRADING_ANTE")
	setInt64(&cfg.Trading.MinBet, "EXCHANGE_TRADING_MIN_BET")
	setInt64(&cfg.Trading.SignupGift, "EXCHANGE_TRADING_SIGNUP_GIFT")
	setInt(&cfg.Trading.MaxRetries, "EXCHANGE_TRADING_MAX_RETRIES")

	setStr(&cfg.LogLevel, "EXCHANGE_LOG_LEVEL")
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Postgres.DSN != "" && c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	for name, f := range map[string]float64{
		"creator_fee":   c.Trading.CreatorFee,
		"platform_fee":  c.Trading.PlatformFee,
		"liquidity_fee": c.Trading.LiquidityFee,
		"profit_fee":    c.Trading.ProfitFee,
	} {
		if f < 0 || f >= 1 {
			errs = append(errs, fmt.Sprintf("trading: %s must be in [0, 1), got %g", name, f))
		}
	}
	if c.Trading.Ante <= 0 {
		errs = append(errs, "trading: ante must be > 0")
	}
	if c.Trading.MinBet <= 0 {
		errs = append(errs, "trading: min_bet must be > 0")
	}
	if c.Trading.SignupGift < 0 {
		errs = append(errs, "trading: signup_gift must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// CreatorFeeDecimal returns the creator fee as a decimal fraction.
func (t TradingConfig) CreatorFeeDecimal() decimal.Decimal {
	return decimal.NewFromFloat(t.CreatorFee)
}

// PlatformFeeDecimal returns the platform fee as a decimal fraction.
func (t TradingConfig) PlatformFeeDecimal() decimal.Decimal {
	return decimal.NewFromFloat(t.PlatformFee)
}

// LiquidityFeeDecimal returns the liquidity fee as a decimal fraction.
func (t TradingConfig) LiquidityFeeDecimal() decimal.Decimal {
	return decimal.NewFromFloat(t.LiquidityFee)
}

// ProfitFeeDecimal returns the resolution profit fee as a decimal fraction.
func (t TradingConfig) ProfitFeeDecimal() decimal.Decimal {
	return decimal.NewFromFloat(t.ProfitFee)
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
