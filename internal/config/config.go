// Package config loads exchange-wide defaults via github.com/spf13/viper,
// the same configuration library 0xtitan6-polymarket-mm's
// internal/config/config.go uses. Config is optional: the zero value
// resolves (via WithDefaults) to spec.md's documented defaults with no
// file or environment lookup, so the core works as a plain library; Load
// is an opt-in convenience for a host process that wants file/env-driven
// overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// defaultIPOPrice mirrors original_source/StockExchange.py's
// `ipo_stock(self, stock_id, quantity, price=100)` default.
const defaultIPOPrice = "100"

// defaultCommandQueueBuffer sizes internal/queue's channel when the host
// process doesn't override it.
const defaultCommandQueueBuffer = 64

// Config holds the exchange's tunable defaults. The market user id is
// deliberately not configurable: spec §3 fixes it at 0.
type Config struct {
	// DefaultIPOPrice is used by IPOStock when the caller passes a
	// non-positive price.
	DefaultIPOPrice decimal.Decimal `mapstructure:"default_ipo_price"`

	// CommandQueueBufferSize sizes internal/queue's command channel.
	CommandQueueBufferSize int `mapstructure:"command_queue_buffer_size"`

	// LogLevel is a zerolog level name ("debug", "info", "warn", "error").
	LogLevel string `mapstructure:"log_level"`
}

// WithDefaults returns a copy of cfg with any zero-valued field replaced by
// spec.md's documented default.
func (cfg Config) WithDefaults() Config {
	if cfg.DefaultIPOPrice.IsZero() {
		cfg.DefaultIPOPrice, _ = decimal.NewFromString(defaultIPOPrice)
	}
	if cfg.CommandQueueBufferSize == 0 {
		cfg.CommandQueueBufferSize = defaultCommandQueueBuffer
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg
}

// Load reads configuration from path (if non-empty) plus BOURSE_*
// environment variable overrides, falling back to WithDefaults for
// anything left unset. A missing file at the default search paths is not
// an error; an explicitly named, missing path is.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOURSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("default_ipo_price", defaultIPOPrice)
	v.SetDefault("command_queue_buffer_size", defaultCommandQueueBuffer)
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("loading config from %s: %w", path, err)
		}
	} else {
		v.SetConfigName("bourse")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Config{}, fmt.Errorf("loading config: %w", err)
			}
		}
	}

	priceStr := v.GetString("default_ipo_price")
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Config{}, fmt.Errorf("parsing default_ipo_price %q: %w", priceStr, err)
	}

	cfg := Config{
		DefaultIPOPrice:        price,
		CommandQueueBufferSize: v.GetInt("command_queue_buffer_size"),
		LogLevel:               v.GetString("log_level"),
	}
	return cfg.WithDefaults(), nil
}
