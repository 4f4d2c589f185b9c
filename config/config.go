// Package config loads server configuration with viper: an optional YAML
// file, then REWARD_* environment overrides (REWARD_DRAW_SINGLE_COST for
// draw.single_cost), then built-in defaults for anything left unset.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/taiyaki/reward-engine/logging"
	"github.com/taiyaki/reward-engine/redemption"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "REWARD"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Draw     DrawConfig     `mapstructure:"draw"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Log      logging.Config `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// DrawConfig holds draw pricing and prize pool tuning.
type DrawConfig struct {
	SingleCost         int64  `mapstructure:"single_cost"`
	MultiCost          int64  `mapstructure:"multi_cost"`
	MultiBonus         int64  `mapstructure:"multi_bonus"`
	NoWinMass          string `mapstructure:"no_win_mass"`
	MaxResolveAttempts int    `mapstructure:"max_resolve_attempts"`
	PityThreshold      int64  `mapstructure:"pity_threshold"`
}

// EngineConfig holds retry tuning for transient store conflicts.
type EngineConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// RecoveryConfig controls the stale-intent reconciler.
type RecoveryConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// AMQPConfig configures the fulfillment publisher. An empty URL disables it.
type AMQPConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// RelayConfig controls the outbox relay loop.
type RelayConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// CatalogConfig points at the optional seed file.
type CatalogConfig struct {
	SeedPath string `mapstructure:"seed_path"`
}

// AdminConfig lists the caller ids allowed on admin routes.
type AdminConfig struct {
	IDs []string `mapstructure:"ids"`
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads configuration from path (empty means defaults and environment
// only) and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "rewards.db")
	v.SetDefault("store.postgres_dsn", "")

	v.SetDefault("draw.single_cost", 3)
	v.SetDefault("draw.multi_cost", 30)
	v.SetDefault("draw.multi_bonus", 3)
	v.SetDefault("draw.no_win_mass", "1")
	v.SetDefault("draw.max_resolve_attempts", 3)
	v.SetDefault("draw.pity_threshold", 35)

	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.retry_backoff", 20*time.Millisecond)

	v.SetDefault("recovery.interval", time.Minute)
	v.SetDefault("recovery.stale_after", 2*time.Minute)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "rewards.receipts")
	v.SetDefault("amqp.routing_key", "receipt.committed")

	v.SetDefault("relay.interval", 5*time.Second)
	v.SetDefault("relay.batch_size", 100)

	v.SetDefault("catalog.seed_path", "")
	v.SetDefault("admin.ids", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
}

// Validate checks the values viper cannot type-check.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}

	if c.Draw.SingleCost <= 0 || c.Draw.MultiCost <= 0 {
		errs = append(errs, errors.New("draw costs must be positive"))
	}
	if c.Draw.MultiBonus < 0 || c.Draw.MultiBonus >= c.Draw.MultiCost {
		errs = append(errs, errors.New("draw.multi_bonus must be in [0, multi_cost)"))
	}
	if mass, err := decimal.NewFromString(c.Draw.NoWinMass); err != nil || mass.IsNegative() {
		errs = append(errs, fmt.Errorf("draw.no_win_mass: %q is not a non-negative decimal", c.Draw.NoWinMass))
	}
	if c.Draw.MaxResolveAttempts < 1 {
		errs = append(errs, errors.New("draw.max_resolve_attempts must be at least 1"))
	}
	if c.Draw.PityThreshold < 1 {
		errs = append(errs, errors.New("draw.pity_threshold must be at least 1"))
	}
	if c.Engine.MaxAttempts < 1 {
		errs = append(errs, errors.New("engine.max_attempts must be at least 1"))
	}
	if c.Recovery.Interval <= 0 || c.Recovery.StaleAfter <= 0 {
		errs = append(errs, errors.New("recovery durations must be positive"))
	}
	if c.AMQP.URL != "" {
		if c.Relay.BatchSize < 1 {
			errs = append(errs, errors.New("relay.batch_size must be at least 1"))
		}
		if c.Relay.Interval <= 0 {
			errs = append(errs, errors.New("relay.interval must be positive"))
		}
	}

	return errors.Join(errs...)
}

// EngineConfig converts the draw and engine sections into engine tuning.
// Call after Validate.
func (c *Config) EngineConfig() redemption.Config {
	return redemption.Config{
		SingleDrawCost:     redemption.Points(c.Draw.SingleCost),
		MultiDrawCost:      redemption.Points(c.Draw.MultiCost),
		MultiDrawBonus:     redemption.Points(c.Draw.MultiBonus),
		NoWinMass:          decimal.RequireFromString(c.Draw.NoWinMass),
		MaxResolveAttempts: c.Draw.MaxResolveAttempts,
		PityThreshold:      c.Draw.PityThreshold,
		MaxAttempts:        c.Engine.MaxAttempts,
		RetryBackoff:       c.Engine.RetryBackoff,
	}
}

// IsAdmin reports whether id is listed in admin.ids.
func (c *Config) IsAdmin(id string) bool {
	for _, a := range c.Admin.IDs {
		if a == id {
			return true
		}
	}
	return false
}
