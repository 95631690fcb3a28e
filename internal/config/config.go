package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime knob. Values come from defaults, an optional
// YAML file, and ODDSMARKET_* environment variables (highest precedence).
type Config struct {
	Env  string `mapstructure:"env"`
	Port string `mapstructure:"port"`

	PostgresDSN string `mapstructure:"postgres_dsn"` // empty = in-memory store
	RedisAddr   string `mapstructure:"redis_addr"`   // empty = local-only broadcast
	JWTSecret   string `mapstructure:"jwt_secret"`

	MigrationsDir string `mapstructure:"migrations_dir"`

	MonitorInterval time.Duration `mapstructure:"monitor_interval"`

	FeedEnabled  bool          `mapstructure:"feed_enabled"`
	FeedURL      string        `mapstructure:"feed_url"`
	FeedInterval time.Duration `mapstructure:"feed_interval"`
	FeedTimeout  time.Duration `mapstructure:"feed_timeout"`

	SeedBalanceCents int64 `mapstructure:"seed_balance_cents"`
}

// Load reads configuration from an optional file path and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ODDSMARKET")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot safely run with.
func (c *Config) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 characters")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive")
	}
	if c.FeedEnabled && c.FeedURL == "" {
		return fmt.Errorf("feed_url required when feed_enabled")
	}
	if c.FeedEnabled && c.FeedInterval <= 0 {
		return fmt.Errorf("feed_interval must be positive")
	}
	if c.SeedBalanceCents < 0 {
		return fmt.Errorf("seed_balance_cents must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("port", "4000")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("jwt_secret", "dev-secret-at-least-32-characters!!")
	v.SetDefault("migrations_dir", "migrations")
	v.SetDefault("monitor_interval", "5s")
	v.SetDefault("feed_enabled", false)
	v.SetDefault("feed_url", "")
	v.SetDefault("feed_interval", "5m")
	v.SetDefault("feed_timeout", "30s")
	v.SetDefault("seed_balance_cents", 0)
}
