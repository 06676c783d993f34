// Package config loads the gateway's daemon configuration from gateway.yml
// (optionally overridden by environment variables), following the
// defaults-then-file-then-env viper pattern the teacher uses for its own
// project configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the gateway daemon's full configuration (spec §6).
type Config struct {
	Pool  PoolConfig  `mapstructure:"pool"`
	Admin AdminConfig `mapstructure:"admin"`
}

// PoolConfig configures the connection pool's health/restart/timeout policy.
type PoolConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	MaxRestarts         int           `mapstructure:"max_restarts"`
	RestartWindow       time.Duration `mapstructure:"restart_window"`
	StartTimeout        time.Duration `mapstructure:"start_timeout"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	KillGrace           time.Duration `mapstructure:"kill_grace"`
}

// AdminConfig configures the optional admin HTTP/websocket surface
// (spec §12.3/§12.4).
type AdminConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	AuthSecret string `mapstructure:"auth_secret"`
}

// Load reads gateway.yml from the working directory (if present), applies
// defaults for anything unset, and allows every key to be overridden by an
// environment variable of the form GATEWAY_POOL_MAX_RESTARTS.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("pool.health_check_interval", 30*time.Second)
	v.SetDefault("pool.idle_timeout", 5*time.Minute)
	v.SetDefault("pool.max_restarts", 3)
	v.SetDefault("pool.restart_window", 5*time.Minute)
	v.SetDefault("pool.start_timeout", 30*time.Second)
	v.SetDefault("pool.request_timeout", 10*time.Second)
	v.SetDefault("pool.kill_grace", 5*time.Second)
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.addr", "127.0.0.1:9911")

	v.SetConfigName("gateway")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read gateway.yml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Admin.Enabled && cfg.Admin.Addr == "" {
		return fmt.Errorf("config: admin.addr must be set when admin.enabled is true")
	}
	if cfg.Admin.Enabled && cfg.Admin.AuthSecret == "" {
		return fmt.Errorf("config: admin.auth_secret must be set when admin.enabled is true")
	}
	if cfg.Pool.MaxRestarts < 0 {
		return fmt.Errorf("config: pool.max_restarts must not be negative")
	}
	return nil
}
