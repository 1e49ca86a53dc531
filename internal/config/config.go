// Package config loads the room server configuration from an optional .env
// file, an optional YAML file and the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every server setting. Keys map to upper-case environment
// variables of the same name, e.g. listen_addr -> LISTEN_ADDR.
type Config struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
	MaxConnections    int           `mapstructure:"max_connections"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxFrameBytes     int64         `mapstructure:"max_frame_bytes"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`

	NATSURL     string `mapstructure:"nats_url"`     // empty: single-node relay
	RedisAddr   string `mapstructure:"redis_addr"`   // empty: no presence tracking
	DatabaseURL string `mapstructure:"database_url"` // empty: no activity ledger
	ServerName  string `mapstructure:"server_name"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // console | json
}

// Load reads configuration. A .env file in the working directory is loaded
// first if present; CONFIG_FILE, when set, names a YAML file whose values
// sit below environment variables and above defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
		if cfg.ServerName == "" {
			cfg.ServerName = "ws-1"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("worker_pool_size", 256)
	v.SetDefault("max_connections", 100000)
	v.SetDefault("read_timeout", "10s")
	v.SetDefault("write_timeout", "10s")
	v.SetDefault("max_frame_bytes", 4<<20)
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("heartbeat_timeout", "10s")

	// Registered so AutomaticEnv picks them up during Unmarshal.
	v.SetDefault("nats_url", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("database_url", "")
	v.SetDefault("server_name", "")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is empty"))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("worker_pool_size must be positive, got %d", c.WorkerPoolSize))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_frame_bytes must be positive, got %d", c.MaxFrameBytes))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be console or json, got %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
