// Package config loads the YAML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither flag nor environment sets a path.
const DefaultConfigPath = "config.yaml"

// Config is the process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig configures the ledger database.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the verification queue connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	QueueKey string `yaml:"queue_key"`
}

// LedgerConfig tunes the reservation engine.
type LedgerConfig struct {
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	MaxRetries     int           `yaml:"max_retries"`
}

// AuthConfig configures the API surface authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig configures log level and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ResolveConfigPath picks the config path from the argument, the environment
// or the default, in that order.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("CREDITLEDGER_CONFIG")); env != "" {
		return env
	}
	return DefaultConfigPath
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}
	cfg := &Config{}
	if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
	}
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, fmt.Errorf("config: database.dsn is required")
	}
	return cfg, nil
}

// applyDefaults fills unset fields with working defaults.
func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8317"
	}
	if c.Ledger.ReservationTTL <= 0 {
		c.Ledger.ReservationTTL = 48 * time.Hour
	}
	if c.Ledger.SweepInterval <= 0 {
		c.Ledger.SweepInterval = 10 * time.Minute
	}
	if c.Ledger.MaxRetries <= 0 {
		c.Ledger.MaxRetries = 5
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 30
	}
}
