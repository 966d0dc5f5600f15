// Package config loads the core configuration from file, environment and
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. AGENTX_REMOTE_BASE_URL.
const EnvPrefix = "AGENTX"

// Config holds all core configuration.
type Config struct {
	DataDir      string       `mapstructure:"data_dir"`
	Remote       Remote       `mapstructure:"remote"`
	Sync         Sync         `mapstructure:"sync"`
	Connectivity Connectivity `mapstructure:"connectivity"`
	Log          Log          `mapstructure:"log"`
	Desktop      Desktop      `mapstructure:"desktop"`
	Telemetry    Telemetry    `mapstructure:"telemetry"`
}

// Remote configures the remote gateway.
type Remote struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	HealthPath     string        `mapstructure:"health_path"`
}

// Sync configures the engine and scheduler.
type Sync struct {
	BatchSize        int           `mapstructure:"batch_size"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	PeriodicInterval time.Duration `mapstructure:"periodic_interval"`
	// ConflictStrategy is last_write_wins or manual.
	ConflictStrategy string `mapstructure:"conflict_strategy"`
}

// Connectivity configures the monitor.
type Connectivity struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Debounce     time.Duration `mapstructure:"debounce"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// Log configures logging.
type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Desktop configures the desktop bridge server.
type Desktop struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Telemetry configures local metrics collection.
type Telemetry struct {
	Enabled bool `mapstructure:"enabled"`
}

// DatabasePath returns the path of the Local Store file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "agentx.db")
}

// TokenPath returns the path of the encrypted credential file.
func (c *Config) TokenPath() string {
	return filepath.Join(c.DataDir, "credentials.enc")
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("data_dir", filepath.Join(home, ".agentx"))

	v.SetDefault("remote.base_url", "http://localhost:8000")
	v.SetDefault("remote.request_timeout", 15*time.Second)
	v.SetDefault("remote.health_path", "/api/health")

	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.base_backoff", time.Minute)
	v.SetDefault("sync.max_backoff", time.Hour)
	v.SetDefault("sync.periodic_interval", 5*time.Minute)
	v.SetDefault("sync.conflict_strategy", "last_write_wins")

	v.SetDefault("connectivity.poll_interval", 10*time.Second)
	v.SetDefault("connectivity.debounce", 3*time.Second)
	v.SetDefault("connectivity.probe_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("desktop.listen_addr", "127.0.0.1:8090")
	v.SetDefault("telemetry.enabled", false)
}

// Default returns the configuration with no file and no environment applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// defaults alone always decode
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads configuration. If path is empty, agentx.yaml is searched in the
// working directory and $HOME/.agentx; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentx")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".agentx"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("config: remote.base_url is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("config: sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("config: sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.BaseBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return fmt.Errorf("config: sync backoff range [%s, %s] is invalid", c.Sync.BaseBackoff, c.Sync.MaxBackoff)
	}
	switch c.Sync.ConflictStrategy {
	case "last_write_wins", "manual":
	default:
		return fmt.Errorf("config: unknown sync.conflict_strategy %q", c.Sync.ConflictStrategy)
	}
	if c.Connectivity.PollInterval <= 0 {
		return fmt.Errorf("config: connectivity.poll_interval must be positive")
	}
	if c.Connectivity.Debounce < 0 {
		return fmt.Errorf("config: connectivity.debounce must not be negative")
	}
	return nil
}
