// Package config loads layered configuration (defaults < file < environment)
// using viper, following the same precedence every component expects.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/archiveforge/git-archiver/internal/logger"
)

// Config is the top-level configuration structure.
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Forge       ForgeConfig       `mapstructure:"forge"`
	Poll        PollConfig        `mapstructure:"poll"`
	Logging     logger.Config     `mapstructure:"logging"`
}

// StorageConfig locates the metadata database and the data root under which
// every repository's mirror and archives directory live.
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	DatabasePath string `mapstructure:"database_path"`
}

// ConcurrencyConfig bounds the Task Manager's worker pool.
type ConcurrencyConfig struct {
	MaxWorkers   int `mapstructure:"max_workers"`
	CloneDepth   int `mapstructure:"default_clone_depth"`
}

// ForgeConfig configures the Forge API Client. Token is normally not set
// here: it is read from the Secret Keeper first, and this field is used
// whenever the keeper holds no token or its backend is unavailable.
type ForgeConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// PollConfig configures the Status Reconciler's timer.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

func (c *ConcurrencyConfig) Validate() error {
	if c.MaxWorkers < 1 || c.MaxWorkers > 16 {
		return fmt.Errorf("concurrency.max_workers must be between 1 and 16, got %d", c.MaxWorkers)
	}
	if c.CloneDepth < 0 {
		return errors.New("concurrency.default_clone_depth must not be negative")
	}
	return nil
}

func (c *PollConfig) Validate() error {
	if c.Interval < time.Minute {
		return errors.New("poll.interval must be at least 1m")
	}
	return nil
}

// LoadConfig loads configuration with the hierarchy: flags (handled by the
// caller) > environment variables > config file > defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.git-archiver")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded configuration", "file", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.database_path", "./data/archiver.db")

	v.SetDefault("concurrency.max_workers", 4)
	v.SetDefault("concurrency.default_clone_depth", 0)

	v.SetDefault("forge.base_url", "https://api.github.com")

	v.SetDefault("poll.interval", "15m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", filepath.Join(v.GetString("storage.data_dir"), "archiver.log"))
}

// Validate checks every section with its own invariants. A Setting stored
// via C1 (max_concurrency, default_mirror_depth, auto_poll_interval) may
// override max_workers/default_clone_depth/poll.interval, applied once
// at app.NewApp startup — not a live mid-process reload; a value saved
// while the process is already running takes effect on the next restart.
func (c *Config) Validate() error {
	if err := c.Concurrency.Validate(); err != nil {
		return err
	}
	if err := c.Poll.Validate(); err != nil {
		return err
	}
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if c.Storage.DatabasePath == "" {
		return errors.New("storage.database_path is required")
	}
	return nil
}
