// Package config loads runtime settings from MNEMO_* environment
// variables with sensible defaults. There is no config file: the engine
// is embedded in other tooling and env vars compose better with hooks.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of the memory engine.
type Config struct {
	// UserDir holds the user-tier store shared across projects.
	// Empty resolves to ~/.mnemo.
	UserDir string `env:"MNEMO_USER_DIR"`

	// ProjectDir holds the project tier plus episode state.
	// Empty resolves to <cwd>/.mnemo.
	ProjectDir string `env:"MNEMO_PROJECT_DIR"`

	// Encoder.
	Dimensions    int           `env:"MNEMO_EMBED_DIMENSIONS" envDefault:"384"`
	WarmupTimeout time.Duration `env:"MNEMO_WARMUP_TIMEOUT" envDefault:"120s"`
	EncodeTimeout time.Duration `env:"MNEMO_ENCODE_TIMEOUT" envDefault:"60s"`
	ShutdownGrace time.Duration `env:"MNEMO_SHUTDOWN_GRACE" envDefault:"5s"`
	CacheBytes    int64         `env:"MNEMO_ENCODE_CACHE_BYTES" envDefault:"33554432"`

	// Extraction.
	AutoConfirmThreshold float64 `env:"MNEMO_AUTO_CONFIRM" envDefault:"0.85"`

	// RulesFile optionally overrides the built-in extraction rule table
	// with a YAML rule file.
	RulesFile string `env:"MNEMO_RULES_FILE"`

	// Episode lifecycle.
	StaleAfter           time.Duration `env:"MNEMO_STALE_AFTER" envDefault:"30m"`
	MessageRetentionDays int           `env:"MNEMO_MESSAGE_RETENTION_DAYS" envDefault:"7"`
	PendingRetention     time.Duration `env:"MNEMO_PENDING_RETENTION" envDefault:"168h"`

	// Monitor.
	PollInterval time.Duration `env:"MNEMO_POLL_INTERVAL" envDefault:"3s"`
}

// Load parses the environment and resolves the default directories.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.UserDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.UserDir = filepath.Join(home, ".mnemo")
	}
	if cfg.ProjectDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working dir: %w", err)
		}
		cfg.ProjectDir = filepath.Join(cwd, ".mnemo")
	}

	if cfg.AutoConfirmThreshold <= 0 || cfg.AutoConfirmThreshold > 1 {
		return nil, fmt.Errorf("MNEMO_AUTO_CONFIRM %v out of range (0,1]", cfg.AutoConfirmThreshold)
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("MNEMO_EMBED_DIMENSIONS must be positive")
	}
	return cfg, nil
}
