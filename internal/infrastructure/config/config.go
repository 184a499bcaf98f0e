package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all host configuration read from the environment.
type Config struct {
	Surface   SurfaceConfig
	Bridge    BridgeConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// SurfaceConfig selects and tunes the content surface.
type SurfaceConfig struct {
	Mode        string        `envconfig:"SURFACE_MODE" default:"headless"`
	Listen      string        `envconfig:"SURFACE_LISTEN"`
	EvalTimeout time.Duration `envconfig:"SURFACE_EVAL_TIMEOUT" default:"5s"`
}

// BridgeConfig holds request execution and external bridge settings.
type BridgeConfig struct {
	// Listen overrides the socket path from the content config when set.
	Listen          string        `envconfig:"BRIDGE_LISTEN"`
	CommandTimeout  time.Duration `envconfig:"BRIDGE_COMMAND_TIMEOUT" default:"10s"`
	KillGrace       time.Duration `envconfig:"BRIDGE_KILL_GRACE" default:"5s"`
	ExternalTimeout time.Duration `envconfig:"BRIDGE_EXTERNAL_TIMEOUT" default:"30s"`
	MaxBodyBytes    int64         `envconfig:"BRIDGE_MAX_BODY_BYTES" default:"8388608"`

	// BreakerThreshold consecutive unanswered external requests make the
	// bridge fail fast for BreakerCooldown. Zero disables it.
	BreakerThreshold uint32        `envconfig:"BRIDGE_BREAKER_THRESHOLD" default:"0"`
	BreakerCooldown  time.Duration `envconfig:"BRIDGE_BREAKER_COOLDOWN" default:"10s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration for the external bridge.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"20"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"40"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"false"`
}

const (
	SurfaceHeadless = "headless"
	SurfaceRemote   = "remote"
)

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Surface: SurfaceConfig{
			Mode:        SurfaceHeadless,
			EvalTimeout: 5 * time.Second,
		},
		Bridge: BridgeConfig{
			CommandTimeout:  10 * time.Second,
			KillGrace:       5 * time.Second,
			ExternalTimeout: 30 * time.Second,
			MaxBodyBytes:    8 << 20,
			BreakerCooldown: 10 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			Enabled:           false,
		},
	}
}

// Validate checks values envconfig cannot constrain by itself.
func (c *Config) Validate() error {
	switch c.Surface.Mode {
	case SurfaceHeadless, SurfaceRemote:
	default:
		return fmt.Errorf("unknown surface mode %q (want %q or %q)", c.Surface.Mode, SurfaceHeadless, SurfaceRemote)
	}
	if c.Bridge.CommandTimeout <= 0 {
		return fmt.Errorf("BRIDGE_COMMAND_TIMEOUT must be positive, got %s", c.Bridge.CommandTimeout)
	}
	if c.Bridge.ExternalTimeout <= 0 {
		return fmt.Errorf("BRIDGE_EXTERNAL_TIMEOUT must be positive, got %s", c.Bridge.ExternalTimeout)
	}
	if c.Bridge.KillGrace < 0 {
		return fmt.Errorf("BRIDGE_KILL_GRACE must not be negative, got %s", c.Bridge.KillGrace)
	}
	if c.Bridge.MaxBodyBytes <= 0 {
		return fmt.Errorf("BRIDGE_MAX_BODY_BYTES must be positive, got %d", c.Bridge.MaxBodyBytes)
	}
	return nil
}

// SurfaceSocket returns the socket path the remote surface listens on.
func (c *Config) SurfaceSocket() string {
	if c.Surface.Listen != "" {
		return c.Surface.Listen
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("overlay-surface-%d.sock", os.Getpid()))
}
