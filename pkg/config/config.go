// Package config loads the daemon's runtime settings and persists the entity
// document (pools, datasets, targets, observers) the daemon operates on.
//
// Runtime settings come from three layered sources with clear precedence:
// built-in defaults, then an optional YAML file, then SNAPWARDEN_* environment
// variables. The entity document is a single JSON file written atomically so
// a crash mid-write never leaves a torn document behind.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where the daemon config file is searched
// in order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"snapwarden.yaml",
	"/etc/snapwarden/config.yaml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "SNAPWARDEN_CONFIG"

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

// RetryConfig bounds job retries before a pair is marked degraded.
type RetryConfig struct {
	// Attempts is the ceiling of consecutive failed attempts per job.
	Attempts int `koanf:"attempts" validate:"gt=0"`
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration `koanf:"backoff" validate:"gt=0"`
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration `koanf:"max_backoff" validate:"gt=0"`
}

// BreakerConfig tunes the per-target circuit breaker.
type BreakerConfig struct {
	// Failures is the consecutive failure count that opens the breaker.
	Failures int `koanf:"failures" validate:"gt=0"`
	// Cooldown is how long the breaker stays open before a trial request.
	Cooldown time.Duration `koanf:"cooldown" validate:"gt=0"`
}

// JournalConfig tunes journal housekeeping.
type JournalConfig struct {
	// Retention is the age past which completed records are compacted away.
	Retention time.Duration `koanf:"retention" validate:"gt=0"`
	// CompactInterval is how often the compactor runs.
	CompactInterval time.Duration `koanf:"compact_interval" validate:"gt=0"`
}

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	// FailureStreak is the consecutive failure count that raises an alert.
	FailureStreak int `koanf:"failure_streak" validate:"gt=0"`
	// HistoryAge bounds how long outcome records are kept for evaluation.
	HistoryAge time.Duration `koanf:"history_age" validate:"gt=0"`
	// EvalInterval is how often the monitor re-evaluates alert conditions.
	EvalInterval time.Duration `koanf:"eval_interval" validate:"gt=0"`
}

// Config holds the daemon's runtime settings.
type Config struct {
	// SocketPath is where the control API listens.
	SocketPath string `koanf:"socket" validate:"required"`
	// EntitiesPath is the persisted entity document.
	EntitiesPath string `koanf:"entities" validate:"required"`
	// JournalPath is the SQLite journal database.
	JournalPath string `koanf:"journal" validate:"required"`
	// LockPath is the single-instance lock file.
	LockPath string `koanf:"lock" validate:"required"`
	// StagingPath is the root for restic staging mounts.
	StagingPath string `koanf:"staging" validate:"required"`

	// Tick is the scheduler evaluation interval.
	Tick time.Duration `koanf:"tick" validate:"gt=0"`
	// Workers bounds concurrently running jobs across all datasets.
	Workers int `koanf:"workers" validate:"gt=0"`
	// AdapterTimeout bounds every single backend or btrfs invocation.
	AdapterTimeout time.Duration `koanf:"adapter_timeout" validate:"gt=0"`
	// HookTimeout is the default timeout for dataset snapshot hooks.
	HookTimeout time.Duration `koanf:"hook_timeout" validate:"gt=0"`

	Logging LoggingConfig `koanf:"logging"`
	Retry   RetryConfig   `koanf:"retry"`
	Breaker BreakerConfig `koanf:"breaker"`
	Journal JournalConfig `koanf:"journal_store"`
	Health  HealthConfig  `koanf:"health"`
}

// NewDefault returns a Config with the daemon's default values.
func NewDefault() *Config {
	return &Config{
		SocketPath:   "/run/snapwarden.sock",
		EntitiesPath: "/etc/snapwarden/entities.json",
		JournalPath:  "/var/lib/snapwarden/journal.db",
		LockPath:     "/var/lib/snapwarden/daemon.lock",
		StagingPath:  "/var/lib/snapwarden/staging",

		Tick:           time.Minute,
		Workers:        4,
		AdapterTimeout: time.Hour,
		HookTimeout:    5 * time.Minute,

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Retry: RetryConfig{
			Attempts:   5,
			Backoff:    30 * time.Second,
			MaxBackoff: time.Hour,
		},
		Breaker: BreakerConfig{
			Failures: 5,
			Cooldown: 5 * time.Minute,
		},
		Journal: JournalConfig{
			Retention:       90 * 24 * time.Hour,
			CompactInterval: 6 * time.Hour,
		},
		Health: HealthConfig{
			FailureStreak: 3,
			HistoryAge:    30 * 24 * time.Hour,
			EvalInterval:  time.Minute,
		},
	}
}

// Load builds the daemon configuration from defaults, the optional config
// file and environment variables, in that order of precedence.
func Load() (*Config, error) {
	return loadFrom(findConfigFile())
}

// LoadFile is Load with an explicit config file path, used by checkconfig.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Load()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return loadFrom(path)
}

func loadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct.
	if err := k.Load(structs.Provider(NewDefault(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: optional config file.
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority).
	if err := k.Load(env.Provider("SNAPWARDEN_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile searches for a config file in the default paths. Returns the
// first file found, or empty string if none.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings translates SNAPWARDEN_* variable names (already lowercased and
// stripped of the prefix) to koanf config paths. Unmapped variables are
// dropped so unrelated environment noise never reaches the config.
var envMappings = map[string]string{
	"socket":          "socket",
	"entities":        "entities",
	"journal":         "journal",
	"lock":            "lock",
	"staging":         "staging",
	"tick":            "tick",
	"workers":         "workers",
	"adapter_timeout": "adapter_timeout",
	"hook_timeout":    "hook_timeout",

	"log_level":  "logging.level",
	"log_format": "logging.format",

	"retry_attempts":    "retry.attempts",
	"retry_backoff":     "retry.backoff",
	"retry_max_backoff": "retry.max_backoff",

	"breaker_failures": "breaker.failures",
	"breaker_cooldown": "breaker.cooldown",

	"journal_retention":        "journal_store.retention",
	"journal_compact_interval": "journal_store.compact_interval",

	"health_failure_streak": "health.failure_streak",
	"health_history_age":    "health.history_age",
	"health_eval_interval":  "health.eval_interval",
}

func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "SNAPWARDEN_"))
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
