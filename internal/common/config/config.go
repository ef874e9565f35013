// Package config provides configuration management for crewlyd.
//
// This is the core daemon's own tunable configuration — the numeric knobs
// spec.md leaves as "design defaults" (retry limits, backoff schedules,
// heartbeat thresholds, check-in intervals). It is distinct from the
// application-level configuration (auth, transport, frontend) that an
// embedding service is responsible for parsing; crewlyd never reads that
// file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable section of crewlyd's core.
type Config struct {
	Home      HomeConfig      `mapstructure:"home"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	SQLMirror SQLMirrorConfig `mapstructure:"sqlMirror"`
	Store     StoreConfig     `mapstructure:"store"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Messages  MessagesConfig  `mapstructure:"messages"`
	Checks    ChecksConfig    `mapstructure:"checks"`
}

// HomeConfig locates the on-disk `.crewly` home directory. This is the one
// required environment input named in spec.md §6.
type HomeConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig configures the optional NATS-backed event bus. An empty URL
// falls back to the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds the events namespace setting. It is loaded from config
// and environment, but the event bus does not read it: the bus has no
// queue groups and publishes on fixed subjects.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// SQLMirrorConfig controls the optional queryable SQL mirror of activity
// and tracking state described in SPEC_FULL.md §4.A.
type SQLMirrorConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Driver   string `mapstructure:"driver"` // sqlite | postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	DSN      string `mapstructure:"dsn"`    // postgres DSN
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// StoreConfig controls the Persistent Store (§4.A).
type StoreConfig struct {
	ActivityMaxEntries int  `mapstructure:"activityMaxEntries"` // ring-rotation cap
	BackupEnabled      bool `mapstructure:"backupEnabled"`
}

// DeliveryConfig controls the Reliable Delivery protocol (§4.D).
type DeliveryConfig struct {
	MaxPreflightProbes int             `mapstructure:"maxPreflightProbes"`
	PreflightBackoff   time.Duration   `mapstructure:"preflightBackoff"`
	InterWriteDelay    time.Duration   `mapstructure:"interWriteDelay"`
	VerifySchedule     []time.Duration `mapstructure:"-"` // set programmatically, see DefaultVerifySchedule
	MaxAttempts        int             `mapstructure:"maxAttempts"`
	ScannerPeriod      time.Duration   `mapstructure:"scannerPeriod"`
	ScannerLookback    time.Duration   `mapstructure:"scannerLookback"`
	FingerprintPrefixN int             `mapstructure:"fingerprintPrefixN"`
}

// DefaultVerifySchedule returns the progressive verification backoff named
// in spec.md §4.D (200ms, 500ms, 1s, 2s).
func DefaultVerifySchedule() []time.Duration {
	return []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second, 2 * time.Second}
}

// LifecycleConfig controls the Task Lifecycle Engine (§4.E).
type LifecycleConfig struct {
	AbandonThreshold time.Duration `mapstructure:"abandonThreshold"`
	MaxOutputBytes   int           `mapstructure:"maxOutputBytes"` // 1 MiB default
}

// MessagesConfig controls the Message Scheduler (§4.F).
type MessagesConfig struct {
	InterExecutionQuantum time.Duration `mapstructure:"interExecutionQuantum"`
	DeliveryLogCap        int           `mapstructure:"deliveryLogCap"`
}

// ChecksConfig controls the Check Scheduler (§4.G) default check-ins and
// adaptive interval clamp bounds.
type ChecksConfig struct {
	InitialCheckInMinutes int     `mapstructure:"initialCheckInMinutes"`
	ProgressCheckMinutes  int     `mapstructure:"progressCheckMinutes"`
	CommitReminderMinutes int     `mapstructure:"commitReminderMinutes"`
	AdaptiveBaseMinutes   int     `mapstructure:"adaptiveBaseMinutes"`
	AdaptiveMinMinutes    int     `mapstructure:"adaptiveMinMinutes"`
	AdaptiveMaxMinutes    int     `mapstructure:"adaptiveMaxMinutes"`
	AdaptiveFactor        float64 `mapstructure:"adaptiveFactor"`
}

// setDefaults configures default values for every configuration option,
// matching every "(design: ...)" value named in spec.md.
func setDefaults(v *viper.Viper) {
	v.SetDefault("home.dir", defaultHomeDir())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "crewlyd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("sqlMirror.enabled", false)
	v.SetDefault("sqlMirror.driver", "sqlite")
	v.SetDefault("sqlMirror.path", filepath.Join(defaultHomeDir(), "mirror.db"))
	v.SetDefault("sqlMirror.maxConns", 25)
	v.SetDefault("sqlMirror.minConns", 5)

	v.SetDefault("store.activityMaxEntries", 5000)
	v.SetDefault("store.backupEnabled", true)

	v.SetDefault("delivery.maxPreflightProbes", 3)
	v.SetDefault("delivery.preflightBackoff", 500*time.Millisecond)
	v.SetDefault("delivery.interWriteDelay", 120*time.Millisecond)
	v.SetDefault("delivery.maxAttempts", 3)
	v.SetDefault("delivery.scannerPeriod", 30*time.Second)
	v.SetDefault("delivery.scannerLookback", 10*time.Minute)
	v.SetDefault("delivery.fingerprintPrefixN", 40)

	v.SetDefault("lifecycle.abandonThreshold", 30*time.Minute)
	v.SetDefault("lifecycle.maxOutputBytes", 1<<20)

	v.SetDefault("messages.interExecutionQuantum", 1*time.Second)
	v.SetDefault("messages.deliveryLogCap", 1000)

	v.SetDefault("checks.initialCheckInMinutes", 5)
	v.SetDefault("checks.progressCheckMinutes", 30)
	v.SetDefault("checks.commitReminderMinutes", 25)
	v.SetDefault("checks.adaptiveBaseMinutes", 15)
	v.SetDefault("checks.adaptiveMinMinutes", 5)
	v.SetDefault("checks.adaptiveMaxMinutes", 60)
	v.SetDefault("checks.adaptiveFactor", 2.0)
}

func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crewly"
	}
	return filepath.Join(home, ".crewly")
}

// detectDefaultLogFormat returns "json" for production-like environments
// and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CREWLY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, an optional
// config.yaml in the home directory, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory, falling
// back to the home directory and defaults.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CREWLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("home.dir", "CREWLY_HOME")
	_ = v.BindEnv("logging.level", "CREWLY_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "CREWLY_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(defaultHomeDir())
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Delivery.VerifySchedule = DefaultVerifySchedule()

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config populated entirely with defaults — used by
// tests and by callers that don't need file/env loading.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Delivery.VerifySchedule = DefaultVerifySchedule()
	return &cfg
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Home.Dir == "" {
		errs = append(errs, "home.dir must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.SQLMirror.Enabled {
		if cfg.SQLMirror.Driver != "sqlite" && cfg.SQLMirror.Driver != "postgres" {
			errs = append(errs, "sqlMirror.driver must be one of: sqlite, postgres")
		}
	}

	if cfg.Delivery.MaxAttempts <= 0 {
		errs = append(errs, "delivery.maxAttempts must be positive")
	}
	if cfg.Lifecycle.AbandonThreshold <= 0 {
		errs = append(errs, "lifecycle.abandonThreshold must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
