// Package config handles configuration loading and management for cadence.
// It supports XDG config paths, project-level overrides, .env files and
// CADENCE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for cadence.
type Config struct {
	State        StateConfig        `mapstructure:"state"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Decisions    DecisionsConfig    `mapstructure:"decisions"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Recovery     RecoveryConfig     `mapstructure:"recovery"`
	Commands     CommandsConfig     `mapstructure:"commands"`
	Log          LogConfig          `mapstructure:"log"`
}

// StateConfig holds workflow persistence settings.
type StateConfig struct {
	// Dir is the directory holding the state file and its backups.
	Dir string `mapstructure:"dir"`
	// ProjectType selects the phase graph on first run (greenfield or brownfield).
	ProjectType string `mapstructure:"project_type"`
	// BackupRingSize is how many timestamped backups are retained.
	BackupRingSize int `mapstructure:"backup_ring_size"`
	// AuditDB is the SQLite audit database path. Empty disables auditing.
	AuditDB string `mapstructure:"audit_db"`
	// AuditRetention is how long audit rows are kept before the maintenance
	// sweep purges them.
	AuditRetention time.Duration `mapstructure:"audit_retention"`
}

// SchedulerConfig holds background task scheduler settings.
type SchedulerConfig struct {
	// MaxConcurrency is the maximum number of running tasks.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// CPUCeilingPercent pauses dispatch while sampled CPU usage is above it.
	CPUCeilingPercent float64 `mapstructure:"cpu_ceiling_percent"`
	// MemoryCeilingMB pauses dispatch while sampled memory usage is above it.
	MemoryCeilingMB uint64 `mapstructure:"memory_ceiling_mb"`
	// SampleInterval is how often resource usage is sampled.
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	// ThrottleBackoff is how long dispatch pauses when a ceiling is exceeded.
	ThrottleBackoff time.Duration `mapstructure:"throttle_backoff"`
	// Retention is how long terminal task records are kept.
	Retention time.Duration `mapstructure:"retention"`
	// AgingInterval boosts a queued task one tier per interval waited.
	// Zero disables aging.
	AgingInterval time.Duration `mapstructure:"aging_interval"`
}

// DecisionsConfig holds decision router settings.
type DecisionsConfig struct {
	Weights    Weights    `mapstructure:"weights"`
	Thresholds Thresholds `mapstructure:"thresholds"`
	// PreviewWindow is the countdown before a preview-band decision executes.
	PreviewWindow time.Duration `mapstructure:"preview_window"`
	// HistorySize bounds the routed decision ring.
	HistorySize int `mapstructure:"history_size"`
}

// Weights are the confidence factor weights. They must sum to 1.0.
type Weights struct {
	Similarity         float64 `mapstructure:"similarity"`
	UpstreamValidation float64 `mapstructure:"upstream_validation"`
	TestCoverage       float64 `mapstructure:"test_coverage"`
	HistoricalAccuracy float64 `mapstructure:"historical_accuracy"`
	InverseComplexity  float64 `mapstructure:"inverse_complexity"`
}

// Thresholds are the lower bounds of the three autonomous bands.
// Scores below Preview require approval.
type Thresholds struct {
	Auto    float64 `mapstructure:"auto"`
	Notice  float64 `mapstructure:"notice"`
	Preview float64 `mapstructure:"preview"`
}

// CoordinationConfig holds collaboration coordinator settings.
type CoordinationConfig struct {
	// Authority ranks worker roles for conflict resolution, most authoritative first.
	Authority []string `mapstructure:"authority"`
}

// RecoveryConfig holds recovery subsystem settings.
type RecoveryConfig struct {
	// PatternsFile is an optional YAML issue-pattern registry.
	PatternsFile string `mapstructure:"patterns_file"`
	// MaintenanceSchedule is a cron spec for the staleness sweep.
	MaintenanceSchedule string `mapstructure:"maintenance_schedule"`
	// StaleAfter is the age at which cached reference data counts as stale.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// BaseBackoff is the initial interval for retry-with-backoff.
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
}

// CommandsConfig binds exit conditions and worker roles to shell commands.
type CommandsConfig struct {
	// Dir is the working directory commands run in. Empty means the
	// current directory.
	Dir string `mapstructure:"dir"`
	// Timeout bounds each validator run and is the default timeout of
	// worker tasks. Zero means no limit.
	Timeout time.Duration `mapstructure:"timeout"`
	// Validators maps an exit condition to a command; exit status 0 means
	// the condition holds.
	Validators map[string]string `mapstructure:"validators"`
	// Workers maps a worker role to the command that executes its tasks.
	Workers map[string]string `mapstructure:"workers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CADENCE_SCHEDULER_MAX_CONCURRENCY, ...), including .env
// 2. Project config (.cadence.yaml in current directory or parent)
// 3. User config (~/.config/cadence/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return decode(v)
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CADENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.State.Dir = os.ExpandEnv(cfg.State.Dir)
	cfg.State.AuditDB = os.ExpandEnv(cfg.State.AuditDB)
	cfg.Recovery.PatternsFile = os.ExpandEnv(cfg.Recovery.PatternsFile)
	cfg.Log.File = os.ExpandEnv(cfg.Log.File)
	cfg.Commands.Dir = os.ExpandEnv(cfg.Commands.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("state.dir", d.State.Dir)
	v.SetDefault("state.project_type", d.State.ProjectType)
	v.SetDefault("state.backup_ring_size", d.State.BackupRingSize)
	v.SetDefault("state.audit_db", d.State.AuditDB)
	v.SetDefault("state.audit_retention", d.State.AuditRetention.String())

	v.SetDefault("scheduler.max_concurrency", d.Scheduler.MaxConcurrency)
	v.SetDefault("scheduler.cpu_ceiling_percent", d.Scheduler.CPUCeilingPercent)
	v.SetDefault("scheduler.memory_ceiling_mb", d.Scheduler.MemoryCeilingMB)
	v.SetDefault("scheduler.sample_interval", d.Scheduler.SampleInterval.String())
	v.SetDefault("scheduler.throttle_backoff", d.Scheduler.ThrottleBackoff.String())
	v.SetDefault("scheduler.retention", d.Scheduler.Retention.String())
	v.SetDefault("scheduler.aging_interval", d.Scheduler.AgingInterval.String())

	v.SetDefault("decisions.weights.similarity", d.Decisions.Weights.Similarity)
	v.SetDefault("decisions.weights.upstream_validation", d.Decisions.Weights.UpstreamValidation)
	v.SetDefault("decisions.weights.test_coverage", d.Decisions.Weights.TestCoverage)
	v.SetDefault("decisions.weights.historical_accuracy", d.Decisions.Weights.HistoricalAccuracy)
	v.SetDefault("decisions.weights.inverse_complexity", d.Decisions.Weights.InverseComplexity)
	v.SetDefault("decisions.thresholds.auto", d.Decisions.Thresholds.Auto)
	v.SetDefault("decisions.thresholds.notice", d.Decisions.Thresholds.Notice)
	v.SetDefault("decisions.thresholds.preview", d.Decisions.Thresholds.Preview)
	v.SetDefault("decisions.preview_window", d.Decisions.PreviewWindow.String())
	v.SetDefault("decisions.history_size", d.Decisions.HistorySize)

	v.SetDefault("coordination.authority", d.Coordination.Authority)

	v.SetDefault("recovery.patterns_file", d.Recovery.PatternsFile)
	v.SetDefault("recovery.maintenance_schedule", d.Recovery.MaintenanceSchedule)
	v.SetDefault("recovery.stale_after", d.Recovery.StaleAfter.String())
	v.SetDefault("recovery.base_backoff", d.Recovery.BaseBackoff.String())

	v.SetDefault("commands.dir", d.Commands.Dir)
	v.SetDefault("commands.timeout", d.Commands.Timeout.String())

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
}

// getUserConfigDir returns the XDG config directory for cadence.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cadence")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "cadence")
	}
	return filepath.Join(home, ".config", "cadence")
}

// findProjectConfig searches for .cadence.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".cadence.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		State: StateConfig{
			Dir:            ".cadence",
			ProjectType:    "greenfield",
			BackupRingSize: 10,
			AuditRetention: 30 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrency:    5,
			CPUCeilingPercent: 85,
			MemoryCeilingMB:   0,
			SampleInterval:    2 * time.Second,
			ThrottleBackoff:   5 * time.Second,
			Retention:         10 * time.Minute,
		},
		Decisions: DecisionsConfig{
			Weights: Weights{
				Similarity:         0.30,
				UpstreamValidation: 0.25,
				TestCoverage:       0.20,
				HistoricalAccuracy: 0.15,
				InverseComplexity:  0.10,
			},
			Thresholds: Thresholds{
				Auto:    0.95,
				Notice:  0.80,
				Preview: 0.65,
			},
			PreviewWindow: 30 * time.Second,
			HistorySize:   100,
		},
		Coordination: CoordinationConfig{
			Authority: []string{"architect", "pm", "analyst", "dev", "qa"},
		},
		Recovery: RecoveryConfig{
			MaintenanceSchedule: "@every 1h",
			StaleAfter:          24 * time.Hour,
			BaseBackoff:         500 * time.Millisecond,
		},
		Commands: CommandsConfig{
			Timeout: 10 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
