package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// MemoryThresholds defines the pressure boundaries in MB.
// Invariant: Warning < Critical < Emergency.
type MemoryThresholds struct {
	WarningMB   float64 `mapstructure:"warning" json:"warning_mb" yaml:"warning"`
	CriticalMB  float64 `mapstructure:"critical" json:"critical_mb" yaml:"critical"`
	EmergencyMB float64 `mapstructure:"emergency" json:"emergency_mb" yaml:"emergency"`
}

// Validate checks threshold ordering
func (t MemoryThresholds) Validate() error {
	if t.WarningMB <= 0 {
		return fmt.Errorf("warning threshold must be positive, got %.1f", t.WarningMB)
	}
	if !(t.WarningMB < t.CriticalMB && t.CriticalMB < t.EmergencyMB) {
		return fmt.Errorf("thresholds must satisfy warning < critical < emergency, got %.1f/%.1f/%.1f",
			t.WarningMB, t.CriticalMB, t.EmergencyMB)
	}
	return nil
}

// RestartPolicy controls how aggressively the guardian may restart the child
type RestartPolicy struct {
	MaxAttempts         int  `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
	AttemptWindowSec    int  `mapstructure:"attempt_window" json:"attempt_window" yaml:"attempt_window"`
	CooldownSec         int  `mapstructure:"cooldown_seconds" json:"cooldown_seconds" yaml:"cooldown_seconds"`
	ExponentialBackoff  bool `mapstructure:"exponential_backoff" json:"exponential_backoff" yaml:"exponential_backoff"`
	GracefulTimeoutSec  int  `mapstructure:"graceful_timeout" json:"graceful_timeout" yaml:"graceful_timeout"`
	ForceKillTimeoutSec int  `mapstructure:"force_kill_timeout" json:"force_kill_timeout" yaml:"force_kill_timeout"`
}

// AttemptWindow returns the trailing window as a duration
func (p RestartPolicy) AttemptWindow() time.Duration {
	return time.Duration(p.AttemptWindowSec) * time.Second
}

// Cooldown returns the base circuit cooldown as a duration
func (p RestartPolicy) Cooldown() time.Duration {
	return time.Duration(p.CooldownSec) * time.Second
}

// GracefulTimeout returns the SIGTERM wait as a duration
func (p RestartPolicy) GracefulTimeout() time.Duration {
	return time.Duration(p.GracefulTimeoutSec) * time.Second
}

// ForceKillTimeout returns the SIGKILL wait as a duration
func (p RestartPolicy) ForceKillTimeout() time.Duration {
	return time.Duration(p.ForceKillTimeoutSec) * time.Second
}

// Validate checks restart policy sanity
func (p RestartPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.AttemptWindowSec <= 0 {
		return fmt.Errorf("attempt_window must be positive, got %d", p.AttemptWindowSec)
	}
	if p.GracefulTimeoutSec < 0 || p.ForceKillTimeoutSec < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// MonitoringConfig controls sampling cadence per memory state
type MonitoringConfig struct {
	CheckIntervalSec         int  `mapstructure:"check_interval" json:"check_interval" yaml:"check_interval"`
	CheckIntervalWarningSec  int  `mapstructure:"check_interval_warning" json:"check_interval_warning" yaml:"check_interval_warning"`
	CheckIntervalCriticalSec int  `mapstructure:"check_interval_critical" json:"check_interval_critical" yaml:"check_interval_critical"`
	LogMemoryStats           bool `mapstructure:"log_memory_stats" json:"log_memory_stats" yaml:"log_memory_stats"`
	LogIntervalSec           int  `mapstructure:"log_interval" json:"log_interval" yaml:"log_interval"`
}

// CheckInterval returns the normal-state sampling interval
func (m MonitoringConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalSec) * time.Second
}

// CheckIntervalWarning returns the warning-state sampling interval
func (m MonitoringConfig) CheckIntervalWarning() time.Duration {
	return time.Duration(m.CheckIntervalWarningSec) * time.Second
}

// CheckIntervalCritical returns the critical/emergency sampling interval
func (m MonitoringConfig) CheckIntervalCritical() time.Duration {
	return time.Duration(m.CheckIntervalCriticalSec) * time.Second
}

// LeakDetectionConfig tunes the trend analyzer
type LeakDetectionConfig struct {
	SlopeMBPerMin float64 `mapstructure:"slope_mb_per_min" json:"slope_mb_per_min" yaml:"slope_mb_per_min"`
	MinRSquared   float64 `mapstructure:"min_r_squared" json:"min_r_squared" yaml:"min_r_squared"`
	SampleWindow  int     `mapstructure:"sample_window" json:"sample_window" yaml:"sample_window"`
}

// DashboardConfig controls the read-side export surface
type DashboardConfig struct {
	ExportPath        string `mapstructure:"export_path" json:"export_path" yaml:"export_path"`
	ExportIntervalSec int    `mapstructure:"export_interval" json:"export_interval" yaml:"export_interval"`
	HTTPEnabled       bool   `mapstructure:"http_enabled" json:"http_enabled" yaml:"http_enabled"`
	HTTPAddr          string `mapstructure:"http_addr" json:"http_addr" yaml:"http_addr"`
	HistoryLimit      int    `mapstructure:"history_limit" json:"history_limit" yaml:"history_limit"`
}

// ExportInterval returns the snapshot export cadence
func (d DashboardConfig) ExportInterval() time.Duration {
	return time.Duration(d.ExportIntervalSec) * time.Second
}

// Config is the full guardian configuration
type Config struct {
	Thresholds     MemoryThresholds    `mapstructure:"thresholds" json:"thresholds" yaml:"thresholds"`
	RestartPolicy  RestartPolicy       `mapstructure:"restart_policy" json:"restart_policy" yaml:"restart_policy"`
	Monitoring     MonitoringConfig    `mapstructure:"monitoring" json:"monitoring" yaml:"monitoring"`
	LeakDetection  LeakDetectionConfig `mapstructure:"leak_detection" json:"leak_detection" yaml:"leak_detection"`
	Dashboard      DashboardConfig     `mapstructure:"dashboard" json:"dashboard" yaml:"dashboard"`
	ProcessCommand []string            `mapstructure:"process_command" json:"process_command" yaml:"process_command"`
	StateFile      string              `mapstructure:"state_file" json:"state_file" yaml:"state_file"`
	PersistState   bool                `mapstructure:"persist_state" json:"persist_state" yaml:"persist_state"`
	AutoStart      bool                `mapstructure:"auto_start" json:"auto_start" yaml:"auto_start"`
	LogLevel       string              `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	LogJSON        bool                `mapstructure:"log_json" json:"log_json" yaml:"log_json"`
}

// Default returns a configuration with production defaults
func Default() *Config {
	return &Config{
		Thresholds: MemoryThresholds{
			WarningMB:   1024,
			CriticalMB:  1536,
			EmergencyMB: 2048,
		},
		RestartPolicy: RestartPolicy{
			MaxAttempts:         3,
			AttemptWindowSec:    300,
			CooldownSec:         60,
			ExponentialBackoff:  true,
			GracefulTimeoutSec:  30,
			ForceKillTimeoutSec: 10,
		},
		Monitoring: MonitoringConfig{
			CheckIntervalSec:         30,
			CheckIntervalWarningSec:  15,
			CheckIntervalCriticalSec: 5,
			LogMemoryStats:           true,
			LogIntervalSec:           300,
		},
		LeakDetection: LeakDetectionConfig{
			SlopeMBPerMin: 10.0,
			MinRSquared:   0.8,
			SampleWindow:  60,
		},
		Dashboard: DashboardConfig{
			ExportIntervalSec: 60,
			HTTPAddr:          ":9109",
			HistoryLimit:      1440,
		},
		StateFile:    defaultStatePath(),
		PersistState: true,
		AutoStart:    true,
		LogLevel:     "info",
	}
}

// Validate checks the whole configuration
func (c *Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	if err := c.RestartPolicy.Validate(); err != nil {
		return fmt.Errorf("restart_policy: %w", err)
	}
	if c.Monitoring.CheckIntervalSec <= 0 {
		return fmt.Errorf("monitoring: check_interval must be positive")
	}
	if len(c.ProcessCommand) == 0 && c.AutoStart {
		return fmt.Errorf("process_command is required when auto_start is enabled")
	}
	return nil
}

// Load reads configuration from a file (or the default search path) merged
// over defaults, with MEMGUARDIAN_* environment overrides
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".memguardian"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("MEMGUARDIAN")
	v.AutomaticEnv()

	cfg := Default()
	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memguardian/state.json"
	}
	return filepath.Join(home, ".memguardian", "state.json")
}
