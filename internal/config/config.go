// Package config provides configuration loading for iterd.
//
// Configuration is loaded from a YAML file, then overridden by ITERD_-prefixed
// environment variables. Values the supervisor core consumes (budgets,
// timeouts, worker command) are validated here, at startup, so the core
// packages receive known-good values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the complete iterd configuration.
type Config struct {
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Worker     WorkerConfig     `koanf:"worker"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // trace, debug, info, warn, error
	Format string `koanf:"format"` // console or json
}

// TelemetryConfig holds OpenTelemetry export settings. The telemetry package
// owns the full provider configuration; this section carries the
// user-tunable subset.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure       bool     `koanf:"insecure"`
	SamplingRate   float64  `koanf:"sampling_rate"`
	MetricsEnabled bool     `koanf:"metrics_enabled"`
	ExportInterval Duration `koanf:"export_interval"`
}

// SupervisorConfig holds the budgets and pacing consumed by the supervisor
// loop. These are externally supplied and validated at session start.
type SupervisorConfig struct {
	StateRoot                string   `koanf:"state_root"`
	TimeBudget               Duration `koanf:"time_budget"`
	MaxIterations            int      `koanf:"max_iterations"`
	MaxConsecutiveFailures   int      `koanf:"max_consecutive_failures"`
	DefaultIterationEstimate Duration `koanf:"default_iteration_estimate"`
	LaunchInterval           Duration `koanf:"launch_interval"`
}

// WorkerConfig describes how to invoke the external worker process.
type WorkerConfig struct {
	Command          []string `koanf:"command"`
	CompleteExitCode int      `koanf:"complete_exit_code"`
	IterationTimeout Duration `koanf:"iteration_timeout"`
	SignaturesFile   string   `koanf:"signatures_file"`
}

// Supported logging values.
var (
	validLogLevels  = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"console": true, "json": true}
)

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(15 * time.Second)
	}

	if cfg.Supervisor.StateRoot == "" {
		cfg.Supervisor.StateRoot = DefaultStateRoot()
	}
	if cfg.Supervisor.TimeBudget == 0 {
		cfg.Supervisor.TimeBudget = Duration(4 * time.Hour)
	}
	if cfg.Supervisor.MaxIterations == 0 {
		cfg.Supervisor.MaxIterations = 50
	}
	if cfg.Supervisor.MaxConsecutiveFailures == 0 {
		cfg.Supervisor.MaxConsecutiveFailures = 3
	}
	if cfg.Supervisor.DefaultIterationEstimate == 0 {
		cfg.Supervisor.DefaultIterationEstimate = Duration(5 * time.Minute)
	}
	if cfg.Supervisor.LaunchInterval == 0 {
		cfg.Supervisor.LaunchInterval = Duration(5 * time.Second)
	}

	if cfg.Worker.CompleteExitCode == 0 {
		cfg.Worker.CompleteExitCode = 42
	}
	if cfg.Worker.IterationTimeout == 0 {
		cfg.Worker.IterationTimeout = Duration(15 * time.Minute)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error (got %q)", c.Logging.Level)
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be console or json (got %q)", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("telemetry.protocol must be grpc or http/protobuf (got %q)", c.Telemetry.Protocol)
		}
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry.sampling_rate must be between 0 and 1, got %f", c.Telemetry.SamplingRate)
	}

	if c.Supervisor.TimeBudget.Duration() <= 0 {
		return fmt.Errorf("supervisor.time_budget must be positive")
	}
	if c.Supervisor.MaxIterations <= 0 {
		return fmt.Errorf("supervisor.max_iterations must be positive")
	}
	if c.Supervisor.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("supervisor.max_consecutive_failures must be at least 1")
	}
	if c.Supervisor.DefaultIterationEstimate.Duration() <= 0 {
		return fmt.Errorf("supervisor.default_iteration_estimate must be positive")
	}

	if c.Worker.CompleteExitCode < 1 || c.Worker.CompleteExitCode > 255 {
		return fmt.Errorf("worker.complete_exit_code must be between 1 and 255, got %d", c.Worker.CompleteExitCode)
	}
	if c.Worker.IterationTimeout.Duration() <= 0 {
		return fmt.Errorf("worker.iteration_timeout must be positive")
	}

	return nil
}

// DefaultStateRoot returns the directory session state lives under.
// Honors XDG_STATE_HOME, falling back to ~/.local/state/iterd.
func DefaultStateRoot() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "iterd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "iterd")
	}
	return filepath.Join(home, ".local", "state", "iterd")
}
