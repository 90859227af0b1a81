// Package config loads the application configuration from YAML with
// validated, defaulted sections for every subsystem.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/groundcrew/groundcrew/pkg/runner"
	"github.com/groundcrew/groundcrew/pkg/telemetry"
)

var validate = validator.New()

// Config is the root application configuration.
type Config struct {
	// Store configures the durable SQLite record store.
	Store StoreConfig `yaml:"store"`

	// Workspace configures per-tenant working directories.
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Runner configures external engine execution.
	Runner RunnerConfig `yaml:"runner"`

	// Policy configures operator Rego rule loading.
	Policy PolicyConfig `yaml:"policy"`

	// Sweep configures the background maintenance loops.
	Sweep SweepConfig `yaml:"sweep"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the database file location.
	Path string `yaml:"path" validate:"required"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `yaml:"max_open_conns" validate:"gte=1"`
}

// WorkspaceConfig configures workspace layout.
type WorkspaceConfig struct {
	// BaseDir is the root under which tenant directories are created.
	BaseDir string `yaml:"base_dir" validate:"required"`
}

// RunnerConfig configures the execution engine.
type RunnerConfig struct {
	// Binary is the default engine binary; a tenant profile may
	// override it.
	Binary string `yaml:"binary" validate:"required"`

	// PlanTimeout bounds plan runs.
	PlanTimeout time.Duration `yaml:"plan_timeout" validate:"gt=0"`

	// ApplyTimeout bounds apply runs.
	ApplyTimeout time.Duration `yaml:"apply_timeout" validate:"gt=0"`

	// DestroyTimeout bounds destroy runs.
	DestroyTimeout time.Duration `yaml:"destroy_timeout" validate:"gt=0"`

	// ValidateTimeout bounds validate runs.
	ValidateTimeout time.Duration `yaml:"validate_timeout" validate:"gt=0"`

	// GracePeriod is the SIGTERM-to-SIGKILL window.
	GracePeriod time.Duration `yaml:"grace_period" validate:"gt=0"`

	// MaxBufferLines bounds retained process output.
	MaxBufferLines int `yaml:"max_buffer_lines" validate:"gte=10"`

	// ExcerptLines is the failure excerpt size.
	ExcerptLines int `yaml:"excerpt_lines" validate:"gte=1"`
}

// PolicyConfig configures operator policy rules.
type PolicyConfig struct {
	// RulesPaths are files or directories of Rego rules applied to
	// every tenant.
	RulesPaths []string `yaml:"rules_paths"`

	// Watch reloads rules when the paths change.
	Watch bool `yaml:"watch"`
}

// SweepConfig configures the background sweeper intervals.
type SweepConfig struct {
	// SessionInterval is how often expired sessions are swept.
	SessionInterval time.Duration `yaml:"session_interval" validate:"gt=0"`

	// CapsuleInterval is how often expired capsules are deleted.
	CapsuleInterval time.Duration `yaml:"capsule_interval" validate:"gt=0"`

	// VaultInterval is how often expired vault entries are destroyed.
	VaultInterval time.Duration `yaml:"vault_interval" validate:"gt=0"`
}

// TelemetryConfig is the YAML surface of the telemetry stack.
type TelemetryConfig struct {
	// LogLevel sets the minimum level (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`

	// LogFormat selects console or json output.
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`

	// MetricsEnabled serves a Prometheus endpoint when true.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// MetricsAddress is the metrics listen address.
	MetricsAddress string `yaml:"metrics_address"`

	// TracingEnabled activates span export.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// TracingExporter selects otlp or stdout.
	TracingExporter string `yaml:"tracing_exporter" validate:"oneof=otlp stdout none"`

	// TracingEndpoint is the OTLP collector address.
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// Environment tags telemetry (development, staging, production).
	Environment string `yaml:"environment"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	rc := runner.DefaultConfig()
	return &Config{
		Store: StoreConfig{
			Path:         "groundcrew.db",
			MaxOpenConns: 25,
		},
		Workspace: WorkspaceConfig{
			BaseDir: "workspaces",
		},
		Runner: RunnerConfig{
			Binary:          rc.Binary,
			PlanTimeout:     rc.PlanTimeout,
			ApplyTimeout:    rc.ApplyTimeout,
			DestroyTimeout:  rc.DestroyTimeout,
			ValidateTimeout: rc.ValidateTimeout,
			GracePeriod:     rc.GracePeriod,
			MaxBufferLines:  rc.MaxBufferLines,
			ExcerptLines:    rc.ExcerptLines,
		},
		Policy: PolicyConfig{
			Watch: true,
		},
		Sweep: SweepConfig{
			SessionInterval: time.Minute,
			CapsuleInterval: 5 * time.Minute,
			VaultInterval:   30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  true,
			MetricsAddress:  ":9090",
			TracingEnabled:  false,
			TracingExporter: "stdout",
			Environment:     "development",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Telemetry.MetricsEnabled && c.Telemetry.MetricsAddress == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}
	if c.Telemetry.TracingEnabled && c.Telemetry.TracingExporter == "otlp" && c.Telemetry.TracingEndpoint == "" {
		return fmt.Errorf("tracing endpoint is required for the otlp exporter")
	}
	return nil
}

// RunnerConfig builds the runner configuration.
func (c *Config) RunnerConfig() runner.Config {
	return runner.Config{
		Binary:          c.Runner.Binary,
		PlanTimeout:     c.Runner.PlanTimeout,
		ApplyTimeout:    c.Runner.ApplyTimeout,
		DestroyTimeout:  c.Runner.DestroyTimeout,
		ValidateTimeout: c.Runner.ValidateTimeout,
		GracePeriod:     c.Runner.GracePeriod,
		MaxBufferLines:  c.Runner.MaxBufferLines,
		ExcerptLines:    c.Runner.ExcerptLines,
	}
}

// TelemetryConfig builds the telemetry stack configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Environment = c.Telemetry.Environment
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	return tc
}
