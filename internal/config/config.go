// Package config provides configuration loading for shipgate.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables, with hardcoded defaults underneath.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete shipgate configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Staging       TreeConfig          `koanf:"staging"`
	Production    TreeConfig          `koanf:"production"`
	Git           GitConfig           `koanf:"git"`
	Policy        PolicyConfig        `koanf:"policy"`
	Tests         TestsConfig         `koanf:"tests"`
	Migration     MigrationConfig     `koanf:"migration"`
	Events        EventsConfig        `koanf:"events"`
	Drift         DriftConfig         `koanf:"drift"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// TreeConfig identifies one managed working copy.
type TreeConfig struct {
	Path   string `koanf:"path"`
	Branch string `koanf:"branch"`
}

// GitConfig holds settings shared by both working copies.
type GitConfig struct {
	Remote         string        `koanf:"remote"`
	AuthorName     string        `koanf:"author_name"`
	AuthorEmail    string        `koanf:"author_email"`
	CommandTimeout time.Duration `koanf:"command_timeout"`
}

// PolicyConfig overrides the built-in path classification tables.
// Empty slices mean "use the defaults", not "protect nothing".
type PolicyConfig struct {
	BackupDir string   `koanf:"backup_dir"`
	Protected []string `koanf:"protected"`
	Sensitive []string `koanf:"sensitive"`
}

// CommandConfig is one external command invocation.
type CommandConfig struct {
	Name    string        `koanf:"name"`
	Args    []string      `koanf:"args"`
	Timeout time.Duration `koanf:"timeout"`
}

// TestsConfig holds the test gate subsets and coverage floor.
type TestsConfig struct {
	Unit              CommandConfig `koanf:"unit"`
	Integration       CommandConfig `koanf:"integration"`
	E2E               CommandConfig `koanf:"e2e"`
	Coverage          CommandConfig `koanf:"coverage"`
	CoverageThreshold float64       `koanf:"coverage_threshold"`
}

// MigrationConfig holds the schema migration tool commands.
type MigrationConfig struct {
	Validate  CommandConfig `koanf:"validate"`
	Generate  CommandConfig `koanf:"generate"`
	ClientGen CommandConfig `koanf:"client_gen"`
}

// EventsConfig holds the NATS event sink settings.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	NATSURL string `koanf:"nats_url"`
	Subject string `koanf:"subject"`
}

// DriftConfig holds the staging drift watcher settings.
type DriftConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Debounce time.Duration `koanf:"debounce"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Staging.Branch == "" {
		cfg.Staging.Branch = "staging"
	}
	if cfg.Production.Branch == "" {
		cfg.Production.Branch = "main"
	}

	if cfg.Git.Remote == "" {
		cfg.Git.Remote = "origin"
	}
	if cfg.Git.AuthorName == "" {
		cfg.Git.AuthorName = "shipgate"
	}
	if cfg.Git.AuthorEmail == "" {
		cfg.Git.AuthorEmail = "shipgate@localhost"
	}
	if cfg.Git.CommandTimeout == 0 {
		cfg.Git.CommandTimeout = 60 * time.Second
	}

	if cfg.Tests.Unit.Timeout == 0 {
		cfg.Tests.Unit.Timeout = 5 * time.Minute
	}
	if cfg.Tests.Integration.Timeout == 0 {
		cfg.Tests.Integration.Timeout = 10 * time.Minute
	}
	if cfg.Tests.E2E.Timeout == 0 {
		cfg.Tests.E2E.Timeout = 15 * time.Minute
	}
	if cfg.Tests.Coverage.Timeout == 0 {
		cfg.Tests.Coverage.Timeout = 10 * time.Minute
	}

	if cfg.Migration.Validate.Timeout == 0 {
		cfg.Migration.Validate.Timeout = 2 * time.Minute
	}
	if cfg.Migration.Generate.Timeout == 0 {
		cfg.Migration.Generate.Timeout = 5 * time.Minute
	}
	if cfg.Migration.ClientGen.Timeout == 0 {
		cfg.Migration.ClientGen.Timeout = 5 * time.Minute
	}

	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "shipgate.events"
	}
	if cfg.Drift.Debounce == 0 {
		cfg.Drift.Debounce = 2 * time.Second
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "shipgate"
	}
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Staging or production path is missing, or they point at the same tree
//   - Coverage threshold is outside [0, 100]
//   - NATS is enabled without a URL
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Staging.Path == "" {
		return errors.New("staging path is required")
	}
	if c.Production.Path == "" {
		return errors.New("production path is required")
	}
	if c.Staging.Path == c.Production.Path {
		return errors.New("staging and production must be distinct working copies")
	}
	if c.Staging.Branch == c.Production.Branch {
		return fmt.Errorf("staging and production cannot share branch %q", c.Staging.Branch)
	}

	if c.Tests.CoverageThreshold < 0 || c.Tests.CoverageThreshold > 100 {
		return fmt.Errorf("coverage threshold %.1f out of range (0-100)", c.Tests.CoverageThreshold)
	}

	if c.Events.Enabled && c.Events.NATSURL == "" {
		return errors.New("events.nats_url required when events are enabled")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}
