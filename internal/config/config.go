// Package config handles loading, validating, and applying
// configuration for the worker host.  Configuration is read from a
// YAML file and can be overridden by CLI flags; the worker runtime and
// placeholder flag additionally fall back to the environment.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/workerhost/internal/hostenv"
	"github.com/terrpan/workerhost/internal/launcher"
	"github.com/terrpan/workerhost/internal/launcher/docker"
	"github.com/terrpan/workerhost/internal/launcher/process"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Worker     WorkerConfig     `yaml:"worker"`
	Launcher   LauncherConfig   `yaml:"launcher"`
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig holds the RPC transport bind address and the admin
// (health + metrics) HTTP port.
type ServerConfig struct {
	// Address is the gRPC transport bind address workers dial back to.
	// Default: "127.0.0.1:50051".
	Address string `yaml:"address"`

	// AdminPort serves /healthz and /metrics.  A negative value
	// disables the admin server; 0 means unset.  Default: 8080.
	AdminPort int `yaml:"admin_port"`
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

// WorkerConfig describes the worker runtime policy inputs.
type WorkerConfig struct {
	// Runtime pins the worker runtime (e.g. "python", "java").  Empty
	// means not pinned; falls back to the WORKERHOST_RUNTIME env var.
	Runtime string `yaml:"runtime"`

	// PlaceholderMode enables pre-warming of generic worker capacity
	// when no runtime is pinned.  Falls back to the
	// WORKERHOST_PLACEHOLDER_MODE env var when false.
	PlaceholderMode bool `yaml:"placeholder_mode"`

	// ScriptRoot is the application root checked for the app-offline
	// marker.  Default: ".".
	ScriptRoot string `yaml:"script_root"`

	// ShutdownTimeoutSeconds bounds graceful transport shutdown before
	// escalating to a forced kill.  Default: 5.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`

	// WebHostRuntimes overrides the default set of runtimes provisioned
	// eagerly at the host level when pinned.
	WebHostRuntimes []string `yaml:"web_host_runtimes"`
}

// ShutdownTimeout returns the shutdown budget as a duration.
func (w WorkerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(w.ShutdownTimeoutSeconds) * time.Second
}

// ---------------------------------------------------------------------------
// Launcher
// ---------------------------------------------------------------------------

// LauncherConfig selects and configures the worker launcher backend.
type LauncherConfig struct {
	// Type selects the backend: "none" (workers managed externally),
	// "process", or "docker".  Default: "none".
	Type string `yaml:"type"`

	// Process holds process-launcher settings.  Only read when Type == "process".
	Process ProcessLauncherConfig `yaml:"process"`

	// Docker holds Docker-launcher settings.  Only read when Type == "docker".
	Docker DockerLauncherConfig `yaml:"docker"`
}

// ProcessLauncherConfig holds local-process launcher settings.
type ProcessLauncherConfig struct {
	// Commands maps a runtime to the argv that starts one worker,
	// e.g. python: ["python3", "-m", "worker"].
	Commands map[string][]string `yaml:"commands"`
}

// DockerLauncherConfig holds Docker launcher settings.
type DockerLauncherConfig struct {
	// Images maps a runtime to its worker container image.
	Images map[string]string `yaml:"images"`

	// DefaultImage is used for runtimes with no entry in Images.
	DefaultImage string `yaml:"default_image"`

	// Network is the Docker network workers join.  Default: "host".
	Network string `yaml:"network"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout.  Default: false.
	StdOut bool `yaml:"stdout"`
}

// PrometheusConfig controls the Prometheus metric reader.
type PrometheusConfig struct {
	// Enabled exposes metrics on the admin server's /metrics endpoint.
	// Default: true.  Use a *bool so "not set" differs from "false".
	Enabled *bool `yaml:"enabled"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed
// Config.  A missing file is not an error: flags and environment can
// supply everything.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:50051"
	}
	if c.Server.AdminPort == 0 {
		c.Server.AdminPort = 8080
	}
	if c.Worker.ScriptRoot == "" {
		c.Worker.ScriptRoot = "."
	}
	if c.Worker.ShutdownTimeoutSeconds == 0 {
		c.Worker.ShutdownTimeoutSeconds = 5
	}
	if c.Launcher.Type == "" {
		c.Launcher.Type = "none"
	}
	if c.Launcher.Docker.Network == "" {
		c.Launcher.Docker.Network = "host"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Prometheus.Enabled == nil {
		t := true
		c.Prometheus.Enabled = &t
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.Worker.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("worker.shutdown_timeout_seconds must not be negative")
	}

	switch c.Launcher.Type {
	case "none":
		// OK: channels are provisioned for externally managed workers.
	case "process":
		if len(c.Launcher.Process.Commands) == 0 {
			return fmt.Errorf("launcher.process.commands is required when launcher.type is \"process\"")
		}
		for rt, argv := range c.Launcher.Process.Commands {
			if len(argv) == 0 {
				return fmt.Errorf("launcher.process.commands[%s] is empty", rt)
			}
		}
	case "docker":
		if len(c.Launcher.Docker.Images) == 0 && c.Launcher.Docker.DefaultImage == "" {
			return fmt.Errorf("launcher.docker.images or launcher.docker.default_image is required when launcher.type is \"docker\"")
		}
	default:
		return fmt.Errorf("launcher.type %q is not supported (supported: none, process, docker)", c.Launcher.Type)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewProbe builds the environment probe, preferring explicit config
// over the process environment.
func (c *Config) NewProbe() hostenv.Static {
	probe := hostenv.FromEnv()
	if c.Worker.Runtime != "" {
		probe.Runtime = c.Worker.Runtime
	}
	if c.Worker.PlaceholderMode {
		probe.Placeholder = true
	}
	return probe
}

// NewLauncher creates the worker launcher selected by launcher.type.
// A nil launcher (type "none") means workers are managed externally.
func (c *Config) NewLauncher(ctx context.Context, logger *slog.Logger) (launcher.Launcher, error) {
	switch c.Launcher.Type {
	case "none":
		return nil, nil
	case "process":
		return process.New(process.Config{
			Commands: c.Launcher.Process.Commands,
		}, logger.WithGroup("launcher.process"))
	case "docker":
		return docker.New(ctx, docker.Config{
			Images:       c.Launcher.Docker.Images,
			DefaultImage: c.Launcher.Docker.DefaultImage,
			Network:      c.Launcher.Docker.Network,
		}, logger.WithGroup("launcher.docker"))
	default:
		return nil, fmt.Errorf("unsupported launcher type: %s", c.Launcher.Type)
	}
}
