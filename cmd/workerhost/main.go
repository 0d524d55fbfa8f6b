package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/workerhost/internal/config"
	"github.com/terrpan/workerhost/internal/health"
	"github.com/terrpan/workerhost/internal/lifecycle"
	"github.com/terrpan/workerhost/internal/orchestrator"
	"github.com/terrpan/workerhost/internal/otel"
	"github.com/terrpan/workerhost/internal/registry"
	"github.com/terrpan/workerhost/internal/transport"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "workerhost",
	Short: "Out-of-process worker host -- provisions and supervises language worker channels",
	Long: `workerhost brings up a gRPC transport for out-of-process language
workers, provisions worker channels according to the configured runtime
policy (pinned runtime or placeholder pre-warming), and tears the
transport down gracefully -- escalating to a forced kill after a bounded
wait -- when the host stops.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Server overrides
	f.StringVar(&flagOverrides.Server.Address, "address", "", "gRPC transport bind address (e.g. 127.0.0.1:50051)")
	f.IntVar(&flagOverrides.Server.AdminPort, "admin-port", 0, "Admin HTTP port for /healthz and /metrics (-1 to disable, 0 = config default)")

	// Worker overrides
	f.StringVar(&flagOverrides.Worker.Runtime, "runtime", "", "Pinned worker runtime (e.g. python, java, node)")
	f.BoolVar(&flagOverrides.Worker.PlaceholderMode, "placeholder-mode", false, "Enable placeholder pre-warming when no runtime is pinned")
	f.StringVar(&flagOverrides.Worker.ScriptRoot, "script-root", "", "Application root checked for the app-offline marker")
	f.IntVar(&flagOverrides.Worker.ShutdownTimeoutSeconds, "shutdown-timeout", 0, "Graceful transport shutdown budget in seconds")

	// Launcher overrides
	f.StringVar(&flagOverrides.Launcher.Type, "launcher", "", "Worker launcher backend (none, process, docker)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Server.Address != "" {
		cfg.Server.Address = flagOverrides.Server.Address
	}
	if flagOverrides.Server.AdminPort != 0 {
		cfg.Server.AdminPort = flagOverrides.Server.AdminPort
	}
	if flagOverrides.Worker.Runtime != "" {
		cfg.Worker.Runtime = flagOverrides.Worker.Runtime
	}
	if flagOverrides.Worker.PlaceholderMode {
		cfg.Worker.PlaceholderMode = true
	}
	if flagOverrides.Worker.ScriptRoot != "" {
		cfg.Worker.ScriptRoot = flagOverrides.Worker.ScriptRoot
	}
	if flagOverrides.Worker.ShutdownTimeoutSeconds != 0 {
		cfg.Worker.ShutdownTimeoutSeconds = flagOverrides.Worker.ShutdownTimeoutSeconds
	}
	if flagOverrides.Launcher.Type != "" {
		cfg.Launcher.Type = flagOverrides.Launcher.Type
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("address", cfg.Server.Address),
		slog.String("launcher", cfg.Launcher.Type),
		slog.String("runtime", cfg.Worker.Runtime),
		slog.Bool("placeholderMode", cfg.Worker.PlaceholderMode),
	)

	// ---------------------------------------------------------------
	// 3. OpenTelemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.Setup(ctx, "workerhost", otel.Config{
		Enabled:           cfg.OTel.Enabled,
		Endpoint:          cfg.OTel.Endpoint,
		Insecure:          cfg.OTel.Insecure,
		StdOut:            cfg.OTel.StdOut,
		PrometheusEnabled: *cfg.Prometheus.Enabled,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Transport, launcher, registry
	// ---------------------------------------------------------------
	srv := transport.New(cfg.Server.Address, logger.WithGroup("transport"))

	lnch, err := cfg.NewLauncher(ctx, logger)
	if err != nil {
		return fmt.Errorf("creating launcher: %w", err)
	}
	if lnch != nil {
		defer func() {
			if err := lnch.Shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Error("launcher shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	reg := registry.New(registry.Config{
		Launcher:      lnch,
		TransportAddr: cfg.Server.Address,
		Logger:        logger.WithGroup("registry"),
	})

	// ---------------------------------------------------------------
	// 5. Orchestrator
	// ---------------------------------------------------------------
	bus := lifecycle.NewBus()
	defer bus.Close()

	orch := orchestrator.New(orchestrator.Config{
		Probe:           cfg.NewProbe(),
		Transport:       srv,
		Registry:        reg,
		Events:          bus,
		ScriptRoot:      cfg.Worker.ScriptRoot,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout(),
		WebHostRuntimes: cfg.Worker.WebHostRuntimes,
		Logger:          logger.WithGroup("orchestrator"),
	})
	defer orch.Dispose()

	// ---------------------------------------------------------------
	// 6. Admin HTTP server (/healthz, /metrics)
	// ---------------------------------------------------------------
	if cfg.Server.AdminPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", health.Handler(cfg.Launcher.Type, health.Status{
			TransportStarted: orch.TransportStarted,
			ChannelCount:     reg.Len,
		}))
		if *cfg.Prometheus.Enabled {
			mux.Handle("/metrics", promhttp.Handler())
		}

		admin := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.AdminPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("admin server listening", slog.Int("port", cfg.Server.AdminPort))
			if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(shutdownCtx)
		}()
	}

	// ---------------------------------------------------------------
	// 7. Start
	// ---------------------------------------------------------------
	bus.Publish(lifecycle.StateCreated, lifecycle.StateRunning)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting worker host: %w", err)
	}

	logger.Info("worker host running",
		slog.String("transportAddr", srv.Addr()),
		slog.Bool("transportStarted", orch.TransportStarted()),
	)

	// ---------------------------------------------------------------
	// 8. Wait for shutdown signal
	// ---------------------------------------------------------------
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Channels first, then the Stopped transition drives transport
	// teardown through the event watcher.
	stopCtx := context.WithoutCancel(ctx)
	bus.Publish(lifecycle.StateRunning, lifecycle.StateStopping)
	if err := orch.Stop(stopCtx); err != nil {
		logger.Error("worker channel shutdown failed", slog.String("error", err.Error()))
	}
	bus.Publish(lifecycle.StateStopping, lifecycle.StateStopped)

	// Release the subscription and wait for the watcher to finish any
	// in-flight transport teardown.
	orch.Dispose()
	waitCtx, cancel := context.WithTimeout(stopCtx, cfg.Worker.ShutdownTimeout()+5*time.Second)
	defer cancel()
	if err := orch.Wait(waitCtx); err != nil {
		logger.Warn("timed out waiting for transport teardown", slog.String("error", err.Error()))
	}

	logger.Info("shutting down gracefully")
	return nil
}
