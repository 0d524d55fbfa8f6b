// Package orchestrator owns the host's worker startup sequencing,
// runtime selection policy, and shutdown escalation.  Start brings up
// the RPC transport and provisions worker channels per policy; an
// event-stream watcher independently tears the transport down when the
// host reaches Stopped, escalating from graceful shutdown to a forced
// kill after a bounded wait.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/workerhost/internal/hostenv"
	"github.com/terrpan/workerhost/internal/lifecycle"
)

// DefaultShutdownTimeout bounds how long a graceful transport shutdown
// is awaited before escalating to a forced kill.
const DefaultShutdownTimeout = 5 * time.Second

// Transport is the RPC transport contract the orchestrator drives.
type Transport interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Kill(ctx context.Context) error
}

// ChannelRegistry provisions and tears down worker channels.
type ChannelRegistry interface {
	Initialize(ctx context.Context, runtime string) error
	ShutdownAll(ctx context.Context) error
}

// InitializationError wraps a transport start failure.  Transport start
// is best-effort: the error is logged and queryable but startup
// continues, so this type surfaces in logs rather than return values.
type InitializationError struct {
	Cause error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("worker host initialization failed: %v", e.Cause)
}

func (e *InitializationError) Unwrap() error { return e.Cause }

// DefaultPlaceholderRuntimes returns the per-platform runtimes eligible
// for placeholder pre-warming.  Only runtimes with slow cold starts are
// worth pre-warming.
func DefaultPlaceholderRuntimes() map[hostenv.Platform][]string {
	return map[hostenv.Platform][]string{
		hostenv.PlatformWindows: {"java"},
		hostenv.PlatformLinux:   {"python"},
	}
}

// DefaultWebHostRuntimes returns the runtimes whose channels are
// initialized eagerly at the host level when pinned via configuration.
// Every other pinned runtime is provisioned lazily by a narrower scope.
func DefaultWebHostRuntimes() []string {
	return []string{"java"}
}

// Config wires the orchestrator's collaborators.  Transport, Registry,
// Events and Probe are required; the rest default.
type Config struct {
	Probe     hostenv.Probe
	Transport Transport
	Registry  ChannelRegistry
	Events    *lifecycle.Bus

	// ScriptRoot is checked for the app-offline marker on Start.
	ScriptRoot string

	// ShutdownTimeout overrides DefaultShutdownTimeout when > 0.
	ShutdownTimeout time.Duration

	// PlaceholderRuntimes overrides DefaultPlaceholderRuntimes when non-nil.
	PlaceholderRuntimes map[hostenv.Platform][]string

	// WebHostRuntimes overrides DefaultWebHostRuntimes when non-nil.
	WebHostRuntimes []string

	Logger *slog.Logger
}

// Orchestrator sequences worker host startup and shutdown.  It does not
// own the transport or registry -- both are injected and shared with
// the supervisor -- but it exclusively owns its event subscription.
type Orchestrator struct {
	probe     hostenv.Probe
	transport Transport
	registry  ChannelRegistry
	logger    *slog.Logger

	platform        hostenv.Platform
	scriptRoot      string
	shutdownTimeout time.Duration
	placeholder     map[hostenv.Platform][]string

	// webHostRuntimes is mutable only via AddWebHostRuntime, and only
	// outside an in-flight Start.
	mu              sync.Mutex
	webHostRuntimes map[string]struct{}

	transportStarted atomic.Bool

	events      <-chan lifecycle.Transition
	unsubscribe func()
	disposeOnce sync.Once
	watcherDone chan struct{}

	tracer trace.Tracer
	meter  metric.Meter

	transportStartFailures metric.Int64Counter
	shutdownEscalations    metric.Int64Counter
	shutdownDuration       metric.Float64Histogram
}

// New creates an Orchestrator and subscribes it to the lifecycle event
// stream.  The subscription is held until Dispose.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.PlaceholderRuntimes == nil {
		cfg.PlaceholderRuntimes = DefaultPlaceholderRuntimes()
	}
	webHost := cfg.WebHostRuntimes
	if webHost == nil {
		webHost = DefaultWebHostRuntimes()
	}

	o := &Orchestrator{
		probe:           cfg.Probe,
		transport:       cfg.Transport,
		registry:        cfg.Registry,
		logger:          cfg.Logger,
		platform:        cfg.Probe.Platform(),
		scriptRoot:      cfg.ScriptRoot,
		shutdownTimeout: cfg.ShutdownTimeout,
		placeholder:     cfg.PlaceholderRuntimes,
		webHostRuntimes: make(map[string]struct{}, len(webHost)),
		watcherDone:     make(chan struct{}),
		tracer:          otel.Tracer("workerhost/orchestrator"),
		meter:           otel.Meter("workerhost/orchestrator"),
	}
	for _, rt := range webHost {
		o.webHostRuntimes[strings.ToLower(rt)] = struct{}{}
	}

	// Metric init errors are logged but not fatal.
	var err error
	o.transportStartFailures, err = o.meter.Int64Counter(
		"workerhost.transport.start.failures",
		metric.WithDescription("Total number of transport start failures absorbed at startup"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create transportStartFailures counter", slog.String("error", err.Error()))
	}

	o.shutdownEscalations, err = o.meter.Int64Counter(
		"workerhost.transport.shutdown.escalations",
		metric.WithDescription("Total number of graceful shutdowns escalated to a forced kill"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create shutdownEscalations counter", slog.String("error", err.Error()))
	}

	o.shutdownDuration, err = o.meter.Float64Histogram(
		"workerhost.transport.shutdown.duration",
		metric.WithDescription("Time spent shutting down the transport (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create shutdownDuration histogram", slog.String("error", err.Error()))
	}

	o.events, o.unsubscribe = cfg.Events.Subscribe()
	go o.watch()

	return o
}

// ---------------------------------------------------------------------------
// Lifecycle hooks
// ---------------------------------------------------------------------------

// Start brings up the transport and initializes worker channels per the
// runtime selection policy.  A present app-offline marker makes Start a
// no-op.  Internal failures are logged, not returned: startup is
// best-effort by design.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Start")
	defer span.End()

	if hostenv.AppOffline(o.scriptRoot) {
		span.SetAttributes(attribute.Bool("workerhost.app_offline", true))
		o.logger.Info("app offline marker present, skipping worker host startup",
			slog.String("scriptRoot", o.scriptRoot),
		)
		return nil
	}

	if err := o.transport.Start(ctx); err != nil {
		// Transport start is best-effort: record and continue rather
		// than failing the host. See InitializationError.
		initErr := &InitializationError{Cause: err}
		span.SetAttributes(attribute.Bool("workerhost.transport_started", false))
		o.logger.Error("transport start failed, continuing without transport",
			slog.String("error", initErr.Error()),
		)
		if o.transportStartFailures != nil {
			o.transportStartFailures.Add(ctx, 1)
		}
	} else {
		o.transportStarted.Store(true)
		span.SetAttributes(attribute.Bool("workerhost.transport_started", true))
	}

	o.initializeChannels(ctx)
	return nil
}

// initializeChannels applies the runtime selection policy: placeholder
// pre-warming when no runtime is pinned and the flag is on, otherwise a
// single host-level channel for whitelisted pinned runtimes.
func (o *Orchestrator) initializeChannels(ctx context.Context) {
	runtime, pinned := o.probe.WorkerRuntime()

	if !pinned && o.probe.PlaceholderModeEnabled() {
		runtimes := o.placeholder[o.platform]
		o.logger.Info("placeholder mode: pre-warming worker channels",
			slog.String("platform", string(o.platform)),
			slog.Any("runtimes", runtimes),
		)

		// All-must-settle: one failing runtime must not block the rest.
		var wg sync.WaitGroup
		errs := make([]error, len(runtimes))
		for i, rt := range runtimes {
			wg.Add(1)
			go func(i int, rt string) {
				defer wg.Done()
				errs[i] = o.registry.Initialize(ctx, rt)
			}(i, rt)
		}
		wg.Wait()

		if err := errors.Join(errs...); err != nil {
			o.logger.Warn("placeholder channel initialization incomplete",
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if !pinned {
		o.logger.Debug("no worker runtime configured and placeholder mode disabled, no channels initialized")
		return
	}

	if !o.isWebHostRuntime(runtime) {
		// Provisioning for this runtime is deferred to a narrower scope.
		o.logger.Debug("runtime not web-host-level, deferring channel initialization",
			slog.String("runtime", runtime),
		)
		return
	}

	o.logger.Info("initializing host-level worker channel", slog.String("runtime", runtime))
	if err := o.registry.Initialize(ctx, runtime); err != nil {
		o.logger.Error("worker channel initialization failed",
			slog.String("runtime", runtime),
			slog.String("error", err.Error()),
		)
	}
}

// Stop instructs the registry to shut down all worker channels.  It
// does not touch the transport: transport teardown is driven by the
// lifecycle event stream.
func (o *Orchestrator) Stop(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Stop")
	defer span.End()

	o.logger.Info("shutting down worker channels")
	if err := o.registry.ShutdownAll(ctx); err != nil {
		o.logger.Error("worker channel shutdown incomplete", slog.String("error", err.Error()))
	}
	return nil
}

// Dispose releases the event-stream subscription.  Idempotent; does not
// shut down the transport or channels.
func (o *Orchestrator) Dispose() {
	o.disposeOnce.Do(o.unsubscribe)
}

// Wait blocks until the event watcher has exited, which happens once
// the subscription is released (Dispose or bus close) and any in-flight
// transport teardown has finished.
func (o *Orchestrator) Wait(ctx context.Context) error {
	select {
	case <-o.watcherDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TransportStarted reports whether the transport came up during Start.
func (o *Orchestrator) TransportStarted() bool {
	return o.transportStarted.Load()
}

// ---------------------------------------------------------------------------
// Runtime selection policy
// ---------------------------------------------------------------------------

// AddWebHostRuntime marks a runtime as web-host-level, so a pinned
// configuration for it gets its channel initialized eagerly by Start.
// Intended for setup and tests only; not safe during an in-flight Start.
func (o *Orchestrator) AddWebHostRuntime(runtime string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.webHostRuntimes[strings.ToLower(strings.TrimSpace(runtime))] = struct{}{}
}

// WebHostRuntimes returns the current whitelist, sorted.
func (o *Orchestrator) WebHostRuntimes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]string, 0, len(o.webHostRuntimes))
	for rt := range o.webHostRuntimes {
		out = append(out, rt)
	}
	slices.Sort(out)
	return out
}

func (o *Orchestrator) isWebHostRuntime(runtime string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.webHostRuntimes[strings.ToLower(runtime)]
	return ok
}

// ---------------------------------------------------------------------------
// Reactive transport teardown
// ---------------------------------------------------------------------------

// watch consumes lifecycle transitions until the subscription closes.
// Only the Stopping -> Stopped transition triggers transport teardown;
// everything else is ignored.
func (o *Orchestrator) watch() {
	defer close(o.watcherDone)

	for tr := range o.events {
		if tr.From != lifecycle.StateStopping || tr.To != lifecycle.StateStopped {
			continue
		}
		o.shutdownTransport()
	}
}

// shutdownTransport races a graceful shutdown against the timeout
// budget and escalates to a forced kill if the budget elapses or the
// graceful path faults.  There is exactly one escalation step, and the
// caller blocks until the kill resolves: returning from here signals
// that teardown is finished.
func (o *Orchestrator) shutdownTransport() {
	ctx, span := o.tracer.Start(context.Background(), "orchestrator.shutdownTransport")
	defer span.End()

	o.logger.Info("host stopped, shutting down transport",
		slog.Duration("timeout", o.shutdownTimeout),
	)

	start := time.Now()
	gracefulCtx, cancel := context.WithTimeout(ctx, o.shutdownTimeout)
	defer cancel()

	// The race is owned here, not delegated: a transport whose Shutdown
	// ignores ctx must still lose to the timer.
	done := make(chan error, 1)
	go func() {
		done <- o.transport.Shutdown(gracefulCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-gracefulCtx.Done():
		err = gracefulCtx.Err()
	}

	if o.shutdownDuration != nil {
		o.shutdownDuration.Record(ctx, time.Since(start).Seconds())
	}

	if err == nil {
		span.SetAttributes(attribute.String("workerhost.shutdown_outcome", "graceful"))
		o.logger.Info("transport shut down gracefully",
			slog.Duration("elapsed", time.Since(start)),
		)
		return
	}

	timedOut := errors.Is(err, context.DeadlineExceeded)
	span.SetAttributes(
		attribute.String("workerhost.shutdown_outcome", "escalated"),
		attribute.Bool("workerhost.shutdown_timed_out", timedOut),
	)
	if timedOut {
		o.logger.Warn("graceful transport shutdown timed out, killing transport",
			slog.Duration("timeout", o.shutdownTimeout),
		)
	} else {
		o.logger.Warn("graceful transport shutdown faulted, killing transport",
			slog.String("error", err.Error()),
		)
	}
	if o.shutdownEscalations != nil {
		o.shutdownEscalations.Add(ctx, 1)
	}

	// Single escalation: kill once and wait for it, whatever happens.
	if err := o.transport.Kill(context.WithoutCancel(ctx)); err != nil {
		o.logger.Error("transport kill failed", slog.String("error", err.Error()))
		return
	}
	o.logger.Info("transport killed")
}
