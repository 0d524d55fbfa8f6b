// Package registry provisions and tracks the communication channels
// between the host and its out-of-process workers.  A channel is one
// provisioned worker slot for a runtime: initialization reserves the
// slot, optionally launches the worker process via the configured
// launcher, and records the channel for teardown.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/workerhost/internal/launcher"
)

// defaultLaunchAttempts bounds worker launch retries.  Retry policy
// lives here, not in the orchestrator: callers see one Initialize call
// succeed or fail.
const defaultLaunchAttempts = 3

// Channel is one provisioned worker communication slot.
type Channel struct {
	ID        string
	Runtime   string
	WorkerID  string // empty while the worker is still launching, or when externally managed
	CreatedAt time.Time
}

// Config holds the registry's collaborators.
type Config struct {
	// Launcher starts worker processes for newly initialized channels.
	// Nil means workers are managed outside the host and the registry
	// only records channels.
	Launcher launcher.Launcher

	// TransportAddr is handed to launched workers so they can dial back.
	TransportAddr string

	// LaunchAttempts overrides defaultLaunchAttempts when > 0.
	LaunchAttempts int

	Logger *slog.Logger
}

// Registry tracks at most one channel per runtime.
type Registry struct {
	launcher       launcher.Launcher
	transportAddr  string
	launchAttempts int
	logger         *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel // lowercased runtime -> channel

	meter               metric.Meter
	channelsInitialized metric.Int64Counter
	launchRetries       metric.Int64Counter
}

// New creates a Registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	attempts := cfg.LaunchAttempts
	if attempts <= 0 {
		attempts = defaultLaunchAttempts
	}

	r := &Registry{
		launcher:       cfg.Launcher,
		transportAddr:  cfg.TransportAddr,
		launchAttempts: attempts,
		logger:         cfg.Logger,
		channels:       make(map[string]*Channel),
		meter:          otel.Meter("workerhost/registry"),
	}

	// Metric init errors are logged but not fatal.
	var err error
	r.channelsInitialized, err = r.meter.Int64Counter(
		"workerhost.channels.initialized",
		metric.WithDescription("Total number of worker channels initialized"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create channelsInitialized counter", slog.String("error", err.Error()))
	}

	r.launchRetries, err = r.meter.Int64Counter(
		"workerhost.worker.launch.retries",
		metric.WithDescription("Total number of worker launch retries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create launchRetries counter", slog.String("error", err.Error()))
	}

	_, err = r.meter.Int64ObservableGauge(
		"workerhost.channels.active",
		metric.WithDescription("Current number of provisioned worker channels"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create active channels gauge", slog.String("error", err.Error()))
	}

	return r
}

// Initialize provisions a channel for the given runtime.  It is
// idempotent: a runtime that already has a channel (including one still
// launching) is left alone and nil is returned.
func (r *Registry) Initialize(ctx context.Context, runtime string) error {
	key := strings.ToLower(strings.TrimSpace(runtime))
	if key == "" {
		return fmt.Errorf("initialize channel: empty runtime")
	}

	ch := &Channel{
		ID:        uuid.NewString(),
		Runtime:   key,
		CreatedAt: time.Now(),
	}

	// Reserve the slot under lock so concurrent Initialize calls for
	// the same runtime observe it and return early; launch outside it.
	r.mu.Lock()
	if _, exists := r.channels[key]; exists {
		r.mu.Unlock()
		r.logger.Debug("channel already initialized", slog.String("runtime", key))
		return nil
	}
	r.channels[key] = ch
	r.mu.Unlock()

	if r.launcher != nil {
		workerID, err := r.launchWithRetry(ctx, ch)
		if err != nil {
			// Release the slot so a later Initialize can retry.
			r.mu.Lock()
			delete(r.channels, key)
			r.mu.Unlock()
			return fmt.Errorf("initialize channel for %s: %w", key, err)
		}
		r.mu.Lock()
		ch.WorkerID = workerID
		r.mu.Unlock()
	}

	r.logger.Info("worker channel initialized",
		slog.String("runtime", key),
		slog.String("channelID", ch.ID),
	)
	if r.channelsInitialized != nil {
		r.channelsInitialized.Add(ctx, 1, metric.WithAttributes(attribute.String("runtime", key)))
	}

	return nil
}

func (r *Registry) launchWithRetry(ctx context.Context, ch *Channel) (string, error) {
	spec := launcher.WorkerSpec{
		Runtime:       ch.Runtime,
		Name:          fmt.Sprintf("worker-%s-%s", ch.Runtime, ch.ID[:8]),
		ChannelID:     ch.ID,
		TransportAddr: r.transportAddr,
	}

	bo := gax.Backoff{
		Initial:    250 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2,
	}

	var lastErr error
	for attempt := 1; attempt <= r.launchAttempts; attempt++ {
		id, err := r.launcher.StartWorker(ctx, spec)
		if err == nil {
			return id, nil
		}
		lastErr = err

		r.logger.Warn("worker launch failed",
			slog.String("runtime", ch.Runtime),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt == r.launchAttempts {
			break
		}
		if r.launchRetries != nil {
			r.launchRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("runtime", ch.Runtime)))
		}
		if err := gax.Sleep(ctx, bo.Pause()); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

// ShutdownAll tears down every channel, stopping launched workers
// best-effort.  The first stop error is returned after all channels
// have been attempted.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	snapshot := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		snapshot = append(snapshot, ch)
	}
	clear(r.channels)
	r.mu.Unlock()

	var firstErr error
	for _, ch := range snapshot {
		r.logger.Info("shutting down worker channel",
			slog.String("runtime", ch.Runtime),
			slog.String("channelID", ch.ID),
		)
		if r.launcher == nil || ch.WorkerID == "" {
			continue
		}
		if err := r.launcher.StopWorker(ctx, ch.WorkerID); err != nil {
			r.logger.Error("failed to stop worker",
				slog.String("runtime", ch.Runtime),
				slog.String("workerID", ch.WorkerID),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Len returns the number of provisioned channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Channels returns a snapshot of the provisioned channels.
func (r *Registry) Channels() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, *ch)
	}
	return out
}
