// Package docker implements launcher.Launcher using the Docker daemon
// to run worker runtimes as containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/terrpan/workerhost/internal/launcher"
)

// Config holds Docker-specific settings.
type Config struct {
	// Images maps a runtime identifier to the container image that
	// runs it (e.g. "python" -> "ghcr.io/terrpan/worker-python:latest").
	Images map[string]string

	// DefaultImage is used for runtimes without an entry in Images.
	// Optional; starting a runtime with no image configured is an error.
	DefaultImage string

	// Network is the Docker network workers join so they can reach the
	// host transport.  Default: "host".
	Network string
}

// Launcher runs worker runtimes as Docker containers.
type Launcher struct {
	client   *dockerclient.Client
	images   map[string]string
	fallback string
	network  string
	logger   *slog.Logger

	mu         sync.Mutex
	containers map[string]string // worker name -> containerID
}

// Compile-time check.
var _ launcher.Launcher = (*Launcher)(nil)

// New connects to the Docker daemon and pre-pulls every configured
// worker image so channel initialization is not stalled by pulls.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Launcher, error) {
	if cfg.Network == "" {
		cfg.Network = "host"
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	l := &Launcher{
		client:     client,
		images:     cfg.Images,
		fallback:   cfg.DefaultImage,
		network:    cfg.Network,
		logger:     logger,
		containers: make(map[string]string),
	}

	for runtime, img := range cfg.Images {
		if err := l.pull(ctx, img); err != nil {
			return nil, fmt.Errorf("pulling image for runtime %s: %w", runtime, err)
		}
	}
	if cfg.DefaultImage != "" {
		if err := l.pull(ctx, cfg.DefaultImage); err != nil {
			return nil, fmt.Errorf("pulling default image: %w", err)
		}
	}

	return l, nil
}

func (l *Launcher) pull(ctx context.Context, img string) error {
	l.logger.Info("pulling worker image", slog.String("image", img))

	pull, err := l.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", img, err)
	}
	// Drain the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		return fmt.Errorf("reading image pull response: %w", err)
	}
	return pull.Close()
}

func (l *Launcher) imageFor(runtime string) (string, error) {
	if img, ok := l.images[strings.ToLower(runtime)]; ok {
		return img, nil
	}
	if l.fallback != "" {
		return l.fallback, nil
	}
	return "", fmt.Errorf("no image configured for runtime %q", runtime)
}

// StartWorker creates and starts a container running the worker runtime.
func (l *Launcher) StartWorker(ctx context.Context, spec launcher.WorkerSpec) (string, error) {
	img, err := l.imageFor(spec.Runtime)
	if err != nil {
		return "", err
	}

	env := []string{
		fmt.Sprintf("%s=%s", launcher.EnvTransportAddr, spec.TransportAddr),
		fmt.Sprintf("%s=%s", launcher.EnvChannelID, spec.ChannelID),
		fmt.Sprintf("%s=%s", launcher.EnvRuntime, spec.Runtime),
	}

	resp, err := l.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: img,
			Env:   env,
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(l.network),
		},
		nil, // networking config
		nil, // platform
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", spec.Name, err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = l.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", spec.Name, err)
	}

	l.mu.Lock()
	l.containers[spec.Name] = resp.ID
	l.mu.Unlock()

	l.logger.Info("worker started",
		slog.String("runtime", spec.Runtime),
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID),
	)

	return resp.ID, nil
}

// StopWorker force-removes the container identified by id.
func (l *Launcher) StopWorker(ctx context.Context, id string) error {
	l.logger.Info("stopping worker", slog.String("containerID", id))

	if err := l.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("container remove %s: %w", id, err)
	}

	// Drop the tracking entry whether the container was removed here or
	// had already vanished, so Shutdown does not retry it.
	l.mu.Lock()
	for name, cid := range l.containers {
		if cid == id {
			delete(l.containers, name)
			break
		}
	}
	l.mu.Unlock()

	return nil
}

// Shutdown force-removes every container this launcher is tracking.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	snapshot := make(map[string]string, len(l.containers))
	for k, v := range l.containers {
		snapshot[k] = v
	}
	l.mu.Unlock()

	var firstErr error
	for name, id := range snapshot {
		l.logger.Info("shutdown: removing worker",
			slog.String("name", name),
			slog.String("containerID", id),
		)
		if err := l.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
			l.logger.Error("shutdown: failed to remove worker",
				slog.String("name", name),
				slog.String("containerID", id),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	l.mu.Lock()
	clear(l.containers)
	l.mu.Unlock()

	return firstErr
}
