// Package launcher defines the abstraction for starting and stopping
// the out-of-process worker runtimes the host brokers work to.  Each
// backend (local process, Docker container) implements the Launcher
// interface so the channel registry stays backend-agnostic.  A nil
// launcher is also valid: workers may be managed entirely outside the
// host, in which case the registry only provisions channels.
package launcher

import "context"

// Environment variables passed to every launched worker so it can dial
// back to the host transport and identify its channel.
const (
	EnvTransportAddr = "WORKERHOST_GRPC_ADDR"
	EnvChannelID     = "WORKERHOST_CHANNEL_ID"
	EnvRuntime       = "WORKERHOST_RUNTIME"
)

// WorkerSpec carries everything a backend needs to start one worker.
type WorkerSpec struct {
	// Runtime is the worker runtime identifier (e.g. "python", "java").
	Runtime string

	// Name is a human-readable instance name, unique per worker.
	Name string

	// ChannelID identifies the channel the worker must attach to.
	ChannelID string

	// TransportAddr is the host's gRPC address the worker dials.
	TransportAddr string
}

// Launcher is the contract every worker backend must satisfy.
//
// Workers are expected to connect back to the host transport after
// StartWorker returns; the launcher's job ends at getting the process
// running.  The returned id is opaque -- a PID-ish token for the
// process backend, a container ID for Docker.
type Launcher interface {
	// StartWorker starts one worker for spec.Runtime.  The returned id
	// is passed back to StopWorker when the channel is torn down.
	StartWorker(ctx context.Context, spec WorkerSpec) (id string, err error)

	// StopWorker terminates the worker identified by id.  It must be
	// idempotent: stopping an already-stopped worker is not an error.
	StopWorker(ctx context.Context, id string) error

	// Shutdown terminates every worker this launcher started.  Called
	// once during host teardown; best-effort.
	Shutdown(ctx context.Context) error
}
