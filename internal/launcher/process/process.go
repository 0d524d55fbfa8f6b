// Package process implements launcher.Launcher by spawning worker
// runtimes as local child processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terrpan/workerhost/internal/launcher"
)

// DefaultStopGrace bounds how long StopWorker waits after an interrupt
// before killing the process outright.
const DefaultStopGrace = 5 * time.Second

// Config holds process-launcher settings.
type Config struct {
	// Commands maps a runtime identifier to the argv that starts one
	// worker of that runtime (e.g. "python" -> ["python3", "worker.py"]).
	Commands map[string][]string

	// StopGrace overrides DefaultStopGrace when > 0.
	StopGrace time.Duration
}

type workerProc struct {
	cmd    *exec.Cmd
	waitCh chan struct{} // closed when the process has been reaped
}

// Launcher spawns workers as child processes of the host.
type Launcher struct {
	commands  map[string][]string
	stopGrace time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	workers map[string]*workerProc // id -> process
}

// Compile-time check.
var _ launcher.Launcher = (*Launcher)(nil)

// New creates a process launcher.  Commands must contain an entry for
// every runtime that will be started.
func New(cfg Config, logger *slog.Logger) (*Launcher, error) {
	if len(cfg.Commands) == 0 {
		return nil, fmt.Errorf("process launcher: no worker commands configured")
	}
	for rt, argv := range cfg.Commands {
		if len(argv) == 0 {
			return nil, fmt.Errorf("process launcher: empty command for runtime %q", rt)
		}
	}

	grace := cfg.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	commands := make(map[string][]string, len(cfg.Commands))
	for rt, argv := range cfg.Commands {
		commands[strings.ToLower(rt)] = argv
	}

	return &Launcher{
		commands:  commands,
		stopGrace: grace,
		logger:    logger,
		workers:   make(map[string]*workerProc),
	}, nil
}

// StartWorker spawns one worker process for spec.Runtime.
func (l *Launcher) StartWorker(ctx context.Context, spec launcher.WorkerSpec) (string, error) {
	argv, ok := l.commands[strings.ToLower(spec.Runtime)]
	if !ok {
		return "", fmt.Errorf("no command configured for runtime %q", spec.Runtime)
	}

	// The worker outlives ctx (which only bounds the start call), so
	// the command is deliberately not bound to it.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", launcher.EnvTransportAddr, spec.TransportAddr),
		fmt.Sprintf("%s=%s", launcher.EnvChannelID, spec.ChannelID),
		fmt.Sprintf("%s=%s", launcher.EnvRuntime, spec.Runtime),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting worker %s: %w", spec.Name, err)
	}

	id := uuid.NewString()
	proc := &workerProc{cmd: cmd, waitCh: make(chan struct{})}

	l.mu.Lock()
	l.workers[id] = proc
	l.mu.Unlock()

	// Reap the process and forget it once it exits on its own.
	go func() {
		err := cmd.Wait()
		close(proc.waitCh)

		l.mu.Lock()
		delete(l.workers, id)
		l.mu.Unlock()

		if err != nil {
			l.logger.Warn("worker exited with error",
				slog.String("runtime", spec.Runtime),
				slog.String("name", spec.Name),
				slog.String("error", err.Error()),
			)
		}
	}()

	l.logger.Info("worker started",
		slog.String("runtime", spec.Runtime),
		slog.String("name", spec.Name),
		slog.Int("pid", cmd.Process.Pid),
	)

	return id, nil
}

// StopWorker interrupts the worker and kills it if it does not exit
// within the stop grace period.
func (l *Launcher) StopWorker(ctx context.Context, id string) error {
	l.mu.Lock()
	proc, ok := l.workers[id]
	if ok {
		delete(l.workers, id)
	}
	l.mu.Unlock()

	if !ok {
		// Already exited or never existed.
		return nil
	}

	if err := proc.cmd.Process.Signal(os.Interrupt); err != nil {
		// Interrupt can fail on an already-dead process or on platforms
		// without signal support; fall through to kill.
		l.logger.Debug("interrupt failed, killing worker", slog.String("error", err.Error()))
	}

	select {
	case <-proc.waitCh:
		return nil
	case <-time.After(l.stopGrace):
	case <-ctx.Done():
	}

	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing worker: %w", err)
	}
	// Killed and reaped: the stop completed, even if ctx expired while
	// waiting for a voluntary exit.
	<-proc.waitCh
	return nil
}

// Shutdown stops every worker this launcher is tracking.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.workers))
	for id := range l.workers {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := l.StopWorker(ctx, id); err != nil {
			l.logger.Error("shutdown: failed to stop worker",
				slog.String("workerID", id),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
