package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/workerhost/internal/hostenv"
	"github.com/terrpan/workerhost/internal/lifecycle"
)

// ---------------------------------------------------------------------------
// Mock transport
// ---------------------------------------------------------------------------

type mockTransport struct {
	mu            sync.Mutex
	startCalls    int
	shutdownCalls int
	killCalls     int

	startErr    error
	shutdownErr error         // returned immediately when set
	hang        bool          // Shutdown blocks until ctx expires
	block       chan struct{} // Shutdown blocks here, ignoring ctx entirely
	killDelay   time.Duration
	killErr     error

	killedAt chan struct{} // closed on first Kill completion
}

func newMockTransport() *mockTransport {
	return &mockTransport{killedAt: make(chan struct{})}
}

func (m *mockTransport) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	return m.startErr
}

func (m *mockTransport) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdownCalls++
	hang, block, err := m.hang, m.block, m.shutdownErr
	m.mu.Unlock()

	if block != nil {
		<-block
		return nil
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (m *mockTransport) Kill(_ context.Context) error {
	m.mu.Lock()
	m.killCalls++
	first := m.killCalls == 1
	delay, err := m.killDelay, m.killErr
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if first {
		close(m.killedAt)
	}
	return err
}

func (m *mockTransport) counts() (start, shutdown, kill int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls, m.shutdownCalls, m.killCalls
}

// ---------------------------------------------------------------------------
// Mock registry
// ---------------------------------------------------------------------------

type mockRegistry struct {
	mu            sync.Mutex
	initialized   []string
	shutdownCalls int

	initErr map[string]error // per-runtime initialization failures
}

func (m *mockRegistry) Initialize(_ context.Context, runtime string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.initErr[runtime]; ok {
		return err
	}
	m.initialized = append(m.initialized, runtime)
	return nil
}

func (m *mockRegistry) ShutdownAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownCalls++
	return nil
}

func (m *mockRegistry) initializedRuntimes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.initialized))
	copy(out, m.initialized)
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type OrchestratorSuite struct {
	suite.Suite
	ctx       context.Context
	transport *mockTransport
	registry  *mockRegistry
	bus       *lifecycle.Bus
	logger    *slog.Logger
}

func (s *OrchestratorSuite) SetupTest() {
	s.ctx = context.Background()
	s.transport = newMockTransport()
	s.registry = &mockRegistry{}
	s.bus = lifecycle.NewBus()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *OrchestratorSuite) TearDownTest() {
	s.bus.Close()
}

func (s *OrchestratorSuite) newOrchestrator(probe hostenv.Probe, opts ...func(*Config)) *Orchestrator {
	cfg := Config{
		Probe:           probe,
		Transport:       s.transport,
		Registry:        s.registry,
		Events:          s.bus,
		ShutdownTimeout: 200 * time.Millisecond,
		Logger:          s.logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

// ---------------------------------------------------------------------------
// Runtime selection policy
// ---------------------------------------------------------------------------

func (s *OrchestratorSuite) TestStart_PlaceholderMode_Linux() {
	o := s.newOrchestrator(hostenv.Static{Placeholder: true, OS: hostenv.PlatformLinux})
	defer o.Dispose()

	require.NoError(s.T(), o.Start(s.ctx))

	assert.Equal(s.T(), []string{"python"}, s.registry.initializedRuntimes())
}

func (s *OrchestratorSuite) TestStart_PlaceholderMode_Windows() {
	o := s.newOrchestrator(hostenv.Static{Placeholder: true, OS: hostenv.PlatformWindows})
	defer o.Dispose()

	require.NoError(s.T(), o.Start(s.ctx))

	assert.Equal(s.T(), []string{"java"}, s.registry.initializedRuntimes())
}

func (s *OrchestratorSuite) TestStart_PlaceholderMode_InitializesAllConcurrently() {
	o := s.newOrchestrator(
		hostenv.Static{Placeholder: true, OS: hostenv.PlatformLinux},
		func(cfg *Config) {
			cfg.PlaceholderRuntimes = map[hostenv.Platform][]string{
				hostenv.PlatformLinux: {"python", "node", "dotnet"},
			}
		},
	)
	defer o.Dispose()

	require.NoError(s.T(), o.Start(s.ctx))

	assert.Equal(s.T(), []string{"dotnet", "node", "python"}, s.registry.initializedRuntimes())
}

func (s *OrchestratorSuite) TestStart_PlaceholderMode_OneFailureDoesNotBlockOthers() {
	s.registry.initErr = map[string]error{"node": errors.New("launch failed")}

	o := s.newOrchestrator(
		hostenv.Static{Placeholder: true, OS: hostenv.PlatformLinux},
		func(cfg *Config) {
			cfg.PlaceholderRuntimes = map[hostenv.Platform][]string{
				hostenv.PlatformLinux: {"python", "node", "dotnet"},
			}
		},
	)
	defer o.Dispose()

	require.NoError(s.T(), o.Start(s.ctx), "start is best-effort")
	assert.Equal(s.T(), []string{"dotnet", "python"}, s.registry.initializedRuntimes())
}

func (s *OrchestratorSuite) TestStart_PlaceholderFlagOffInitializesNothing() {
	o := s.newOrchestrator(hostenv.Static{OS: hostenv.PlatformLinux})
	defer o.Dispose()

	require.NoError(s.T(), o.Start(s.ctx))
	assert.Empty(s.T(), s.registry.initializedRuntimes())
}

func (s *OrchestratorSuite) TestStart_PinnedWebHostRuntime() {
	o := s.newOrchestrator(hostenv.Static{Runtime: "java", Placeholder: true})
	defer o.Dispose()

	require.NoError(s.T(), o.Start(s.ctx))

	// Pinned mode wins over the placeholder flag; java is web-host-level.
	assert.Equal(s.T(), []string{"java"}, s.registry.initializedRuntimes())
}

func (s *OrchestratorSuite) TestStart_PinnedRuntimeNotWhitelisted() {
	o := s.newOrchestrator(hostenv.Static{Runtime: "python"})
	defer o.Dispose()

	require.NoError(s.T(), o.Start(s.ctx))

	assert.Empty(s.T(), s.registry.initializedRuntimes(), "non-whitelisted runtime is deferred")
}

func (s *OrchestratorSuite) TestAddWebHostRuntime() {
	o := s.newOrchestrator(hostenv.Static{Runtime: "python"})
	defer o.Dispose()

	o.AddWebHostRuntime("Python")
	require.NoError(s.T(), o.Start(s.ctx))

	assert.Equal(s.T(), []string{"python"}, s.registry.initializedRuntimes())
	assert.Equal(s.T(), []string{"java", "python"}, o.WebHostRuntimes())
}

// ---------------------------------------------------------------------------
// App offline
// ---------------------------------------------------------------------------

func (s *OrchestratorSuite) TestStart_AppOfflineIsNoop() {
	dir := s.T().TempDir()
	require.NoError(s.T(), os.WriteFile(filepath.Join(dir, hostenv.AppOfflineMarker), nil, 0o644))

	o := s.newOrchestrator(
		hostenv.Static{Placeholder: true},
		func(cfg *Config) { cfg.ScriptRoot = dir },
	)
	defer o.Dispose()

	require.NoError(s.T(), o.Start(s.ctx))

	starts, _, _ := s.transport.counts()
	assert.Zero(s.T(), starts, "transport must not start when app is offline")
	assert.Empty(s.T(), s.registry.initializedRuntimes())
	assert.False(s.T(), o.TransportStarted())
}

// ---------------------------------------------------------------------------
// Best-effort transport start
// ---------------------------------------------------------------------------

func (s *OrchestratorSuite) TestStart_TransportFailureDoesNotAbortStartup() {
	s.transport.startErr = errors.New("bind: address already in use")

	o := s.newOrchestrator(hostenv.Static{Placeholder: true, OS: hostenv.PlatformLinux})
	defer o.Dispose()

	require.NoError(s.T(), o.Start(s.ctx), "transport start failure is absorbed")
	assert.False(s.T(), o.TransportStarted())
	assert.Equal(s.T(), []string{"python"}, s.registry.initializedRuntimes(),
		"channel initialization proceeds after a transport failure")
}

func (s *OrchestratorSuite) TestStart_TransportSuccessIsQueryable() {
	o := s.newOrchestrator(hostenv.Static{})
	defer o.Dispose()

	require.NoError(s.T(), o.Start(s.ctx))
	assert.True(s.T(), o.TransportStarted())
}

// ---------------------------------------------------------------------------
// Explicit stop
// ---------------------------------------------------------------------------

func (s *OrchestratorSuite) TestStop_ShutsDownChannels() {
	o := s.newOrchestrator(hostenv.Static{})
	defer o.Dispose()

	require.NoError(s.T(), o.Stop(s.ctx))

	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	assert.Equal(s.T(), 1, s.registry.shutdownCalls)

	_, shutdowns, kills := s.transport.counts()
	assert.Zero(s.T(), shutdowns, "explicit stop does not touch the transport")
	assert.Zero(s.T(), kills)
}

// ---------------------------------------------------------------------------
// Reactive transport teardown
// ---------------------------------------------------------------------------

func (s *OrchestratorSuite) waitForShutdownCalls(want int) {
	s.Require().Eventually(func() bool {
		_, shutdowns, _ := s.transport.counts()
		return shutdowns >= want
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *OrchestratorSuite) TestTeardown_GracefulWithinBudget() {
	o := s.newOrchestrator(hostenv.Static{})
	defer o.Dispose()

	s.bus.Publish(lifecycle.StateStopping, lifecycle.StateStopped)
	s.waitForShutdownCalls(1)

	// Give any erroneous escalation a moment to show up.
	time.Sleep(50 * time.Millisecond)
	_, shutdowns, kills := s.transport.counts()
	assert.Equal(s.T(), 1, shutdowns)
	assert.Zero(s.T(), kills, "no kill when graceful shutdown succeeds in time")
}

func (s *OrchestratorSuite) TestTeardown_TimeoutEscalatesToKillOnce() {
	s.transport.hang = true

	o := s.newOrchestrator(hostenv.Static{})
	defer o.Dispose()

	s.bus.Publish(lifecycle.StateStopping, lifecycle.StateStopped)

	select {
	case <-s.transport.killedAt:
	case <-time.After(2 * time.Second):
		s.T().Fatal("expected forced kill after graceful shutdown timeout")
	}

	_, shutdowns, kills := s.transport.counts()
	assert.Equal(s.T(), 1, shutdowns)
	assert.Equal(s.T(), 1, kills, "exactly one escalation")
}

func (s *OrchestratorSuite) TestTeardown_ShutdownIgnoringContextStillEscalates() {
	// A transport whose Shutdown never observes ctx must not stall the
	// escalation: the timer wins the race regardless of cooperation.
	s.transport.block = make(chan struct{})
	defer close(s.transport.block)

	o := s.newOrchestrator(hostenv.Static{})
	defer o.Dispose()

	s.bus.Publish(lifecycle.StateStopping, lifecycle.StateStopped)

	select {
	case <-s.transport.killedAt:
	case <-time.After(2 * time.Second):
		s.T().Fatal("expected forced kill despite uncooperative graceful shutdown")
	}

	_, shutdowns, kills := s.transport.counts()
	assert.Equal(s.T(), 1, shutdowns)
	assert.Equal(s.T(), 1, kills, "exactly one escalation")
}

func (s *OrchestratorSuite) TestTeardown_FastFaultEscalatesToKill() {
	s.transport.shutdownErr = errors.New("shutdown faulted")

	o := s.newOrchestrator(hostenv.Static{})
	defer o.Dispose()

	s.bus.Publish(lifecycle.StateStopping, lifecycle.StateStopped)

	select {
	case <-s.transport.killedAt:
	case <-time.After(2 * time.Second):
		s.T().Fatal("expected forced kill after graceful shutdown fault")
	}

	_, _, kills := s.transport.counts()
	assert.Equal(s.T(), 1, kills)
}

func (s *OrchestratorSuite) TestTeardown_KillFaultIsTerminal() {
	s.transport.shutdownErr = errors.New("shutdown faulted")
	s.transport.killErr = errors.New("kill faulted")

	o := s.newOrchestrator(hostenv.Static{})

	s.bus.Publish(lifecycle.StateStopping, lifecycle.StateStopped)

	// The watcher must survive the kill fault and exit cleanly on Dispose.
	o.Dispose()
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	require.NoError(s.T(), o.Wait(ctx))

	_, _, kills := s.transport.counts()
	assert.Equal(s.T(), 1, kills, "no further escalation after a kill fault")
}

func (s *OrchestratorSuite) TestTeardown_HandlerBlocksUntilKillResolves() {
	s.transport.hang = true
	s.transport.killDelay = 150 * time.Millisecond

	o := s.newOrchestrator(hostenv.Static{})

	start := time.Now()
	s.bus.Publish(lifecycle.StateStopping, lifecycle.StateStopped)
	o.Dispose()

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	require.NoError(s.T(), o.Wait(ctx))

	// Wait cannot return before the budget elapsed and the kill resolved.
	elapsed := time.Since(start)
	assert.GreaterOrEqual(s.T(), elapsed, 350*time.Millisecond)

	_, _, kills := s.transport.counts()
	assert.Equal(s.T(), 1, kills)
}

func (s *OrchestratorSuite) TestTeardown_IgnoresOtherTransitions() {
	o := s.newOrchestrator(hostenv.Static{})
	defer o.Dispose()

	s.bus.Publish(lifecycle.StateCreated, lifecycle.StateRunning)
	s.bus.Publish(lifecycle.StateRunning, lifecycle.StateStopping)
	s.bus.Publish(lifecycle.StateStopped, lifecycle.StateStopping)

	time.Sleep(100 * time.Millisecond)
	_, shutdowns, kills := s.transport.counts()
	assert.Zero(s.T(), shutdowns)
	assert.Zero(s.T(), kills)
}

// ---------------------------------------------------------------------------
// Disposal
// ---------------------------------------------------------------------------

func (s *OrchestratorSuite) TestDispose_IsIdempotent() {
	o := s.newOrchestrator(hostenv.Static{})

	o.Dispose()
	assert.NotPanics(s.T(), o.Dispose)

	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	require.NoError(s.T(), o.Wait(ctx))
}

func (s *OrchestratorSuite) TestDispose_DoesNotTouchTransportOrChannels() {
	o := s.newOrchestrator(hostenv.Static{})

	o.Dispose()

	_, shutdowns, kills := s.transport.counts()
	assert.Zero(s.T(), shutdowns)
	assert.Zero(s.T(), kills)

	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	assert.Zero(s.T(), s.registry.shutdownCalls)
}
