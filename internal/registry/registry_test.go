package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/workerhost/internal/launcher"
)

// ---------------------------------------------------------------------------
// Mock launcher
// ---------------------------------------------------------------------------

type mockLauncher struct {
	mu      sync.Mutex
	started []launcher.WorkerSpec
	stopped []string
	nextID  int

	startErr    error // if set, StartWorker returns this error
	failTimes   int   // fail this many calls before succeeding
	stopErr     error // if set, StopWorker returns this error
	startCalled int
}

func (m *mockLauncher) StartWorker(_ context.Context, spec launcher.WorkerSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.startCalled++
	if m.startErr != nil {
		return "", m.startErr
	}
	if m.failTimes > 0 {
		m.failTimes--
		return "", errors.New("transient launch failure")
	}

	m.nextID++
	id := fmt.Sprintf("worker-%d", m.nextID)
	m.started = append(m.started, spec)
	return id, nil
}

func (m *mockLauncher) StopWorker(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopErr != nil {
		return m.stopErr
	}
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *mockLauncher) Shutdown(_ context.Context) error { return nil }

func (m *mockLauncher) startedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.started)
}

func (m *mockLauncher) stoppedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stopped)
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type RegistrySuite struct {
	suite.Suite
	ctx      context.Context
	launcher *mockLauncher
	logger   *slog.Logger
}

func (s *RegistrySuite) SetupTest() {
	s.ctx = context.Background()
	s.launcher = &mockLauncher{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *RegistrySuite) newRegistry() *Registry {
	return New(Config{
		Launcher:      s.launcher,
		TransportAddr: "127.0.0.1:50051",
		Logger:        s.logger,
	})
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) TestInitialize_LaunchesWorker() {
	r := s.newRegistry()

	require.NoError(s.T(), r.Initialize(s.ctx, "python"))

	assert.Equal(s.T(), 1, r.Len())
	require.Equal(s.T(), 1, s.launcher.startedCount())

	spec := s.launcher.started[0]
	assert.Equal(s.T(), "python", spec.Runtime)
	assert.Equal(s.T(), "127.0.0.1:50051", spec.TransportAddr)
	assert.NotEmpty(s.T(), spec.ChannelID)

	chans := r.Channels()
	require.Len(s.T(), chans, 1)
	assert.Equal(s.T(), "worker-1", chans[0].WorkerID)
}

func (s *RegistrySuite) TestInitialize_IsIdempotent() {
	r := s.newRegistry()

	require.NoError(s.T(), r.Initialize(s.ctx, "python"))
	require.NoError(s.T(), r.Initialize(s.ctx, "python"))
	require.NoError(s.T(), r.Initialize(s.ctx, "Python"))
	require.NoError(s.T(), r.Initialize(s.ctx, "  python  "))

	assert.Equal(s.T(), 1, r.Len())
	assert.Equal(s.T(), 1, s.launcher.startedCount())
}

func (s *RegistrySuite) TestInitialize_EmptyRuntime() {
	r := s.newRegistry()
	assert.Error(s.T(), r.Initialize(s.ctx, "  "))
	assert.Zero(s.T(), r.Len())
}

func (s *RegistrySuite) TestInitialize_RetriesLaunch() {
	s.launcher.failTimes = 2

	r := s.newRegistry()
	require.NoError(s.T(), r.Initialize(s.ctx, "python"))

	assert.Equal(s.T(), 3, s.launcher.startCalled)
	assert.Equal(s.T(), 1, r.Len())
}

func (s *RegistrySuite) TestInitialize_LaunchFailureReleasesSlot() {
	s.launcher.startErr = errors.New("daemon unavailable")

	r := New(Config{
		Launcher:       s.launcher,
		LaunchAttempts: 1,
		Logger:         s.logger,
	})
	err := r.Initialize(s.ctx, "python")
	assert.Error(s.T(), err)
	assert.Zero(s.T(), r.Len())

	// The slot is free again, so a later Initialize retries the launch.
	s.launcher.mu.Lock()
	s.launcher.startErr = nil
	s.launcher.mu.Unlock()
	require.NoError(s.T(), r.Initialize(s.ctx, "python"))
	assert.Equal(s.T(), 1, r.Len())
}

func (s *RegistrySuite) TestInitialize_ConcurrentDisjointRuntimes() {
	r := s.newRegistry()

	runtimes := []string{"python", "java", "node", "dotnet"}
	var wg sync.WaitGroup
	for _, rt := range runtimes {
		wg.Add(1)
		go func(rt string) {
			defer wg.Done()
			assert.NoError(s.T(), r.Initialize(s.ctx, rt))
		}(rt)
	}
	wg.Wait()

	assert.Equal(s.T(), len(runtimes), r.Len())
	assert.Equal(s.T(), len(runtimes), s.launcher.startedCount())
}

func (s *RegistrySuite) TestInitialize_NoLauncher() {
	r := New(Config{Logger: s.logger})

	require.NoError(s.T(), r.Initialize(s.ctx, "python"))
	assert.Equal(s.T(), 1, r.Len())

	chans := r.Channels()
	require.Len(s.T(), chans, 1)
	assert.Empty(s.T(), chans[0].WorkerID, "externally managed workers have no worker ID")
}

func (s *RegistrySuite) TestShutdownAll_StopsWorkersAndClears() {
	r := s.newRegistry()
	require.NoError(s.T(), r.Initialize(s.ctx, "python"))
	require.NoError(s.T(), r.Initialize(s.ctx, "java"))

	require.NoError(s.T(), r.ShutdownAll(s.ctx))

	assert.Zero(s.T(), r.Len())
	assert.Equal(s.T(), 2, s.launcher.stoppedCount())
}

func (s *RegistrySuite) TestShutdownAll_ReturnsFirstErrorButContinues() {
	r := s.newRegistry()
	require.NoError(s.T(), r.Initialize(s.ctx, "python"))
	require.NoError(s.T(), r.Initialize(s.ctx, "java"))

	s.launcher.mu.Lock()
	s.launcher.stopErr = errors.New("stop failed")
	s.launcher.mu.Unlock()

	err := r.ShutdownAll(s.ctx)
	assert.Error(s.T(), err)
	// All channels are dropped even when stops fail.
	assert.Zero(s.T(), r.Len())
}

func (s *RegistrySuite) TestLaunchRetry_HonorsContext() {
	s.launcher.startErr = errors.New("never succeeds")

	r := s.newRegistry()

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()

	err := r.Initialize(ctx, "python")
	assert.Error(s.T(), err)
	assert.Zero(s.T(), r.Len())
}
