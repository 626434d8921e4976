package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moshouhot/CodePilot/internal/health"
	"github.com/moshouhot/CodePilot/internal/history"
	"github.com/moshouhot/CodePilot/internal/port"
	"github.com/moshouhot/CodePilot/internal/process"
	"github.com/moshouhot/CodePilot/internal/shutdown"
)

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX signals")
	}
}

func stubOptions(t *testing.T, stubEnv ...string) Options {
	t.Helper()
	home := t.TempDir()
	return Options{
		Spec: process.Spec{
			Name:       "stub",
			Executable: os.Args[0],
			Args:       []string{"-test.run=^$"},
		},
		HomeDir:  home,
		ExtraEnv: append([]string{"SUPERVISOR_STUB=1"}, stubEnv...),
		Health: health.Config{
			Timeout:        5 * time.Second,
			AttemptTimeout: time.Second,
			Interval:       200 * time.Millisecond,
		},
		Shutdown: shutdown.Policy{GracePeriod: 3 * time.Second},
		PIDFile:  filepath.Join(home, "backend.pid"),
	}
}

// Scenario A: the backend binds after 2s and is reported ready shortly after.
func TestSupervisor_DelayedReady(t *testing.T) {
	sink := &memSink{}
	opts := stubOptions(t, "STUB_READY_DELAY=2s")
	opts.History = history.NewRecorder(sink, nil)
	s := New(opts)

	start := time.Now()
	snap, err := s.Start(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, StateReady, snap.State)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 3500*time.Millisecond)
	assert.NotZero(t, snap.PID)
	assert.Equal(t, port.URL(snap.Port), snap.URL)
	assert.FileExists(t, opts.PIDFile)

	// Already serving: Start is a no-op.
	again, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.PID, again.PID)

	out := s.Stop(context.Background())
	assert.False(t, out.Forced)
	assert.Equal(t, StateStopped, s.Snapshot().State)
	assert.NoFileExists(t, opts.PIDFile)
	assert.Zero(t, s.PID())

	require.NoError(t, opts.History.Close())
	assert.Contains(t, sink.types(), history.EventSpawn)
	assert.Contains(t, sink.types(), history.EventReady)
	assert.Contains(t, sink.types(), history.EventStop)
}

// Scenario B: a backend that exits at once fails fast with its exit code.
func TestSupervisor_ExitBeforeReadyFailsFast(t *testing.T) {
	opts := stubOptions(t, "STUB_EXIT_CODE=1")
	opts.Health.Timeout = 10 * time.Second
	s := New(opts)

	start := time.Now()
	snap, err := s.Start(context.Background())
	elapsed := time.Since(start)

	var ue *health.UnexpectedExitError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.Equal(t, 1, ue.ExitCode)
	assert.True(t, ue.BeforeReady)
	assert.Contains(t, ue.Diagnostics, "stub: exiting with code 1")
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.ExitCode)
	assert.Equal(t, 1, *snap.ExitCode)
}

// Scenario C: a backend ignoring SIGTERM is force killed after the grace period.
func TestSupervisor_ForceKillAfterGrace(t *testing.T) {
	requireUnix(t)
	opts := stubOptions(t, "STUB_IGNORE_SIGTERM=true")
	s := New(opts)
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	start := time.Now()
	out := s.Stop(context.Background())
	elapsed := time.Since(start)
	assert.True(t, out.Forced)
	assert.GreaterOrEqual(t, elapsed, 3*time.Second)
	assert.Less(t, elapsed, 4500*time.Millisecond)
	assert.Zero(t, s.PID())
}

func TestSupervisor_HealthTimeoutTearsDown(t *testing.T) {
	opts := stubOptions(t, "STUB_HEALTH_STATUS=503")
	opts.Health.Timeout = 1500 * time.Millisecond
	s := New(opts)

	_, err := s.Start(context.Background())
	var he *health.HealthTimeoutError
	require.True(t, errors.As(err, &he), "got %v", err)
	assert.NotEmpty(t, he.Diagnostics)

	snap := s.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Zero(t, snap.PID, "hung backend must be torn down")
	assert.Contains(t, snap.LastError, "not ready")
}

func TestSupervisor_UnexpectedExitAfterReady(t *testing.T) {
	requireUnix(t)
	got := make(chan error, 1)
	opts := stubOptions(t)
	opts.OnUnexpectedExit = func(err error) { got <- err }
	s := New(opts)
	snap, err := s.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, syscall.Kill(snap.PID, syscall.SIGKILL))
	select {
	case err := <-got:
		var ue *health.UnexpectedExitError
		require.True(t, errors.As(err, &ue))
		assert.False(t, ue.BeforeReady)
	case <-time.After(5 * time.Second):
		t.Fatal("unexpected exit not reported")
	}
	assert.Equal(t, StateFailed, s.Snapshot().State)
	assert.NoFileExists(t, opts.PIDFile)

	// A failed backend can be started again.
	snap, err = s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReady, snap.State)
	s.Stop(context.Background())
}

// The backend answers its first health check and dies before the state is
// promoted; it must never be reported as ready.
func TestSupervisor_ExitBetweenHealthAndReady(t *testing.T) {
	requireUnix(t)
	var calls int
	var mu sync.Mutex
	opts := stubOptions(t)
	opts.OnUnexpectedExit = func(err error) {
		mu.Lock()
		calls++
		mu.Unlock()
	}
	opts.afterHealth = func(p *process.Process) {
		require.NoError(t, p.Kill())
		<-p.Done()
	}
	s := New(opts)

	_, err := s.Start(context.Background())
	var ue *health.UnexpectedExitError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.False(t, ue.BeforeReady)

	snap := s.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.False(t, snap.State.Serving())
	assert.NoFileExists(t, opts.PIDFile)

	// watch and Start race for the exit; exactly one of them reports it.
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestSupervisor_StopCancelsStart(t *testing.T) {
	opts := stubOptions(t, "STUB_READY_DELAY=20s")
	opts.Health.Timeout = 30 * time.Second
	s := New(opts)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return s.Snapshot().State == StateStarting && s.PID() != 0 }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	s.Stop(context.Background())
	assert.Less(t, time.Since(start), 4*time.Second)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, StateStopped, s.Snapshot().State)
	assert.Zero(t, s.PID())
}

func TestSupervisor_DevModeAttaches(t *testing.T) {
	s := New(Options{DevMode: true, DevURL: "http://127.0.0.1:3000"})
	snap, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAttached, snap.State)
	assert.Equal(t, "http://127.0.0.1:3000", snap.URL)
	assert.True(t, snap.State.Serving())
	assert.Zero(t, snap.PID)

	out := s.Stop(context.Background())
	assert.True(t, out.Skipped)
	assert.Equal(t, StateStopped, s.Snapshot().State)
}

func TestSupervisor_QuitBlocksRespawn(t *testing.T) {
	s := New(Options{DevMode: true, DevURL: "http://x"})
	assert.True(t, s.Quit())
	assert.False(t, s.Quit())
	assert.True(t, s.Quitting())
	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrQuitting)
	_, err = s.Restart(context.Background())
	assert.ErrorIs(t, err, ErrQuitting)
}

func TestSupervisor_AllocationFailure(t *testing.T) {
	opts := stubOptions(t)
	opts.allocate = func(context.Context) (uint16, error) { return 0, errors.New("no ports") }
	s := New(opts)
	_, err := s.Start(context.Background())
	var ae *port.AllocationError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, StateFailed, s.Snapshot().State)
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	opts := stubOptions(t)
	opts.Spec.Executable = filepath.Join(t.TempDir(), "missing-server")
	s := New(opts)
	_, err := s.Start(context.Background())
	var se *process.SpawnError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StateFailed, s.Snapshot().State)
}

func TestSupervisor_ReapsOrphanFromPreviousRun(t *testing.T) {
	opts := stubOptions(t)
	orphanSpec := opts.Spec
	orphanSpec.Env = append(os.Environ(), "SUPERVISOR_STUB=1", "PORT=0")
	orphan := process.New(orphanSpec, nil)
	require.NoError(t, orphan.Start())
	t.Cleanup(func() { _ = orphan.Kill() })
	require.Eventually(t, func() bool { return len(orphan.Tail(0)) > 0 }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, orphan.WritePIDFile(opts.PIDFile))

	s := New(opts)
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Stop(context.Background())

	select {
	case <-orphan.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("orphan was not reaped")
	}
	assert.NotEqual(t, orphan.PID(), s.PID())
}

func TestSupervisor_RestartSpawnsNewProcess(t *testing.T) {
	s := New(stubOptions(t))
	first, err := s.Start(context.Background())
	require.NoError(t, err)
	second, err := s.Restart(context.Background())
	require.NoError(t, err)
	defer s.Stop(context.Background())
	assert.Equal(t, StateReady, second.State)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.NotEmpty(t, s.Diagnostics(5))
}
