package process

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, p *Process, d time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(d):
		t.Fatalf("process did not exit within %s", d)
	}
}

func TestProcess_CapturesOutputAndExit(t *testing.T) {
	p := New(helperSpec("echo"), nil)
	require.NoError(t, p.Start())
	waitDone(t, p, 10*time.Second)

	exited, code := p.Exited()
	assert.True(t, exited)
	assert.Equal(t, 0, code)
	assert.ElementsMatch(t, []string{"hello stdout", "hello stderr"}, p.Tail(0))

	st := p.Snapshot()
	assert.False(t, st.Running)
	assert.NotEmpty(t, st.RunID)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 0, *st.ExitCode)
}

func TestProcess_NonZeroExit(t *testing.T) {
	p := New(helperSpec("exit3"), nil)
	require.NoError(t, p.Start())
	waitDone(t, p, 10*time.Second)
	exited, code := p.Exited()
	assert.True(t, exited)
	assert.Equal(t, 3, code)
	assert.Equal(t, []string{"boom"}, p.Tail(10))
}

func TestProcess_DiagnosticBufferIsBounded(t *testing.T) {
	spec := helperSpec("lines")
	spec.DiagnosticLines = 5
	p := New(spec, nil)
	require.NoError(t, p.Start())
	waitDone(t, p, 10*time.Second)
	assert.Equal(t, []string{"line 45", "line 46", "line 47", "line 48", "line 49"}, p.Tail(0))
	assert.Equal(t, []string{"line 48", "line 49"}, p.Tail(2))
}

func TestProcess_StartTwice(t *testing.T) {
	p := New(helperSpec("echo"), nil)
	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)
	waitDone(t, p, 10*time.Second)
}

func TestProcess_SpawnError(t *testing.T) {
	p := New(Spec{Name: "missing", Executable: filepath.Join(t.TempDir(), "nope")}, nil)
	err := p.Start()
	var se *SpawnError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Executable, "nope")
	assert.Equal(t, 0, p.PID())
}

func TestProcess_TerminateAndIdle(t *testing.T) {
	p := New(helperSpec("sleep"), nil)
	// Idle handle: all no-ops.
	require.NoError(t, p.Terminate(context.Background()))
	require.NoError(t, p.Kill())

	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return len(p.Tail(0)) > 0 }, 10*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Terminate(ctx))
	exited, _ := p.Exited()
	assert.True(t, exited)

	// Already exited: no-op.
	require.NoError(t, p.Terminate(context.Background()))
	require.NoError(t, p.Kill())
}

func TestProcess_KillIgnoringChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signal semantics differ on windows")
	}
	p := New(helperSpec("ignore-term"), nil)
	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return len(p.Tail(0)) > 0 }, 10*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := p.Terminate(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, p.Kill())
	waitDone(t, p, 10*time.Second)
	st := p.Snapshot()
	assert.Contains(t, st.ExitErr, "killed")
}

func TestParseSignal(t *testing.T) {
	cases := map[string]syscall.Signal{
		"SIGTERM": syscall.SIGTERM,
		"term":    syscall.SIGTERM,
		"SIGKILL": syscall.SIGKILL,
		"int":     syscall.SIGINT,
		"":        0,
	}
	for in, want := range cases {
		got, err := ParseSignal(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSignal("SIGWAT")
	assert.Error(t, err)
}

func TestProcess_WritesRotatingLogs(t *testing.T) {
	dir := t.TempDir()
	spec := helperSpec("echo")
	spec.Log.File.Dir = dir
	p := New(spec, nil)
	require.NoError(t, p.Start())
	waitDone(t, p, 10*time.Second)

	assert.FileExists(t, filepath.Join(dir, "helper.stdout.log"))
	assert.FileExists(t, filepath.Join(dir, "helper.stderr.log"))
}
