package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyStarted is returned when Start is called twice on one Process.
var ErrAlreadyStarted = errors.New("process already started")

// SpawnError reports that the backend could not be started at all.
type SpawnError struct {
	Executable  string
	Err         error
	Diagnostics []string
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Process is a single spawned backend. It captures combined output into a
// bounded LineBuffer and tracks exit from one waiter goroutine. A Process is
// started at most once; a respawn uses a new Process.
type Process struct {
	spec Spec
	log  *slog.Logger
	buf  *LineBuffer

	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	done      chan struct{} // closed by the waiter after exit is recorded
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

// New prepares a Process for spec. log may be nil.
func New(spec Spec, log *slog.Logger) *Process {
	if log == nil {
		log = slog.Default()
	}
	return &Process{
		spec: spec,
		log:  log.With("component", "process", "name", spec.Name),
		buf:  NewLineBuffer(spec.diagnosticLines()),
		done: make(chan struct{}),
	}
}

// Spec returns a copy of the process spec.
func (r *Process) Spec() Spec { return r.spec }

// Start spawns the process. Exit is tracked asynchronously; use Done to
// observe it.
func (r *Process) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return ErrAlreadyStarted
	}

	cmd := r.spec.BuildCommand()
	outW, errW, _ := r.spec.Log.ProcessWriters(r.spec.Name)
	r.outCloser, r.errCloser = outW, errW
	stdout := &lineWriter{emit: r.collector("stdout", outW)}
	stderr := &lineWriter{emit: r.collector("stderr", errW)}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.spec.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}

	if err := cmd.Start(); err != nil {
		r.closeWritersLocked()
		return &SpawnError{Executable: r.spec.Executable, Err: err, Diagnostics: r.buf.Tail(0)}
	}

	r.cmd = cmd
	r.status = Status{
		Name:      r.spec.Name,
		RunID:     uuid.NewString(),
		PID:       cmd.Process.Pid,
		Running:   true,
		StartedAt: time.Now(),
	}
	r.log.Info("backend spawned", "pid", r.status.PID, "run_id", r.status.RunID, "executable", r.spec.Executable, "work_dir", r.spec.WorkDir)

	go r.wait(cmd, stdout, stderr)
	return nil
}

// collector returns the per-line sink for one stream.
func (r *Process) collector(stream string, file io.Writer) func(string) {
	prefix := "[server] "
	level := slog.LevelInfo
	if stream == "stderr" {
		prefix = "[server:err] "
		level = slog.LevelWarn
	}
	return func(line string) {
		r.buf.Add(line)
		r.log.Log(context.Background(), level, prefix+line, "stream", stream)
		if file != nil {
			_, _ = io.WriteString(file, line+"\n")
		}
	}
}

func (r *Process) wait(cmd *exec.Cmd, stdout, stderr *lineWriter) {
	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	r.mu.Lock()
	r.status.Running = false
	r.status.Exited = true
	r.status.ExitCode = &code
	r.status.StoppedAt = time.Now()
	if err != nil {
		r.status.ExitErr = err.Error()
	}
	r.closeWritersLocked()
	pid := r.status.PID
	r.mu.Unlock()

	r.log.Info("backend exited", "pid", pid, "exit_code", code, "error", err)
	close(r.done)
}

func (r *Process) closeWritersLocked() {
	if r.outCloser != nil {
		_ = r.outCloser.Close()
		r.outCloser = nil
	}
	if r.errCloser != nil {
		_ = r.errCloser.Close()
		r.errCloser = nil
	}
}

// Done is closed once the process has exited and its exit code is recorded.
// It never closes for a Process that was not started.
func (r *Process) Done() <-chan struct{} { return r.done }

// Exited reports whether the process has exited, with its exit code.
func (r *Process) Exited() (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.Exited || r.status.ExitCode == nil {
		return false, 0
	}
	return true, *r.status.ExitCode
}

// PID returns the OS process id, or 0 before Start.
func (r *Process) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.PID
}

// Tail returns up to n most recent output lines (combined stdout and stderr).
func (r *Process) Tail(n int) []string { return r.buf.Tail(n) }

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	if s.ExitCode != nil {
		c := *s.ExitCode
		s.ExitCode = &c
	}
	return s
}

// running returns the pid of a live process, or 0 when idle.
func (r *Process) running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || !r.status.Running {
		return 0
	}
	return r.status.PID
}

// Signal sends the terminate signal and returns without waiting.
// It is a no-op for an idle process.
func (r *Process) Signal() error {
	pid := r.running()
	if pid == 0 {
		return nil
	}
	if err := signalProcess(pid, r.spec.terminateSignal()); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	return nil
}

// Terminate sends the terminate signal and waits for exit or ctx.
// It is a no-op for an idle process.
func (r *Process) Terminate(ctx context.Context) error {
	if r.running() == 0 {
		return nil
	}
	if err := r.Signal(); err != nil {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill sends the force-kill signal without waiting. It is a no-op for an idle process.
func (r *Process) Kill() error {
	pid := r.running()
	if pid == 0 {
		return nil
	}
	if err := killProcess(pid, r.spec.killSignal()); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
