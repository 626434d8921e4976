// Package supervisor owns the backend lifecycle: it allocates a port, builds
// the environment, spawns the server, waits for readiness and tears it down.
// One Supervisor exists per application instance.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moshouhot/CodePilot/internal/env"
	"github.com/moshouhot/CodePilot/internal/health"
	"github.com/moshouhot/CodePilot/internal/history"
	"github.com/moshouhot/CodePilot/internal/metrics"
	"github.com/moshouhot/CodePilot/internal/port"
	"github.com/moshouhot/CodePilot/internal/process"
	"github.com/moshouhot/CodePilot/internal/shutdown"
)

// ErrQuitting is returned by Start once the application has begun quitting.
var ErrQuitting = errors.New("application is quitting")

// Options configures a Supervisor.
type Options struct {
	// Spec is the spawn template; Env is filled in on every start.
	Spec process.Spec

	DevMode bool
	DevURL  string

	HomeDir  string
	DataDir  string   // CLAUDE_GUI_DATA_DIR for the backend
	ExtraEnv []string // "K=V" entries from config
	// Inherited overrides the parent environment; nil uses os.Environ().
	Inherited env.Var
	// Shell captures the login-shell environment once; nil skips it.
	Shell *env.ShellSnapshot

	Health   health.Config
	Shutdown shutdown.Policy

	// PIDFile records the running backend for orphan cleanup; empty disables it.
	PIDFile string

	History *history.Recorder
	Log     *slog.Logger

	// OnUnexpectedExit is called when a ready backend exits on its own.
	OnUnexpectedExit func(err error)

	// allocate and afterHealth are replaced in tests.
	allocate    func(ctx context.Context) (uint16, error)
	afterHealth func(p *process.Process)
}

// Snapshot is a read-only view of the supervisor.
type Snapshot struct {
	State       State           `json:"state"`
	URL         string          `json:"url,omitempty"`
	Port        uint16          `json:"port,omitempty"`
	PID         int             `json:"pid,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	ReadyAt     time.Time       `json:"ready_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Quitting    bool            `json:"quitting"`
	Diagnostics []string        `json:"diagnostics,omitempty"`
	Process     *process.Status `json:"process,omitempty"`
}

// Supervisor is the explicit context object holding the single live backend,
// its port and the cached shell environment.
type Supervisor struct {
	opts  Options
	name  string
	log   *slog.Logger
	coord *shutdown.Coordinator

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	quitting  atomic.Bool

	mu          sync.Mutex
	state       State
	proc        *process.Process
	port        uint16
	url         string
	stopping    bool // the current process is being stopped on purpose
	startCancel context.CancelFunc
	startedAt   time.Time
	readyAt     time.Time
	lastErr     error
}

// New returns an idle Supervisor.
func New(opts Options) *Supervisor {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	name := opts.Spec.Name
	if name == "" {
		name = "backend"
		opts.Spec.Name = name
	}
	if opts.allocate == nil {
		opts.allocate = port.Allocate
	}
	log = log.With("component", "supervisor")
	s := &Supervisor{
		opts:  opts,
		name:  name,
		log:   log,
		coord: shutdown.New(opts.Shutdown, opts.Log),
		state: StateIdle,
	}
	s.coord.OnForceKill = func(pid int) {
		metrics.IncForceKill(name)
		s.record(history.Event{Type: history.EventForceKill, PID: pid})
	}
	metrics.SetCurrentState(name, string(StateIdle), allStates)
	return s
}

// setState must be called with mu held.
func (s *Supervisor) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	metrics.RecordStateTransition(s.name, string(from), string(to))
	metrics.SetCurrentState(s.name, string(to), allStates)
	s.log.Debug("state transition", "from", from, "to", to)
}

func (s *Supervisor) fail(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.setState(StateFailed)
	s.mu.Unlock()
	return err
}

// Start brings the backend up and blocks until it is ready or has failed.
// A backend that is already serving is returned as is.
func (s *Supervisor) Start(ctx context.Context) (Snapshot, error) {
	if s.quitting.Load() {
		return s.Snapshot(), ErrQuitting
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.quitting.Load() {
		return s.Snapshot(), ErrQuitting
	}

	s.mu.Lock()
	if s.state.Serving() {
		s.mu.Unlock()
		return s.Snapshot(), nil
	}
	sctx, cancel := context.WithCancel(ctx)
	s.startCancel = cancel
	s.lastErr = nil
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.startCancel = nil
		s.mu.Unlock()
	}()

	if s.opts.DevMode {
		s.mu.Lock()
		s.url = s.opts.DevURL
		s.readyAt = time.Now()
		s.setState(StateAttached)
		s.mu.Unlock()
		s.log.Info("development mode, attaching to dev server", "url", s.opts.DevURL)
		return s.Snapshot(), nil
	}

	err := s.start(sctx)
	return s.Snapshot(), err
}

func (s *Supervisor) start(ctx context.Context) error {
	if s.opts.PIDFile != "" {
		if _, err := process.ReapOrphan(ctx, s.opts.PIDFile, s.log); err != nil {
			s.log.Warn("orphan cleanup failed", "error", err)
		}
	}

	p, err := s.opts.allocate(ctx)
	if err != nil {
		var ae *port.AllocationError
		if !errors.As(err, &ae) {
			err = &port.AllocationError{Err: err}
		}
		return s.fail(err)
	}

	var shellVars env.Var
	if s.opts.Shell != nil {
		shellVars = s.opts.Shell.Load(ctx)
	}
	environ := env.Build(env.Params{
		Port:      p,
		HomeDir:   s.opts.HomeDir,
		DataDir:   s.opts.DataDir,
		ShellEnv:  shellVars,
		Inherited: s.opts.Inherited,
		Extra:     s.opts.ExtraEnv,
	})

	spec := s.opts.Spec
	spec.Env = environ.Environ()
	proc := process.New(spec, s.opts.Log)
	url := port.URL(p)

	s.mu.Lock()
	s.port, s.url = p, url
	s.stopping = false
	s.startedAt = time.Now()
	s.readyAt = time.Time{}
	s.setState(StateStarting)
	s.mu.Unlock()

	s.log.Info("starting backend", "executable", spec.Executable, "port", p, "work_dir", spec.WorkDir)
	if err := proc.Start(); err != nil {
		metrics.IncSpawn(s.name, false)
		s.recordFor(nil, history.Event{Type: history.EventFailed, Detail: err.Error()})
		return s.fail(err)
	}
	metrics.IncSpawn(s.name, true)

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()
	s.record(history.Event{Type: history.EventSpawn})
	if s.opts.PIDFile != "" {
		if err := proc.WritePIDFile(s.opts.PIDFile); err != nil {
			s.log.Warn("cannot write pidfile", "path", s.opts.PIDFile, "error", err)
		}
	}
	go s.watch(proc)

	hc := s.opts.Health
	hc.Log = s.log
	hc.OnAttempt = func(ok bool) { metrics.IncHealthAttempt(s.name, ok) }
	res := health.AwaitReady(ctx, url, proc, hc)
	metrics.ObserveStartup(s.name, res.Outcome.String(), res.Elapsed.Seconds())
	if s.opts.afterHealth != nil {
		s.opts.afterHealth(proc)
	}

	switch res.Outcome {
	case health.Ready:
		s.mu.Lock()
		// watch only reports exits from Ready, so an exit that landed after the
		// last poll must be caught here under the same lock.
		if exited, code := proc.Exited(); exited {
			err := &health.UnexpectedExitError{ExitCode: code, Diagnostics: proc.Tail(s.tailLines())}
			s.lastErr = err
			s.setState(StateFailed)
			s.mu.Unlock()
			s.log.Error("backend exited right after becoming ready", "pid", proc.PID(), "exit_code", code)
			s.removePIDFile()
			if s.opts.OnUnexpectedExit != nil {
				s.opts.OnUnexpectedExit(err)
			}
			return err
		}
		s.readyAt = time.Now()
		s.setState(StateReady)
		s.mu.Unlock()
		s.log.Info("backend ready", "url", url, "pid", proc.PID(), "elapsed", res.Elapsed, "attempts", res.Attempts)
		s.record(history.Event{Type: history.EventReady, DurationMS: res.Elapsed.Milliseconds()})
		return nil

	case health.Cancelled:
		s.log.Info("start cancelled, stopping backend")
		s.teardown(context.Background())
		s.mu.Lock()
		s.setState(StateStopped)
		s.mu.Unlock()
		return res.Err()

	default:
		err := res.Err()
		s.log.Error("backend failed to become ready", "outcome", res.Outcome.String(), "error", err)
		// A hung backend must be gone before the failure is reported.
		s.teardown(context.Background())
		s.record(history.Event{Type: history.EventFailed, Detail: res.Outcome.String(), DurationMS: res.Elapsed.Milliseconds()})
		return s.fail(err)
	}
}

// watch observes exit of p and reports exits nobody asked for.
func (s *Supervisor) watch(p *process.Process) {
	<-p.Done()
	_, code := p.Exited()

	s.mu.Lock()
	current := s.proc == p
	intentional := !current || s.stopping
	unexpected := current && !intentional && s.state == StateReady
	var err error
	if unexpected {
		err = &health.UnexpectedExitError{ExitCode: code, Diagnostics: p.Tail(s.tailLines())}
		s.lastErr = err
		s.setState(StateFailed)
	}
	s.mu.Unlock()

	metrics.IncExit(s.name, intentional)
	s.recordFor(p, history.Event{Type: history.EventExit, ExitCode: &code})
	if unexpected {
		s.log.Error("backend exited unexpectedly", "pid", p.PID(), "exit_code", code)
		s.removePIDFile()
		if s.opts.OnUnexpectedExit != nil {
			s.opts.OnUnexpectedExit(err)
		}
	}
}

// Stop tears the backend down. A Start in progress is cancelled first and
// waited for. Stop always returns.
func (s *Supervisor) Stop(ctx context.Context) shutdown.Outcome {
	s.mu.Lock()
	if s.startCancel != nil {
		s.startCancel()
	}
	s.mu.Unlock()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state == StateAttached {
		s.setState(StateStopped)
		s.mu.Unlock()
		return shutdown.Outcome{Skipped: true}
	}
	s.mu.Unlock()

	out := s.teardown(ctx)
	s.mu.Lock()
	if s.state != StateFailed {
		s.setState(StateStopped)
	}
	s.mu.Unlock()
	return out
}

// teardown runs the shutdown protocol on the current process. Callers hold lifecycle.
func (s *Supervisor) teardown(ctx context.Context) shutdown.Outcome {
	s.mu.Lock()
	proc := s.proc
	if proc == nil {
		s.mu.Unlock()
		return shutdown.Outcome{Skipped: true}
	}
	if exited, _ := proc.Exited(); exited {
		s.mu.Unlock()
		s.removePIDFile()
		return shutdown.Outcome{Skipped: true}
	}
	s.stopping = true
	prev := s.state
	s.setState(StateStopping)
	s.mu.Unlock()

	out := s.coord.Shutdown(ctx, proc)
	metrics.ObserveShutdown(s.name, out.Elapsed.Seconds())
	if out.Forced {
		s.log.Warn("backend required a force kill", "pid", proc.PID(), "elapsed", out.Elapsed)
	}
	s.recordFor(proc, history.Event{Type: history.EventStop, DurationMS: out.Elapsed.Milliseconds(), Detail: fmt.Sprintf("forced=%t", out.Forced)})
	s.removePIDFile()

	s.mu.Lock()
	if s.state == StateStopping {
		s.state = prev // caller decides the final state
	}
	s.mu.Unlock()
	return out
}

// Restart stops the backend and starts a new one.
func (s *Supervisor) Restart(ctx context.Context) (Snapshot, error) {
	if s.quitting.Load() {
		return s.Snapshot(), ErrQuitting
	}
	s.Stop(ctx)
	return s.Start(ctx)
}

// Quit marks the application as quitting so no respawn happens. It reports
// whether this call was the first.
func (s *Supervisor) Quit() bool { return s.quitting.CompareAndSwap(false, true) }

// Quitting reports whether Quit has been called.
func (s *Supervisor) Quitting() bool { return s.quitting.Load() }

// PID returns the pid of the live backend, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return 0
	}
	if exited, _ := p.Exited(); exited {
		return 0
	}
	return p.PID()
}

// Diagnostics returns up to n recent output lines of the current or last backend.
func (s *Supervisor) Diagnostics(n int) []string {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Tail(n)
}

// Snapshot returns the current view.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:     s.state,
		URL:       s.url,
		Port:      s.port,
		StartedAt: s.startedAt,
		ReadyAt:   s.readyAt,
		Quitting:  s.quitting.Load(),
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	if s.proc != nil {
		st := s.proc.Snapshot()
		snap.Process = &st
		snap.RunID = st.RunID
		snap.ExitCode = st.ExitCode
		if st.Running {
			snap.PID = st.PID
		}
		snap.Diagnostics = s.proc.Tail(s.tailLines())
	}
	return snap
}

func (s *Supervisor) tailLines() int {
	if n := s.opts.Health.TailLines; n > 0 {
		return n
	}
	return health.DefaultTailLines
}

func (s *Supervisor) record(e history.Event) {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	s.recordFor(p, e)
}

func (s *Supervisor) recordFor(p *process.Process, e history.Event) {
	if s.opts.History == nil {
		return
	}
	s.mu.Lock()
	e.Name = s.name
	e.Port = int(s.port)
	s.mu.Unlock()
	if p != nil {
		st := p.Snapshot()
		e.RunID = st.RunID
		if e.PID == 0 {
			e.PID = st.PID
		}
	}
	s.opts.History.Record(e)
}

func (s *Supervisor) removePIDFile() {
	if s.opts.PIDFile == "" {
		return
	}
	if err := os.Remove(s.opts.PIDFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Debug("cannot remove pidfile", "path", s.opts.PIDFile, "error", err)
	}
}
