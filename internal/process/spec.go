package process

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/moshouhot/CodePilot/internal/logger"
)

// DefaultDiagnosticLines is how many output lines a Process retains.
const DefaultDiagnosticLines = 200

// Spec describes the backend process to spawn.
type Spec struct {
	Name            string         `json:"name"`
	Executable      string         `json:"executable"`
	Args            []string       `json:"args"`
	WorkDir         string         `json:"work_dir"`
	Env             []string       `json:"-"`                // materialized environment; nil inherits the parent's
	DiagnosticLines int            `json:"diagnostic_lines"` // rolling output buffer size
	TerminateSignal syscall.Signal `json:"-"`                // zero means SIGTERM
	KillSignal      syscall.Signal `json:"-"`                // zero means SIGKILL
	WaitDelay       time.Duration  `json:"-"`                // bound on draining output after exit
	Log             logger.Config  `json:"-"`                // optional rotating stdout/stderr files
}

// BuildCommand constructs the *exec.Cmd for the spec. The executable runs
// directly, never through a shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	// #nosec G204
	cmd := exec.Command(s.Executable, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = append([]string(nil), s.Env...)
	}
	cmd.Stdin = nil
	configureSysProcAttr(cmd)
	return cmd
}

func (s *Spec) terminateSignal() syscall.Signal {
	if s.TerminateSignal == 0 {
		return syscall.SIGTERM
	}
	return s.TerminateSignal
}

func (s *Spec) killSignal() syscall.Signal {
	if s.KillSignal == 0 {
		return syscall.SIGKILL
	}
	return s.KillSignal
}

func (s *Spec) diagnosticLines() int {
	if s.DiagnosticLines <= 0 {
		return DefaultDiagnosticLines
	}
	return s.DiagnosticLines
}
