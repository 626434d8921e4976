package env

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultShellTimeout bounds the login-shell capture.
const DefaultShellTimeout = 5 * time.Second

// LoadError reports a failed login-shell capture. It is never fatal.
type LoadError struct {
	Shell string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load login shell environment from %s: %v", e.Shell, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ShellSnapshot captures the user's interactive login-shell environment at
// most once per run. A GUI-launched process does not see variables exported by
// shell rc files (API keys, version-manager PATH entries), so they are read
// from `$SHELL -ilc env` instead.
type ShellSnapshot struct {
	Shell    string // empty: $SHELL, then the platform default
	Timeout  time.Duration
	Platform Platform
	Log      *slog.Logger

	// run executes the capture; replaced in tests.
	run func(ctx context.Context, shell string) (string, error)

	once sync.Once
	vars Var
	err  error
}

// Load returns the cached snapshot, capturing it on first use. On failure
// the error is logged and an empty Var returned; the error stays available
// through Err.
func (s *ShellSnapshot) Load(ctx context.Context) Var {
	s.once.Do(func() {
		s.vars, s.err = s.capture(ctx)
		log := s.Log
		if log == nil {
			log = slog.Default()
		}
		if s.err != nil {
			log.Warn("login shell environment unavailable, continuing without it", "error", s.err)
			s.vars = Var{}
			return
		}
		if len(s.vars) > 0 {
			log.Info("loaded login shell environment", "vars", len(s.vars))
		}
	})
	return s.vars
}

// Err returns the capture error, if any, after Load.
func (s *ShellSnapshot) Err() error { return s.err }

func (s *ShellSnapshot) capture(ctx context.Context) (Var, error) {
	p := s.Platform
	if p == "" {
		p = Current()
	}
	if !p.POSIX() {
		return Var{}, nil
	}
	shell := s.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = defaultShell(p)
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}
	// The snapshot is cached for the whole run, so a cancelled caller must
	// not latch a failure; only the timeout bounds the capture.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	run := s.run
	if run == nil {
		run = runLoginShell
	}
	out, err := run(cctx, shell)
	if err != nil {
		return nil, &LoadError{Shell: shell, Err: err}
	}
	return ParseEnvOutput(out), nil
}

// ParseEnvOutput parses `env` output into a Var. Lines without '=' or with an
// empty name (rc-file noise, continuation lines of multi-line values) are skipped.
func ParseEnvOutput(out string) Var {
	m := make(Var)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSuffix(line, "\r")
		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			continue
		}
		m[line[:idx]] = line[idx+1:]
	}
	return m
}

func defaultShell(p Platform) string {
	if p == Darwin {
		return "/bin/zsh"
	}
	return "/bin/sh"
}
