// Package abi verifies, before the backend is spawned, that its bundled native
// module was built for the runtime that will load it.
package abi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Status is the outcome of a Check.
type Status int

const (
	StatusOK Status = iota
	StatusMismatch
	StatusUnknown
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMismatch:
		return "mismatch"
	case StatusUnknown:
		return "unknown"
	case StatusSkipped:
		return "skipped"
	default:
		return "invalid"
	}
}

// Result describes a Check outcome.
type Result struct {
	Status Status
	Path   string // located native binary, empty when not found
	Detail string
}

// Err returns a *MismatchError for StatusMismatch and nil otherwise.
func (r Result) Err() error {
	if r.Status != StatusMismatch {
		return nil
	}
	return &MismatchError{Path: r.Path, Detail: r.Detail}
}

// MismatchError means the native module was compiled against a different
// runtime ABI. The backend would crash on first use, so startup must stop.
type MismatchError struct {
	Path   string
	Detail string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("native module ABI mismatch (%s): %s", e.Path, e.Detail)
}

// Loader attempts to load a native binary in isolation and returns the load error.
type Loader interface {
	Load(ctx context.Context, path string) error
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, path string) error

func (f LoaderFunc) Load(ctx context.Context, path string) error { return f(ctx, path) }

// Guard locates the native binary under the resource tree and probes it.
type Guard struct {
	Binary    string // file name to look for, e.g. better_sqlite3.node
	SearchDir string // relative to the resource dir
	Signature string // substring of a load error that marks an ABI mismatch
	DevMode   bool   // unpackaged run; the check is skipped
	Loader    Loader
	Log       *slog.Logger
}

// Check runs the guard against resourceDir. Only StatusMismatch is fatal.
func (g *Guard) Check(ctx context.Context, resourceDir string) Result {
	log := g.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "abi")
	if g.DevMode {
		return Result{Status: StatusSkipped, Detail: "development mode"}
	}

	root := filepath.Join(resourceDir, g.SearchDir)
	path, err := FindFile(root, g.Binary)
	if err != nil {
		log.Warn("native module not found in resources", "binary", g.Binary, "root", root, "error", err)
		return Result{Status: StatusUnknown, Detail: fmt.Sprintf("%s not found under %s: %v", g.Binary, root, err)}
	}
	if g.Loader == nil {
		return Result{Status: StatusUnknown, Path: path, Detail: "no loader configured"}
	}

	lerr := g.Loader.Load(ctx, path)
	if lerr == nil {
		log.Info("native module ABI is compatible", "path", path)
		return Result{Status: StatusOK, Path: path}
	}
	msg := lerr.Error()
	if g.Signature != "" && strings.Contains(msg, g.Signature) {
		log.Error("native module ABI mismatch", "path", path, "error", msg)
		return Result{Status: StatusMismatch, Path: path, Detail: msg}
	}
	log.Warn("could not verify native module", "path", path, "error", msg)
	return Result{Status: StatusUnknown, Path: path, Detail: msg}
}

// CommandLoader probes a binary by running Command with the binary path
// appended as the last argument. A non-zero exit is a load failure whose
// message is the probe's combined output.
type CommandLoader struct {
	Command []string
	Env     []string // appended to the inherited environment
	Timeout time.Duration
}

func (l CommandLoader) Load(ctx context.Context, path string) error {
	if len(l.Command) == 0 {
		return errors.New("empty probe command")
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), l.Command[1:]...), path)
	// #nosec G204
	cmd := exec.CommandContext(cctx, l.Command[0], args...)
	if len(l.Env) > 0 {
		cmd.Env = append(cmd.Environ(), l.Env...)
	}
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, text)
}
