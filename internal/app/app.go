// Package app drives the desktop shell lifecycle: it turns window events into
// backend supervisor calls and surfaces fatal startup errors to the user.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/moshouhot/CodePilot/internal/abi"
	"github.com/moshouhot/CodePilot/internal/shutdown"
	"github.com/moshouhot/CodePilot/internal/supervisor"
	"github.com/moshouhot/CodePilot/internal/version"
)

const (
	TitleStartFailure = "CodePilot - Failed to Start"
	TitleABIMismatch  = "CodePilot - Native Module ABI Mismatch"
)

// Window is the native UI shell.
type Window interface {
	// Load opens a window (or reuses the existing one) on url.
	Load(url string) error
	// Count is the number of open windows.
	Count() int
	ShowError(title, msg string)
	Quit()
}

// Backend is the part of *supervisor.Supervisor the controller drives.
type Backend interface {
	Start(ctx context.Context) (supervisor.Snapshot, error)
	Stop(ctx context.Context) shutdown.Outcome
	Snapshot() supervisor.Snapshot
	Quit() bool
	Quitting() bool
}

// VersionGate is satisfied by *version.Gate.
type VersionGate interface {
	Reconcile(ctx context.Context, current string) version.Result
}

// ABIChecker is satisfied by *abi.Guard.
type ABIChecker interface {
	Check(ctx context.Context, resourceDir string) abi.Result
}

// Options configures a Controller. Gate and ABI may be nil.
type Options struct {
	Window      Window
	Backend     Backend
	Gate        VersionGate
	ABI         ABIChecker
	AppVersion  string
	ResourceDir string
	// Platform defaults to runtime.GOOS.
	Platform string
	Log      *slog.Logger
}

// Controller reacts to shell lifecycle events.
type Controller struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	failed bool
}

// New returns a Controller.
func New(opts Options) *Controller {
	if opts.Platform == "" {
		opts.Platform = runtime.GOOS
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Controller{opts: opts, log: log.With("component", "app")}
}

// OnReady runs the startup pipeline and opens the first window. A fatal
// error is shown to the user, the application quits and the error is returned.
func (c *Controller) OnReady(ctx context.Context) error {
	if c.opts.Gate != nil {
		res := c.opts.Gate.Reconcile(ctx, c.opts.AppVersion)
		if res.Invalidated {
			c.log.Info("caches cleared after version change", "from", res.Previous, "to", c.opts.AppVersion)
		}
	}

	if c.opts.ABI != nil {
		res := c.opts.ABI.Check(ctx, c.opts.ResourceDir)
		if err := res.Err(); err != nil {
			return c.fail(err)
		}
	}

	snap, err := c.opts.Backend.Start(ctx)
	if err != nil {
		if errors.Is(err, supervisor.ErrQuitting) || ctx.Err() != nil {
			return err
		}
		return c.fail(err)
	}
	if err := c.opts.Window.Load(snap.URL); err != nil {
		return c.fail(fmt.Errorf("load window: %w", err))
	}
	return nil
}

// OnAllWindowsClosed stops the backend. Everywhere but macOS the application
// quits too.
func (c *Controller) OnAllWindowsClosed(ctx context.Context) {
	out := c.opts.Backend.Stop(ctx)
	c.log.Debug("backend stopped after last window closed", "forced", out.Forced, "elapsed", out.Elapsed)
	if c.opts.Platform != "darwin" {
		c.opts.Window.Quit()
	}
}

// OnActivate reopens a window when none is open, respawning the backend if
// needed. Failures are logged; the user can activate again.
func (c *Controller) OnActivate(ctx context.Context) error {
	if c.opts.Window.Count() > 0 {
		return nil
	}
	if c.opts.Backend.Quitting() {
		return supervisor.ErrQuitting
	}
	snap := c.opts.Backend.Snapshot()
	if !snap.State.Serving() {
		var err error
		snap, err = c.opts.Backend.Start(ctx)
		if err != nil {
			c.log.Error("failed to restart backend", "error", err)
			return err
		}
	}
	if err := c.opts.Window.Load(snap.URL); err != nil {
		c.log.Error("failed to open window", "error", err)
		return err
	}
	return nil
}

// OnBeforeQuit handles a quit request. The first call with a live backend
// marks the application as quitting, stops the backend and re-issues Quit;
// it returns true so the caller defers the original quit. Later calls
// return false and let the quit proceed.
func (c *Controller) OnBeforeQuit(ctx context.Context) (deferQuit bool) {
	snap := c.opts.Backend.Snapshot()
	live := snap.PID != 0 || snap.State == supervisor.StateStarting
	if !c.opts.Backend.Quit() || !live {
		return false
	}
	out := c.opts.Backend.Stop(ctx)
	c.log.Info("backend stopped for quit", "forced", out.Forced, "elapsed", out.Elapsed)
	c.opts.Window.Quit()
	return true
}

// Failed reports whether a fatal startup error was shown.
func (c *Controller) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// fail is the single sink for fatal startup errors.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.failed = true
	c.mu.Unlock()

	c.log.Error("failed to start", "error", err)
	title, msg := describe(err)
	c.opts.Window.ShowError(title, msg)
	c.opts.Window.Quit()
	return err
}

func describe(err error) (string, string) {
	var mm *abi.MismatchError
	if errors.As(err, &mm) {
		return TitleABIMismatch, fmt.Sprintf(
			"The bundled native module was compiled for a different runtime version.\n\n%s\n\n"+
				"This usually means the build did not recompile native modules for the desktop runtime.\n"+
				"Please rebuild the application or report this issue.", mm.Detail)
	}
	return TitleStartFailure, fmt.Sprintf(
		"The internal server could not start.\n\n%s\n\nPlease try restarting the application.", err)
}
