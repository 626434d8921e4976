// Package shutdown tears a backend down within a bounded grace period,
// escalating to a forced kill when the process does not leave on its own.
package shutdown

import (
	"context"
	"log/slog"
	"time"

	"github.com/moshouhot/CodePilot/internal/process"
)

const (
	DefaultGracePeriod = 3 * time.Second
	// DefaultReapWait bounds how long to wait for exit after a forced kill.
	DefaultReapWait = 2 * time.Second
)

// Handle is the running backend. *process.Process satisfies it.
type Handle interface {
	PID() int
	Exited() (bool, int)
	Done() <-chan struct{}
	// Signal sends the terminate signal and returns immediately.
	Signal() error
	// Kill sends the force signal and returns immediately.
	Kill() error
}

// Policy configures the coordinator.
type Policy struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
	ReapWait    time.Duration `mapstructure:"reap_wait"`
}

// Outcome describes a completed shutdown.
type Outcome struct {
	Skipped bool // no live process
	Forced  bool // grace period expired and the process was killed
	Elapsed time.Duration
}

// Coordinator implements the terminate, wait, kill protocol.
type Coordinator struct {
	Policy Policy
	Log    *slog.Logger
	// OnForceKill, if set, is called when escalation happens.
	OnForceKill func(pid int)
	// killPID is the last-resort kill by identifier.
	killPID func(ctx context.Context, pid int) error
}

// New returns a Coordinator with defaults applied.
func New(p Policy, log *slog.Logger) *Coordinator {
	if p.GracePeriod <= 0 {
		p.GracePeriod = DefaultGracePeriod
	}
	if p.ReapWait <= 0 {
		p.ReapWait = DefaultReapWait
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{Policy: p, Log: log.With("component", "shutdown"), killPID: process.KillPID}
}

// Shutdown stops h and always returns. It never blocks longer than the grace
// period plus the reap wait. ctx cancellation skips straight to the kill.
func (c *Coordinator) Shutdown(ctx context.Context, h Handle) Outcome {
	start := time.Now()
	if h == nil || h.PID() == 0 {
		return Outcome{Skipped: true}
	}
	if exited, _ := h.Exited(); exited {
		return Outcome{Skipped: true}
	}
	pid := h.PID()

	if err := h.Signal(); err != nil {
		c.Log.Warn("terminate signal failed", "pid", pid, "error", err)
	}

	grace := time.NewTimer(c.Policy.GracePeriod)
	defer grace.Stop()
	select {
	case <-h.Done():
		c.Log.Info("backend stopped", "pid", pid, "elapsed", time.Since(start))
		return Outcome{Elapsed: time.Since(start)}
	case <-grace.C:
	case <-ctx.Done():
	}

	c.Log.Warn("backend did not exit within grace period, force killing", "pid", pid, "grace_period", c.Policy.GracePeriod)
	if c.OnForceKill != nil {
		c.OnForceKill(pid)
	}
	if err := h.Kill(); err != nil {
		c.Log.Debug("group kill failed, killing by pid", "pid", pid, "error", err)
		kctx, cancel := context.WithTimeout(context.Background(), c.Policy.ReapWait)
		if err := c.killPID(kctx, pid); err != nil {
			c.Log.Warn("force kill failed", "pid", pid, "error", err)
		}
		cancel()
	}

	reap := time.NewTimer(c.Policy.ReapWait)
	defer reap.Stop()
	select {
	case <-h.Done():
	case <-reap.C:
		c.Log.Warn("backend not reaped after force kill", "pid", pid)
	}
	return Outcome{Forced: true, Elapsed: time.Since(start)}
}
