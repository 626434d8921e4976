// Package health polls a freshly spawned backend until its readiness endpoint
// answers, the process exits, or the overall deadline passes.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Defaults match the backend's readiness contract.
const (
	DefaultPath           = "/api/health"
	DefaultExpectedStatus = http.StatusOK
	DefaultAttemptTimeout = time.Second
	DefaultInterval       = 200 * time.Millisecond
	DefaultTimeout        = 30 * time.Second
	DefaultTailLines      = 10
)

// Outcome classifies how AwaitReady ended.
type Outcome int

const (
	Ready Outcome = iota
	TimedOut
	ProcessExited
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case ProcessExited:
		return "process_exited"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Target is the process being watched.
type Target interface {
	// Done is closed once exit has been recorded.
	Done() <-chan struct{}
	Exited() (bool, int)
	Tail(n int) []string
}

// Config tunes the poll loop. Zero fields take the defaults above.
type Config struct {
	Path           string        `mapstructure:"path"`
	ExpectedStatus int           `mapstructure:"expected_status"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Interval       time.Duration `mapstructure:"interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	TailLines      int           `mapstructure:"tail_lines"`

	Client *http.Client `mapstructure:"-"`
	Log    *slog.Logger `mapstructure:"-"`
	// OnAttempt, if set, is called after every HTTP attempt.
	OnAttempt func(ok bool) `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.ExpectedStatus == 0 {
		c.ExpectedStatus = DefaultExpectedStatus
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TailLines <= 0 {
		c.TailLines = DefaultTailLines
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Result is what AwaitReady observed.
type Result struct {
	Outcome     Outcome
	URL         string
	ExitCode    int
	Diagnostics []string
	Attempts    int
	Elapsed     time.Duration
	Timeout     time.Duration
	cause       error
}

// Err converts a non-ready result into its typed error, or nil when ready.
func (r Result) Err() error {
	switch r.Outcome {
	case Ready:
		return nil
	case TimedOut:
		return &HealthTimeoutError{URL: r.URL, Timeout: r.Timeout, Attempts: r.Attempts, Diagnostics: r.Diagnostics}
	case ProcessExited:
		return &UnexpectedExitError{ExitCode: r.ExitCode, BeforeReady: true, Diagnostics: r.Diagnostics}
	default:
		if r.cause != nil {
			return r.cause
		}
		return context.Canceled
	}
}

// HealthTimeoutError means the backend never answered in time.
type HealthTimeoutError struct {
	URL         string
	Timeout     time.Duration
	Attempts    int
	Diagnostics []string
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("backend at %s not ready after %s (%d attempts)%s", e.URL, e.Timeout, e.Attempts, tailSuffix(e.Diagnostics))
}

// UnexpectedExitError means the backend exited outside an intentional shutdown.
type UnexpectedExitError struct {
	ExitCode    int
	BeforeReady bool
	Diagnostics []string
}

func (e *UnexpectedExitError) Error() string {
	when := "after becoming ready"
	if e.BeforeReady {
		when = "before becoming ready"
	}
	return fmt.Sprintf("backend exited with code %d %s%s", e.ExitCode, when, tailSuffix(e.Diagnostics))
}

func tailSuffix(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return "\n" + strings.Join(lines, "\n")
}

// AwaitReady polls baseURL+Path until it returns the expected status. Exit of
// t is checked before every attempt and aborts any attempt in flight, so a
// crashed backend is reported without waiting out the timeout.
func AwaitReady(ctx context.Context, baseURL string, t Target, cfg Config) Result {
	c := cfg.withDefaults()
	url := strings.TrimRight(baseURL, "/") + c.Path
	start := time.Now()
	deadline := start.Add(c.Timeout)
	res := Result{URL: url, Timeout: c.Timeout}

	// runCtx ends when the caller cancels or the process exits.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	finish := func(o Outcome) Result {
		res.Outcome = o
		res.Elapsed = time.Since(start)
		if o != Ready {
			res.Diagnostics = t.Tail(c.TailLines)
		}
		return res
	}
	exited := func() bool {
		if ok, code := t.Exited(); ok {
			res.ExitCode = code
			return true
		}
		return false
	}

	for {
		if exited() {
			return finish(ProcessExited)
		}
		if err := ctx.Err(); err != nil {
			res.cause = err
			return finish(Cancelled)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return finish(TimedOut)
		}

		res.Attempts++
		ok := probe(runCtx, c, url, min(c.AttemptTimeout, remaining))
		if c.OnAttempt != nil {
			c.OnAttempt(ok)
		}
		if ok {
			// An exit that raced the response wins.
			if exited() {
				return finish(ProcessExited)
			}
			c.Log.Debug("backend ready", "url", url, "attempts", res.Attempts, "elapsed", time.Since(start))
			return finish(Ready)
		}

		wait := min(c.Interval, time.Until(deadline))
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-runCtx.Done():
			timer.Stop()
		}
	}
}

func probe(ctx context.Context, c Config, url string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		c.Log.Debug("health attempt failed", "url", url, "error", err)
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return resp.StatusCode == c.ExpectedStatus
}
