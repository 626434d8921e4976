package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	codepilot "github.com/moshouhot/CodePilot"
	"github.com/moshouhot/CodePilot/internal/abi"
	"github.com/moshouhot/CodePilot/internal/config"
	"github.com/moshouhot/CodePilot/internal/env"
	"github.com/moshouhot/CodePilot/internal/logger"
	"github.com/moshouhot/CodePilot/internal/port"
	"github.com/moshouhot/CodePilot/internal/stub"
	"github.com/moshouhot/CodePilot/pkg/client"
)

// command carries state shared by the subcommand implementations
type command struct {
	global *GlobalFlags
}

func (c command) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// Run supervises the backend until SIGINT/SIGTERM or a fatal startup error.
func (c command) Run(ctx context.Context, stdout, stderr io.Writer) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log, closer := logger.New(cfg.LoggerConfig())
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := newConsoleWindow(stdout, stderr, log)
	sh, err := codepilot.New(cfg, w, log, func(err error) {
		_, _ = fmt.Fprintf(stderr, "backend exited unexpectedly: %v\n", err)
	})
	if err != nil {
		return err
	}
	if addr, err := sh.Serve(ctx); err != nil {
		log.Warn("status server disabled", "error", err)
	} else if addr != nil {
		_, _ = fmt.Fprintf(stdout, "Status API on http://%s/api\n", addr)
	}

	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracePeriod*3)
		defer cancel()
		sh.Controller().OnBeforeQuit(sctx)
		return sh.Close(sctx)
	}

	if err := sh.Controller().OnReady(ctx); err != nil {
		_ = shutdown()
		return err
	}

	select {
	case <-ctx.Done():
		_, _ = fmt.Fprintln(stdout, "Shutting down...")
	case <-w.Quitting():
	}
	return shutdown()
}

// CheckABI runs the native module guard once and reports the result.
func (c command) CheckABI(ctx context.Context, out io.Writer) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	g := cfg.ABIGuard()
	res := g.Check(ctx, cfg.ResourceDir)
	_, _ = fmt.Fprintf(out, "status: %s\n", res.Status)
	if res.Path != "" {
		_, _ = fmt.Fprintf(out, "binary: %s\n", res.Path)
	}
	if res.Detail != "" {
		_, _ = fmt.Fprintf(out, "detail: %s\n", res.Detail)
	}
	if res.Status == abi.StatusMismatch {
		return res.Err()
	}
	return nil
}

// Env prints the environment the backend would receive, one K=V per line.
func (c command) Env(ctx context.Context, out io.Writer, f EnvFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	p := f.Port
	if p == 0 {
		if p, err = port.Allocate(ctx); err != nil {
			return err
		}
	}
	var shellEnv env.Var
	if snap := cfg.ShellSnapshot(nil); snap != nil && !f.NoShell {
		shellEnv = snap.Load(ctx)
	}
	home, _ := os.UserHomeDir()
	spec := env.Build(env.Params{
		Port:     p,
		HomeDir:  home,
		Platform: env.Current(),
		ShellEnv: shellEnv,
		Extra:    cfg.Backend.Env,
	})
	for _, kv := range spec.Environ() {
		_, _ = fmt.Fprintln(out, kv)
	}
	return nil
}

// Port allocates an ephemeral loopback port and prints it.
func (c command) Port(ctx context.Context, out io.Writer) error {
	p, err := port.Allocate(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, p)
	return nil
}

// Status queries the status server of a running shell.
func (c command) Status(ctx context.Context, out io.Writer, f StatusFlags) error {
	base := f.APIUrl
	if base == "" {
		cfg, err := c.loadConfig()
		if err != nil {
			return err
		}
		if base, err = codepilot.ReadServerAddr(cfg); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return errors.New("no running shell found; is [server] enabled? use --api-url to point at one")
			}
			return err
		}
	}
	cl := client.New(client.Config{BaseURL: base, Timeout: f.APITimeout})

	switch {
	case f.Restart:
		st, err := cl.Restart(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, st)
	case f.Stop:
		res, err := cl.Stop(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, res)
	}

	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	st.Diagnostics = nil
	if err := printJSON(out, st); err != nil {
		return err
	}
	if f.Lines > 0 {
		lines, err := cl.Diagnostics(ctx, f.Lines)
		if err != nil {
			return err
		}
		for _, l := range lines {
			_, _ = fmt.Fprintln(out, l)
		}
	}
	return nil
}

// Stub runs the stand-in backend.
func (c command) Stub(ctx context.Context, exitSet bool, f StubFlags) error {
	getenv := os.Getenv
	if f.Port != "" {
		getenv = func(k string) string {
			if k == "PORT" {
				return f.Port
			}
			return os.Getenv(k)
		}
	}
	o, err := stub.OptionsFromEnv(getenv)
	if err != nil {
		return err
	}
	if f.Delay > 0 {
		o.ReadyDelay = f.Delay
	}
	if exitSet {
		o.ExitCode, o.ExitNow = f.ExitCode, true
	}
	if f.IgnoreTerm {
		o.IgnoreTerm = true
	}
	log, closer := logger.New(logger.Config{Level: "info"})
	defer func() { _ = closer.Close() }()
	return stub.Run(ctx, o, log)
}

// Version prints the build version and runtime.
func (c command) Version(out io.Writer) error {
	_, err := fmt.Fprintf(out, "codepilot %s (%s %s/%s)\n", codepilot.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return err
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
