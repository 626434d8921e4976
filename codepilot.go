package codepilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/moshouhot/CodePilot/internal/app"
	"github.com/moshouhot/CodePilot/internal/config"
	"github.com/moshouhot/CodePilot/internal/history"
	"github.com/moshouhot/CodePilot/internal/history/factory"
	"github.com/moshouhot/CodePilot/internal/metrics"
	"github.com/moshouhot/CodePilot/internal/server"
	"github.com/moshouhot/CodePilot/internal/supervisor"
	"github.com/moshouhot/CodePilot/internal/version"
)

// Re-export core types for embedders such as a native window binding.

type Config = config.Config

type Window = app.Window

type Snapshot = supervisor.Snapshot

type State = supervisor.State

// LoadConfig reads an optional TOML file plus CODEPILOT_* overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Version is the build version, set with -ldflags "-X github.com/moshouhot/CodePilot.Version=...".
var Version = "dev"

// Shell wires the backend supervisor, the lifecycle controller and the
// optional status server, metrics and history for one application run.
type Shell struct {
	cfg        *Config
	log        *slog.Logger
	supervisor *supervisor.Supervisor
	controller *app.Controller
	sampler    *metrics.ResourceSampler
	recorder   *history.Recorder

	server     *http.Server
	addr       net.Addr
	stopSample context.CancelFunc
}

// New assembles a Shell. onExit, when set, is told about a backend that
// exits on its own after becoming ready.
func New(cfg *Config, w Window, log *slog.Logger, onExit func(error)) (*Shell, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Shell{cfg: cfg, log: log}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}

	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN, cfg.History.Table)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		s.recorder = history.NewRecorder(sink, log)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		log.Warn("cannot resolve home directory", "error", err)
	}
	s.supervisor = supervisor.New(supervisor.Options{
		Spec:             cfg.ProcessSpec(),
		DevMode:          cfg.DevMode,
		DevURL:           cfg.DevURL,
		HomeDir:          home,
		ExtraEnv:         cfg.Backend.Env,
		Shell:            cfg.ShellSnapshot(log),
		Health:           cfg.HealthConfig(),
		Shutdown:         cfg.ShutdownPolicy(),
		PIDFile:          cfg.PIDFile(),
		History:          s.recorder,
		Log:              log,
		OnUnexpectedExit: onExit,
	})

	guard := cfg.ABIGuard()
	guard.Log = log
	s.controller = app.New(app.Options{
		Window:      w,
		Backend:     s.supervisor,
		Gate:        version.New(cfg.UserDataDir, log),
		ABI:         guard,
		AppVersion:  cfg.AppVersion,
		ResourceDir: cfg.ResourceDir,
		Log:         log,
	})
	s.sampler = &metrics.ResourceSampler{Name: cfg.Backend.ServiceName, PID: s.supervisor.PID}
	return s, nil
}

// Controller returns the lifecycle controller the window binding calls into.
func (s *Shell) Controller() *app.Controller { return s.controller }

// Supervisor returns the backend supervisor.
func (s *Shell) Supervisor() *supervisor.Supervisor { return s.supervisor }

// Serve starts resource sampling and, when enabled, the status server. The
// bound address is written next to the user data so `codepilot status` can
// find it. It returns nil when the server is disabled.
func (s *Shell) Serve(ctx context.Context) (net.Addr, error) {
	sctx, cancel := context.WithCancel(ctx)
	s.stopSample = cancel
	go s.sampler.Run(sctx)

	if !s.cfg.Server.Enabled {
		return nil, nil
	}
	opts := []server.Option{server.WithResources(s.sampler)}
	if s.cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetrics())
	}
	srv, addr, err := server.NewServer(s.cfg.Server.Listen, server.NewRouter(s.supervisor, "/api", opts...))
	if err != nil {
		return nil, fmt.Errorf("status server: %w", err)
	}
	s.server, s.addr = srv, addr
	if err := os.MkdirAll(s.cfg.UserDataDir, 0o750); err == nil {
		if err := os.WriteFile(s.cfg.ServerAddrFile(), []byte(addr.String()+"\n"), 0o600); err != nil {
			s.log.Warn("cannot record status server address", "error", err)
		}
	}
	s.log.Info("status server listening", "addr", addr.String())
	return addr, nil
}

// Close stops the backend if it is still running and releases the status
// server, sampler and history recorder.
func (s *Shell) Close(ctx context.Context) error {
	out := s.supervisor.Stop(ctx)
	if !out.Skipped {
		s.log.Info("backend stopped", "forced", out.Forced, "elapsed", out.Elapsed)
	}
	if s.stopSample != nil {
		s.stopSample()
	}
	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		_ = os.Remove(s.cfg.ServerAddrFile())
	}
	if err := s.recorder.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReadServerAddr returns the status API base URL recorded by a running shell.
func ReadServerAddr(cfg *Config) (string, error) {
	b, err := os.ReadFile(cfg.ServerAddrFile())
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(string(b))
	if addr == "" {
		return "", fmt.Errorf("empty address in %s", cfg.ServerAddrFile())
	}
	return "http://" + addr + "/api", nil
}
