package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/moshouhot/CodePilot/internal/abi"
	"github.com/moshouhot/CodePilot/internal/env"
	"github.com/moshouhot/CodePilot/internal/health"
	"github.com/moshouhot/CodePilot/internal/logger"
	"github.com/moshouhot/CodePilot/internal/process"
	"github.com/moshouhot/CodePilot/internal/shutdown"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. CODEPILOT_HEALTH_TIMEOUT=45s.
const EnvPrefix = "CODEPILOT"

// AppName names the user data directory.
const AppName = "CodePilot"

// Config represents the TOML configuration file of the desktop shell.
type Config struct {
	DevMode     bool   `mapstructure:"dev_mode"`
	DevURL      string `mapstructure:"dev_url"`
	AppVersion  string `mapstructure:"app_version"`
	UserDataDir string `mapstructure:"user_data_dir"`
	ResourceDir string `mapstructure:"resource_dir"`

	Backend  BackendConfig  `mapstructure:"backend"`
	Health   HealthConfig   `mapstructure:"health"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
	ABI      ABIConfig      `mapstructure:"abi"`
	Shell    ShellConfig    `mapstructure:"shell"`
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	History  HistoryConfig  `mapstructure:"history"`
}

type BackendConfig struct {
	Executable      string   `mapstructure:"executable"`
	WorkDir         string   `mapstructure:"work_dir"`
	Args            []string `mapstructure:"args"`
	Env             []string `mapstructure:"env"`
	DiagnosticLines int      `mapstructure:"diagnostic_lines"`
	ServiceName     string   `mapstructure:"service_name"`
}

type HealthConfig struct {
	Path           string        `mapstructure:"path"`
	ExpectedStatus int           `mapstructure:"expected_status"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Interval       time.Duration `mapstructure:"interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	TailLines      int           `mapstructure:"tail_lines"`
}

type ShutdownConfig struct {
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	TerminateSignal string        `mapstructure:"terminate_signal"`
	KillSignal      string        `mapstructure:"kill_signal"`
}

type ABIConfig struct {
	Binary            string        `mapstructure:"binary"`
	SearchDir         string        `mapstructure:"search_dir"`
	MismatchSignature string        `mapstructure:"mismatch_signature"`
	ProbeCommand      []string      `mapstructure:"probe_command"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
}

type ShellConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Shell   string        `mapstructure:"shell"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	BackendDir string `mapstructure:"backend_dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HistoryConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// DefaultProbeScript loads the binary passed as the first argument the way
// the backend's runtime would.
const DefaultProbeScript = "process.dlopen({exports:{}}, process.argv[1])"

func setDefaults(v *viper.Viper) {
	v.SetDefault("dev_mode", false)
	v.SetDefault("dev_url", "http://127.0.0.1:3000")
	v.SetDefault("app_version", "0.0.0")
	v.SetDefault("user_data_dir", "")
	v.SetDefault("resource_dir", "")

	v.SetDefault("backend.executable", "")
	v.SetDefault("backend.work_dir", "")
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.diagnostic_lines", process.DefaultDiagnosticLines)
	v.SetDefault("backend.service_name", "codepilot-server")

	v.SetDefault("health.path", health.DefaultPath)
	v.SetDefault("health.expected_status", health.DefaultExpectedStatus)
	v.SetDefault("health.attempt_timeout", health.DefaultAttemptTimeout)
	v.SetDefault("health.interval", health.DefaultInterval)
	v.SetDefault("health.timeout", health.DefaultTimeout)
	v.SetDefault("health.tail_lines", health.DefaultTailLines)

	v.SetDefault("shutdown.grace_period", shutdown.DefaultGracePeriod)
	v.SetDefault("shutdown.terminate_signal", "SIGTERM")
	v.SetDefault("shutdown.kill_signal", "SIGKILL")

	v.SetDefault("abi.binary", "better_sqlite3.node")
	v.SetDefault("abi.search_dir", filepath.Join("standalone", "node_modules"))
	v.SetDefault("abi.mismatch_signature", "NODE_MODULE_VERSION")
	v.SetDefault("abi.probe_command", []string{"node", "-e", DefaultProbeScript})
	v.SetDefault("abi.probe_timeout", 10*time.Second)

	v.SetDefault("shell.enabled", true)
	v.SetDefault("shell.shell", "")
	v.SetDefault("shell.timeout", env.DefaultShellTimeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.backend_dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:0")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.table", "backend_history")
}

// Load reads the TOML file at path (optional; empty uses defaults only) and
// applies CODEPILOT_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.resolvePaths(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolvePaths fills directory defaults that depend on the host.
func (c *Config) resolvePaths() error {
	if c.UserDataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve user data dir: %w", err)
		}
		c.UserDataDir = filepath.Join(base, AppName)
	}
	if c.ResourceDir == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve resource dir: %w", err)
		}
		c.ResourceDir = filepath.Join(filepath.Dir(exe), "resources")
	}
	if c.Backend.WorkDir == "" {
		c.Backend.WorkDir = filepath.Join(c.ResourceDir, "standalone")
	}
	if c.Backend.Executable == "" {
		name := "server"
		if runtime.GOOS == "windows" {
			name = "server.exe"
		}
		c.Backend.Executable = filepath.Join(c.Backend.WorkDir, name)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DevMode && c.DevURL == "" {
		errs = append(errs, errors.New("dev_url is required in dev mode"))
	}
	if !c.DevMode && c.Backend.Executable == "" {
		errs = append(errs, errors.New("backend.executable is required"))
	}
	if c.Health.ExpectedStatus < 100 || c.Health.ExpectedStatus > 599 {
		errs = append(errs, fmt.Errorf("health.expected_status %d is not an HTTP status", c.Health.ExpectedStatus))
	}
	if c.Health.Timeout <= 0 {
		errs = append(errs, errors.New("health.timeout must be positive"))
	}
	if c.Health.AttemptTimeout <= 0 || c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.attempt_timeout and health.interval must be positive"))
	}
	if c.Shutdown.GracePeriod <= 0 {
		errs = append(errs, errors.New("shutdown.grace_period must be positive"))
	}
	if _, err := process.ParseSignal(c.Shutdown.TerminateSignal); err != nil {
		errs = append(errs, fmt.Errorf("shutdown.terminate_signal: %w", err))
	}
	if _, err := process.ParseSignal(c.Shutdown.KillSignal); err != nil {
		errs = append(errs, fmt.Errorf("shutdown.kill_signal: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// LoggerConfig maps [log] onto the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File: logger.FileConfig{
			AppPath:    c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// BackendLogConfig is the rotating stdout/stderr file config of the backend.
func (c *Config) BackendLogConfig() logger.Config {
	return logger.Config{File: logger.FileConfig{
		Dir:        c.Log.BackendDir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}}
}

// ProcessSpec builds the spawn spec. The environment is filled in by the
// supervisor once the port is known.
func (c *Config) ProcessSpec() process.Spec {
	term, _ := process.ParseSignal(c.Shutdown.TerminateSignal)
	kill, _ := process.ParseSignal(c.Shutdown.KillSignal)
	return process.Spec{
		Name:            c.Backend.ServiceName,
		Executable:      c.Backend.Executable,
		Args:            append([]string(nil), c.Backend.Args...),
		WorkDir:         c.Backend.WorkDir,
		DiagnosticLines: c.Backend.DiagnosticLines,
		TerminateSignal: term,
		KillSignal:      kill,
		Log:             c.BackendLogConfig(),
	}
}

// HealthConfig maps [health] onto the health package.
func (c *Config) HealthConfig() health.Config {
	h := c.Health
	return health.Config{
		Path:           h.Path,
		ExpectedStatus: h.ExpectedStatus,
		AttemptTimeout: h.AttemptTimeout,
		Interval:       h.Interval,
		Timeout:        h.Timeout,
		TailLines:      h.TailLines,
	}
}

// ShutdownPolicy maps [shutdown] onto the shutdown package.
func (c *Config) ShutdownPolicy() shutdown.Policy {
	return shutdown.Policy{GracePeriod: c.Shutdown.GracePeriod}
}

// ABIGuard builds the native module guard from [abi].
func (c *Config) ABIGuard() *abi.Guard {
	return &abi.Guard{
		Binary:    c.ABI.Binary,
		SearchDir: c.ABI.SearchDir,
		Signature: c.ABI.MismatchSignature,
		DevMode:   c.DevMode,
		Loader:    abi.CommandLoader{Command: c.ABI.ProbeCommand, Timeout: c.ABI.ProbeTimeout},
	}
}

// ShellSnapshot builds the login-shell capture from [shell], or nil when disabled.
func (c *Config) ShellSnapshot(log *slog.Logger) *env.ShellSnapshot {
	if !c.Shell.Enabled {
		return nil
	}
	return &env.ShellSnapshot{Shell: c.Shell.Shell, Timeout: c.Shell.Timeout, Platform: env.Current(), Log: log}
}

// PIDFile is where the running backend is recorded for crash recovery.
func (c *Config) PIDFile() string { return filepath.Join(c.UserDataDir, "backend.pid") }

// ServerAddrFile records the bound address of the status server so the CLI
// can find it when listen uses port 0.
func (c *Config) ServerAddrFile() string { return filepath.Join(c.UserDataDir, "server.addr") }
