package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes rotating log files.
// If StdoutPath/StderrPath are empty and Dir is set, backend output goes to
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// AppPath is the shell's own structured log file.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	AppPath    string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the unified logging configuration for the shell and its backend.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error
	Format string     `mapstructure:"format"` // text or json
	Color  *bool      `mapstructure:"color"`  // nil: colour when stderr is a terminal
	File   FileConfig `mapstructure:",squash"`
}

// ProcessWriters returns io.WriteClosers for the stdout and stderr of the named process.
// Either may be nil when no destination is configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	f := c.File
	stdout := f.StdoutPath
	stderr := f.StderrPath
	if stdout == "" && f.Dir != "" {
		stdout = filepath.Join(f.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && f.Dir != "" {
		stderr = filepath.Join(f.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = f.rotating(stdout)
	}
	if stderr != "" {
		errW = f.rotating(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// New builds the application logger. Records go to stderr and, when
// File.AppPath is set, also to a rotating file. The returned closer releases
// the file and is never nil.
func New(c Config) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}

	var closer io.Closer = nopCloser{}
	var fileW io.Writer
	if c.File.AppPath != "" {
		_ = os.MkdirAll(filepath.Dir(c.File.AppPath), 0o750)
		lw := c.File.rotating(c.File.AppPath)
		fileW = lw
		closer = lw
	}

	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if c.Color != nil {
		color = *c.Color
	}

	var h slog.Handler
	switch {
	case strings.EqualFold(c.Format, "json"):
		var w io.Writer = os.Stderr
		if fileW != nil {
			w = io.MultiWriter(os.Stderr, fileW)
		}
		h = slog.NewJSONHandler(w, opts)
	case fileW != nil:
		// Escape codes never go to the file.
		h = fanout{NewColorTextHandler(os.Stderr, opts, true, color), slog.NewTextHandler(fileW, opts)}
	default:
		h = NewColorTextHandler(os.Stderr, opts, true, color)
	}
	return slog.New(h), closer
}

// ParseLevel maps a level name to slog.Level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
