// Package version clears stale renderer caches when the application version
// changes between runs.
package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// MarkerFile is the name of the persisted version marker.
const MarkerFile = "last-version.txt"

// DefaultCacheDirs are the renderer cache directories, relative to the user
// data dir, that go stale across upgrades.
var DefaultCacheDirs = []string{
	"Cache",
	"Code Cache",
	"GPUCache",
	filepath.Join("Service Worker", "CacheStorage"),
	filepath.Join("Service Worker", "ScriptCache"),
}

// Invalidator clears cached state tied to the previous version.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(ctx context.Context) error

func (f InvalidatorFunc) Invalidate(ctx context.Context) error { return f(ctx) }

// DirInvalidator removes a fixed set of directories under Root.
type DirInvalidator struct {
	Root string
	Dirs []string
}

func (d DirInvalidator) Invalidate(ctx context.Context) error {
	dirs := d.Dirs
	if dirs == nil {
		dirs = DefaultCacheDirs
	}
	var errs []error
	for _, rel := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(d.Root, rel)); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", rel, err))
		}
	}
	return errors.Join(errs...)
}

// Result reports what Reconcile did.
type Result struct {
	Previous    string
	FirstRun    bool
	Invalidated bool
}

// Gate compares the running version against the marker in Dir.
type Gate struct {
	Dir         string
	Invalidator Invalidator
	Log         *slog.Logger
}

// New returns a Gate over userDataDir that clears the default cache dirs.
func New(userDataDir string, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		Dir:         userDataDir,
		Invalidator: DirInvalidator{Root: userDataDir},
		Log:         log.With("component", "version"),
	}
}

// MarkerPath is the full path of the version marker.
func (g *Gate) MarkerPath() string { return filepath.Join(g.Dir, MarkerFile) }

// Reconcile invalidates caches when current differs from the persisted
// version, then persists current. Failures are logged, never returned.
func (g *Gate) Reconcile(ctx context.Context, current string) Result {
	if g.Log == nil {
		g.Log = slog.Default()
	}
	current = strings.TrimSpace(current)
	var res Result

	b, err := os.ReadFile(g.MarkerPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		res.FirstRun = true
	case err != nil:
		g.Log.Warn("cannot read version marker", "path", g.MarkerPath(), "error", err)
		res.FirstRun = true
	default:
		res.Previous = strings.TrimSpace(string(b))
		// An empty marker carries no version to compare against.
		res.FirstRun = res.Previous == ""
	}

	if !res.FirstRun && res.Previous != current {
		g.Log.Info("version changed, clearing caches", "from", res.Previous, "to", current)
		if g.Invalidator != nil {
			if err := g.Invalidator.Invalidate(ctx); err != nil {
				g.Log.Warn("cache invalidation incomplete", "error", err)
			} else {
				res.Invalidated = true
			}
		}
	}

	if err := os.MkdirAll(g.Dir, 0o750); err != nil {
		g.Log.Warn("cannot create user data dir", "dir", g.Dir, "error", err)
		return res
	}
	if err := os.WriteFile(g.MarkerPath(), []byte(current), 0o600); err != nil {
		g.Log.Warn("cannot write version marker", "path", g.MarkerPath(), "error", err)
	}
	return res
}
