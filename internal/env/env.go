// Package env builds the backend's process environment by layering platform
// defaults, the user's login-shell environment, the GUI process environment and
// the service variables the backend expects.
package env

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Var is a plain name -> value map.
type Var map[string]string

// Platform identifies the target OS family for default paths and separators.
type Platform string

const (
	Darwin  Platform = "darwin"
	Linux   Platform = "linux"
	Windows Platform = "windows"
)

// Current returns the platform the binary was built for.
func Current() Platform { return Platform(runtime.GOOS) }

// POSIX reports whether the platform has login shells worth snapshotting.
func (p Platform) POSIX() bool { return p != Windows }

// ListSep is the PATH list separator for the platform.
func (p Platform) ListSep() string {
	if p == Windows {
		return ";"
	}
	return ":"
}

// Params carries the inputs of one Build.
type Params struct {
	Port      uint16
	HomeDir   string
	DataDir   string // defaults to <HomeDir>/.codepilot
	Platform  Platform
	ShellEnv  Var      // login-shell snapshot; may be empty
	Inherited Var      // GUI process environment; nil means os.Environ()
	Extra     []string // "K=V" entries from config, ${VAR} expanded
}

// Spec is the materialized, ordered environment of one backend process.
// It has no mutators; Build is the only way to produce one.
type Spec struct {
	keys []string
	vals Var
}

// Get returns the value of name.
func (s *Spec) Get(name string) (string, bool) {
	v, ok := s.vals[name]
	return v, ok
}

// Len returns the number of variables.
func (s *Spec) Len() int { return len(s.keys) }

// Keys returns variable names in first-seen layer order.
func (s *Spec) Keys() []string { return append([]string(nil), s.keys...) }

// Environ renders the spec as "K=V" pairs suitable for exec.Cmd.Env.
func (s *Spec) Environ() []string {
	out := make([]string, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k+"="+s.vals[k])
	}
	return out
}

// ordered is the mutable accumulator used while layering.
type ordered struct {
	keys []string
	vals Var
	fold bool // case-insensitive names (Windows)
}

func newOrdered(fold bool) *ordered { return &ordered{vals: make(Var), fold: fold} }

func (o *ordered) lookupKey(k string) (string, bool) {
	if _, ok := o.vals[k]; ok {
		return k, true
	}
	if o.fold {
		for _, existing := range o.keys {
			if strings.EqualFold(existing, k) {
				return existing, true
			}
		}
	}
	return "", false
}

func (o *ordered) set(k, v string) {
	if k == "" {
		return
	}
	if existing, ok := o.lookupKey(k); ok {
		o.vals[existing] = v
		return
	}
	o.keys = append(o.keys, k)
	o.vals[k] = v
}

func (o *ordered) get(k string) string {
	if existing, ok := o.lookupKey(k); ok {
		return o.vals[existing]
	}
	return ""
}

// apply layers m in sorted key order so Build output is deterministic.
func (o *ordered) apply(m Var) {
	for _, k := range sortedKeys(m) {
		o.set(k, m[k])
	}
}

// Build merges the layers, lowest to highest precedence:
// platform PATH defaults, login-shell snapshot, inherited environment (with the
// shell snapshot re-applied on top so shell values win), config extras, service
// variables and finally the reconciled PATH.
func Build(p Params) *Spec {
	if p.Platform == "" {
		p.Platform = Current()
	}
	inherited := p.Inherited
	if inherited == nil {
		inherited = FromOS()
	}
	shell := p.ShellEnv
	if !p.Platform.POSIX() {
		shell = nil
	}

	o := newOrdered(p.Platform == Windows)
	o.apply(shell)
	o.apply(inherited)
	o.apply(shell)

	for _, kv := range p.Extra {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		o.set(k, expand(v, o))
	}

	dataDir := p.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(p.HomeDir, ".codepilot")
	}
	o.set("PORT", strconv.Itoa(int(p.Port)))
	o.set("HOSTNAME", "127.0.0.1")
	o.set("CLAUDE_GUI_DATA_DIR", dataDir)
	o.set("HOME", p.HomeDir)
	o.set("USERPROFILE", p.HomeDir)

	userPath := shell["PATH"]
	if userPath == "" {
		userPath = lookupFold(inherited, "PATH", p.Platform == Windows)
	}
	o.set("PATH", ReconcilePath(p.Platform, p.HomeDir, inherited, userPath))

	return &Spec{keys: o.keys, vals: o.vals}
}

// FromOS snapshots the current process environment.
func FromOS() Var {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	return base
}

// expand replaces ${VAR} references with values accumulated so far.
func expand(s string, o *ordered) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(o.get(s[i+2 : i+j]))
		s = s[i+j+1:]
	}
}

func lookupFold(m Var, k string, fold bool) string {
	if v, ok := m[k]; ok {
		return v
	}
	if fold {
		for name, v := range m {
			if strings.EqualFold(name, k) {
				return v
			}
		}
	}
	return ""
}
