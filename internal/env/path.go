package env

import (
	"path/filepath"
	"sort"
	"strings"
)

// posixBasePath holds the common binary install locations a GUI-launched
// process usually lacks.
var posixBasePath = []string{"/usr/local/bin", "/opt/homebrew/bin", "/usr/bin", "/bin"}

// homeToolDirs are the per-user CLI install locations, relative to home.
var homeToolDirs = [][]string{
	{".npm-global", "bin"},
	{".local", "bin"},
	{".claude", "bin"},
}

// ReconcilePath builds the backend PATH. On POSIX it is base defaults, then
// home tool dirs, then userPath. On Windows the user PATH comes first, followed
// by the npm and home tool dirs. Empty and duplicate segments are dropped,
// keeping the first occurrence.
func ReconcilePath(p Platform, home string, inherited Var, userPath string) string {
	sep := p.ListSep()
	var parts []string
	if p == Windows {
		appData := lookupFold(inherited, "APPDATA", true)
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		localAppData := lookupFold(inherited, "LOCALAPPDATA", true)
		if localAppData == "" {
			localAppData = filepath.Join(home, "AppData", "Local")
		}
		parts = append(parts, strings.Split(userPath, sep)...)
		parts = append(parts, filepath.Join(appData, "npm"), filepath.Join(localAppData, "npm"))
		for _, d := range homeToolDirs {
			parts = append(parts, filepath.Join(append([]string{home}, d...)...))
		}
	} else {
		parts = append(parts, posixBasePath...)
		for _, d := range homeToolDirs {
			parts = append(parts, home+"/"+strings.Join(d, "/"))
		}
		parts = append(parts, strings.Split(userPath, sep)...)
	}
	return strings.Join(Dedupe(parts), sep)
}

// Dedupe drops empty and repeated segments, preserving first-seen order.
func Dedupe(segments []string) []string {
	seen := make(map[string]struct{}, len(segments))
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sortedKeys(m Var) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
