//go:build windows

package env

import "context"

// runLoginShell is never reached on Windows: GUI processes there already
// inherit the full user environment.
func runLoginShell(_ context.Context, _ string) (string, error) { return "", nil }
