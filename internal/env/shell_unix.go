//go:build !windows

package env

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// runLoginShell runs `<shell> -ilc env` detached from any terminal and returns stdout.
func runLoginShell(ctx context.Context, shell string) (string, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, shell, "-ilc", "env")
	cmd.Stdin = nil
	// A new session keeps interactive rc files from grabbing a controlling tty.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w (stderr: %s)", ctx.Err(), strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("%w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}
