package process

import (
	"fmt"
	"strings"
	"syscall"
)

var signalNames = map[string]syscall.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
	"SIGINT":  syscall.SIGINT,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
}

// ParseSignal maps a signal name such as "SIGTERM" or "term" to a syscall.Signal.
// An empty name yields zero, which selects the platform default.
func ParseSignal(name string) (syscall.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" {
		return 0, nil
	}
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	if s, ok := signalNames[n]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("unsupported signal %q", name)
}
