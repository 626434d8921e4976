// Package port hands out loopback TCP ports for the backend service.
package port

import (
	"context"
	"fmt"
	"net"
)

// Loopback is the only interface the backend is ever bound to.
const Loopback = "127.0.0.1"

// AllocationError reports that the OS could not provide an ephemeral port.
type AllocationError struct {
	Err error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate loopback port: %v", e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// Allocate binds 127.0.0.1:0, reads back the port the OS picked and releases
// the socket again. Another process may grab the port before the backend binds
// it; the backend's own bind error is the authoritative signal in that case.
func Allocate(ctx context.Context) (uint16, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp4", net.JoinHostPort(Loopback, "0"))
	if err != nil {
		return 0, &AllocationError{Err: err}
	}
	addr, ok := ln.Addr().(*net.TCPAddr)
	if err := ln.Close(); err != nil {
		return 0, &AllocationError{Err: err}
	}
	if !ok || addr.Port <= 0 {
		return 0, &AllocationError{Err: fmt.Errorf("unexpected listener address %v", ln.Addr())}
	}
	return uint16(addr.Port), nil
}

// URL returns the base URL of a service listening on the loopback port p.
func URL(p uint16) string {
	return fmt.Sprintf("http://%s:%d", Loopback, p)
}
