//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// signalProcess delivers sig to the process group led by pid, falling back to
// the single process when the group is gone.
func signalProcess(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// killProcess is the force variant; on Unix it is the same group delivery.
func killProcess(pid int, sig syscall.Signal) error {
	return signalProcess(pid, sig)
}
