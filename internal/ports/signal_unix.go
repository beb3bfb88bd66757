//go:build !windows

package ports

import (
	"errors"
	"syscall"
)

// terminate asks the occupant to exit. It signals the process group first so
// shell wrappers take their children with them, then falls back to the pid.
func terminate(pid int32) error { return signal(pid, syscall.SIGTERM) }

// kill forcefully removes the occupant.
func kill(pid int32) error { return signal(pid, syscall.SIGKILL) }

func signal(pid int32, sig syscall.Signal) error {
	err := syscall.Kill(-int(pid), sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// Group may be gone while the leader lingers (or the occupant never led
	// a group); fall back to the single pid before reporting.
	err = syscall.Kill(int(pid), sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
