//go:build !windows

package procutil

import (
	"os"
	"syscall"
)

// TerminateByPID asks the process identified by pid to shut down.
func TerminateByPID(pid int) error {
	if pid <= 0 {
		return ErrInvalidPID
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

// IsProcessAlive checks whether a process with the given pid is still running.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
