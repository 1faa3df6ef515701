//go:build !windows

package reservation

import (
	"os"
	"syscall"
)

// processAlive probes a PID with signal 0. EPERM still means the process
// exists, it just belongs to another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
