//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// signalTerm asks the process to exit with SIGTERM.
func signalTerm(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// isProcessAlive checks if a process with the given PID is still running.
// Signal 0 probes existence without delivering anything.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPERM
	}
	return false
}

// exitStatusFrom derives the exit code and terminating signal from a
// completed command.
func exitStatusFrom(cmd *exec.Cmd, err error) ExitStatus {
	if cmd.ProcessState == nil {
		return ExitStatus{Code: -1, Err: err}
	}
	status := ExitStatus{Code: cmd.ProcessState.ExitCode(), Err: err}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	return status
}
