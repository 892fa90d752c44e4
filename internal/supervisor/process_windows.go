//go:build windows

package supervisor

import (
	"os"
	"os/exec"

	"golang.org/x/sys/windows"
)

// signalTerm has no gentle equivalent on Windows; Kill is the fallback
// and the grace period collapses to immediate termination.
func signalTerm(p *os.Process) error {
	return p.Kill()
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	const processQueryLimitedInformation = 0x1000

	handle, err := windows.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	// STILL_ACTIVE (259) means the process is running.
	return exitCode == 259
}

// exitStatusFrom derives the exit code from a completed command.
func exitStatusFrom(cmd *exec.Cmd, err error) ExitStatus {
	if cmd.ProcessState == nil {
		return ExitStatus{Code: -1, Err: err}
	}
	return ExitStatus{Code: cmd.ProcessState.ExitCode(), Err: err}
}
