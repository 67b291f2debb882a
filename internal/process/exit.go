// Package process waits on worker processes and keeps the processes and
// threads they spawn at reduced scheduling priority.
package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// ExitCode extracts the exit code from a Wait() error.
// A signalled process reports 128 + the signal number.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}

// ExitLabel returns a human-readable label for common exit codes.
func ExitLabel(code int) string {
	switch code {
	case 0:
		return "clean"
	case 1:
		return "error"
	case 137:
		return "SIGKILL"
	case 143:
		return "SIGTERM"
	default:
		if code > 128 {
			return "signal"
		}
		return "error"
	}
}
