package process

import (
	"fmt"
	"os/exec"
	"syscall"
)

// KillPolicy selects what is terminated when a worker runs out of time.
type KillPolicy string

const (
	// KillGroup kills the worker's whole process group, taking its test
	// binaries and any other descendants that stayed in the group with it.
	KillGroup KillPolicy = "group"

	// KillProcess kills only the worker process itself.
	KillProcess KillPolicy = "process"
)

// ParseKillPolicy validates a policy name.
func ParseKillPolicy(s string) (KillPolicy, error) {
	switch KillPolicy(s) {
	case KillGroup, KillProcess:
		return KillPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown kill policy %q (want %q or %q)", s, KillGroup, KillProcess)
	}
}

// Prepare sets the process attributes the policy relies on. It must be
// called before cmd.Start().
func (p KillPolicy) Prepare(cmd *exec.Cmd) {
	if p != KillGroup {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Kill sends SIGKILL according to the policy.
func (p KillPolicy) Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if p == KillGroup {
		if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil && pgid == cmd.Process.Pid {
			return syscall.Kill(-pgid, syscall.SIGKILL)
		}
	}
	return cmd.Process.Kill()
}
