package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// WorkerBuilder creates the command for one worker process. The command
// must not be started yet. The orchestrator sets its process group and
// output before starting it.
type WorkerBuilder interface {
	// BuildCommand returns a command that executes the plan at planPath.
	BuildCommand(ctx context.Context, planPath string) (*exec.Cmd, error)

	// Name returns a human-readable name for this worker type.
	Name() string
}

// SelfBuilder re-executes the running showflakes binary in the worker role.
type SelfBuilder struct {
	// Executable defaults to os.Executable().
	Executable string

	// Args are placed before the plan flag, e.g. log options.
	Args []string
}

// Name returns "showflakes-worker".
func (b *SelfBuilder) Name() string {
	return "showflakes-worker"
}

// BuildCommand creates `<exe> worker [args] --plan <planPath>`.
func (b *SelfBuilder) BuildCommand(ctx context.Context, planPath string) (*exec.Cmd, error) {
	exe := b.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
	}

	args := append([]string{"worker"}, b.Args...)
	args = append(args, "--plan", planPath)

	// The watcher owns termination; a context-bound command would only kill
	// the worker itself and not its group.
	return exec.Command(exe, args...), nil
}
