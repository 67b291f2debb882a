//go:build linux

package process

import (
	"fmt"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// LeastFavoredNice is the highest niceness the kernel accepts. Targets are
// drawn from [current, 19], not [current, 20]: the kernel would clamp 20
// to 19 and make 19 twice as likely.
const LeastFavoredNice = 19

// procSource reads tasks from /proc and writes priorities with setpriority(2).
type procSource struct {
	fs  procfs.FS
	err error
}

// NewTaskSource returns the /proc backed TaskSource.
func NewTaskSource() TaskSource {
	fs, err := procfs.NewDefaultFS()
	return &procSource{fs: fs, err: err}
}

// NewTaskSourceAt returns a TaskSource reading from a procfs mounted at mountPoint.
func NewTaskSourceAt(mountPoint string) TaskSource {
	fs, err := procfs.NewFS(mountPoint)
	return &procSource{fs: fs, err: err}
}

func (s *procSource) Descendants(root int) ([]Handle, error) {
	if s.err != nil {
		return nil, s.err
	}

	threads, err := s.fs.AllThreads(root)
	if err != nil {
		return nil, fmt.Errorf("threads of %d: %w", root, err)
	}

	var out []Handle
	for _, th := range threads {
		if th.PID == root {
			continue
		}
		st, err := th.Stat()
		if err != nil || exited(st) {
			continue
		}
		out = append(out, Handle{PID: th.PID, StartTime: st.Starttime})
	}

	procs, err := s.fs.AllProcs()
	if err != nil {
		return out, nil
	}
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil || st.PPID != root || exited(st) {
			continue
		}
		out = append(out, Handle{PID: p.PID, StartTime: st.Starttime})
	}
	return out, nil
}

func (s *procSource) stat(h Handle) (procfs.ProcStat, error) {
	if s.err != nil {
		return procfs.ProcStat{}, s.err
	}
	// /proc/<tid> resolves for threads as well as processes.
	p, err := s.fs.Proc(h.PID)
	if err != nil {
		return procfs.ProcStat{}, err
	}
	st, err := p.Stat()
	if err != nil {
		return procfs.ProcStat{}, err
	}
	if st.Starttime != h.StartTime {
		return procfs.ProcStat{}, fmt.Errorf("pid %d was reused", h.PID)
	}
	return st, nil
}

func (s *procSource) Alive(h Handle) bool {
	st, err := s.stat(h)
	if err != nil {
		return false
	}
	return !exited(st)
}

// exited reports a task that is gone but not yet reaped. Discovery and
// pruning both skip such tasks so an unreaped child is adjusted only once.
func exited(st procfs.ProcStat) bool {
	return st.State == "Z" || st.State == "X"
}

func (s *procSource) Nice(h Handle) (int, error) {
	st, err := s.stat(h)
	if err != nil {
		return 0, err
	}
	return st.Nice, nil
}

func (s *procSource) SetNice(h Handle, nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, h.PID, nice)
}
