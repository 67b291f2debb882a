//go:build !linux

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// LeastFavoredNice is the highest niceness accepted by BSD-derived kernels.
const LeastFavoredNice = 20

var errNoTaskListing = errors.New("task listing requires /proc")

// unixSource can write priorities but cannot enumerate threads, so every
// poll is a no-op.
type unixSource struct{}

// NewTaskSource returns a TaskSource for hosts without /proc.
func NewTaskSource() TaskSource { return unixSource{} }

func (unixSource) Descendants(root int) ([]Handle, error) { return nil, errNoTaskListing }

func (unixSource) Alive(h Handle) bool { return false }

func (unixSource) Nice(h Handle) (int, error) {
	return unix.Getpriority(unix.PRIO_PROCESS, h.PID)
}

func (unixSource) SetNice(h Handle, nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, h.PID, nice)
}
