package process

import (
	"log/slog"
	"math/rand"
)

// Handle identifies one OS task (process or thread). StartTime guards
// against PID reuse: a recycled PID gets a different handle.
type Handle struct {
	PID       int
	StartTime uint64
}

// TaskSource is the OS view the Deprioritizer works against.
type TaskSource interface {
	// Descendants returns the threads of root (other than root's main
	// thread) and root's direct child processes. An error means root itself
	// can no longer be queried.
	Descendants(root int) ([]Handle, error)

	// Alive reports whether h still refers to a running task.
	Alive(h Handle) bool

	// Nice returns the current niceness of h.
	Nice(h Handle) (int, error)

	// SetNice sets the niceness of h.
	SetNice(h Handle, nice int) error
}

// DescendantSet holds the tasks already adjusted during one worker's wait.
type DescendantSet map[Handle]struct{}

// Adjustment describes one priority change.
type Adjustment struct {
	Handle  Handle
	OldNice int
	NewNice int
	Err     error
}

// Deprioritizer pushes newly spawned descendants of a worker towards the
// least favored scheduling priority. It never raises a priority.
type Deprioritizer struct {
	source  TaskSource
	rng     *rand.Rand
	maxNice int
	logger  *slog.Logger

	// OnAdjust, if set, is called for every attempted priority write.
	OnAdjust func(Adjustment)
}

// NewDeprioritizer creates a Deprioritizer. A nil source selects the host
// implementation; maxNice <= 0 selects LeastFavoredNice.
func NewDeprioritizer(source TaskSource, rng *rand.Rand, maxNice int, logger *slog.Logger) *Deprioritizer {
	if source == nil {
		source = NewTaskSource()
	}
	if maxNice <= 0 {
		maxNice = LeastFavoredNice
	}
	return &Deprioritizer{
		source:  source,
		rng:     rng,
		maxNice: maxNice,
		logger:  logger,
	}
}

// Adjust runs one poll against root. It returns the number of tasks newly
// added to seen.
func (d *Deprioritizer) Adjust(root int, seen DescendantSet) int {
	discovered, err := d.source.Descendants(root)
	if err != nil {
		return 0
	}

	for h := range seen {
		if !d.source.Alive(h) {
			delete(seen, h)
		}
	}

	added := 0
	for _, h := range discovered {
		if _, ok := seen[h]; ok {
			continue
		}

		old, err := d.source.Nice(h)
		if err != nil {
			// Vanished or not readable; it is looked at again next poll.
			continue
		}

		next := d.target(old)
		werr := d.source.SetNice(h, next)
		seen[h] = struct{}{}
		added++

		if d.OnAdjust != nil {
			d.OnAdjust(Adjustment{Handle: h, OldNice: old, NewNice: next, Err: werr})
		}
		if werr != nil {
			d.logger.Debug("task_deprioritize_failed", "pid", h.PID, "error", werr)
			continue
		}
		d.logger.Debug("task_deprioritized", "pid", h.PID, "old_nice", old, "new_nice", next)
	}
	return added
}

// target samples uniformly from [current, maxNice].
func (d *Deprioritizer) target(current int) int {
	if current >= d.maxNice {
		return current
	}
	return current + d.rng.Intn(d.maxNice-current+1)
}
