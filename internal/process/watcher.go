package process

import (
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// DefaultPollInterval is how often a deprioritizing watcher polls.
const DefaultPollInterval = 10 * time.Millisecond

// WaitResult describes how a worker's wait ended.
type WaitResult struct {
	ExitCode  int
	Err       error // raw error from cmd.Wait
	TimedOut  bool
	Cancelled bool
	Duration  time.Duration
	Polls     int
	Adjusted  int // tasks added to the DescendantSet
}

// Failed reports whether the worker did not exit cleanly on its own.
func (r WaitResult) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut || r.Cancelled
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Timeout bounds the whole wait. Zero means no limit.
	Timeout time.Duration

	// Deprioritizer, when set, switches from a single blocking wait to
	// polling every PollInterval and adjusting descendants on each poll.
	Deprioritizer *Deprioritizer
	PollInterval  time.Duration

	KillPolicy KillPolicy
	Logger     *slog.Logger
}

// Watcher waits for one started worker under a time budget.
type Watcher struct {
	cfg WatcherConfig
}

// NewWatcher creates a Watcher, filling in defaults.
func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.KillPolicy == "" {
		cfg.KillPolicy = KillGroup
	}
	return &Watcher{cfg: cfg}
}

// Wait blocks until cmd exits, the timeout elapses or ctx is cancelled.
// On timeout or cancellation the worker is killed per the kill policy and
// reaped before Wait returns. cmd must already be started.
func (w *Watcher) Wait(ctx context.Context, cmd *exec.Cmd) WaitResult {
	start := time.Now()
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if w.cfg.Timeout > 0 {
		timer := time.NewTimer(w.cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var tick <-chan time.Time
	var seen DescendantSet
	if w.cfg.Deprioritizer != nil {
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
		seen = make(DescendantSet)
	}

	var res WaitResult
	exited := func(err error) WaitResult {
		res.Err = err
		res.ExitCode = ExitCode(err)
		res.Duration = time.Since(start)
		return res
	}

	for {
		select {
		case err := <-done:
			return exited(err)

		case <-tick:
			res.Polls++
			res.Adjusted += w.cfg.Deprioritizer.Adjust(pid, seen)

		case <-deadline:
			// An exit that raced the deadline wins.
			select {
			case err := <-done:
				return exited(err)
			default:
			}
			w.kill(cmd, "timeout")
			err := <-done
			// A clean exit means the worker finished before the kill landed.
			res.TimedOut = err != nil
			return exited(err)

		case <-ctx.Done():
			select {
			case err := <-done:
				return exited(err)
			default:
			}
			res.Cancelled = true
			w.kill(cmd, "cancelled")
			return exited(<-done)
		}
	}
}

func (w *Watcher) kill(cmd *exec.Cmd, reason string) {
	err := w.cfg.KillPolicy.Kill(cmd)
	if w.cfg.Logger == nil {
		return
	}
	w.cfg.Logger.Warn("worker_killed",
		"pid", cmd.Process.Pid,
		"reason", reason,
		"policy", string(w.cfg.KillPolicy),
		"error", err,
	)
}
