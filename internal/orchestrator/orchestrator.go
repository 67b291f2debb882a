// Package orchestrator runs the retry loop: it spawns one worker per
// iteration, waits for it under a time budget, merges the record the worker
// leaves behind and stops as soon as a selected test has both passed and
// failed, or a budget runs out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/randomizedcoder/go-showflakes/internal/engine/gotest"
	"github.com/randomizedcoder/go-showflakes/internal/logging"
	"github.com/randomizedcoder/go-showflakes/internal/process"
	"github.com/randomizedcoder/go-showflakes/internal/record"
	"github.com/randomizedcoder/go-showflakes/internal/selection"
	"github.com/randomizedcoder/go-showflakes/internal/worker"
)

// workerWaitDelay bounds how long Wait keeps reading a worker's output
// after the worker exited while something else still holds the pipe.
const workerWaitDelay = 2 * time.Second

// Budgets bounds the retry loop.
type Budgets struct {
	// MaxRuns is the number of accepted iterations without a flaky result
	// before giving up.
	MaxRuns int

	// MaxFail is the number of invalid iterations tolerated.
	MaxFail int

	// MaxTime bounds each worker. Zero means no limit.
	MaxTime time.Duration
}

// Callbacks contains optional callback functions for loop events. They are
// called from the goroutine running Run.
type Callbacks struct {
	// OnStateChange is called when the loop state changes.
	OnStateChange func(oldState, newState State)

	// OnIterationStart is called after a worker process started.
	OnIterationStart func(iteration, pid, items int)

	// OnIterationEnd is called once per iteration with its outcome.
	OnIterationEnd func(IterationResult)

	// OnTaskAdjusted is called for every priority write by the deprioritizer.
	OnTaskAdjusted func(process.Adjustment)
}

// Config holds configuration for an Orchestrator.
type Config struct {
	Budgets Budgets

	NExtra       int
	Shuffle      bool
	Deprioritize bool

	// DisableGC turns the garbage collector off for the whole loop.
	DisableGC bool

	// PollInterval is the deprioritizer poll period.
	PollInterval time.Duration

	KillPolicy process.KillPolicy

	// RecordFile is where workers persist their records.
	RecordFile string

	// WorkDir receives the per-iteration plan files.
	WorkDir string

	SessionID string
	Engine    gotest.Config
	Builder   WorkerBuilder

	// Rand defaults to a time seeded source.
	Rand *RandSource

	// TaskSource overrides the host task source for deprioritization.
	TaskSource process.TaskSource

	Logger    *slog.Logger
	Verbose   bool
	Callbacks Callbacks
}

// IterationResult describes one finished iteration.
type IterationResult struct {
	Iteration int
	Class     Class
	ExitCode  int
	Duration  time.Duration
	Items     int
	Adjusted  int // tasks deprioritized

	// Budgets left after this iteration.
	RunsLeft int
	FailLeft int

	// Flaky lists the flaky tests after merging, for accepted iterations.
	Flaky []string

	// Output holds the last worker output lines for invalid iterations.
	Output []string

	// OutputErrors counts panic and error lines the worker printed.
	OutputErrors int

	Err error
}

// Result is the outcome of a whole retry loop.
type Result struct {
	State      State
	Iterations int
	RunsLeft   int
	FailLeft   int
	Record     record.Record
	Flaky      []string
	Classes    map[Class]int
	Duration   time.Duration
	Seed       int64
}

// Orchestrator drives the retry loop.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	state  State
}

// New creates an Orchestrator, filling in defaults.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Rand == nil {
		cfg.Rand = NewRandSourceFromTime()
	}
	if cfg.Builder == nil {
		cfg.Builder = &SelfBuilder{}
	}
	if cfg.KillPolicy == "" {
		cfg.KillPolicy = process.KillGroup
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger}
}

// State returns the current loop state.
func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) setState(s State) {
	old := o.state
	if old == s {
		return
	}
	o.state = s
	o.logger.Debug("state_change", "from", old.String(), "to", s.String())
	if o.cfg.Callbacks.OnStateChange != nil {
		o.cfg.Callbacks.OnStateChange(old, s)
	}
}

// Run executes the retry loop for the selected tests. remaining holds the
// other collected tests, the pool extra items are sampled from.
//
// An empty selection returns selection.ErrNoTestsSelected before any
// worker is spawned. Cancelling ctx kills the running worker and returns
// the partial result together with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, selected, remaining []string) (*Result, error) {
	if len(selected) == 0 {
		return nil, selection.ErrNoTestsSelected
	}

	if o.cfg.DisableGC {
		prev := debug.SetGCPercent(-1)
		defer debug.SetGCPercent(prev)
	}

	start := time.Now()
	budgets := o.cfg.Budgets
	runs, fails := budgets.MaxRuns, budgets.MaxFail

	cumulative := record.New(selected)
	itemsRng := o.cfg.Rand.For(StreamItems)

	watcher := o.newWatcher()

	res := &Result{
		Classes: make(map[Class]int),
		Seed:    o.cfg.Rand.Seed(),
	}

	o.logger.Info("session_starting",
		"selected", len(selected),
		"remaining", len(remaining),
		"max_runs", runs,
		"max_fail", fails,
		"max_time", budgets.MaxTime,
		"seed", o.cfg.Rand.Seed(),
	)
	o.setState(StateIterating)

	converged := false
	for runs > 0 && fails > 0 {
		if ctx.Err() != nil {
			break
		}

		res.Iterations++
		items := buildItems(itemsRng, selected, remaining, o.cfg.NExtra, o.cfg.Shuffle)

		it, next := o.iterate(ctx, watcher, res.Iterations, items, cumulative)

		switch {
		case it.Class == ClassCancelled:
		case it.Class.Invalid():
			fails--
		default:
			cumulative.Merge(next)
			if cumulative.HasFlaky() {
				it.Class = ClassConverged
				it.Flaky = cumulative.Flaky()
				converged = true
			} else {
				runs--
			}
		}

		it.RunsLeft, it.FailLeft = runs, fails
		res.Classes[it.Class]++
		o.logIteration(it)
		if o.cfg.Callbacks.OnIterationEnd != nil {
			o.cfg.Callbacks.OnIterationEnd(it)
		}

		if converged || it.Class == ClassCancelled {
			break
		}
	}

	res.RunsLeft, res.FailLeft = runs, fails
	res.Record = cumulative
	res.Flaky = cumulative.Flaky()
	res.Duration = time.Since(start)

	switch {
	case ctx.Err() != nil && !converged:
		o.setState(StateCancelled)
		res.State = o.state
		return res, ctx.Err()
	case fails <= 0:
		o.setState(StateFailLimit)
	case converged:
		o.setState(StateConverged)
	default:
		o.setState(StateRunsExhausted)
	}
	res.State = o.state

	o.logger.Info("session_finished",
		"state", res.State.String(),
		"iterations", res.Iterations,
		"flaky", len(res.Flaky),
		"duration", res.Duration,
	)
	return res, nil
}

func (o *Orchestrator) newWatcher() *process.Watcher {
	wcfg := process.WatcherConfig{
		Timeout:      o.cfg.Budgets.MaxTime,
		PollInterval: o.cfg.PollInterval,
		KillPolicy:   o.cfg.KillPolicy,
		Logger:       o.logger,
	}
	if o.cfg.Deprioritize {
		d := process.NewDeprioritizer(o.cfg.TaskSource, o.cfg.Rand.For(StreamNice), 0, o.logger)
		d.OnAdjust = o.cfg.Callbacks.OnTaskAdjusted
		wcfg.Deprioritizer = d
	}
	return process.NewWatcher(wcfg)
}

// iterate runs one worker and classifies the result. The returned record
// is only set for accepted iterations.
func (o *Orchestrator) iterate(ctx context.Context, w *process.Watcher, n int, items []string, cumulative record.Record) (IterationResult, record.Record) {
	it := IterationResult{Iteration: n, Items: len(items)}

	plan := &worker.Plan{
		SessionID:  o.cfg.SessionID,
		Iteration:  n,
		Items:      items,
		Seed:       cumulative.Clone(),
		RecordFile: o.cfg.RecordFile,
		Engine:     o.cfg.Engine,
	}
	planPath := filepath.Join(o.cfg.WorkDir, fmt.Sprintf("plan-%04d.json", n))
	if err := worker.WritePlan(planPath, plan); err != nil {
		it.Class, it.Err = ClassSpawnError, err
		return it, nil
	}
	defer os.Remove(planPath)

	cmd, err := o.cfg.Builder.BuildCommand(ctx, planPath)
	if err != nil {
		it.Class, it.Err = ClassSpawnError, fmt.Errorf("build %s command: %w", o.cfg.Builder.Name(), err)
		return it, nil
	}

	output := logging.NewOutputHandler(n, o.logger, o.cfg.Verbose)
	if cmd.Stdout == nil {
		cmd.Stdout = output
	}
	if cmd.Stderr == nil {
		cmd.Stderr = output
	}
	cmd.WaitDelay = workerWaitDelay
	o.cfg.KillPolicy.Prepare(cmd)

	if err := cmd.Start(); err != nil {
		it.Class, it.Err = ClassSpawnError, fmt.Errorf("start worker: %w", err)
		return it, nil
	}
	if o.cfg.Callbacks.OnIterationStart != nil {
		o.cfg.Callbacks.OnIterationStart(n, cmd.Process.Pid, len(items))
	}

	wr := w.Wait(ctx, cmd)
	output.Flush()
	counts := output.Counts()
	it.OutputErrors = counts[slog.LevelError]

	it.ExitCode = wr.ExitCode
	it.Duration = wr.Duration
	it.Adjusted = wr.Adjusted

	switch {
	case wr.Cancelled:
		it.Class = ClassCancelled
		return it, nil
	case wr.TimedOut:
		it.Class = ClassInvalidTimeout
		it.Output = output.RecentLines(10)
		return it, nil
	case wr.ExitCode != 0:
		it.Class = ClassInvalidExit
		it.Err = wr.Err
		it.Output = output.RecentLines(10)
		return it, nil
	}

	next, err := record.Load(o.cfg.RecordFile)
	if err != nil {
		it.Class, it.Err = ClassInvalidRecord, err
		return it, nil
	}
	if next.Equal(cumulative) {
		it.Class = ClassInvalidStale
		return it, nil
	}

	it.Class = ClassAccepted
	return it, next
}

func (o *Orchestrator) logIteration(it IterationResult) {
	attrs := []any{
		"iteration", it.Iteration,
		"class", string(it.Class),
		"exit_code", it.ExitCode,
		"exit_label", process.ExitLabel(it.ExitCode),
		"duration", it.Duration,
		"items", it.Items,
		"runs_left", it.RunsLeft,
		"fail_left", it.FailLeft,
	}
	if it.Adjusted > 0 {
		attrs = append(attrs, "deprioritized", it.Adjusted)
	}
	if it.OutputErrors > 0 {
		attrs = append(attrs, "output_errors", it.OutputErrors)
	}

	switch {
	case it.Class.Invalid():
		if it.Err != nil && !errors.Is(it.Err, context.Canceled) {
			attrs = append(attrs, "error", it.Err)
		}
		if len(it.Output) > 0 {
			attrs = append(attrs, "output", it.Output)
		}
		o.logger.Warn("iteration_invalid", attrs...)
	case it.Class == ClassConverged:
		o.logger.Info("iteration_converged", append(attrs, "flaky", it.Flaky)...)
	default:
		o.logger.Info("iteration_finished", attrs...)
	}
}
