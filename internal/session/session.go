// Package session runs one showflakes session end to end.
//
// A session builds and collects the tests, then either retries the
// selected tests in fresh worker processes until one of them turns out
// flaky, or, without a selection, runs everything once in process and
// appends every outcome to the record file.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randomizedcoder/go-showflakes/internal/config"
	"github.com/randomizedcoder/go-showflakes/internal/engine"
	"github.com/randomizedcoder/go-showflakes/internal/engine/gotest"
	"github.com/randomizedcoder/go-showflakes/internal/metrics"
	"github.com/randomizedcoder/go-showflakes/internal/orchestrator"
	"github.com/randomizedcoder/go-showflakes/internal/preflight"
	"github.com/randomizedcoder/go-showflakes/internal/process"
	"github.com/randomizedcoder/go-showflakes/internal/record"
	"github.com/randomizedcoder/go-showflakes/internal/selection"
	"github.com/randomizedcoder/go-showflakes/internal/stats"
	"github.com/randomizedcoder/go-showflakes/internal/tui"
)

// Session exit codes, before set-exitstatus collapsing.
const (
	ExitFinished    = 0 // converged, runs exhausted, or all tests passed
	ExitTestsFailed = 1 // outcome log mode only
	ExitFailLimit   = 2
	ExitNoTests     = 3
	ExitUsage       = 4
	ExitInternal    = 5
)

// Session modes.
const (
	ModeRetry      = "retry"
	ModeOutcomeLog = "outcome_log"
)

// Session messages, printed as "showflakes: <message>".
const (
	MessageFinished  = "finished"
	MessageFailLimit = "reached fail limit"
	MessageNoTests   = "no tests selected"
	MessageCancelled = "cancelled"
	MessagePreflight = "preflight checks failed (use --skip-preflight to override)"
)

const (
	recordFileName      = "record.json"
	workDirPrefix       = "showflakes-"
	metricsShutdownWait = 5 * time.Second
)

// Collapse maps an exit code onto the binary status callers that only
// distinguish 0 from nonzero expect: 0 and 1 become 0, everything else 1.
func Collapse(code int) int {
	if code == ExitFinished || code == ExitTestsFailed {
		return 0
	}
	return 1
}

// ExitCodeForState maps a final retry loop state to an exit code.
func ExitCodeForState(s orchestrator.State) int {
	switch {
	case s.Success():
		return ExitFinished
	case s == orchestrator.StateFailLimit:
		return ExitFailLimit
	default:
		return ExitInternal
	}
}

// Engine builds, collects and runs tests in process. *gotest.Engine
// implements it.
type Engine interface {
	engine.Engine

	// Build prepares the tests for Collect and Run.
	Build(ctx context.Context) error

	// Config returns the engine config handed to workers.
	Config() gotest.Config
}

var _ Engine = (*gotest.Engine)(nil)

// Options carries the collaborators of a session. Zero values select the
// production defaults.
type Options struct {
	Version string

	// Stdout receives the banner, the exit summary and the session message.
	Stdout io.Writer

	// Stderr receives preflight results.
	Stderr io.Writer

	// Engine overrides the go toolchain engine.
	Engine Engine

	// Builder overrides the worker command builder.
	Builder orchestrator.WorkerBuilder

	// Executable is the binary workers are started from; "" means the
	// running executable.
	Executable string

	// TaskSource overrides the host task source for deprioritization.
	TaskSource process.TaskSource

	// Registry receives the session metrics; nil creates a fresh registry.
	Registry *prometheus.Registry
}

// Report is the outcome of a session.
type Report struct {
	Mode     string
	ExitCode int
	Message  string
	Err      error

	Collected int
	Selected  int

	// Result is set in retry mode once the loop ran.
	Result *orchestrator.Result

	// Tally is set in outcome log mode once the tests ran.
	Tally *stats.TallySnapshot

	WorkDir  string
	Duration time.Duration
}

// Status returns the process exit status, collapsed when requested.
func (r *Report) Status(collapse bool) int {
	if collapse {
		return Collapse(r.ExitCode)
	}
	return r.ExitCode
}

// Session wires configuration, engine, retry loop and observability.
type Session struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger
	id     string

	registry    *prometheus.Registry
	rand        *orchestrator.RandSource
	start       time.Time
	metricsAddr string // bound address once the server is up
}

// New creates a Session for a validated config.
func New(cfg *config.Config, logger *slog.Logger, opts Options) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	rnd := orchestrator.NewRandSourceFromTime()
	if cfg.Seed != 0 {
		rnd = orchestrator.NewRandSource(cfg.Seed)
	}

	id := uuid.NewString()
	return &Session{
		cfg:      cfg,
		opts:     opts,
		logger:   logger.With("session", id[:8]),
		id:       id,
		registry: registry,
		rand:     rnd,
	}
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Mode returns ModeRetry when a selection file is configured, otherwise
// ModeOutcomeLog.
func (s *Session) Mode() string {
	if s.cfg.RetryMode() {
		return ModeRetry
	}
	return ModeOutcomeLog
}

// Run executes the session. It blocks until the tests finished, a budget
// ran out, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) *Report {
	s.start = time.Now()
	report := &Report{Mode: s.Mode()}

	if !s.cfg.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			GoBinary:      s.cfg.GoBinary,
			SelectionFile: s.cfg.SelectionFile,
			RecordFile:    s.cfg.RecordFile,
			WorkDir:       s.cfg.WorkDir,
			Deprioritize:  s.cfg.RetryMode() && s.cfg.Deprioritize,
			TaskSource:    s.opts.TaskSource,
		})
		preflight.PrintResults(s.opts.Stderr, result)
		if !result.Passed {
			return s.finish(report, ExitUsage, MessagePreflight, nil)
		}
	}

	if s.cfg.RecordFile != "" {
		if err := record.Remove(s.cfg.RecordFile); err != nil {
			return s.finish(report, ExitInternal, "", err)
		}
	}

	workDir, err := s.createWorkDir()
	if err != nil {
		return s.finish(report, ExitInternal, "", err)
	}
	report.WorkDir = workDir
	if !s.cfg.KeepWorkDir {
		defer func() {
			if err := os.RemoveAll(workDir); err != nil {
				s.logger.Warn("work_dir_cleanup_failed", "path", workDir, "error", err)
			}
		}()
	}

	eng := s.newEngine(workDir)
	if err := eng.Build(ctx); err != nil {
		return s.finishErr(ctx, report, fmt.Errorf("build tests: %w", err))
	}
	items, err := eng.Collect(ctx)
	if err != nil {
		return s.finishErr(ctx, report, fmt.Errorf("collect tests: %w", err))
	}
	report.Collected = len(items)
	s.logger.Info("tests_collected", "count", len(items))

	if s.cfg.RetryMode() {
		return s.runRetry(ctx, report, eng, workDir, items)
	}
	return s.runOutcomeLog(ctx, report, eng, items)
}

func (s *Session) createWorkDir() (string, error) {
	base := s.cfg.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, workDirPrefix+s.id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	s.logger.Debug("work_dir_created", "path", dir)
	return dir, nil
}

func (s *Session) newEngine(workDir string) Engine {
	if s.opts.Engine != nil {
		return s.opts.Engine
	}

	// Only the in-process run shows test output; retry workers pipe theirs
	// into the iteration log.
	var output io.Writer
	if !s.cfg.RetryMode() && !s.cfg.TUIEnabled {
		output = s.opts.Stdout
	}

	return gotest.New(gotest.Config{
		GoBinary:   s.cfg.GoBinary,
		Dir:        s.cfg.Dir,
		Packages:   s.cfg.Packages,
		BuildFlags: s.cfg.BuildFlagList(),
		TestFlags:  s.cfg.TestFlagList(),
		BinDir:     filepath.Join(workDir, "bin"),
	}, s.logger, output)
}

// =============================================================================
// Retry mode
// =============================================================================

func (s *Session) runRetry(ctx context.Context, report *Report, eng Engine, workDir string, items []string) *Report {
	selected, remaining, err := selection.Select(s.cfg.SelectionFile, items)
	switch {
	case errors.Is(err, selection.ErrNoTestsSelected):
		return s.finish(report, ExitNoTests, MessageNoTests, nil)
	case err != nil:
		return s.finish(report, ExitUsage, "", err)
	}
	report.Selected = len(selected)

	killPolicy, err := process.ParseKillPolicy(s.cfg.KillPolicy)
	if err != nil {
		return s.finish(report, ExitUsage, "", err)
	}

	recordFile := s.cfg.RecordFile
	if recordFile == "" {
		recordFile = filepath.Join(workDir, recordFileName)
	}

	collector := metrics.NewCollector(metrics.CollectorConfig{
		Version:  s.opts.Version,
		Mode:     ModeRetry,
		MaxRuns:  s.cfg.MaxRuns,
		MaxFail:  s.cfg.MaxFail,
		Selected: len(selected),
	}, s.registry)
	server, err := s.startMetricsServer()
	if err != nil {
		return s.finish(report, ExitUsage, "", err)
	}
	defer s.stopMetrics(server)

	callbacks := metricsCallbacks(collector, len(selected))

	var program *tea.Program
	var tuiDone chan struct{}
	if s.cfg.TUIEnabled {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()

		program = tea.NewProgram(tui.New(tui.Config{
			SessionID:   s.id[:8],
			MaxRuns:     s.cfg.MaxRuns,
			MaxFail:     s.cfg.MaxFail,
			MaxTime:     s.cfg.MaxTimeDuration(),
			Selected:    len(selected),
			Collected:   len(items),
			MetricsAddr: s.metricsAddr,
			Cancel:      cancel,
		}), tea.WithAltScreen(), tea.WithOutput(s.opts.Stdout))

		tuiDone = make(chan struct{})
		go func() {
			defer close(tuiDone)
			if _, err := program.Run(); err != nil {
				s.logger.Warn("tui_failed", "error", err)
			}
		}()
		callbacks = chainCallbacks(callbacks, tui.Callbacks(program))
	} else {
		s.printBanner(report, recordFile)
	}

	builder := s.opts.Builder
	if builder == nil {
		builder = &orchestrator.SelfBuilder{
			Executable: s.opts.Executable,
			Args:       s.workerArgs(),
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Budgets: orchestrator.Budgets{
			MaxRuns: s.cfg.MaxRuns,
			MaxFail: s.cfg.MaxFail,
			MaxTime: s.cfg.MaxTimeDuration(),
		},
		NExtra:       s.cfg.NExtra,
		Shuffle:      s.cfg.Shuffle,
		Deprioritize: s.cfg.Deprioritize,
		DisableGC:    s.cfg.DisableGC,
		PollInterval: s.cfg.PollInterval,
		KillPolicy:   killPolicy,
		RecordFile:   recordFile,
		WorkDir:      workDir,
		SessionID:    s.id,
		Engine:       eng.Config(),
		Builder:      builder,
		Rand:         s.rand,
		TaskSource:   s.opts.TaskSource,
		Logger:       s.logger,
		Verbose:      s.cfg.Verbose,
		Callbacks:    callbacks,
	})

	if server != nil {
		server.SetReady(true)
	}
	result, err := orch.Run(ctx, selected, remaining)
	report.Result = result

	code, message := ExitInternal, MessageCancelled
	switch {
	case err != nil && ctx.Err() == nil:
		code, message = ExitInternal, internalMessage(err)
	case err != nil:
	case result.State == orchestrator.StateFailLimit:
		code, message = ExitFailLimit, MessageFailLimit
	default:
		code, message = ExitCodeForState(result.State), MessageFinished
	}

	if program != nil {
		tui.SendDone(program, result, message)
		<-tuiDone
	}

	s.printSummary(report, code, message, collector, nil)
	return s.finish(report, code, message, err)
}

func (s *Session) workerArgs() []string {
	args := []string{"--log-format", s.cfg.LogFormat, "--log-level", s.cfg.LogLevel}
	if s.cfg.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

// metricsCallbacks feeds loop events into the collector.
func metricsCallbacks(c *metrics.Collector, tracked int) orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnIterationEnd: func(r orchestrator.IterationResult) {
			c.RecordIteration(string(r.Class), r.Duration)
			c.SetBudgets(r.RunsLeft, r.FailLeft)
			if r.Class == orchestrator.ClassAccepted || r.Class == orchestrator.ClassConverged {
				c.SetRecord(tracked, len(r.Flaky))
			}
		},
		OnTaskAdjusted: func(a process.Adjustment) {
			c.TaskAdjusted(a.Err)
		},
	}
}

// chainCallbacks calls every non-nil callback of each set in order.
func chainCallbacks(sets ...orchestrator.Callbacks) orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnStateChange: func(oldState, newState orchestrator.State) {
			for _, cb := range sets {
				if cb.OnStateChange != nil {
					cb.OnStateChange(oldState, newState)
				}
			}
		},
		OnIterationStart: func(iteration, pid, items int) {
			for _, cb := range sets {
				if cb.OnIterationStart != nil {
					cb.OnIterationStart(iteration, pid, items)
				}
			}
		},
		OnIterationEnd: func(r orchestrator.IterationResult) {
			for _, cb := range sets {
				if cb.OnIterationEnd != nil {
					cb.OnIterationEnd(r)
				}
			}
		},
		OnTaskAdjusted: func(a process.Adjustment) {
			for _, cb := range sets {
				if cb.OnTaskAdjusted != nil {
					cb.OnTaskAdjusted(a)
				}
			}
		},
	}
}

// =============================================================================
// Outcome log mode
// =============================================================================

func (s *Session) runOutcomeLog(ctx context.Context, report *Report, eng Engine, items []string) *Report {
	if len(items) == 0 {
		return s.finish(report, ExitNoTests, MessageNoTests, nil)
	}
	report.Selected = len(items)

	if s.cfg.Shuffle {
		rng := s.rand.For(orchestrator.StreamItems)
		rng.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
	}

	collector := metrics.NewCollector(metrics.CollectorConfig{
		Version:  s.opts.Version,
		Mode:     ModeOutcomeLog,
		Selected: len(items),
	}, s.registry)
	collector.SetRecord(len(items), 0)
	server, err := s.startMetricsServer()
	if err != nil {
		return s.finish(report, ExitUsage, "", err)
	}
	defer s.stopMetrics(server)
	if server != nil {
		server.SetReady(true)
	}

	if s.cfg.TUIEnabled {
		s.logger.Info("tui_unavailable", "reason", "no selection file, tests run once in process")
	}
	s.printBanner(report, s.cfg.RecordFile)

	tally := stats.NewTally()
	observers := engine.Observers{tally}
	var outcomeLog *record.OutcomeLog
	if s.cfg.RecordFile != "" {
		outcomeLog = record.NewOutcomeLog(s.cfg.RecordFile, s.logger)
		observers = append(observers, outcomeLog)
	}

	status, err := eng.Run(ctx, items, observers)
	report.Tally = tally.Snapshot()
	if err == nil && outcomeLog != nil {
		err = outcomeLog.Err()
	}
	if err != nil {
		code, message := ExitInternal, internalMessage(err)
		if ctx.Err() != nil {
			message = MessageCancelled
		}
		s.printSummary(report, code, message, collector, report.Tally)
		return s.finish(report, code, message, err)
	}

	code := ExitFinished
	if status != engine.StatusOK {
		code = ExitTestsFailed
	}
	s.printSummary(report, code, MessageFinished, collector, report.Tally)
	return s.finish(report, code, MessageFinished, nil)
}

// =============================================================================
// Observability
// =============================================================================

func (s *Session) startMetricsServer() (*metrics.Server, error) {
	if s.cfg.MetricsAddr == "" {
		return nil, nil
	}
	server := metrics.NewServer(s.cfg.MetricsAddr, s.registry, s.logger)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start metrics server: %w", err)
	}
	s.metricsAddr = server.Addr()
	return server, nil
}

// stopMetrics writes the textfile export and shuts the server down.
func (s *Session) stopMetrics(server *metrics.Server) {
	if s.cfg.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(s.cfg.MetricsTextfile, s.registry); err != nil {
			s.logger.Error("metrics_textfile_failed", "path", s.cfg.MetricsTextfile, "error", err)
		} else {
			s.logger.Info("metrics_textfile_written", "path", s.cfg.MetricsTextfile)
		}
	}

	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownWait)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics_server_shutdown_error", "error", err)
	}
}

// printBanner prints the startup banner.
func (s *Session) printBanner(report *Report, recordFile string) {
	w := s.opts.Stdout
	fmt.Fprintf(w, "showflakes %s │ session %s │ seed %d\n", s.opts.Version, s.id[:8], s.rand.Seed())
	if report.Mode == ModeRetry {
		fmt.Fprintf(w, "  Selected:    %d of %d tests\n", report.Selected, report.Collected)
		fmt.Fprintf(w, "  Budgets:     max-runs %d, max-fail %d", s.cfg.MaxRuns, s.cfg.MaxFail)
		if s.cfg.MaxTime > 0 {
			fmt.Fprintf(w, ", max-time %s", s.cfg.MaxTimeDuration())
		}
		fmt.Fprintln(w)
		if s.cfg.NExtra > 0 || s.cfg.Shuffle {
			fmt.Fprintf(w, "  Items:       +%d extra, shuffle %v\n", s.cfg.NExtra, s.cfg.Shuffle)
		}
	} else {
		fmt.Fprintf(w, "  Tests:       %d, shuffle %v\n", report.Selected, s.cfg.Shuffle)
	}
	if recordFile != "" {
		fmt.Fprintf(w, "  Record:      %s\n", recordFile)
	}
	if s.metricsAddr != "" {
		fmt.Fprintf(w, "  Metrics:     http://%s/metrics\n", s.metricsAddr)
	}
	fmt.Fprintln(w)
}

func (s *Session) printSummary(report *Report, code int, message string, c *metrics.Collector, tally *stats.TallySnapshot) {
	sum := c.GenerateSummary()
	cfg := stats.SummaryConfig{
		Message:        message,
		Mode:           report.Mode,
		ExitCode:       code,
		Duration:       time.Since(s.start),
		Seed:           s.rand.Seed(),
		Collected:      report.Collected,
		Selected:       report.Selected,
		MaxRuns:        s.cfg.MaxRuns,
		MaxFail:        s.cfg.MaxFail,
		Iterations:     sum.Iterations,
		ByClass:        sum.ByClass,
		WorkerP50:      sum.WorkerP50,
		WorkerP95:      sum.WorkerP95,
		WorkerP99:      sum.WorkerP99,
		WorkerMax:      sum.WorkerMax,
		TasksAdjusted:  sum.TasksAdjusted,
		AdjustFailures: sum.AdjustFailures,
		Tally:          tally,
		MetricsAddr:    s.metricsAddr,
	}
	if r := report.Result; r != nil {
		cfg.State = r.State.String()
		cfg.RunsLeft = r.RunsLeft
		cfg.FailLeft = r.FailLeft
		cfg.Record = r.Record
	}

	fmt.Fprint(s.opts.Stdout, stats.FormatExitSummary(cfg))
}

// =============================================================================
// Completion
// =============================================================================

func internalMessage(err error) string {
	return fmt.Sprintf("internal error: %v", err)
}

// finishErr ends the session on an error, reporting cancellation as such.
func (s *Session) finishErr(ctx context.Context, report *Report, err error) *Report {
	if ctx.Err() != nil {
		return s.finish(report, ExitInternal, MessageCancelled, err)
	}
	return s.finish(report, ExitInternal, "", err)
}

// finish records the outcome, logs it and prints the session message. An
// empty message is derived from err.
func (s *Session) finish(report *Report, code int, message string, err error) *Report {
	if message == "" && err != nil {
		message = err.Error()
		if code == ExitInternal {
			message = internalMessage(err)
		}
	}
	report.ExitCode = code
	report.Message = message
	report.Err = err
	report.Duration = time.Since(s.start)

	if err != nil {
		s.logger.Error("session_failed", "exit_code", code, "error", err)
	} else {
		s.logger.Info("session_complete", "exit_code", code, "message", message, "duration", report.Duration)
	}
	fmt.Fprintf(s.opts.Stdout, "showflakes: %s\n", message)
	return report
}
