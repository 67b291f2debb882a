package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/randomizedcoder/go-showflakes/internal/record"
)

// SummaryConfig holds everything the exit summary shows.
type SummaryConfig struct {
	// Message is the session message, e.g. "finished".
	Message string

	// Mode is "retry" or "outcome_log".
	Mode string

	// State is the final retry loop state (retry mode only).
	State string

	// ExitCode is the process exit status.
	ExitCode int

	// Duration is the total session duration.
	Duration time.Duration

	// Seed is the random seed, for reproducing the run.
	Seed int64

	// Collected and Selected are the test counts.
	Collected int
	Selected  int

	// Budgets
	MaxRuns  int
	MaxFail  int
	RunsLeft int
	FailLeft int

	// Iterations is the number of finished iterations; ByClass splits it
	// by result class (from metrics.Collector).
	Iterations int64
	ByClass    map[string]int64

	// WorkerP50, WorkerP95, WorkerP99 and WorkerMax are worker wall time
	// percentiles.
	WorkerP50 time.Duration
	WorkerP95 time.Duration
	WorkerP99 time.Duration
	WorkerMax time.Duration

	// TasksAdjusted and AdjustFailures count priority writes.
	TasksAdjusted  int64
	AdjustFailures int64

	// Record is the final cumulative record (retry mode).
	Record record.Record

	// Tally holds the outcome counts (outcome log mode).
	Tally *TallySnapshot

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string
}

const (
	ruleWidth = 79
	heavyRule = "═══════════════════════════════════════════════════════════════════════════════\n"
	lightRule = "───────────────────────────────────────────────────────────────────────────────\n"
)

// FormatExitSummary formats the session outcome for display at exit.
//
// The summary includes:
// - Session outcome and exit code
// - Budgets left
// - Worker duration percentiles
// - Invalid iterations by class
// - Flaky tests with their [fail, runs] counts
func FormatExitSummary(cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(heavyRule)
	b.WriteString("                           showflakes Exit Summary\n")
	b.WriteString(heavyRule + "\n")

	fmt.Fprintf(&b, "Outcome:                %s\n", cfg.Message)
	if cfg.State != "" {
		fmt.Fprintf(&b, "Final State:            %s\n", cfg.State)
	}
	fmt.Fprintf(&b, "Exit Code:              %d %s\n", cfg.ExitCode, exitCodeLabel(cfg.ExitCode))
	fmt.Fprintf(&b, "Session Duration:       %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Seed:                   %d\n", cfg.Seed)
	fmt.Fprintf(&b, "Tests Collected:        %d\n", cfg.Collected)
	if cfg.Mode == "retry" {
		fmt.Fprintf(&b, "Tests Selected:         %d\n", cfg.Selected)
	}
	b.WriteString("\n")

	if cfg.Mode == "retry" {
		writeRetrySections(&b, cfg)
	}

	if cfg.Tally != nil {
		writeTallySection(&b, cfg.Tally)
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(heavyRule)

	return b.String()
}

func writeRetrySections(b *strings.Builder, cfg SummaryConfig) {
	section(b, "Retry Loop")
	fmt.Fprintf(b, "  Iterations:           %d\n", cfg.Iterations)
	fmt.Fprintf(b, "  Runs Left:            %d of %d\n", cfg.RunsLeft, cfg.MaxRuns)
	fmt.Fprintf(b, "  Fails Left:           %d of %d\n", cfg.FailLeft, cfg.MaxFail)
	if len(cfg.ByClass) > 0 {
		fmt.Fprintf(b, "  Results:              %s\n", FormatClassCounts(cfg.ByClass))
	}
	b.WriteString("\n")

	if cfg.WorkerP50 > 0 || cfg.WorkerMax > 0 {
		section(b, "Worker Duration")
		fmt.Fprintf(b, "  P50 (median):         %s\n", FormatMs(cfg.WorkerP50))
		fmt.Fprintf(b, "  P95:                  %s\n", FormatMs(cfg.WorkerP95))
		fmt.Fprintf(b, "  P99:                  %s\n", FormatMs(cfg.WorkerP99))
		fmt.Fprintf(b, "  Max:                  %s\n", FormatMs(cfg.WorkerMax))
		b.WriteString("\n")
	}

	if cfg.TasksAdjusted > 0 || cfg.AdjustFailures > 0 {
		section(b, "Deprioritization")
		fmt.Fprintf(b, "  Tasks Adjusted:       %d\n", cfg.TasksAdjusted)
		fmt.Fprintf(b, "  Failed Writes:        %d\n", cfg.AdjustFailures)
		b.WriteString("\n")
	}

	flaky := cfg.Record.Flaky()
	if len(flaky) > 0 {
		section(b, "Flaky Tests")
		for _, id := range flaky {
			fmt.Fprintf(b, "  %-10s %s\n", FormatCounts(cfg.Record[id]), id)
		}
		b.WriteString("\n")
	} else if len(cfg.Record) > 0 {
		section(b, "Selected Tests")
		ids := make([]string, 0, len(cfg.Record))
		for id := range cfg.Record {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(b, "  %-10s %s\n", FormatCounts(cfg.Record[id]), id)
		}
		b.WriteString("\n")
	}
}

func writeTallySection(b *strings.Builder, t *TallySnapshot) {
	section(b, "Test Outcomes")
	fmt.Fprintf(b, "  Passed:               %s\n", FormatNumber(t.Passed))
	fmt.Fprintf(b, "  Failed:               %s\n", FormatNumber(t.Failed))
	fmt.Fprintf(b, "  Skipped:              %s\n", FormatNumber(t.Skipped))
	fmt.Fprintf(b, "  Rate:                 %s\n", FormatRate(t.TestsPerSec))
	if len(t.Packages) > 1 {
		b.WriteString("\n  By package:\n")
		for _, p := range t.Packages {
			fmt.Fprintf(b, "    %-8s %-8s %-8s %s\n",
				FormatNumber(p.Passed), FormatNumber(p.Failed), FormatNumber(p.Skipped), p.Package)
		}
	}
	if len(t.FailedTests) > 0 {
		b.WriteString("\n  Failed tests:\n")
		for _, id := range t.FailedTests {
			fmt.Fprintf(b, "    %s\n", id)
		}
	}
	b.WriteString("\n")
}

func section(b *strings.Builder, title string) {
	b.WriteString(lightRule)
	pad := max((ruleWidth-len(title))/2, 0)
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(lightRule + "\n")
}

// exitCodeLabel returns a human-readable label for session exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(finished)"
	case 1:
		return "(tests failed)"
	case 2:
		return "(fail limit)"
	case 3:
		return "(no tests selected)"
	case 4:
		return "(usage error)"
	case 5:
		return "(internal error)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatCounts formats a record entry as "[fail, runs]".
func FormatCounts(c record.Counts) string {
	return fmt.Sprintf("[%d, %d]", c.Fail(), c.Runs())
}

// FormatClassCounts formats result class counts as "a=1 b=2", sorted by
// class name.
func FormatClassCounts(counts map[string]int64) string {
	classes := make([]string, 0, len(counts))
	for class := range counts {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	parts := make([]string, 0, len(classes))
	for _, class := range classes {
		parts = append(parts, fmt.Sprintf("%s=%d", class, counts[class]))
	}
	return strings.Join(parts, " ")
}

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a tests-per-second rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}
