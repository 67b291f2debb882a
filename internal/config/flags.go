package config

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// flagCategory groups flags in the usage output.
type flagCategory struct {
	title string
	names []string
}

var usageCategories = []flagCategory{
	{"Selection & Record", []string{"selection-file", "record-file"}},
	{"Retry Loop", []string{"max-runs", "max-fail", "max-time", "n-extra", "shuffle", "seed", "set-exitstatus"}},
	{"Worker Processes", []string{"deprioritize", "kill-policy", "disable-gc", "work-dir", "keep-work-dir"}},
	{"Go Toolchain", []string{"go", "build-flags", "test-flags", "dir"}},
	{"Observability", []string{"metrics", "metrics-textfile", "tui", "verbose", "log-format", "log-level"}},
	{"Diagnostics", []string{"config", "write-config", "skip-preflight"}},
}

// RegisterFlags binds every session option to fs.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	// Selection & Record
	fs.StringVar(&cfg.SelectionFile, "selection-file", cfg.SelectionFile, "File listing the tests to probe, one TestID per line")
	fs.StringVar(&cfg.RecordFile, "record-file", cfg.RecordFile, "Outcome record path (retry mode) or outcome log path")

	// Retry Loop
	fs.IntVar(&cfg.MaxRuns, "max-runs", cfg.MaxRuns, "Accepted iterations before giving up")
	fs.IntVar(&cfg.MaxFail, "max-fail", cfg.MaxFail, "Invalid iterations tolerated before aborting")
	fs.IntVar(&cfg.MaxTime, "max-time", cfg.MaxTime, "Seconds each worker may run (0 = no limit)")
	fs.IntVar(&cfg.NExtra, "n-extra", cfg.NExtra, "Unselected tests sampled into every iteration")
	fs.BoolVar(&cfg.Shuffle, "shuffle", cfg.Shuffle, "Randomly permute the items of every run")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed for sampling, shuffling and niceness (0 = time based)")
	fs.BoolVar(&cfg.SetExitStatus, "set-exitstatus", cfg.SetExitStatus, "Collapse the exit status to 0 (success) or 1 (failure)")

	// Worker Processes
	fs.BoolVar(&cfg.Deprioritize, "deprioritize", cfg.Deprioritize, "Lower the scheduling priority of threads and children spawned by tests")
	fs.StringVar(&cfg.KillPolicy, "kill-policy", cfg.KillPolicy, `What to kill on timeout: "group" or "process"`)
	fs.BoolVar(&cfg.DisableGC, "disable-gc", cfg.DisableGC, "Disable the garbage collector while the retry loop runs")
	fs.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "Directory for the session work dir (default: OS temp dir)")
	fs.BoolVar(&cfg.KeepWorkDir, "keep-work-dir", cfg.KeepWorkDir, "Keep test binaries and plans after the session")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Deprioritizer poll interval")
	_ = fs.MarkHidden("poll-interval")

	// Go Toolchain
	fs.StringVar(&cfg.GoBinary, "go", cfg.GoBinary, "Path to the go command")
	fs.StringVar(&cfg.BuildFlags, "build-flags", cfg.BuildFlags, `Flags for go list and go test -c, e.g. "-race -tags integration"`)
	fs.StringVar(&cfg.TestFlags, "test-flags", cfg.TestFlags, `Flags for every test binary run, e.g. "-test.short"`)
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "Module directory to run the go command in")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.StringVar(&cfg.MetricsTextfile, "metrics-textfile", cfg.MetricsTextfile, "Write final metrics to this file in text exposition format")
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Show a live terminal dashboard")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn" or "error"`)

	// Diagnostics
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file; explicitly set flags override it")
	fs.StringVar(&cfg.WriteConfig, "write-config", cfg.WriteConfig, "Write the resolved configuration as YAML to this file and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
}

// PrintUsage writes the flags of fs grouped by category.
func PrintUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, `showflakes - find flaky Go tests by re-running them in isolated workers

Usage:
  showflakes run [flags] [packages]

`)
	for i, cat := range usageCategories {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s:\n", cat.title)
		printFlagCategory(w, fs, cat.names)
	}

	fmt.Fprintf(w, `
Exit Status:
  0 finished, 1 tests failed (no selection), 2 fail limit reached,
  3 no tests selected, 4 usage error, 5 internal error.
  With --set-exitstatus: 0 for 0 and 1, otherwise 1.

Examples:
  # Probe two tests for flakiness, up to 50 clean runs
  showflakes run --selection-file flaky.txt --record-file record.json --max-runs 50 ./...

  # Mix in 20 random other tests per run and shuffle the order
  showflakes run --selection-file flaky.txt --record-file record.json \
    --max-runs 50 --max-fail 5 --n-extra 20 --shuffle ./pkg/...

  # Run everything once in random order and log every outcome
  showflakes run --shuffle --record-file outcomes.tsv ./...

`)
}

// printFlagCategory prints the named flags in the given order.
func printFlagCategory(w io.Writer, fs *pflag.FlagSet, names []string) {
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil || f.Hidden {
			continue
		}

		flagName := "--" + f.Name
		if f.Shorthand != "" {
			flagName = "-" + f.Shorthand + ", " + flagName
		}
		fmt.Fprintf(w, "  %s %s\n    \t%s", flagName, flagType(f), f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
			fmt.Fprintf(w, " (default %s)", f.DefValue)
		}
		fmt.Fprintln(w)
	}
}

// flagType returns a type hint for the flag value.
func flagType(f *pflag.Flag) string {
	switch f.Value.Type() {
	case "bool":
		return ""
	case "int", "int64":
		return "int"
	case "duration":
		return "duration"
	default:
		return "string"
	}
}
