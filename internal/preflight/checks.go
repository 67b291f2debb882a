// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-showflakes/internal/process"
)

// minOpenFiles covers the worker pipes, the test binary and its children.
const minOpenFiles = 256

// minProcesses covers the worker, its test binary and a handful of
// subprocesses spawned by tests.
const minProcesses = 64

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options selects what RunAll verifies.
type Options struct {
	GoBinary      string
	SelectionFile string
	RecordFile    string
	WorkDir       string // "" = OS temp dir
	Deprioritize  bool

	// TaskSource backs the deprioritization check; nil uses /proc.
	TaskSource process.TaskSource
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 7),
		Passed: true,
	}

	result.add(checkGoToolchain(opts.GoBinary))

	if opts.SelectionFile != "" {
		result.add(checkReadable("selection_file", opts.SelectionFile))
	}
	if opts.RecordFile != "" {
		result.add(checkWritableDir("record_dir", filepath.Dir(opts.RecordFile)))
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	result.add(checkWritableDir("work_dir", workDir))

	result.add(checkFileDescriptors())
	result.add(checkProcessLimit())

	if opts.Deprioritize {
		src := opts.TaskSource
		if src == nil {
			src = process.NewTaskSource()
		}
		result.add(checkTaskListing(src))
	}

	return result
}

// checkGoToolchain verifies the go command is available and working.
func checkGoToolchain(path string) Check {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, "version").Output()
	if err != nil {
		return Check{
			Name:    "go_toolchain",
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}

	// "go version go1.23.4 linux/amd64"
	version := "unknown"
	if parts := strings.Fields(string(output)); len(parts) >= 3 {
		version = parts[2]
	}

	return Check{
		Name:    "go_toolchain",
		Passed:  true,
		Message: fmt.Sprintf("found at %s (%s)", path, version),
	}
}

// checkReadable verifies a file can be opened for reading.
func checkReadable(name, path string) Check {
	f, err := os.Open(path)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("cannot read %s: %v", path, err),
		}
	}
	f.Close()

	return Check{
		Name:    name,
		Passed:  true,
		Message: path,
	}
}

// checkWritableDir verifies a file can be created in dir.
func checkWritableDir(name, dir string) Check {
	f, err := os.CreateTemp(dir, ".showflakes-preflight-*")
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("cannot write to %s: %v", dir, err),
		}
	}
	f.Close()
	os.Remove(f.Name())

	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("%s is writable", dir),
	}
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors() Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	actual := int(min(limit.Cur, 1<<30))
	return Check{
		Name:     "file_descriptors",
		Required: minOpenFiles,
		Actual:   actual,
		Passed:   actual >= minOpenFiles,
		Message:  fmt.Sprintf("ulimit -n %d (need %d)", actual, minOpenFiles),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit() Check {
	// Read soft limit from /proc/self/limits
	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		// Non-Linux or restricted access, assume OK
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: minProcesses,
		Actual:   actual,
		Passed:   actual >= minProcesses,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, minProcesses),
	}
}

// parseMaxProcesses returns the soft "Max processes" limit from the
// contents of /proc/<pid>/limits, or 0 if absent.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1000000
		}
		var n int
		fmt.Sscanf(fields[2], "%d", &n)
		return n
	}
	return 0
}

// checkTaskListing verifies descendants of a process can be enumerated.
// Failure is a warning: the loop still runs, nothing gets deprioritized.
func checkTaskListing(src process.TaskSource) Check {
	if _, err := src.Descendants(os.Getpid()); err != nil {
		return Check{
			Name:    "deprioritize",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("cannot list tasks, priorities will not be lowered: %v", err),
		}
	}

	return Check{
		Name:    "deprioritize",
		Passed:  true,
		Message: "task listing available",
	}
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "go_toolchain":
		return "install Go (https://go.dev/dl/) or pass --go /path/to/go"
	case "selection_file":
		return "check the --selection-file path"
	case "record_dir":
		return "create the directory of --record-file or pick a writable path"
	case "work_dir":
		return "pass a writable --work-dir"
	case "file_descriptors":
		return "ulimit -n 1024 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	default:
		return "see documentation"
	}
}
