package preflight

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/randomizedcoder/go-showflakes/internal/process"
)

// fakeGo writes a script that answers "version" like the go command.
func fakeGo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "go")
	script := "#!/bin/sh\necho \"go version go1.25.0 linux/amd64\"\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

type taskSource struct {
	err error
}

func (s taskSource) Descendants(root int) ([]process.Handle, error) { return nil, s.err }
func (s taskSource) Alive(process.Handle) bool                      { return false }
func (s taskSource) Nice(process.Handle) (int, error)               { return 0, nil }
func (s taskSource) SetNice(process.Handle, int) error              { return nil }

func findCheck(t *testing.T, result *Result, name string) Check {
	t.Helper()
	for _, c := range result.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("Expected %s check in results", name)
	return Check{}
}

func TestCheck_String(t *testing.T) {
	t.Run("passed_with_required", func(t *testing.T) {
		c := Check{
			Name:     "test_check",
			Required: 100,
			Actual:   200,
			Passed:   true,
		}
		s := c.String()
		if !strings.Contains(s, "✓") {
			t.Error("Passed check should have ✓")
		}
		if !strings.Contains(s, "200") || !strings.Contains(s, "100") {
			t.Error("Should contain actual and required values")
		}
	})

	t.Run("failed_check", func(t *testing.T) {
		c := Check{Name: "test_check", Required: 100, Actual: 50, Passed: false}
		if !strings.Contains(c.String(), "✗") {
			t.Error("Failed check should have ✗")
		}
	})

	t.Run("warning_check", func(t *testing.T) {
		c := Check{Name: "test_check", Passed: true, Warning: true, Message: "warning message"}
		s := c.String()
		if !strings.Contains(s, "⚠") {
			t.Error("Warning check should have ⚠")
		}
		if !strings.Contains(s, "warning message") {
			t.Error("Should contain message")
		}
	})
}

func TestRunAll_AllPass(t *testing.T) {
	dir := t.TempDir()
	sel := filepath.Join(dir, "selection.txt")
	if err := os.WriteFile(sel, []byte("pkg::TestA\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	result := RunAll(Options{
		GoBinary:      fakeGo(t),
		SelectionFile: sel,
		RecordFile:    filepath.Join(dir, "record.json"),
		WorkDir:       dir,
		Deprioritize:  true,
		TaskSource:    taskSource{},
	})

	for _, c := range result.Checks {
		if !c.Passed {
			t.Errorf("check %s failed: %s", c.Name, c.Message)
		}
	}

	goCheck := findCheck(t, result, "go_toolchain")
	if !strings.Contains(goCheck.Message, "go1.25.0") {
		t.Errorf("go_toolchain message = %q, want version", goCheck.Message)
	}
	findCheck(t, result, "selection_file")
	findCheck(t, result, "record_dir")
	findCheck(t, result, "work_dir")
	findCheck(t, result, "deprioritize")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("writability probes left files behind: %v", entries)
	}
}

func TestRunAll_OptionalChecksSkipped(t *testing.T) {
	result := RunAll(Options{GoBinary: fakeGo(t), WorkDir: t.TempDir()})

	for _, c := range result.Checks {
		switch c.Name {
		case "selection_file", "record_dir", "deprioritize":
			t.Errorf("unexpected check %s", c.Name)
		}
	}
}

func TestRunAll_InvalidGoPath(t *testing.T) {
	result := RunAll(Options{GoBinary: "/nonexistent/go", WorkDir: t.TempDir()})

	c := findCheck(t, result, "go_toolchain")
	if c.Passed {
		t.Error("go_toolchain check should fail with invalid path")
	}
	if !strings.Contains(c.Message, "not found") {
		t.Errorf("Message should mention 'not found': %s", c.Message)
	}
	if result.Passed {
		t.Error("Result should fail when go is not found")
	}
}

func TestRunAll_MissingSelectionFile(t *testing.T) {
	result := RunAll(Options{
		GoBinary:      fakeGo(t),
		SelectionFile: filepath.Join(t.TempDir(), "missing.txt"),
		WorkDir:       t.TempDir(),
	})

	if findCheck(t, result, "selection_file").Passed {
		t.Error("selection_file check should fail for a missing file")
	}
	if result.Passed {
		t.Error("Result should fail")
	}
}

func TestRunAll_UnwritableDirs(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no", "such", "dir")

	result := RunAll(Options{
		GoBinary:   fakeGo(t),
		RecordFile: filepath.Join(missing, "record.json"),
		WorkDir:    missing,
	})

	if findCheck(t, result, "record_dir").Passed {
		t.Error("record_dir check should fail")
	}
	if findCheck(t, result, "work_dir").Passed {
		t.Error("work_dir check should fail")
	}
}

func TestRunAll_TaskListingIsWarning(t *testing.T) {
	result := RunAll(Options{
		GoBinary:     fakeGo(t),
		WorkDir:      t.TempDir(),
		Deprioritize: true,
		TaskSource:   taskSource{err: errors.New("task listing requires /proc")},
	})

	c := findCheck(t, result, "deprioritize")
	if !c.Passed || !c.Warning {
		t.Errorf("deprioritize check should warn, got passed=%v warning=%v", c.Passed, c.Warning)
	}
	if !strings.Contains(c.Message, "requires /proc") {
		t.Errorf("Message = %q", c.Message)
	}
}

func TestCheckTaskListing_Real(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("task listing requires /proc")
	}
	c := checkTaskListing(process.NewTaskSource())
	if !c.Passed || c.Warning {
		t.Errorf("task listing should work on linux: %s", c.Message)
	}
}

func TestCheckFileDescriptors(t *testing.T) {
	check := checkFileDescriptors()

	if check.Name != "file_descriptors" {
		t.Errorf("Name = %q, want file_descriptors", check.Name)
	}
	if check.Warning {
		t.Skipf("rlimit unavailable: %s", check.Message)
	}
	if check.Actual <= 0 {
		t.Errorf("Actual should be positive: %d", check.Actual)
	}
	if check.Required != minOpenFiles {
		t.Errorf("Required = %d, want %d", check.Required, minOpenFiles)
	}
	if check.Passed != (check.Actual >= minOpenFiles) {
		t.Errorf("Passed = %v with actual=%d", check.Passed, check.Actual)
	}
}

func TestCheckProcessLimit(t *testing.T) {
	check := checkProcessLimit()

	// Either passes with actual value or is a warning (non-Linux)
	if !check.Passed && !check.Warning && check.Actual >= minProcesses {
		t.Errorf("Process limit check inconsistent: %+v", check)
	}
}

func TestParseMaxProcesses(t *testing.T) {
	const limits = `Limit                     Soft Limit           Hard Limit           Units
Max cpu time              unlimited            unlimited            seconds
Max processes             4096                 63471                processes
Max open files            1024                 524288               files
`
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"soft limit", limits, 4096},
		{"unlimited", "Max processes             unlimited            unlimited            processes\n", 1000000},
		{"absent", "Max open files 1024 1024 files\n", 0},
		{"truncated", "Max processes 12\n", 0},
		{"empty", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseMaxProcesses(tt.input); got != tt.want {
				t.Errorf("parseMaxProcesses() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSuggestFix(t *testing.T) {
	testCases := []struct {
		name     string
		expected string
	}{
		{"go_toolchain", "install Go"},
		{"selection_file", "--selection-file"},
		{"record_dir", "--record-file"},
		{"work_dir", "--work-dir"},
		{"file_descriptors", "ulimit -n"},
		{"process_limit", "ulimit -u"},
		{"unknown", "documentation"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fix := suggestFix(tc.name)
			if !strings.Contains(fix, tc.expected) {
				t.Errorf("suggestFix(%q) = %q, should contain %q", tc.name, fix, tc.expected)
			}
		})
	}
}

func TestPrintResults(t *testing.T) {
	result := &Result{
		Checks: []Check{
			{Name: "work_dir", Passed: true, Message: "ok"},
			{Name: "go_toolchain", Passed: false, Message: "not found"},
		},
		Passed: false,
	}

	var buf bytes.Buffer
	PrintResults(&buf, result)
	out := buf.String()

	if !strings.HasPrefix(out, "Preflight checks:\n") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "Fix: install Go") {
		t.Errorf("failed check should print a fix: %q", out)
	}
	if strings.Count(out, "Fix:") != 1 {
		t.Errorf("only failed checks get a fix: %q", out)
	}
}
