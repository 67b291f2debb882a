package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	RegisterFlags(fs, cfg)
	return fs
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxRuns != 1 {
		t.Errorf("MaxRuns = %d, want 1", cfg.MaxRuns)
	}
	if cfg.MaxFail != 1 {
		t.Errorf("MaxFail = %d, want 1", cfg.MaxFail)
	}
	if cfg.MaxTime != 0 {
		t.Errorf("MaxTime = %d, want 0", cfg.MaxTime)
	}
	if !cfg.DisableGC {
		t.Error("DisableGC should default to true")
	}
	if cfg.KillPolicy != "group" {
		t.Errorf("KillPolicy = %q, want group", cfg.KillPolicy)
	}
	if cfg.PollInterval != 10*time.Millisecond {
		t.Errorf("PollInterval = %v, want 10ms", cfg.PollInterval)
	}
	if cfg.RetryMode() {
		t.Error("RetryMode should be false without a selection file")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("DefaultConfig should be valid: %v", err)
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SelectionFile = "sel.txt"
	cfg.MaxTime = 3
	cfg.BuildFlags = "  -race   -tags integration "
	cfg.TestFlags = "-test.short"

	if !cfg.RetryMode() {
		t.Error("RetryMode should be true with a selection file")
	}
	if got := cfg.MaxTimeDuration(); got != 3*time.Second {
		t.Errorf("MaxTimeDuration() = %v, want 3s", got)
	}
	if got := strings.Join(cfg.BuildFlagList(), ","); got != "-race,-tags,integration" {
		t.Errorf("BuildFlagList() = %q", got)
	}
	if got := cfg.TestFlagList(); len(got) != 1 || got[0] != "-test.short" {
		t.Errorf("TestFlagList() = %v", got)
	}
}

func TestRegisterFlags_Parse(t *testing.T) {
	cfg := DefaultConfig()
	fs := newFlagSet(cfg)

	err := fs.Parse([]string{
		"--selection-file", "sel.txt",
		"--record-file", "rec.json",
		"--max-runs", "50",
		"--max-fail", "5",
		"--max-time", "30",
		"--n-extra", "20",
		"--shuffle",
		"--seed", "1234",
		"--deprioritize",
		"--kill-policy", "process",
		"--disable-gc=false",
		"--poll-interval", "25ms",
		"-v",
		"./pkg/...",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.SelectionFile != "sel.txt" || cfg.RecordFile != "rec.json" {
		t.Errorf("files = %q, %q", cfg.SelectionFile, cfg.RecordFile)
	}
	if cfg.MaxRuns != 50 || cfg.MaxFail != 5 || cfg.MaxTime != 30 || cfg.NExtra != 20 {
		t.Errorf("budgets = %d/%d/%d/%d", cfg.MaxRuns, cfg.MaxFail, cfg.MaxTime, cfg.NExtra)
	}
	if !cfg.Shuffle || !cfg.Deprioritize || cfg.DisableGC || !cfg.Verbose {
		t.Errorf("bools: shuffle=%v deprioritize=%v disable_gc=%v verbose=%v",
			cfg.Shuffle, cfg.Deprioritize, cfg.DisableGC, cfg.Verbose)
	}
	if cfg.Seed != 1234 {
		t.Errorf("Seed = %d, want 1234", cfg.Seed)
	}
	if cfg.KillPolicy != "process" {
		t.Errorf("KillPolicy = %q", cfg.KillPolicy)
	}
	if cfg.PollInterval != 25*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if args := fs.Args(); len(args) != 1 || args[0] != "./pkg/..." {
		t.Errorf("Args() = %v", args)
	}
}

func TestFlagType(t *testing.T) {
	cfg := DefaultConfig()
	fs := newFlagSet(cfg)

	testCases := []struct {
		flag     string
		expected string
	}{
		{"shuffle", ""},
		{"max-runs", "int"},
		{"seed", "int"},
		{"poll-interval", "duration"},
		{"record-file", "string"},
	}

	for _, tc := range testCases {
		t.Run(tc.flag, func(t *testing.T) {
			f := fs.Lookup(tc.flag)
			if f == nil {
				t.Fatalf("flag %q not registered", tc.flag)
			}
			if got := flagType(f); got != tc.expected {
				t.Errorf("flagType(%q) = %q, want %q", tc.flag, got, tc.expected)
			}
		})
	}
}

func TestPrintUsage(t *testing.T) {
	cfg := DefaultConfig()
	fs := newFlagSet(cfg)

	var buf bytes.Buffer
	PrintUsage(&buf, fs)
	out := buf.String()

	for _, want := range []string{
		"Selection & Record:",
		"Retry Loop:",
		"--max-runs int",
		"(default group)",
		"-v, --verbose",
		"Exit Status:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("usage missing %q", want)
		}
	}
	if strings.Contains(out, "poll-interval") {
		t.Error("hidden flag poll-interval should not be listed")
	}
}

func TestUsageCategoriesCoverFlags(t *testing.T) {
	cfg := DefaultConfig()
	fs := newFlagSet(cfg)

	listed := make(map[string]bool)
	for _, cat := range usageCategories {
		for _, name := range cat.names {
			if fs.Lookup(name) == nil {
				t.Errorf("category %q names unknown flag %q", cat.title, name)
			}
			listed[name] = true
		}
	}
	fs.VisitAll(func(f *pflag.Flag) {
		if !f.Hidden && !listed[f.Name] {
			t.Errorf("flag %q is not in any usage category", f.Name)
		}
	})
}

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "showflakes.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeYAML(t, `
max_runs: 20
max_fail: 3
shuffle: true
poll_interval: 50ms
packages:
  - ./internal/...
`)
	cfg := DefaultConfig()
	if err := LoadFile(path, cfg); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.MaxRuns != 20 || cfg.MaxFail != 3 || !cfg.Shuffle {
		t.Errorf("loaded = runs %d fail %d shuffle %v", cfg.MaxRuns, cfg.MaxFail, cfg.Shuffle)
	}
	if cfg.PollInterval != 50*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if len(cfg.Packages) != 1 || cfg.Packages[0] != "./internal/..." {
		t.Errorf("Packages = %v", cfg.Packages)
	}
	if cfg.KillPolicy != "group" {
		t.Errorf("unset key should keep default, KillPolicy = %q", cfg.KillPolicy)
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	cfg := DefaultConfig()

	if err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), cfg); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeYAML(t, "max_runz: 3\n")
	if err := LoadFile(path, cfg); err == nil {
		t.Error("expected error for unknown key")
	}

	empty := writeYAML(t, "")
	if err := LoadFile(empty, cfg); err != nil {
		t.Errorf("empty file should load: %v", err)
	}
}

func TestResolve_FlagsOverrideFile(t *testing.T) {
	path := writeYAML(t, "max_runs: 20\nmax_fail: 3\nkill_policy: process\n")

	cfg := DefaultConfig()
	fs := newFlagSet(cfg)
	if err := fs.Parse([]string{"--config", path, "--max-runs", "7"}); err != nil {
		t.Fatal(err)
	}
	if err := Resolve(fs, cfg); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if cfg.MaxRuns != 7 {
		t.Errorf("MaxRuns = %d, want 7 (flag wins)", cfg.MaxRuns)
	}
	if cfg.MaxFail != 3 {
		t.Errorf("MaxFail = %d, want 3 (from file)", cfg.MaxFail)
	}
	if cfg.KillPolicy != "process" {
		t.Errorf("KillPolicy = %q, want process (from file)", cfg.KillPolicy)
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
}

func TestResolve_NoConfigFile(t *testing.T) {
	cfg := DefaultConfig()
	fs := newFlagSet(cfg)
	if err := Resolve(fs, cfg); err != nil {
		t.Errorf("Resolve without --config: %v", err)
	}
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.MaxRuns = 9
	cfg.Deprioritize = true

	if err := WriteFile(path, cfg); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	loaded := DefaultConfig()
	if err := LoadFile(path, loaded); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.MaxRuns != 9 || !loaded.Deprioritize {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SelectionFile = "sel.txt"
	cfg.RecordFile = "rec.json"
	cfg.MaxRuns = 0
	cfg.MaxFail = 0

	if err := Validate(cfg); err != nil {
		t.Errorf("Validate returned error for valid config: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"negative max runs", func(c *Config) { c.MaxRuns = -1 }, "max_runs"},
		{"negative max fail", func(c *Config) { c.MaxFail = -1 }, "max_fail"},
		{"negative max time", func(c *Config) { c.MaxTime = -5 }, "max_time"},
		{"negative n extra", func(c *Config) { c.NExtra = -2 }, "n_extra"},
		{"bad kill policy", func(c *Config) { c.KillPolicy = "tree" }, "kill_policy"},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, "poll_interval"},
		{"empty go binary", func(c *Config) { c.GoBinary = " " }, "go_binary"},
		{"no packages", func(c *Config) { c.Packages = nil }, "packages"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"record is selection", func(c *Config) {
			c.SelectionFile = "same.txt"
			c.RecordFile = "same.txt"
		}, "record_file"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error %v is not a ValidationError", err)
			}
			if ve.Field != tc.field {
				t.Errorf("Field = %q, want %q", ve.Field, tc.field)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRuns = -1
	cfg.LogFormat = "xml"
	cfg.KillPolicy = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}

	errStr := err.Error()
	for _, field := range []string{"max_runs", "log_format", "kill_policy"} {
		if !strings.Contains(errStr, field) {
			t.Errorf("error should mention %s: %v", field, errStr)
		}
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{Field: "max_runs", Message: "must not be negative"}
	if got := err.Error(); got != "max_runs: must not be negative" {
		t.Errorf("Error() = %q", got)
	}
}
