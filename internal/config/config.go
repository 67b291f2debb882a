// Package config provides configuration management for showflakes.
package config

import (
	"strings"
	"time"
)

// Config holds all configuration options for a session.
type Config struct {
	// Selection and record
	RecordFile    string `yaml:"record_file" json:"record_file"`
	SelectionFile string `yaml:"selection_file" json:"selection_file"`

	// Retry loop
	MaxRuns       int   `yaml:"max_runs" json:"max_runs"`
	MaxFail       int   `yaml:"max_fail" json:"max_fail"`
	MaxTime       int   `yaml:"max_time" json:"max_time"` // seconds, 0 = no limit
	NExtra        int   `yaml:"n_extra" json:"n_extra"`
	Shuffle       bool  `yaml:"shuffle" json:"shuffle"`
	SetExitStatus bool  `yaml:"set_exitstatus" json:"set_exitstatus"`
	Seed          int64 `yaml:"seed" json:"seed"` // 0 = time based

	// Worker processes
	Deprioritize bool          `yaml:"deprioritize" json:"deprioritize"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	KillPolicy   string        `yaml:"kill_policy" json:"kill_policy"` // group, process
	DisableGC    bool          `yaml:"disable_gc" json:"disable_gc"`
	WorkDir      string        `yaml:"work_dir" json:"work_dir"` // "" = OS temp dir
	KeepWorkDir  bool          `yaml:"keep_work_dir" json:"keep_work_dir"`

	// Go toolchain
	GoBinary   string   `yaml:"go_binary" json:"go_binary"`
	BuildFlags string   `yaml:"build_flags" json:"build_flags"`
	TestFlags  string   `yaml:"test_flags" json:"test_flags"`
	Dir        string   `yaml:"dir" json:"dir"`
	Packages   []string `yaml:"packages" json:"packages"`

	// Observability
	MetricsAddr     string `yaml:"metrics_addr" json:"metrics_addr"` // "" = disabled
	MetricsTextfile string `yaml:"metrics_textfile" json:"metrics_textfile"`
	LogFormat       string `yaml:"log_format" json:"log_format"` // json, text
	LogLevel        string `yaml:"log_level" json:"log_level"`
	Verbose         bool   `yaml:"verbose" json:"verbose"`
	TUIEnabled      bool   `yaml:"tui" json:"tui"`

	// Diagnostics
	SkipPreflight bool `yaml:"skip_preflight" json:"skip_preflight"`

	// ConfigFile is the YAML file the values above were loaded from.
	ConfigFile string `yaml:"-" json:"-"`

	// WriteConfig names a file to write the resolved config to instead of
	// running a session.
	WriteConfig string `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Retry loop
		MaxRuns: 1,
		MaxFail: 1,
		MaxTime: 0, // No limit
		NExtra:  0,

		// Worker processes
		PollInterval: 10 * time.Millisecond,
		KillPolicy:   "group",
		DisableGC:    true,

		// Go toolchain
		GoBinary: "go",
		Packages: []string{"./..."},

		// Observability
		LogFormat:  "json",
		LogLevel:   "info",
		TUIEnabled: false,
	}
}

// RetryMode reports whether the session runs the retry loop. Without a
// selection file every collected test runs once.
func (c *Config) RetryMode() bool {
	return c.SelectionFile != ""
}

// MaxTimeDuration returns the per-worker time budget.
func (c *Config) MaxTimeDuration() time.Duration {
	return time.Duration(c.MaxTime) * time.Second
}

// BuildFlagList splits BuildFlags into arguments.
func (c *Config) BuildFlagList() []string {
	return strings.Fields(c.BuildFlags)
}

// TestFlagList splits TestFlags into arguments.
func (c *Config) TestFlagList() []string {
	return strings.Fields(c.TestFlags)
}
