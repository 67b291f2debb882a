// Package gotest binds the engine contract to the Go toolchain.
//
// Each package's test binary is compiled once per session with
// `go test -c`; collection and every later run reuse the same binaries, so
// repeated iterations measure the tests and not the compiler.
package gotest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/randomizedcoder/go-showflakes/internal/engine"
)

// IDSeparator joins an import path and a test name into a TestID.
const IDSeparator = "::"

// Config describes where the test binaries come from. After Build it also
// carries the compiled binaries, so a worker process can run tests from it
// without touching the compiler.
type Config struct {
	// GoBinary is the go command used for listing and building.
	GoBinary string `json:"go_binary"`

	// Dir is the working directory for go list and go test -c.
	Dir string `json:"dir,omitempty"`

	// Packages are the package patterns to test.
	Packages []string `json:"packages"`

	// BuildFlags are passed to go list and go test -c.
	BuildFlags []string `json:"build_flags,omitempty"`

	// TestFlags are passed to every test binary invocation.
	TestFlags []string `json:"test_flags,omitempty"`

	// BinDir receives the compiled test binaries.
	BinDir string `json:"bin_dir"`

	// Set by Build.
	Order    []string          `json:"order,omitempty"`    // import paths, go list order
	Binaries map[string]string `json:"binaries,omitempty"` // import path -> test binary
	Dirs     map[string]string `json:"dirs,omitempty"`     // import path -> package dir

	// Set by Collect: position of each TestID within its package. A worker
	// handed a collected config runs without listing the binaries again.
	Index map[string]int `json:"index,omitempty"`
}

// DefaultConfig returns a Config testing the current module.
func DefaultConfig() Config {
	return Config{
		GoBinary: "go",
		Packages: []string{"./..."},
	}
}

// Built reports whether the config already carries compiled binaries.
func (c Config) Built() bool {
	return len(c.Order) > 0
}

// ID builds a TestID.
func ID(pkg, name string) string {
	return pkg + IDSeparator + name
}

// SplitID splits a TestID into import path and test name.
func SplitID(id string) (pkg, name string, ok bool) {
	i := strings.LastIndex(id, IDSeparator)
	if i <= 0 || i+len(IDSeparator) == len(id) {
		return "", "", false
	}
	return id[:i], id[i+len(IDSeparator):], true
}

// Engine runs Go tests through prebuilt test binaries.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	output io.Writer
}

// New creates an Engine. output receives the raw test output from both
// stdout and stderr of the test binaries and must tolerate concurrent
// writes; it may be nil.
func New(cfg Config, logger *slog.Logger, output io.Writer) *Engine {
	if cfg.GoBinary == "" {
		cfg.GoBinary = "go"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger, output: output}
}

// Config returns the engine config, including build and collect results.
func (e *Engine) Config() Config {
	return e.cfg
}

// Build lists the configured packages and compiles a test binary for each
// package that has test files.
func (e *Engine) Build(ctx context.Context) error {
	if e.cfg.BinDir == "" {
		return errors.New("gotest: bin dir not set")
	}
	if err := os.MkdirAll(e.cfg.BinDir, 0o755); err != nil {
		return fmt.Errorf("create bin dir: %w", err)
	}

	pkgs, err := e.listPackages(ctx)
	if err != nil {
		return err
	}

	e.cfg.Order = nil
	e.cfg.Binaries = make(map[string]string)
	e.cfg.Dirs = make(map[string]string)

	for _, p := range pkgs {
		if !p.hasTests {
			e.logger.Debug("package_without_tests", "package", p.importPath)
			continue
		}

		bin := filepath.Join(e.cfg.BinDir, binaryName(p.importPath))
		args := append([]string{"test", "-c", "-o", bin}, e.cfg.BuildFlags...)
		args = append(args, p.importPath)
		if _, err := e.runOutput(ctx, e.cfg.Dir, e.cfg.GoBinary, args...); err != nil {
			return fmt.Errorf("build %s: %w", p.importPath, err)
		}

		e.cfg.Order = append(e.cfg.Order, p.importPath)
		e.cfg.Binaries[p.importPath] = bin
		e.cfg.Dirs[p.importPath] = p.dir
		e.logger.Debug("test_binary_built", "package", p.importPath, "path", bin)
	}

	e.logger.Info("test_binaries_built", "packages", len(e.cfg.Order))
	return nil
}

type listedPackage struct {
	importPath string
	dir        string
	hasTests   bool
}

const listFormat = `{{.ImportPath}}{{"\t"}}{{.Dir}}{{"\t"}}{{len .TestGoFiles}}{{"\t"}}{{len .XTestGoFiles}}`

func (e *Engine) listPackages(ctx context.Context) ([]listedPackage, error) {
	args := append([]string{"list", "-f", listFormat}, e.cfg.BuildFlags...)
	args = append(args, e.cfg.Packages...)

	out, err := e.runOutput(ctx, e.cfg.Dir, e.cfg.GoBinary, args...)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	return parseList(out)
}

func parseList(out []byte) ([]listedPackage, error) {
	var pkgs []listedPackage
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("unexpected go list line %q", line)
		}
		pkgs = append(pkgs, listedPackage{
			importPath: fields[0],
			dir:        fields[1],
			hasTests:   fields[2] != "0" || fields[3] != "0",
		})
	}
	return pkgs, nil
}

// binaryName maps an import path to a file name.
func binaryName(importPath string) string {
	r := strings.NewReplacer("/", "_", ".", "_", "\\", "_")
	return r.Replace(importPath) + ".test"
}

// Collect returns every test in package order and, within a package, in
// declaration order. It builds the binaries first if needed.
func (e *Engine) Collect(ctx context.Context) ([]string, error) {
	if !e.cfg.Built() {
		if err := e.Build(ctx); err != nil {
			return nil, err
		}
	}

	var ids []string
	index := make(map[string]int)

	for _, pkg := range e.cfg.Order {
		out, err := e.runOutput(ctx, e.cfg.Dirs[pkg], e.cfg.Binaries[pkg], "-test.list", ".")
		if err != nil {
			return nil, fmt.Errorf("list tests in %s: %w", pkg, err)
		}
		for pos, name := range parseTestList(out) {
			id := ID(pkg, name)
			index[id] = pos
			ids = append(ids, id)
		}
	}

	e.cfg.Index = index
	e.logger.Debug("tests_collected", "count", len(ids))
	return ids, nil
}

// parseTestList keeps the names -test.list prints for tests, examples and
// fuzz targets. Benchmarks are not run by -test.run.
func parseTestList(out []byte) []string {
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		name := strings.TrimSpace(line)
		if strings.HasPrefix(name, "Test") ||
			strings.HasPrefix(name, "Example") ||
			strings.HasPrefix(name, "Fuzz") {
			names = append(names, name)
		}
	}
	return names
}

// batch is a run of consecutive items executed by one binary invocation.
type batch struct {
	pkg   string
	names []string
}

// batches splits items into binary invocations that preserve item order.
// A test binary always runs tests in declaration order, so a batch only
// grows while the next item is the same package and declared later.
func batches(items []string, index map[string]int) ([]batch, error) {
	var out []batch
	prev := -1

	for _, id := range items {
		pkg, name, ok := SplitID(id)
		if !ok {
			return nil, fmt.Errorf("malformed test id %q", id)
		}
		pos, ok := index[id]
		if !ok {
			return nil, fmt.Errorf("unknown test %q", id)
		}

		if n := len(out); n > 0 && out[n-1].pkg == pkg && pos > prev {
			out[n-1].names = append(out[n-1].names, name)
		} else {
			out = append(out, batch{pkg: pkg, names: []string{name}})
		}
		prev = pos
	}
	return out, nil
}

// runPattern matches exactly the given top-level tests.
func runPattern(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	return "^(" + strings.Join(quoted, "|") + ")$"
}

// Run executes items in order and reports every finished test to obs.
func (e *Engine) Run(ctx context.Context, items []string, obs engine.Observer) (int, error) {
	if obs == nil {
		obs = engine.NopObserver{}
	}
	if e.cfg.Index == nil {
		if _, err := e.Collect(ctx); err != nil {
			return 0, err
		}
	}

	groups, err := batches(items, e.cfg.Index)
	if err != nil {
		return 0, err
	}

	obs.OnItemsCollected(items)

	status := engine.StatusOK
	for _, g := range groups {
		failed, err := e.runBatch(ctx, g, obs)
		if err != nil {
			return 0, err
		}
		if failed {
			status = engine.StatusTestsFailed
		}
	}

	obs.OnSessionEnd(status)
	return status, nil
}

func (e *Engine) runBatch(ctx context.Context, b batch, obs engine.Observer) (bool, error) {
	bin, ok := e.cfg.Binaries[b.pkg]
	if !ok {
		return false, fmt.Errorf("no test binary for %s", b.pkg)
	}

	args := []string{"-test.run", runPattern(b.names), "-test.v", "-test.count=1"}
	args = append(args, e.cfg.TestFlags...)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = e.cfg.Dirs[b.pkg]
	cmd.Stderr = e.output

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start %s: %w", bin, err)
	}

	pending := make(map[string]struct{}, len(b.names))
	for _, n := range b.names {
		pending[n] = struct{}{}
	}

	failed := false
	parser := NewOutputParser(func(name string, outcome engine.Outcome) {
		if _, ok := pending[name]; !ok {
			return
		}
		delete(pending, name)
		if outcome == engine.OutcomeFailed {
			failed = true
		}
		obs.OnTestFinished(ID(b.pkg, name), outcome)
	})

	scanErr := scanLines(stdout, e.output, parser.ParseLine)
	if scanErr != nil {
		// Wait blocks while the binary is stuck writing to a full pipe.
		io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	lines, results := parser.Stats()
	e.logger.Debug("test_binary_done",
		"package", b.pkg,
		"tests", len(b.names),
		"lines", lines,
		"results", results,
	)

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		failed = true
		e.logger.Debug("test_binary_failed",
			"package", b.pkg,
			"exit_code", exitErr.ExitCode(),
			"unreported", len(pending),
		)
	default:
		return failed, fmt.Errorf("wait %s: %w", bin, waitErr)
	}
	if scanErr != nil {
		return failed, fmt.Errorf("read output of %s: %w", bin, scanErr)
	}
	return failed, nil
}

// runOutput runs a command and returns its stdout, folding stderr into the
// error on failure.
func (e *Engine) runOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

var _ engine.Engine = (*Engine)(nil)
