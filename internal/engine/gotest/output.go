package gotest

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"github.com/randomizedcoder/go-showflakes/internal/engine"
)

// Result lines printed by a test binary run with -test.v.
//
//	=== RUN   TestFoo
//	--- PASS: TestFoo (0.00s)
//	--- FAIL: TestBar (0.12s)
//	    --- FAIL: TestBar/sub (0.01s)
//	--- SKIP: TestBaz (0.00s)
//
// Subtest results are indented and belong to their top-level test, so only
// unindented result lines are reported.
const (
	prefixPass = "--- PASS: "
	prefixFail = "--- FAIL: "
	prefixSkip = "--- SKIP: "
)

// ResultFunc receives one top-level test result.
type ResultFunc func(name string, outcome engine.Outcome)

// OutputParser turns -test.v output into test results. It is fed one line
// at a time and is not safe for concurrent use.
type OutputParser struct {
	onResult ResultFunc

	linesParsed atomic.Int64
	results     atomic.Int64
}

// NewOutputParser creates a parser reporting to fn.
func NewOutputParser(fn ResultFunc) *OutputParser {
	return &OutputParser{onResult: fn}
}

// ParseLine handles a single line of output.
func (p *OutputParser) ParseLine(line string) {
	p.linesParsed.Add(1)

	name, outcome, ok := ParseResultLine(line)
	if !ok {
		return
	}
	p.results.Add(1)
	if p.onResult != nil {
		p.onResult(name, outcome)
	}
}

// Stats returns (linesParsed, results).
func (p *OutputParser) Stats() (int64, int64) {
	return p.linesParsed.Load(), p.results.Load()
}

// ParseResultLine extracts the test name and outcome from a top-level
// result line.
func ParseResultLine(line string) (string, engine.Outcome, bool) {
	var rest string
	var skipped, failed bool

	switch {
	case strings.HasPrefix(line, prefixPass):
		rest = line[len(prefixPass):]
	case strings.HasPrefix(line, prefixFail):
		rest, failed = line[len(prefixFail):], true
	case strings.HasPrefix(line, prefixSkip):
		rest, skipped = line[len(prefixSkip):], true
	default:
		return "", "", false
	}
	outcome := engine.Classify(skipped, failed)

	// "TestName (0.00s)"
	name := rest
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		name = rest[:i]
	}
	if name == "" {
		return "", "", false
	}
	return name, outcome, true
}

// maxLineLength caps one line of test output. The rest of a longer line
// is read and dropped.
const maxLineLength = 4 * 1024 * 1024

// scanLines feeds every line of r to parse and, when tee is non-nil,
// copies it to tee. It reads r to EOF; lines over maxLineLength are
// truncated.
func scanLines(r io.Reader, tee io.Writer, parse func(string)) error {
	reader := bufio.NewReaderSize(r, 64*1024)

	var line []byte
	emit := func() {
		s := string(line)
		if tee != nil {
			io.WriteString(tee, s+"\n")
		}
		parse(s)
		line = line[:0]
	}

	for {
		frag, isPrefix, err := reader.ReadLine()
		if room := maxLineLength - len(line); room > 0 {
			if len(frag) > room {
				frag = frag[:room]
			}
			line = append(line, frag...)
		}
		if err != nil {
			if len(line) > 0 {
				emit()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !isPrefix {
			emit()
		}
	}
}
