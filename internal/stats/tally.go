// Package stats provides outcome tallies and the exit summary for showflakes.
//
// This file implements Tally, an engine observer that counts finished tests
// per outcome and per package while a run is in progress.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-showflakes/internal/engine"
	"github.com/randomizedcoder/go-showflakes/internal/engine/gotest"
)

// PackageCounts holds per-package outcome counts.
type PackageCounts struct {
	Package string
	Passed  int64
	Failed  int64
	Skipped int64
}

// TallySnapshot is a point-in-time copy of a Tally.
type TallySnapshot struct {
	Timestamp time.Time
	Elapsed   time.Duration

	Collected int
	Finished  int64
	Passed    int64
	Failed    int64
	Skipped   int64
	Status    int
	Ended     bool

	// FailedTests lists failed TestIDs in completion order.
	FailedTests []string

	// Packages is sorted by package path.
	Packages []PackageCounts

	// TestsPerSec is the completion rate since the first collected event.
	TestsPerSec float64
}

// Tally counts outcomes reported by an engine. It is safe for concurrent use.
type Tally struct {
	passed  atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64

	mu        sync.Mutex
	startTime time.Time
	collected int
	status    int
	ended     bool
	failures  []string
	packages  map[string]*PackageCounts
}

var _ engine.Observer = (*Tally)(nil)

// NewTally creates an empty tally.
func NewTally() *Tally {
	return &Tally{
		startTime: time.Now(),
		packages:  make(map[string]*PackageCounts),
	}
}

func (t *Tally) OnItemsCollected(items []string) {
	t.mu.Lock()
	t.collected = len(items)
	t.startTime = time.Now()
	t.mu.Unlock()
}

func (t *Tally) OnTestFinished(id string, outcome engine.Outcome) {
	pkg, _, ok := gotest.SplitID(id)
	if !ok {
		pkg = ""
	}

	t.mu.Lock()
	pc := t.packages[pkg]
	if pc == nil {
		pc = &PackageCounts{Package: pkg}
		t.packages[pkg] = pc
	}
	switch outcome {
	case engine.OutcomePassed:
		pc.Passed++
	case engine.OutcomeFailed:
		pc.Failed++
		t.failures = append(t.failures, id)
	case engine.OutcomeSkipped:
		pc.Skipped++
	}
	t.mu.Unlock()

	switch outcome {
	case engine.OutcomePassed:
		t.passed.Add(1)
	case engine.OutcomeFailed:
		t.failed.Add(1)
	case engine.OutcomeSkipped:
		t.skipped.Add(1)
	}
}

func (t *Tally) OnSessionEnd(status int) {
	t.mu.Lock()
	t.status = status
	t.ended = true
	t.mu.Unlock()
}

// Failed returns the number of failed tests so far.
func (t *Tally) Failed() int64 {
	return t.failed.Load()
}

// Snapshot computes a copy of the current counts.
//
// The returned struct is safe to use after the call returns.
func (t *Tally) Snapshot() *TallySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	s := &TallySnapshot{
		Timestamp:   now,
		Elapsed:     now.Sub(t.startTime),
		Collected:   t.collected,
		Passed:      t.passed.Load(),
		Failed:      t.failed.Load(),
		Skipped:     t.skipped.Load(),
		Status:      t.status,
		Ended:       t.ended,
		FailedTests: append([]string(nil), t.failures...),
		Packages:    make([]PackageCounts, 0, len(t.packages)),
	}
	s.Finished = s.Passed + s.Failed + s.Skipped

	for _, pc := range t.packages {
		s.Packages = append(s.Packages, *pc)
	}
	sort.Slice(s.Packages, func(i, j int) bool {
		return s.Packages[i].Package < s.Packages[j].Package
	})

	if secs := s.Elapsed.Seconds(); secs > 0 {
		s.TestsPerSec = float64(s.Finished) / secs
	}
	return s
}
