// Package record holds the per-test outcome counters that workers produce and
// the orchestrator merges.
//
// On disk a record is a JSON object mapping each TestID to a two-element
// array [failCount, runCount]. Workers rewrite the whole file; nothing ever
// appends to it.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrInvalidCounts is returned when a loaded record breaks 0 <= fail <= runs.
var ErrInvalidCounts = errors.New("invalid outcome counts")

// Counts is a [failCount, runCount] pair. It marshals as a JSON array.
type Counts [2]int

// Fail returns the number of failed executions.
func (c Counts) Fail() int { return c[0] }

// Runs returns the number of executions that were not skipped.
func (c Counts) Runs() int { return c[1] }

// Valid reports whether 0 <= fail <= runs.
func (c Counts) Valid() bool {
	return c[0] >= 0 && c[0] <= c[1]
}

// Flaky reports whether the test has both passed and failed: 0 < fail < runs.
func (c Counts) Flaky() bool {
	return 0 < c[0] && c[0] < c[1]
}

// Record maps TestIDs to their counts.
type Record map[string]Counts

// New returns a record tracking ids, all counters at zero.
func New(ids []string) Record {
	r := make(Record, len(ids))
	for _, id := range ids {
		r[id] = Counts{}
	}
	return r
}

// Clone returns an independent copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Equal reports whether r and o hold exactly the same key/value pairs.
func (r Record) Equal(o Record) bool {
	if len(r) != len(o) {
		return false
	}
	for k, v := range r {
		ov, ok := o[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Merge overwrites r's entry for every key present in next. Pairs are
// replaced whole; counts are not added together.
func (r Record) Merge(next Record) {
	for k, v := range next {
		r[k] = v
	}
}

// Flaky returns the sorted IDs whose counts show both a pass and a failure.
func (r Record) Flaky() []string {
	var ids []string
	for id, c := range r {
		if c.Flaky() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// HasFlaky reports whether any entry is flaky.
func (r Record) HasFlaky() bool {
	for _, c := range r {
		if c.Flaky() {
			return true
		}
	}
	return false
}

// Validate checks every entry against 0 <= fail <= runs.
func (r Record) Validate() error {
	for id, c := range r {
		if !c.Valid() {
			return fmt.Errorf("%w: %s has %v", ErrInvalidCounts, id, c)
		}
	}
	return nil
}

// Load reads and validates a record file.
func Load(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", path, err)
	}
	if r == nil {
		r = Record{}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Save writes the whole record to path in a single rename, so a reader never
// observes a partially written file.
func (r Record) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*.json")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

// Remove deletes the record file if it exists.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}
