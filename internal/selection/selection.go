// Package selection splits the collected test items into the tests to retry
// and the remaining items that may be mixed in as noise.
package selection

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoTestsSelected is returned when no collected item matches the
// selection file.
var ErrNoTestsSelected = errors.New("no tests selected")

// Set holds base test IDs.
type Set map[string]struct{}

// Has reports whether id is in the set.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// BaseID strips any parameterization suffix starting at the first "[" and
// trims surrounding whitespace.
func BaseID(id string) string {
	if i := strings.IndexByte(id, '['); i >= 0 {
		id = id[:i]
	}
	return strings.TrimSpace(id)
}

// ReadFile reads one base ID per line. Blank lines are ignored.
func ReadFile(path string) (Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open selection file: %w", err)
	}
	defer f.Close()

	set := make(Set)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		id := BaseID(scanner.Text())
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read selection file: %w", err)
	}
	return set, nil
}

// Partition routes each item to selection if its base ID is in set, else to
// remaining. Input order is preserved within both outputs.
func Partition(set Set, items []string) (selection, remaining []string) {
	for _, it := range items {
		if set.Has(BaseID(it)) {
			selection = append(selection, it)
		} else {
			remaining = append(remaining, it)
		}
	}
	return selection, remaining
}

// Select reads the selection file and partitions items. It returns
// ErrNoTestsSelected when nothing matched.
func Select(path string, items []string) (selection, remaining []string, err error) {
	set, err := ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	selection, remaining = Partition(set, items)
	if len(selection) == 0 {
		return nil, remaining, ErrNoTestsSelected
	}
	return selection, remaining, nil
}
