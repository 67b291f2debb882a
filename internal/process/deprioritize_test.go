package process

import (
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fake TaskSource
// =============================================================================

type fakeTask struct {
	nice    int
	alive   bool
	visible bool // reported by Descendants
	readErr error
	setErr  error
}

type fakeSource struct {
	rootGone bool
	tasks    map[Handle]*fakeTask
	order    []Handle
	sets     map[Handle][]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tasks: make(map[Handle]*fakeTask),
		sets:  make(map[Handle][]int),
	}
}

func (f *fakeSource) add(h Handle, nice int) *fakeTask {
	t := &fakeTask{nice: nice, alive: true, visible: true}
	f.tasks[h] = t
	f.order = append(f.order, h)
	return t
}

func (f *fakeSource) Descendants(root int) ([]Handle, error) {
	if f.rootGone {
		return nil, errors.New("no such process")
	}
	var out []Handle
	for _, h := range f.order {
		if t := f.tasks[h]; t.visible {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeSource) Alive(h Handle) bool {
	t, ok := f.tasks[h]
	return ok && t.alive
}

func (f *fakeSource) Nice(h Handle) (int, error) {
	t, ok := f.tasks[h]
	if !ok {
		return 0, errors.New("gone")
	}
	if t.readErr != nil {
		return 0, t.readErr
	}
	return t.nice, nil
}

func (f *fakeSource) SetNice(h Handle, nice int) error {
	f.sets[h] = append(f.sets[h], nice)
	t := f.tasks[h]
	if t.setErr != nil {
		return t.setErr
	}
	t.nice = nice
	return nil
}

func newTestDeprioritizer(src TaskSource, seed int64) *Deprioritizer {
	return NewDeprioritizer(src, rand.New(rand.NewSource(seed)), 19,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// =============================================================================
// Tests
// =============================================================================

func TestAdjust_NeverRaisesPriority(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		src := newFakeSource()
		start := []int{-5, 0, 7, 18, 19}
		for i, n := range start {
			src.add(Handle{PID: 100 + i}, n)
		}

		d := newTestDeprioritizer(src, seed)
		seen := make(DescendantSet)
		require.Equal(t, len(start), d.Adjust(1, seen))

		for i, n := range start {
			h := Handle{PID: 100 + i}
			got := src.tasks[h].nice
			assert.GreaterOrEqual(t, got, n, "seed %d pid %d", seed, h.PID)
			assert.LessOrEqual(t, got, 19, "seed %d pid %d", seed, h.PID)
		}
	}
}

func TestAdjust_SamplesWholeRange(t *testing.T) {
	src := newFakeSource()
	d := newTestDeprioritizer(src, 7)

	hit := make(map[int]bool)
	for i := 0; i < 2000; i++ {
		hit[d.target(15)] = true
	}
	for n := 15; n <= 19; n++ {
		assert.True(t, hit[n], "value %d never sampled", n)
	}
	assert.Len(t, hit, 5)
}

func TestAdjust_EachTaskOnce(t *testing.T) {
	src := newFakeSource()
	h := Handle{PID: 42, StartTime: 9}
	src.add(h, 0)

	d := newTestDeprioritizer(src, 1)
	seen := make(DescendantSet)

	assert.Equal(t, 1, d.Adjust(1, seen))
	assert.Equal(t, 0, d.Adjust(1, seen))
	assert.Equal(t, 0, d.Adjust(1, seen))
	assert.Len(t, src.sets[h], 1)
	assert.Contains(t, seen, h)
}

// TestAdjust_ShortLivedChild walks the poll sequence of a worker that spawns
// one child shortly after start which exits a few polls later.
func TestAdjust_ShortLivedChild(t *testing.T) {
	src := newFakeSource()
	d := newTestDeprioritizer(src, 3)
	seen := make(DescendantSet)

	var adjustments []Adjustment
	d.OnAdjust = func(a Adjustment) { adjustments = append(adjustments, a) }

	// Poll 1: child spawned before the poll.
	child := Handle{PID: 200, StartTime: 5}
	src.add(child, 0)
	assert.Equal(t, 1, d.Adjust(1, seen))
	assert.Contains(t, seen, child)

	// Polls 2-5: child still running.
	for i := 0; i < 4; i++ {
		d.Adjust(1, seen)
	}

	// Child exits: no longer listed, no longer alive.
	src.tasks[child].alive = false
	src.tasks[child].visible = false
	d.Adjust(1, seen)
	assert.NotContains(t, seen, child, "exited task must be pruned")

	d.Adjust(1, seen)
	d.Adjust(1, seen)

	require.Len(t, adjustments, 1)
	assert.Equal(t, child, adjustments[0].Handle)
	assert.Len(t, src.sets[child], 1)
}

func TestAdjust_RootGone(t *testing.T) {
	src := newFakeSource()
	stale := Handle{PID: 9}
	src.add(stale, 0).alive = false
	src.rootGone = true

	d := newTestDeprioritizer(src, 1)
	seen := DescendantSet{stale: {}}

	assert.Equal(t, 0, d.Adjust(1, seen))
	// Nothing at all happens in a poll where the root cannot be queried.
	assert.Contains(t, seen, stale)
	assert.Empty(t, src.sets)
}

func TestAdjust_ReadFailureRetriedNextPoll(t *testing.T) {
	src := newFakeSource()
	h := Handle{PID: 300}
	task := src.add(h, 2)
	task.readErr = errors.New("permission denied")

	d := newTestDeprioritizer(src, 1)
	seen := make(DescendantSet)

	assert.Equal(t, 0, d.Adjust(1, seen))
	assert.NotContains(t, seen, h)

	task.readErr = nil
	assert.Equal(t, 1, d.Adjust(1, seen))
	assert.Contains(t, seen, h)
}

func TestAdjust_WriteFailureStillRecorded(t *testing.T) {
	src := newFakeSource()
	h := Handle{PID: 301}
	src.add(h, 0).setErr = errors.New("operation not permitted")

	d := newTestDeprioritizer(src, 1)
	var got []Adjustment
	d.OnAdjust = func(a Adjustment) { got = append(got, a) }
	seen := make(DescendantSet)

	assert.Equal(t, 1, d.Adjust(1, seen))
	assert.Contains(t, seen, h)
	require.Len(t, got, 1)
	assert.Error(t, got[0].Err)

	d.Adjust(1, seen)
	assert.Len(t, src.sets[h], 1, "no retry once recorded")
}

func TestAdjust_PIDReuseIsNewTask(t *testing.T) {
	src := newFakeSource()
	first := Handle{PID: 500, StartTime: 1}
	src.add(first, 0)

	d := newTestDeprioritizer(src, 1)
	seen := make(DescendantSet)
	d.Adjust(1, seen)

	src.tasks[first].alive = false
	src.tasks[first].visible = false
	second := Handle{PID: 500, StartTime: 2}
	src.add(second, 0)

	assert.Equal(t, 1, d.Adjust(1, seen))
	assert.NotContains(t, seen, first)
	assert.Contains(t, seen, second)
}

func TestNewDeprioritizer_Defaults(t *testing.T) {
	d := NewDeprioritizer(nil, rand.New(rand.NewSource(1)), 0, slog.Default())
	assert.NotNil(t, d.source)
	assert.Equal(t, LeastFavoredNice, d.maxNice)
}
