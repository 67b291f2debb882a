//go:build linux

package process

import (
	"context"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireProc(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("/proc not available")
	}
}

func TestProcSource_FindsChild(t *testing.T) {
	requireProc(t)

	cmd := exec.Command("sh", "-c", "sleep 2 & wait")
	require.NoError(t, cmd.Start())
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	src := NewTaskSource()

	var child Handle
	require.Eventually(t, func() bool {
		hs, err := src.Descendants(cmd.Process.Pid)
		if err != nil || len(hs) == 0 {
			return false
		}
		child = hs[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	assert.NotEqual(t, cmd.Process.Pid, child.PID)
	assert.True(t, src.Alive(child))

	nice, err := src.Nice(child)
	require.NoError(t, err)

	// Raising niceness is always permitted.
	target := nice + 1
	if target > LeastFavoredNice {
		target = LeastFavoredNice
	}
	require.NoError(t, src.SetNice(child, target))

	got, err := src.Nice(child)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestProcSource_DeadRoot(t *testing.T) {
	requireProc(t)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	_, err := NewTaskSource().Descendants(cmd.Process.Pid)
	assert.Error(t, err)
}

func TestProcSource_StaleHandle(t *testing.T) {
	requireProc(t)

	fs, err := procfs.NewDefaultFS()
	require.NoError(t, err)
	self, err := fs.Self()
	require.NoError(t, err)
	st, err := self.Stat()
	require.NoError(t, err)

	src := NewTaskSource()
	assert.True(t, src.Alive(Handle{PID: self.PID, StartTime: st.Starttime}))
	assert.False(t, src.Alive(Handle{PID: self.PID, StartTime: st.Starttime + 1}))
}

func TestWatcher_DeprioritizesRealChild(t *testing.T) {
	requireProc(t)

	d := NewDeprioritizer(nil, rand.New(rand.NewSource(1)), LeastFavoredNice, newTestLogger())
	var adjusted []Adjustment
	d.OnAdjust = func(a Adjustment) { adjusted = append(adjusted, a) }

	w := NewWatcher(WatcherConfig{
		Timeout:       5 * time.Second,
		Deprioritizer: d,
		Logger:        newTestLogger(),
	})
	cmd := startShell(t, KillGroup, "sleep 0.3 & wait")

	res := w.Wait(context.Background(), cmd)
	require.False(t, res.Failed())
	require.NotEmpty(t, adjusted)
	for _, a := range adjusted {
		assert.GreaterOrEqual(t, a.NewNice, a.OldNice)
	}
}

// startUnreaped starts a root whose child exits after 50ms and is never
// reaped: sh execs into sleep, which does not wait for children.
func startUnreaped(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sh", "-c", "sleep 0.05 & exec sleep 1")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd
}

func TestProcSource_SkipsUnreapedChild(t *testing.T) {
	requireProc(t)

	cmd := startUnreaped(t)
	src := NewTaskSource()

	// The child is listed while it runs and dropped once it is a zombie.
	assert.Eventually(t, func() bool {
		hs, err := src.Descendants(cmd.Process.Pid)
		return err == nil && len(hs) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeprioritizer_UnreapedChildAdjustedOnce(t *testing.T) {
	requireProc(t)

	cmd := startUnreaped(t)

	d := NewDeprioritizer(nil, rand.New(rand.NewSource(1)), LeastFavoredNice, newTestLogger())
	attempts := make(map[int]int)
	d.OnAdjust = func(a Adjustment) { attempts[a.Handle.PID]++ }

	seen := make(DescendantSet)
	for i := 0; i < 40; i++ {
		d.Adjust(cmd.Process.Pid, seen)
		time.Sleep(10 * time.Millisecond)
	}

	require.NotEmpty(t, attempts, "the child should be seen while it runs")
	for pid, n := range attempts {
		assert.Equal(t, 1, n, "adjust attempts for pid %d", pid)
	}
	assert.Empty(t, seen, "the exited child should be pruned")
}
