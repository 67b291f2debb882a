package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-showflakes/internal/engine"
	"github.com/randomizedcoder/go-showflakes/internal/engine/gotest"
	"github.com/randomizedcoder/go-showflakes/internal/record"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedEngine reports fixed outcomes for the items it is given.
type scriptedEngine struct {
	outcomes map[string]engine.Outcome
	err      error
	ran      []string
}

func (s *scriptedEngine) Collect(ctx context.Context) ([]string, error) { return nil, nil }

func (s *scriptedEngine) Run(ctx context.Context, items []string, obs engine.Observer) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.ran = items
	obs.OnItemsCollected(items)
	status := engine.StatusOK
	for _, id := range items {
		o := s.outcomes[id]
		if o == "" {
			o = engine.OutcomePassed
		}
		if o == engine.OutcomeFailed {
			status = engine.StatusTestsFailed
		}
		obs.OnTestFinished(id, o)
	}
	obs.OnSessionEnd(status)
	return status, nil
}

func testPlan(t *testing.T) *Plan {
	t.Helper()
	return &Plan{
		SessionID:  "s1",
		Iteration:  3,
		Items:      []string{"p::Extra", "p::A", "p::B"},
		Seed:       record.Record{"p::A": {1, 4}, "p::B": {0, 4}},
		RecordFile: filepath.Join(t.TempDir(), "record.json"),
		Engine: gotest.Config{
			GoBinary: "go",
			Order:    []string{"p"},
			Binaries: map[string]string{"p": "/bin/p.test"},
			Dirs:     map[string]string{"p": "/src/p"},
		},
	}
}

func TestPlan_WriteRead(t *testing.T) {
	plan := testPlan(t)
	path := filepath.Join(t.TempDir(), "plan.json")

	require.NoError(t, WritePlan(path, plan))
	got, err := ReadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, plan, got)
}

func TestPlan_Validate(t *testing.T) {
	assert.NoError(t, testPlan(t).Validate())

	err := (&Plan{}).Validate()
	require.Error(t, err)
	for _, want := range []string{"record_file", "items", "seed", "test binaries"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestReadPlan_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPlan(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = ReadPlan(bad)
	assert.Error(t, err)
}

func TestRun_AccumulatesOnSeed(t *testing.T) {
	plan := testPlan(t)
	eng := &scriptedEngine{outcomes: map[string]engine.Outcome{
		"p::A":     engine.OutcomeFailed,
		"p::Extra": engine.OutcomeFailed,
	}}

	status, err := Run(context.Background(), plan, eng, testLogger())
	require.NoError(t, err)
	assert.Equal(t, engine.StatusTestsFailed, status)
	assert.Equal(t, plan.Items, eng.ran)

	got, err := record.Load(plan.RecordFile)
	require.NoError(t, err)
	assert.Equal(t, record.Record{
		"p::A": {2, 5},
		"p::B": {0, 5},
	}, got)

	// The plan's own seed is untouched.
	assert.Equal(t, record.Counts{1, 4}, plan.Seed["p::A"])
}

func TestRun_EngineErrorWritesNothing(t *testing.T) {
	plan := testPlan(t)
	eng := &scriptedEngine{err: errors.New("binary missing")}

	_, err := Run(context.Background(), plan, eng, testLogger())
	require.Error(t, err)

	_, statErr := os.Stat(plan.RecordFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_SaveError(t *testing.T) {
	plan := testPlan(t)
	plan.RecordFile = filepath.Join(t.TempDir(), "no", "such", "dir", "record.json")

	_, err := Run(context.Background(), plan, &scriptedEngine{}, testLogger())
	assert.Error(t, err)
}
