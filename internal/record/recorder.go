package record

import (
	"log/slog"
	"sync"

	"github.com/randomizedcoder/go-showflakes/internal/engine"
)

// Recorder scores finished tests into a Record and persists it when the run
// ends. Only keys present in the seed record are tracked; any other test
// (extra noise items) runs unscored.
type Recorder struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	record Record
	saved  bool
	err    error
}

// NewRecorder creates a recorder that starts from seed and writes to path.
// The seed is taken over by the recorder; callers pass a clone if they keep
// using it.
func NewRecorder(path string, seed Record, logger *slog.Logger) *Recorder {
	if seed == nil {
		seed = Record{}
	}
	return &Recorder{
		path:   path,
		logger: logger,
		record: seed,
	}
}

// OnItemsCollected logs how many of the items are scored.
func (r *Recorder) OnItemsCollected(items []string) {
	r.mu.Lock()
	tracked := 0
	for _, id := range items {
		if _, ok := r.record[id]; ok {
			tracked++
		}
	}
	r.mu.Unlock()

	r.logger.Debug("recorder_items", "items", len(items), "tracked", tracked)
}

// OnTestFinished bumps the failure count for failed tests and the run count
// for every test that was not skipped.
func (r *Recorder) OnTestFinished(id string, outcome engine.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.record[id]
	if !ok {
		return
	}
	if outcome == engine.OutcomeFailed {
		c[0]++
	}
	if outcome != engine.OutcomeSkipped {
		c[1]++
	}
	r.record[id] = c
}

// OnSessionEnd persists the full record once.
func (r *Recorder) OnSessionEnd(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.saved {
		return
	}
	r.saved = true

	if err := r.record.Save(r.path); err != nil {
		r.err = err
		r.logger.Error("record_save_failed", "path", r.path, "error", err)
		return
	}
	r.logger.Debug("record_saved", "path", r.path, "status", status, "entries", len(r.record))
}

// Record returns a copy of the current counts.
func (r *Recorder) Record() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Clone()
}

// Err returns the error from persisting the record, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
