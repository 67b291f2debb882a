package record

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/randomizedcoder/go-showflakes/internal/engine"
)

// OutcomeLog appends one "<outcome>\t<id>" line per finished test. It is used
// for plain single runs, when no selection is being retried.
type OutcomeLog struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	f   *os.File
	err error
}

// NewOutcomeLog creates a log that appends to path, opening it lazily.
func NewOutcomeLog(path string, logger *slog.Logger) *OutcomeLog {
	return &OutcomeLog{path: path, logger: logger}
}

func (l *OutcomeLog) OnItemsCollected(items []string) {}

func (l *OutcomeLog) OnTestFinished(id string, outcome engine.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return
	}
	if l.f == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			l.err = fmt.Errorf("open outcome log: %w", err)
			l.logger.Error("outcome_log_open_failed", "path", l.path, "error", err)
			return
		}
		l.f = f
	}
	if _, err := fmt.Fprintf(l.f, "%s\t%s\n", outcome, id); err != nil {
		l.err = fmt.Errorf("write outcome log: %w", err)
		l.logger.Error("outcome_log_write_failed", "path", l.path, "error", err)
	}
}

func (l *OutcomeLog) OnSessionEnd(status int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return
	}
	if err := l.f.Close(); err != nil && l.err == nil {
		l.err = fmt.Errorf("close outcome log: %w", err)
	}
	l.f = nil
}

// Err returns the first write error, if any.
func (l *OutcomeLog) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
