package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept per worker.
	MaxBufferedLines = 100
)

// OutputHandler consumes the combined output of one worker process. It is
// an io.Writer so it can be set as cmd.Stderr directly. Lines are kept in a
// ring buffer for diagnosing invalid iterations and logged by severity.
type OutputHandler struct {
	iteration int
	logger    *slog.Logger
	verbose   bool

	mu      sync.Mutex
	partial []byte
	buffer  []string
	bufIdx  int
	counts  map[slog.Level]int
}

// NewOutputHandler creates a handler for the worker of one iteration.
func NewOutputHandler(iteration int, logger *slog.Logger, verbose bool) *OutputHandler {
	return &OutputHandler{
		iteration: iteration,
		logger:    logger,
		verbose:   verbose,
		buffer:    make([]string, MaxBufferedLines),
		counts:    make(map[slog.Level]int),
	}
}

// Write splits p into lines. An unterminated tail is held until the next
// write or Flush.
func (h *OutputHandler) Write(p []byte) (int, error) {
	h.mu.Lock()
	h.partial = append(h.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(h.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(h.partial[:i]), "\r"))
		h.partial = h.partial[i+1:]
	}
	if len(h.partial) > MaxLineLength {
		lines = append(lines, string(h.partial))
		h.partial = nil
	}
	h.mu.Unlock()

	for _, line := range lines {
		h.HandleLine(line)
	}
	return len(p), nil
}

// Flush handles any unterminated tail.
func (h *OutputHandler) Flush() {
	h.mu.Lock()
	tail := string(h.partial)
	h.partial = nil
	h.mu.Unlock()

	if tail != "" {
		h.HandleLine(tail)
	}
}

// HandleLine processes a single line of worker output.
func (h *OutputHandler) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	level := ClassifyLine(line)

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.counts[level]++
	h.mu.Unlock()

	if !h.verbose && level == slog.LevelDebug {
		return
	}
	h.logger.Log(context.Background(), level, "worker_output",
		"iteration", h.iteration,
		"line", line,
	)
}

// ClassifyLine picks a log level for a line of worker output.
func ClassifyLine(line string) slog.Level {
	trimmed := strings.TrimSpace(line)

	switch {
	case strings.HasPrefix(trimmed, "panic:"),
		strings.HasPrefix(trimmed, "fatal error:"),
		strings.Contains(line, `"level":"ERROR"`),
		strings.Contains(line, "level=ERROR"):
		return slog.LevelError

	case strings.HasPrefix(trimmed, "--- FAIL:"),
		trimmed == "FAIL",
		strings.HasPrefix(trimmed, "FAIL\t"),
		strings.Contains(line, `"level":"WARN"`),
		strings.Contains(line, "level=WARN"):
		return slog.LevelWarn
	}
	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}
	return lines
}

// Counts returns how many lines were seen per level.
func (h *OutputHandler) Counts() map[slog.Level]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[slog.Level]int, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}
