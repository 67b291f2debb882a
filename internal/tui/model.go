package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-showflakes/internal/orchestrator"
)

// maxHistory bounds the recent iterations table.
const maxHistory = 10

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// IterationStartMsg reports a worker that just started.
type IterationStartMsg struct {
	Iteration int
	PID       int
	Items     int
}

// IterationMsg carries the outcome of one iteration.
type IterationMsg struct {
	Result orchestrator.IterationResult
}

// StateMsg reports a loop state change.
type StateMsg struct {
	Old, New orchestrator.State
}

// DoneMsg reports the end of the session.
type DoneMsg struct {
	Result  *orchestrator.Result
	Message string
}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	sessionID   string
	maxRuns     int
	maxFail     int
	maxTime     time.Duration
	selected    int
	collected   int
	metricsAddr string
	cancel      context.CancelFunc

	// Current state
	state      orchestrator.State
	runsLeft   int
	failLeft   int
	iteration  int
	workerPID  int
	workerSize int
	iterStart  time.Time
	running    bool
	adjusted   int
	history    []orchestrator.IterationResult
	flaky      []string
	startTime  time.Time
	lastUpdate time.Time

	// Final result
	done    bool
	result  *orchestrator.Result
	message string

	// Display options
	width  int
	height int

	// Quit flag
	quitting bool
}

// Config holds TUI configuration.
type Config struct {
	SessionID   string
	MaxRuns     int
	MaxFail     int
	MaxTime     time.Duration
	Selected    int
	Collected   int
	MetricsAddr string

	// Cancel is called when the user quits before the session ends.
	Cancel context.CancelFunc
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		sessionID:   cfg.SessionID,
		maxRuns:     cfg.MaxRuns,
		maxFail:     cfg.MaxFail,
		maxTime:     cfg.MaxTime,
		selected:    cfg.Selected,
		collected:   cfg.Collected,
		metricsAddr: cfg.MetricsAddr,
		cancel:      cfg.Cancel,
		runsLeft:    cfg.MaxRuns,
		failLeft:    cfg.MaxFail,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !m.done && m.cancel != nil {
				m.cancel()
			}
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.lastUpdate = time.Now()
		if m.done {
			return m, nil
		}
		return m, tickCmd()

	case StateMsg:
		m.state = msg.New
		if m.state.IsTerminal() {
			m.running = false
		}
		return m, nil

	case IterationStartMsg:
		m.iteration = msg.Iteration
		m.workerPID = msg.PID
		m.workerSize = msg.Items
		m.iterStart = time.Now()
		m.running = true
		return m, nil

	case IterationMsg:
		r := msg.Result
		m.running = false
		m.iteration = r.Iteration
		m.runsLeft = r.RunsLeft
		m.failLeft = r.FailLeft
		m.adjusted += r.Adjusted
		if len(r.Flaky) > 0 {
			m.flaky = r.Flaky
		}
		m.history = append(m.history, r)
		if len(m.history) > maxHistory {
			m.history = m.history[len(m.history)-maxHistory:]
		}
		return m, nil

	case DoneMsg:
		m.done = true
		m.running = false
		m.result = msg.Result
		m.message = msg.Message
		if msg.Result != nil {
			m.state = msg.Result.State
			m.runsLeft = msg.Result.RunsLeft
			m.failLeft = msg.Result.FailLeft
			m.flaky = msg.Result.Flaky
		}
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the session started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// State returns the current loop state.
func (m Model) State() orchestrator.State {
	return m.state
}

// RunsUsed returns the fraction of the runs budget spent (0.0 to 1.0).
func (m Model) RunsUsed() float64 {
	return used(m.runsLeft, m.maxRuns)
}

// FailsUsed returns the fraction of the fail budget spent (0.0 to 1.0).
func (m Model) FailsUsed() float64 {
	return used(m.failLeft, m.maxFail)
}

func used(left, total int) float64 {
	if total <= 0 {
		return 1
	}
	if left < 0 {
		left = 0
	}
	return float64(total-left) / float64(total)
}

// =============================================================================
// Helper for external use
// =============================================================================

// Callbacks returns orchestrator callbacks that forward loop events to p.
func Callbacks(p *tea.Program) orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnStateChange: func(oldState, newState orchestrator.State) {
			p.Send(StateMsg{Old: oldState, New: newState})
		},
		OnIterationStart: func(iteration, pid, items int) {
			p.Send(IterationStartMsg{Iteration: iteration, PID: pid, Items: items})
		},
		OnIterationEnd: func(r orchestrator.IterationResult) {
			p.Send(IterationMsg{Result: r})
		},
	}
}

// SendDone sends the session result to the TUI.
func SendDone(p *tea.Program, result *orchestrator.Result, message string) {
	if p != nil {
		p.Send(DoneMsg{Result: result, Message: message})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatMs formats a duration as milliseconds.
func formatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}
