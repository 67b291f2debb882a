package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main dashboard.
func (m Model) renderSummaryView() string {
	sections := []string{
		m.renderHeader(),
		m.renderBudgets(),
		m.renderWorker(),
	}

	if len(m.history) > 0 {
		sections = append(sections, m.renderHistory())
	}
	if len(m.flaky) > 0 {
		sections = append(sections, m.renderFlaky())
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" showflakes │ %s │ Iteration: %d │ Tests: %d/%d │ Elapsed: %s ",
		GetStateLabel(m.state),
		m.iteration,
		m.selected,
		m.collected,
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Budgets
// =============================================================================

func (m Model) renderBudgets() string {
	barWidth := m.width - 40
	if barWidth < 20 {
		barWidth = 20
	}

	runs := lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render("Runs left:"),
		GetBudgetStyle(m.runsLeft, m.maxRuns).Render(fmt.Sprintf("%-8s", fmt.Sprintf("%d/%d", m.runsLeft, m.maxRuns))),
		RenderProgressBar(m.RunsUsed(), barWidth),
	)
	fails := lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render("Fails left:"),
		GetBudgetStyle(m.failLeft, m.maxFail).Render(fmt.Sprintf("%-8s", fmt.Sprintf("%d/%d", m.failLeft, m.maxFail))),
		RenderProgressBar(m.FailsUsed(), barWidth),
	)

	rows := []string{sectionHeaderStyle.Render("Budgets"), runs, fails}
	if m.maxTime > 0 {
		rows = append(rows, RenderKeyValue("Time per worker", m.maxTime.String()))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Running Worker
// =============================================================================

func (m Model) renderWorker() string {
	var rows []string
	rows = append(rows, sectionHeaderStyle.Render("Worker"))

	switch {
	case m.done:
		msg := m.message
		if msg == "" {
			msg = m.state.String()
		}
		if m.state.Success() {
			rows = append(rows, statusOK.Render("✓ "+msg))
		} else {
			rows = append(rows, statusError.Render("✗ "+msg))
		}
		if m.result != nil {
			rows = append(rows,
				RenderKeyValue("Iterations", fmt.Sprintf("%d", m.result.Iterations)),
				RenderKeyValue("Took", formatDuration(m.result.Duration)),
			)
		}
	case m.running:
		running := time.Since(m.iterStart)
		rows = append(rows,
			RenderKeyValue("PID", fmt.Sprintf("%d", m.workerPID)),
			RenderKeyValue("Items", fmt.Sprintf("%d", m.workerSize)),
			RenderKeyValue("Running for", formatDuration(running)),
		)
		if m.maxTime > 0 {
			rows = append(rows, RenderProgressBar(running.Seconds()/m.maxTime.Seconds(), m.width-30))
		}
	default:
		rows = append(rows, statusInfo.Render("Waiting for worker..."))
	}

	if m.adjusted > 0 {
		rows = append(rows, RenderKeyValue("Deprioritized", fmt.Sprintf("%d tasks", m.adjusted)))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Recent Iterations
// =============================================================================

func (m Model) renderHistory() string {
	header := tableHeaderStyle.Render(fmt.Sprintf("%6s  %-16s %6s %10s %6s %6s", "Iter", "Result", "Exit", "Duration", "Runs", "Fails"))
	rows := []string{sectionHeaderStyle.Render("Recent Iterations"), header}

	// Newest first
	for i := len(m.history) - 1; i >= 0; i-- {
		r := m.history[i]
		rowStyle := tableRowEvenStyle
		if (len(m.history)-1-i)%2 == 1 {
			rowStyle = tableRowOddStyle
		}
		line := lipgloss.JoinHorizontal(lipgloss.Left,
			rowStyle.Render(fmt.Sprintf("%6d  ", r.Iteration)),
			GetClassStyle(r.Class).Render(fmt.Sprintf("%-16s", r.Class)),
			rowStyle.Render(fmt.Sprintf(" %6d %10s %6d %6d", r.ExitCode, formatMs(r.Duration), r.RunsLeft, r.FailLeft)),
		)
		rows = append(rows, line)
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Flaky Tests
// =============================================================================

func (m Model) renderFlaky() string {
	rows := []string{sectionHeaderStyle.Render(fmt.Sprintf("Flaky Tests (%d)", len(m.flaky)))}

	maxLen := m.width - 8
	for _, id := range m.flaky {
		if maxLen > 10 && len(id) > maxLen {
			id = "..." + id[len(id)-maxLen+3:]
		}
		rows = append(rows, valueBadStyle.Render("✗ ")+valueStyle.Render(id))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	left := dimStyle.Render("q: quit")

	right := dimStyle.Render("Session: " + m.sessionID)
	if m.metricsAddr != "" {
		right = dimStyle.Render("Metrics: http://" + m.metricsAddr + "/metrics │ Session: " + m.sessionID)
	}

	// Pad to fill width
	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}
