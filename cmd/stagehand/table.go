package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"stagehand/internal/pipeline"
	"stagehand/internal/store"
)

const millisecond = time.Millisecond

var (
	success     = lipgloss.Color("#8BC34A")
	destructive = lipgloss.Color("#e53935")
	muted       = lipgloss.Color("#6b7a90")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(success)
	boldStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(muted)
	okStyle    = lipgloss.NewStyle().Foreground(success)
	failStyle  = lipgloss.NewStyle().Foreground(destructive)
)

// table renders static rows with aligned columns.
type table struct {
	title   string
	headers []string
	rows    [][]string
}

func newTable(title string, headers ...string) *table {
	return &table{title: title, headers: headers}
}

func (t *table) AddRow(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *table) View() string {
	if len(t.rows) == 0 {
		return ""
	}

	var sb strings.Builder
	if t.title != "" {
		sb.WriteString(titleStyle.Render(t.title))
		sb.WriteString("\n")
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}
	// Width includes the padding.
	total := len(widths) - 1
	for i := range widths {
		widths[i] += 2
		total += widths[i]
	}

	header := boldStyle.Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	sep := mutedStyle.Render("|")

	for i, h := range t.headers {
		sb.WriteString(header.Width(widths[i]).Render(h))
		if i < len(t.headers)-1 {
			sb.WriteString(sep)
		}
	}
	sb.WriteString("\n")
	sb.WriteString(mutedStyle.Render(strings.Repeat("-", total)))
	sb.WriteString("\n")

	for _, row := range t.rows {
		for i, c := range row {
			if i >= len(widths) {
				break
			}
			sb.WriteString(cell.Width(widths[i]).Render(c))
			if i < len(row)-1 && i < len(widths)-1 {
				sb.WriteString(sep)
			}
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

func statusLabel(status string) string {
	switch status {
	case store.RunSucceeded:
		return okStyle.Render(status)
	case store.RunFailed:
		return failStyle.Render(status)
	default:
		return status
	}
}

// renderSummary formats one pipeline run for the terminal.
func renderSummary(s *pipeline.Summary) string {
	t := newTable("Pipeline run "+s.RunID, "TASK", "STATUS", "DURATION", "ISSUES", "ERROR")
	for _, o := range s.Outcomes {
		status, issues, errText := store.RunSucceeded, "0", ""
		if o.Report != nil {
			issues = fmt.Sprint(len(o.Report.Issues))
		}
		if o.Failed() {
			status = store.RunFailed
			errText = o.Err.Error()
		}
		t.AddRow(o.Task, statusLabel(status), o.Duration().Round(millisecond).String(), issues, errText)
	}

	var sb strings.Builder
	sb.WriteString(t.View())
	if failed := s.Failed(); failed > 0 {
		sb.WriteString(failStyle.Render(fmt.Sprintf("✗ %d of %d tasks failed", failed, len(s.Outcomes))))
	} else {
		sb.WriteString(okStyle.Render(fmt.Sprintf("✓ %d tasks succeeded", len(s.Outcomes))))
	}
	sb.WriteString("\n")
	return sb.String()
}
