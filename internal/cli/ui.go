package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/ronappleton/tracker/internal/progress"
	"github.com/ronappleton/tracker/internal/reconcile"
	"gopkg.in/yaml.v3"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(purple)
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
	labelStyle   = lipgloss.NewStyle().Foreground(dim)
)

const barWidth = 30

func successMsg(format string, a ...any) string {
	return successStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func errorMsg(format string, a ...any) string {
	return errorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

func statusText(s progress.Status) string {
	switch {
	case s == progress.StatusCompleted:
		return successStyle.Render(string(s))
	case s == progress.StatusFailed || s == progress.StatusCancelled:
		return errorStyle.Render(string(s))
	case progress.IsActive(s):
		return accentStyle.Render(string(s))
	default:
		return mutedStyle.Render(string(s))
	}
}

func phaseText(s progress.PhaseStatus) string {
	switch s {
	case progress.PhaseDone:
		return successStyle.Render(string(s))
	case progress.PhaseFailed:
		return errorStyle.Render(string(s))
	case progress.PhaseActive:
		return accentStyle.Render(string(s))
	default:
		return mutedStyle.Render(string(s))
	}
}

// bar draws pct (0..100) as a fixed-width gauge.
func bar(pct float64) string {
	filled := int(pct / 100 * barWidth)
	if filled < 0 {
		filled = 0
	}
	if filled > barWidth {
		filled = barWidth
	}
	return accentStyle.Render(strings.Repeat("█", filled)) +
		mutedStyle.Render(strings.Repeat("░", barWidth-filled)) +
		fmt.Sprintf(" %5.1f%%", pct)
}

type pair struct {
	key   string
	value string
}

func keyValues(pairs ...pair) string {
	maxLen := 0
	for _, p := range pairs {
		if len(p.key) > maxLen {
			maxLen = len(p.key)
		}
	}
	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", maxLen+1, p.key+":")
		sb.WriteString(labelStyle.Render(label) + " " + p.value + "\n")
	}
	return sb.String()
}

func phaseTable(phases []progress.Phase) string {
	headerStyle := lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	rows := make([][]string, 0, len(phases))
	for _, p := range phases {
		units := strconv.Itoa(p.CompletedUnits)
		if p.TotalUnits > 0 {
			units += "/" + strconv.Itoa(p.TotalUnits)
		}
		rows = append(rows, []string{
			p.Name,
			phaseText(p.Status),
			units,
			fmt.Sprintf("%.0f%%", p.Fraction()*100),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("PHASE", "STATUS", "UNITS", "DONE").
		Rows(rows...)
	return t.String()
}

// renderSnapshot is the human view of one workflow.
func renderSnapshot(s reconcile.Snapshot) string {
	wf := s.Workflow

	status := statusText(wf.Status)
	if wf.Optimistic != "" {
		status += " " + mutedStyle.Render("("+wf.Optimistic+" requested)")
	}

	push := successStyle.Render("live")
	if !s.PushAvailable {
		push = warnStyle.Render("polling")
	}
	if s.Stale {
		push += " " + errorStyle.Render(fmt.Sprintf("stale, %d failed polls", s.PollFailures))
	}

	pairs := []pair{
		{"workflow", wf.ID},
		{"kind", string(wf.Kind)},
		{"status", status},
		{"progress", bar(s.Percent)},
		{"updates", push},
	}
	if !wf.LastUpdateAt.IsZero() {
		source := string(wf.LastUpdateSource)
		if source == "" {
			source = "none"
		}
		pairs = append(pairs, pair{"last update", fmt.Sprintf("%s via %s", wf.LastUpdateAt.Format(time.TimeOnly), source)})
	}
	if len(wf.Selection) > 0 {
		pairs = append(pairs, pair{"sites", strings.Join(wf.Selection, ", ")})
	}
	if wf.Error != "" {
		pairs = append(pairs, pair{"error", errorStyle.Render(wf.Error)})
	}

	var sb strings.Builder
	sb.WriteString(keyValues(pairs...))
	if len(wf.Phases) > 0 {
		sb.WriteString(phaseTable(wf.Phases))
		sb.WriteString("\n")
	}
	for _, entry := range tail(wf.Logs, 5) {
		sb.WriteString(mutedStyle.Render(entry.Timestamp.Format(time.TimeOnly)) + " " + logLevel(entry.Level) + " " + entry.Message + "\n")
	}
	return sb.String()
}

func logLevel(level string) string {
	switch level {
	case "error":
		return errorStyle.Render(level)
	case "warn", "warning":
		return warnStyle.Render(level)
	default:
		return mutedStyle.Render(level)
	}
}

func tail(logs []progress.LogEntry, n int) []progress.LogEntry {
	if len(logs) <= n {
		return logs
	}
	return logs[len(logs)-n:]
}

// format renders v for the -o flag: text, json or yaml.
func format(output string, v any, text func() string) (string, error) {
	switch strings.ToLower(output) {
	case "", "text":
		return text(), nil
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data) + "\n", nil
	case "yaml", "yml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("unknown output format %q", output)
	}
}
