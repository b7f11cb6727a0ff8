package main

import (
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func renderStatus(status string) string {
	switch status {
	case string(domain.JobCompleted):
		return okStyle.Render(status)
	case string(domain.JobFailed):
		return failStyle.Render(status)
	default:
		return pendingStyle.Render(status)
	}
}

// renderWhen formats t relative to now, coarser for older times.
func renderWhen(t, now time.Time) string {
	if t.IsZero() {
		return dateStyle.Render("-")
	}
	diff := now.Sub(t)
	switch {
	case diff < 24*time.Hour:
		return dateStyle.Render(t.Format("Today 15:04"))
	case diff < 7*24*time.Hour:
		return dateStyle.Render(t.Format("Mon 15:04"))
	case diff < 365*24*time.Hour:
		return dateStyle.Render(t.Format("Jan 02 15:04"))
	default:
		return dateStyle.Render(t.Format("2006-01-02"))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
