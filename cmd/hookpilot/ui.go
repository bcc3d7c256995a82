package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/hookpilot/internal/gateway"
	"github.com/alekspetrov/hookpilot/internal/health"
	"github.com/alekspetrov/hookpilot/internal/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Width(10)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	okStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86"))

	failStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func statusStyle(status string) lipgloss.Style {
	switch store.TaskStatus(status) {
	case store.StatusCompleted:
		return okStyle
	case store.StatusFailed, store.StatusCancelled:
		return failStyle
	}
	return pendingStyle
}

func checkStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.StatusOK:
		return okStyle
	case health.StatusWarning:
		return pendingStyle
	case health.StatusError:
		return failStyle
	}
	return dimStyle
}

// renderSummary is the box printed after a local run.
func renderSummary(v gateway.TaskView) string {
	var sb strings.Builder
	row := func(label, value string) {
		sb.WriteString(labelStyle.Render(label))
		sb.WriteString(value)
		sb.WriteString("\n")
	}
	row("task", v.ID)
	row("status", statusStyle(v.Status).Render(v.Status))
	if v.Command != "" {
		row("command", v.Command)
	}
	if v.StartedAt != nil && v.CompletedAt != nil {
		row("duration", v.CompletedAt.Sub(*v.StartedAt).Round(time.Second).String())
	}
	row("cost", fmt.Sprintf("$%.4f", v.CostUSD))
	row("tokens", fmt.Sprintf("%d in / %d out", v.InputTokens, v.OutputTokens))

	body := v.Result
	if v.Error != "" {
		body = failStyle.Render(v.Error)
	}
	if body != "" {
		sb.WriteString("\n")
		sb.WriteString(body)
	}
	return boxStyle.Render(strings.TrimRight(sb.String(), "\n"))
}

// renderTaskList is the table printed by the tasks command.
func renderTaskList(tasks []gateway.TaskView, now time.Time) string {
	if len(tasks) == 0 {
		return dimStyle.Render("No tasks.")
	}
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("%-18s %-10s %-14s %-10s %s", "TASK", "STATUS", "COMMAND", "AGE", "SOURCE")))
	sb.WriteString("\n")
	for _, t := range tasks {
		status := statusStyle(t.Status).Render(fmt.Sprintf("%-10s", t.Status))
		command := t.Command
		if command == "" {
			command = "-"
		}
		fmt.Fprintf(&sb, "%-18s %s %-14s %-10s %s\n", t.ID, status, command, age(now.Sub(t.CreatedAt)), t.Source)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
