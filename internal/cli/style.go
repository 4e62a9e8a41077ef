package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/miradorstack/deploywatch-rca/internal/grpc/rcav1"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	boldStyle   = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

	severityColors = map[string]lipgloss.Color{
		"critical": lipgloss.Color("196"),
		"high":     lipgloss.Color("208"),
		"medium":   lipgloss.Color("220"),
		"low":      lipgloss.Color("42"),
	}
	stateColors = map[string]lipgloss.Color{
		"watching": lipgloss.Color("42"),
		"resolved": lipgloss.Color("69"),
		"expired":  lipgloss.Color("241"),
		"idle":     lipgloss.Color("241"),
	}
)

func severityBadge(sev string) string {
	color, ok := severityColors[strings.ToLower(sev)]
	if !ok {
		color = lipgloss.Color("241")
	}
	return lipgloss.NewStyle().Bold(true).Foreground(color).Render(strings.ToUpper(sev))
}

func stateDot(state string) string {
	color, ok := stateColors[strings.ToLower(state)]
	if !ok {
		color = lipgloss.Color("241")
	}
	return lipgloss.NewStyle().Foreground(color).Render("●")
}

func field(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-12s", label)) + " " + value
}

// renderReport formats a report for the terminal.
func renderReport(r *rcav1.Report) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RCA "+r.Id) + "\n")
	b.WriteString(field("service", boldStyle.Render(r.Service)) + "\n")
	b.WriteString(field("severity", severityBadge(r.Severity)) + "  " + labelStyle.Render("confidence") + " " + r.Confidence + "\n")
	if r.IsDeploymentRelated {
		b.WriteString(field("deployment", fmt.Sprintf("watch %s commit %s", r.WatchId, shortSHA(r.Commit))) + "\n")
	}
	if r.Degraded {
		b.WriteString(field("degraded", "synthesis failed; evidence only") + "\n")
	}
	b.WriteString(field("escalation", r.Escalation) + "\n\n")
	b.WriteString(boxStyle.Render(r.RootCause) + "\n")

	list := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString("\n" + headerStyle.Render(title) + "\n")
		for _, item := range items {
			b.WriteString("  • " + item + "\n")
		}
	}
	list("Contributing factors", r.ContributingFactors)
	list("Recommended actions", r.RecommendedActions)

	if len(r.Evidence) > 0 {
		b.WriteString("\n" + headerStyle.Render("Evidence") + "\n")
		for _, ev := range r.Evidence {
			line := fmt.Sprintf("  %-16s %-9s", ev.Provider, ev.Status)
			if ev.Reason != "" {
				line += " " + dimStyle.Render(ev.Reason)
			} else if ev.Summary != "" {
				line += " " + ev.Summary
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func renderWatch(w *rcav1.Watch) string {
	if w == nil {
		return dimStyle.Render("no watch")
	}
	line := fmt.Sprintf("%s %s %s@%s %s", stateDot(w.Status), boldStyle.Render(w.Id), w.Repository, w.Branch, shortSHA(w.Commit))
	if w.Author != "" {
		line += " " + dimStyle.Render("by "+w.Author)
	}
	if w.AttributedErrors > 0 {
		line += fmt.Sprintf(" errors=%d", w.AttributedErrors)
	}
	if w.Outcome != "" {
		line += " " + dimStyle.Render("("+w.Outcome+")")
	}
	return line
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
