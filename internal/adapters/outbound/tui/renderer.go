// Package tui renders validation and suite reports for the terminal. It is
// a rendering of the same report structs the JSON format marshals; no
// counting or grouping logic of its own.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/deploycheck/deploycheck/internal/domain"
)

var (
	accent  = lipgloss.Color("#D97706") // amber
	fg      = lipgloss.Color("#E8E6E3")
	dim     = lipgloss.Color("#6B7280")
	faint   = lipgloss.Color("#3F3F46")
	success = lipgloss.Color("#22C55E")
	danger  = lipgloss.Color("#EF4444")
	warning = lipgloss.Color("#F59E0B")
	infoCol = lipgloss.Color("#8B949E")
	purple  = lipgloss.Color("#A78BFA")
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(fg)
	dimStyle    = lipgloss.NewStyle().Foreground(dim)
	faintStyle  = lipgloss.NewStyle().Foreground(faint)

	passStyle = lipgloss.NewStyle().Foreground(success)
	failStyle = lipgloss.NewStyle().Foreground(danger)
	warnStyle = lipgloss.NewStyle().Foreground(warning)
	errStyle  = lipgloss.NewStyle().Foreground(purple).Bold(true)
	infoStyle = lipgloss.NewStyle().Foreground(infoCol)
	fileStyle = lipgloss.NewStyle().Foreground(dim)

	separatorLine = faintStyle.Render(strings.Repeat("─", 64))
)

// RenderValidation renders one validation report for the terminal.
func RenderValidation(report *domain.ValidationReport) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("deploycheck"))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(report.Target))
	if report.CommitHash != "" {
		b.WriteString(dimStyle.Render("  @" + shortHash(report.CommitHash)))
	}
	b.WriteString("\n\n")

	for _, tier := range report.Tiers {
		b.WriteString(fmt.Sprintf("  %-12s %s %s\n",
			titleStyle.Render(string(tier.Tier)),
			statusBadge(tier.Status),
			dimStyle.Render(fmt.Sprintf("%dms", tier.DurationMs))))
	}

	b.WriteString("\n  " + separatorLine + "\n")

	counts := report.SeverityCounts()
	b.WriteString(fmt.Sprintf("\n  %s  %s  %s\n\n",
		failStyle.Render(fmt.Sprintf("%d error(s)", counts[domain.SeverityError])),
		warnStyle.Render(fmt.Sprintf("%d warning(s)", counts[domain.SeverityWarning])),
		infoStyle.Render(fmt.Sprintf("%d info", counts[domain.SeverityInfo]))))

	for _, tier := range report.Tiers {
		for _, iss := range tier.Issues {
			b.WriteString("  " + renderIssue(iss) + "\n")
		}
	}

	b.WriteString("\n  " + titleStyle.Render("Overall: ") + statusBadge(report.Status()) + "\n")
	return b.String()
}

// RenderSuite renders a module-test suite report for the terminal.
func RenderSuite(report *domain.SuiteReport) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("deploycheck") + "  " + dimStyle.Render("module tests") + "\n\n")

	passed := 0
	for _, run := range report.TestRuns {
		b.WriteString(fmt.Sprintf("  %s %-24s %-12s %s\n",
			runBadge(run.Status),
			titleStyle.Render(run.Module),
			dimStyle.Render(string(run.Scenario)),
			dimStyle.Render(fmt.Sprintf("%dms", run.DurationMs))))
		if run.Failure != "" {
			b.WriteString("      " + failStyle.Render(run.Failure) + "\n")
		}
		if run.Status == domain.RunPassed {
			passed++
		}
	}

	b.WriteString("\n  " + separatorLine + "\n")
	summary := fmt.Sprintf("%d/%d passed", passed, len(report.TestRuns))
	if passed == len(report.TestRuns) {
		b.WriteString("  " + passStyle.Render(summary) + "\n")
	} else {
		b.WriteString("  " + failStyle.Render(summary) + "\n")
	}
	return b.String()
}

func renderIssue(iss domain.Issue) string {
	var tag string
	switch iss.Severity {
	case domain.SeverityError:
		tag = failStyle.Bold(true).Render("ERROR")
	case domain.SeverityWarning:
		tag = warnStyle.Bold(true).Render("WARN ")
	default:
		tag = infoStyle.Render("INFO ")
	}
	loc := ""
	if iss.File != "" {
		loc = iss.File
		if iss.Line > 0 {
			loc += fmt.Sprintf(":%d", iss.Line)
		}
		loc = "  " + fileStyle.Render(loc)
	}
	return fmt.Sprintf("%s %s %s%s", tag, faintStyle.Render("["+iss.Code+"]"), iss.Message, loc)
}

func statusBadge(status domain.TierStatus) string {
	switch status {
	case domain.StatusPass:
		return passStyle.Render("pass")
	case domain.StatusPassWithWarnings:
		return warnStyle.Render("pass with warnings")
	case domain.StatusFail:
		return failStyle.Render("fail")
	default:
		return errStyle.Render("error")
	}
}

func runBadge(status domain.RunStatus) string {
	switch status {
	case domain.RunPassed:
		return passStyle.Render("✓")
	case domain.RunFailed:
		return failStyle.Render("✗")
	default:
		return errStyle.Render("!")
	}
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
