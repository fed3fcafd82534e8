// Package styles holds the threatlens console palette and the shared
// lipgloss styles the scenes render with.
package styles

import "github.com/charmbracelet/lipgloss"

// Palette. Cyan is the brand color; the green/amber/red trio tracks
// severity and health everywhere a status is shown.
var (
	Primary    = lipgloss.Color("#0891B2")
	Secondary  = lipgloss.Color("#34D399")
	Warning    = lipgloss.Color("#FBBF24")
	Error      = lipgloss.Color("#F87171")
	MutedColor = lipgloss.Color("#64748B")
	White      = lipgloss.Color("#F8FAFC")
)

var (
	Muted = lipgloss.NewStyle().Foreground(MutedColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	StatusOK = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	StatusWarning = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	StatusError = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	TabActive = lipgloss.NewStyle().
			Foreground(White).
			Background(Primary).
			Padding(0, 2).
			Bold(true)

	TabInactive = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 2)

	Help = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(MutedColor)

	MetricValue = lipgloss.NewStyle().
			Bold(true).
			Foreground(Secondary)

	MetricLabel = lipgloss.NewStyle().
			Foreground(MutedColor)
)

// Severity maps an alert severity to its display style. Unknown values
// render muted rather than loud.
func Severity(level string) lipgloss.Style {
	switch level {
	case "critical", "high":
		return StatusError
	case "medium":
		return StatusWarning
	case "low":
		return StatusOK
	default:
		return Muted
	}
}
