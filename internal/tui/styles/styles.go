// Package styles holds the lipgloss palette and styles of the progress view.
package styles

import "github.com/charmbracelet/lipgloss"

var (
	// Colors - all colors meet WCAG AA contrast (4.5:1) on dark surfaces
	PrimaryColor   = lipgloss.Color("#A78BFA") // Purple
	SecondaryColor = lipgloss.Color("#10B981") // Green
	WarningColor   = lipgloss.Color("#F59E0B") // Amber
	ErrorColor     = lipgloss.Color("#F87171") // Red
	MutedColor     = lipgloss.Color("#9CA3AF") // Gray
	TextColor      = lipgloss.Color("#F9FAFB") // Light text
	BorderColor    = lipgloss.Color("#6B7280") // Gray
	BlueColor      = lipgloss.Color("#60A5FA") // Blue

	Primary   = lipgloss.NewStyle().Foreground(PrimaryColor)
	Secondary = lipgloss.NewStyle().Foreground(SecondaryColor)
	Warning   = lipgloss.NewStyle().Foreground(WarningColor)
	Error     = lipgloss.NewStyle().Foreground(ErrorColor)
	Muted     = lipgloss.NewStyle().Foreground(MutedColor)
	Text      = lipgloss.NewStyle().Foreground(TextColor)

	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(BorderColor).
		MarginBottom(1)

	WorkerID = lipgloss.NewStyle().
			Bold(true).
			Foreground(TextColor).
			Width(8)

	StateLabel = lipgloss.NewStyle().
			Width(10)

	HelpBar = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)
)

// Worker states shown in the progress view.
const (
	StateStarting = "starting"
	StateSyncing  = "syncing"
	StateRunning  = "running"
	StateFinished = "finished"
	StateDown     = "down"
)

// StateColor returns the color for a worker state.
func StateColor(state string) lipgloss.Color {
	switch state {
	case StateSyncing:
		return BlueColor
	case StateRunning:
		return SecondaryColor
	case StateFinished:
		return PrimaryColor
	case StateDown:
		return ErrorColor
	default:
		return MutedColor
	}
}

// StateIcon returns the icon for a terminal worker state, or "" while the
// worker is still active.
func StateIcon(state string) string {
	switch state {
	case StateFinished:
		return "✓"
	case StateDown:
		return "✗"
	default:
		return ""
	}
}
