package top

import "github.com/charmbracelet/lipgloss"

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorAccent  = lipgloss.Color("#3b82f6")
)

var (
	StyleHeader = lipgloss.NewStyle().Bold(true).Foreground(ColorBright)
	StyleDimmed = lipgloss.NewStyle().Foreground(ColorDimmed)
	StyleLabel  = lipgloss.NewStyle().Foreground(ColorDimmed).Width(18)
	StyleValue  = lipgloss.NewStyle().Foreground(ColorBright)
	StylePanel  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)
)

// RateColor grades a frame rate against the target rate.
func RateColor(fps, target float64) lipgloss.Color {
	switch {
	case target <= 0:
		return ColorDimmed
	case fps >= target*0.8:
		return ColorHealthy
	case fps >= target*0.4:
		return ColorWarning
	default:
		return ColorDanger
	}
}

// QueueColor grades the update backlog.
func QueueColor(depth int) lipgloss.Color {
	switch {
	case depth < 16:
		return ColorHealthy
	case depth < 256:
		return ColorWarning
	default:
		return ColorDanger
	}
}
