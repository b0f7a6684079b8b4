package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// RenderGauge draws a w-wide utilization bar, colored by severity.
func RenderGauge(pct float64, w int) string {
	if w < 4 {
		w = 4
	}
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	filled := int(pct / 100 * float64(w))
	if filled < 1 && pct > 0 {
		filled = 1
	}
	empty := w - filled

	barColor := colorGreen
	if pct >= 80 {
		barColor = colorRed
	} else if pct >= 50 {
		barColor = colorYellow
	}

	bar := lipgloss.NewStyle().Foreground(barColor).Render(strings.Repeat("█", filled))
	track := lipgloss.NewStyle().Foreground(colorSurface).Render(strings.Repeat("░", empty))
	return bar + track
}
