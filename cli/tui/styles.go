// Package tui is the read-only Bubble Tea dashboard behind status --tui.
// It shows the same status payload as the plain renderer.
package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Colors adapt to light and dark terminals.
var (
	accent = lipgloss.AdaptiveColor{Light: "#005F87", Dark: "#5FAFD7"}
	ok     = lipgloss.AdaptiveColor{Light: "#00875F", Dark: "#5FD787"}
	warn   = lipgloss.AdaptiveColor{Light: "#AF5F00", Dark: "#FFAF5F"}
	bad    = lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"}
	dim    = lipgloss.AdaptiveColor{Light: "#808080", Dark: "#8A8A8A"}
	strong = lipgloss.AdaptiveColor{Light: "#000000", Dark: "#FFFFFF"}
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent).MarginBottom(1)
	labelStyle = lipgloss.NewStyle().Foreground(dim).Width(10)
	valueStyle = lipgloss.NewStyle().Foreground(strong)
	errStyle   = lipgloss.NewStyle().Foreground(bad)
	helpStyle  = lipgloss.NewStyle().Foreground(dim).MarginTop(1)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(14).
			Align(lipgloss.Center)
)

// alarm colors a counter that is healthy at zero.
func alarm(n int64) lipgloss.TerminalColor {
	switch {
	case n == 0:
		return ok
	case n < 10:
		return warn
	}
	return bad
}

func field(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value) + "\n"
}

func statBox(label string, n int64, c lipgloss.TerminalColor) string {
	value := lipgloss.NewStyle().Bold(true).Foreground(c).Render(fmt.Sprint(n))
	return boxStyle.BorderForeground(c).Render(
		lipgloss.JoinVertical(lipgloss.Center, value, lipgloss.NewStyle().Foreground(dim).Render(label)))
}
