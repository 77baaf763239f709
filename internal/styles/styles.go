// Package styles provides shared lipgloss styles for CLI and TUI components.
package styles

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/hay-kot/pulse/internal/core/protocol"
)

// Tokyo Night color palette.
var (
	ColorRed    = lipgloss.Color("#d75f6b")
	ColorGreen  = lipgloss.Color("#9ece6a")
	ColorYellow = lipgloss.Color("#e0af68")
	ColorBlue   = lipgloss.Color("#7aa2f7")
	ColorGray   = lipgloss.Color("#565f89")
	ColorWhite  = lipgloss.Color("#c0caf5")
)

// Banner is printed above `pulse hub status`.
const Banner = `
 ┌─┐┬ ┬┬  ┌─┐┌─┐
 ├─┘│ ││  └─┐├┤
 ┴  └─┘┴─┘└─┘└─┘`

// BannerStyle styles the ASCII art banner.
var BannerStyle = lipgloss.NewStyle().
	Foreground(ColorBlue).
	Bold(true)

var lifecycleStyles = map[protocol.Lifecycle]lipgloss.Style{
	protocol.LifecycleIdle:       lipgloss.NewStyle().Foreground(ColorGray),
	protocol.LifecycleRunning:    lipgloss.NewStyle().Foreground(ColorBlue),
	protocol.LifecycleNeedsInput: lipgloss.NewStyle().Foreground(ColorYellow).Bold(true),
	protocol.LifecycleError:      lipgloss.NewStyle().Foreground(ColorRed),
	protocol.LifecycleOffline:    lipgloss.NewStyle().Foreground(ColorGray).Faint(true),
}

// Lifecycle returns the style for an agent lifecycle. Unknown values render
// unstyled.
func Lifecycle(lc protocol.Lifecycle) lipgloss.Style {
	if s, ok := lifecycleStyles[lc]; ok {
		return s
	}
	return lipgloss.NewStyle()
}

// FormTheme returns the huh theme used by interactive prompts.
func FormTheme() *huh.Theme {
	t := huh.ThemeBase()
	t.Focused.Title = t.Focused.Title.Foreground(ColorBlue).Bold(true)
	t.Focused.Description = t.Focused.Description.Foreground(ColorGray)
	t.Focused.SelectSelector = t.Focused.SelectSelector.Foreground(ColorBlue)
	t.Focused.SelectedOption = t.Focused.SelectedOption.Foreground(ColorGreen)
	t.Focused.Option = t.Focused.Option.Foreground(ColorWhite)
	return t
}
