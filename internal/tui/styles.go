// Package tui implements the live agent dashboard behind `pulse watch`.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hay-kot/pulse/internal/core/protocol"
	"github.com/hay-kot/pulse/internal/styles"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(styles.ColorBlue).
			PaddingLeft(1)

	subtleStyle = lipgloss.NewStyle().
			Foreground(styles.ColorGray)

	connectedStyle = lipgloss.NewStyle().
			Foreground(styles.ColorGreen)

	disconnectedStyle = lipgloss.NewStyle().
				Foreground(styles.ColorRed)

	statusStyle = lipgloss.NewStyle().
			Foreground(styles.ColorWhite).
			PaddingLeft(1)

	statusErrStyle = lipgloss.NewStyle().
			Foreground(styles.ColorRed).
			PaddingLeft(1)

	confirmStyle = lipgloss.NewStyle().
			Foreground(styles.ColorYellow).
			Bold(true).
			PaddingLeft(1)

	helpStyle = lipgloss.NewStyle().
			PaddingLeft(1)
)

// Icons per lifecycle. Running agents show the spinner instead.
var lifecycleIcons = map[protocol.Lifecycle]string{
	protocol.LifecycleIdle:       "○",
	protocol.LifecycleNeedsInput: "◆",
	protocol.LifecycleError:      "✘",
	protocol.LifecycleOffline:    "·",
}
