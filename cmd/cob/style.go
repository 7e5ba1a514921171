package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	colorProfile = termenv.ColorProfile()

	accentColor = lipgloss.Color("#6E56CF")
	mutedColor  = lipgloss.Color("#6C6C6C")
	errorColor  = lipgloss.Color("#E5484D")
	okColor     = lipgloss.Color("#30A46C")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(okColor).Bold(true)
)

func init() {
	// termenv's profile detection decides whether ANSI styling is safe for
	// the current terminal/output redirection. When it reports Ascii (a
	// dumb terminal or redirected output), every style is reset to an
	// unstyled one so no raw escape codes are emitted (see DESIGN.md).
	if colorProfile == termenv.Ascii {
		titleStyle = lipgloss.NewStyle()
		mutedStyle = lipgloss.NewStyle()
		errorStyle = lipgloss.NewStyle()
		okStyle = lipgloss.NewStyle()
	}
}
