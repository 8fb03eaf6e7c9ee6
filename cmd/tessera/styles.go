// SPDX-License-Identifier: MPL-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/tessera/tessera/internal/subsystem"
)

// Color palette shared by all CLI output. Tuned for dark terminals.
const (
	// ColorPrimary is purple - titles and headers.
	ColorPrimary = lipgloss.Color("#7C3AED")

	// ColorMuted is gray - subtitles and secondary text.
	ColorMuted = lipgloss.Color("#6B7280")

	// ColorSuccess is green - ACTIVE subsystems and completed operations.
	ColorSuccess = lipgloss.Color("#10B981")

	// ColorError is red - errors and failed installs.
	ColorError = lipgloss.Color("#EF4444")

	// ColorWarning is amber - warnings and transitional states.
	ColorWarning = lipgloss.Color("#F59E0B")

	// ColorHighlight is blue - ids, locations and commands.
	ColorHighlight = lipgloss.Color("#3B82F6")

	// ColorVerbose is light gray - verbose output.
	ColorVerbose = lipgloss.Color("#9CA3AF")
)

var (
	// TitleStyle is for primary headers and section titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	// SubtitleStyle is for secondary headers and descriptions.
	SubtitleStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	// SuccessStyle is for success messages.
	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	// ErrorStyle is for error messages.
	ErrorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorError)

	// WarningStyle is for warnings.
	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	// CmdStyle is for commands, ids and locations.
	CmdStyle = lipgloss.NewStyle().
			Foreground(ColorHighlight)

	// VerboseStyle is for supplementary details.
	VerboseStyle = lipgloss.NewStyle().
			Foreground(ColorVerbose)

	tableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(ColorPrimary).
				Padding(0, 1)

	tableCellStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

// stateStyle picks the badge color for a subsystem state.
func stateStyle(s subsystem.State) lipgloss.Style {
	switch s {
	case subsystem.StateActive:
		return SuccessStyle
	case subsystem.StateInstallFailed, subsystem.StateUninstalled:
		return ErrorStyle
	case subsystem.StateInstalled, subsystem.StateResolved:
		return SubtitleStyle
	default:
		return WarningStyle
	}
}

func stateBadge(s subsystem.State) string {
	return stateStyle(s).Render(s.String())
}
