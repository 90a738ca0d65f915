// Package ui renders runs for the terminal.
package ui

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Theme colors (Catppuccin Mocha inspired).
var (
	ColorPrimary   = lipgloss.AdaptiveColor{Light: "#1e66f5", Dark: "#89b4fa"} // Blue
	ColorSecondary = lipgloss.AdaptiveColor{Light: "#7c3aed", Dark: "#cba6f7"} // Mauve
	ColorSuccess   = lipgloss.AdaptiveColor{Light: "#40a02b", Dark: "#a6e3a1"} // Green
	ColorWarning   = lipgloss.AdaptiveColor{Light: "#df8e1d", Dark: "#f9e2af"} // Yellow
	ColorError     = lipgloss.AdaptiveColor{Light: "#d20f39", Dark: "#f38ba8"} // Red
	ColorMuted     = lipgloss.AdaptiveColor{Light: "#6c6f85", Dark: "#6c7086"} // Overlay0
	ColorText      = lipgloss.AdaptiveColor{Light: "#4c4f69", Dark: "#cdd6f4"} // Text
)

// Styles contains the styles used to render runs.
type Styles struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Label    lipgloss.Style
	Value    lipgloss.Style

	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Running lipgloss.Style
	Muted   lipgloss.Style

	Header lipgloss.Style
	Cell   lipgloss.Style
	Detail lipgloss.Style
}

// NewStyles returns styles bound to w's color profile, so output written
// to a pipe or file carries no escape codes.
func NewStyles(w io.Writer) Styles {
	r := lipgloss.NewRenderer(w)
	return Styles{
		Title: r.NewStyle().
			Bold(true).
			Foreground(ColorPrimary),

		Subtitle: r.NewStyle().
			Foreground(ColorSecondary),

		Label: r.NewStyle().
			Foreground(ColorMuted).
			Width(10),

		Value: r.NewStyle().
			Foreground(ColorText),

		Success: r.NewStyle().Foreground(ColorSuccess),
		Warning: r.NewStyle().Foreground(ColorWarning),
		Error:   r.NewStyle().Foreground(ColorError),
		Running: r.NewStyle().Foreground(ColorPrimary),
		Muted:   r.NewStyle().Foreground(ColorMuted),

		Header: r.NewStyle().
			Bold(true).
			Foreground(ColorSecondary).
			PaddingRight(2),

		Cell: r.NewStyle().
			PaddingRight(2),

		Detail: r.NewStyle().
			Foreground(ColorMuted).
			PaddingLeft(4),
	}
}
