// Package ui holds the terminal styles shared by the CLI commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Accent highlights identifiers and headings.
func Accent(s string) string { return accentStyle.Render(s) }

// OK marks successful outcomes.
func OK(s string) string { return okStyle.Render(s) }

// Warn marks degraded but non-fatal outcomes.
func Warn(s string) string { return warnStyle.Render(s) }

// Err marks failures.
func Err(s string) string { return errStyle.Render(s) }

// Muted de-emphasizes supplementary detail.
func Muted(s string) string { return mutedStyle.Render(s) }

// Marker returns a colored bullet for sync state: dirty resources show
// as pending, clean ones as synced.
func Marker(dirty bool) string {
	if dirty {
		return warnStyle.Render("●")
	}
	return okStyle.Render("●")
}
