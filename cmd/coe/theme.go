package main

import (
	"github.com/charmbracelet/lipgloss"

	"coe/pkg/protocol"
)

// Theme defines the colors used by the table views.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// StatusColor picks the color for a ticket status.
func (t Theme) StatusColor(s protocol.TicketStatus) lipgloss.Color {
	switch s {
	case protocol.StatusDone:
		return t.Success
	case protocol.StatusBlocked:
		return t.Error
	case protocol.StatusPending:
		return t.Warning
	case protocol.StatusInProgress:
		return t.Primary
	default:
		return t.Muted
	}
}

// column renders s padded or truncated to width.
func column(s string, width int) string {
	if r := []rune(s); len(r) > width {
		s = string(r[:width-1]) + "…"
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}
