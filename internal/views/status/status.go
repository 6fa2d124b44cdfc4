// Package status renders the connection bar at the top of relay-watch.
package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirsinexus/relay/internal/theme"
)

// Conn is the connection phase shown in the bar.
type Conn int

const (
	ConnConnecting Conn = iota
	ConnConnected
	ConnReconnecting
	ConnGaveUp
	ConnClosed
)

// Model holds the status bar state.
type Model struct {
	Conn        Conn
	URL         string
	ClientID    string
	OnlineUsers int
	Attempts    int
	MaxAttempts int
	Latency     string // last ping round trip, "" until a pong arrives
	Mock        bool
	Width       int
}

// New creates a status bar model.
func New(url string, maxAttempts int) Model {
	return Model{URL: url, MaxAttempts: maxAttempts}
}

// Label returns the connection phase as shown to the user.
func (m Model) Label() string {
	switch m.Conn {
	case ConnConnected:
		return "● Connected"
	case ConnReconnecting:
		return fmt.Sprintf("◌ Reconnecting (%d/%d)", m.Attempts, m.MaxAttempts)
	case ConnGaveUp:
		return "✗ Gave up reconnecting"
	case ConnClosed:
		return "○ Disconnected"
	default:
		return "◌ Connecting..."
	}
}

func (m Model) color() lipgloss.Color {
	switch m.Conn {
	case ConnConnected:
		return theme.ColorConnected
	case ConnConnecting, ConnReconnecting:
		return theme.ColorConnecting
	default:
		return theme.ColorDisconnected
	}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := lipgloss.NewStyle().Foreground(m.color()).Render(m.Label())

	target := m.URL
	if m.Mock {
		target = "simulated"
	}
	content += sep + theme.StyleDimmed.Render(target)

	if m.ClientID != "" {
		content += sep + theme.StyleSelected.Render(m.ClientID)
	}
	content += sep + fmt.Sprintf("%d online", m.OnlineUsers)
	if m.Latency != "" {
		content += sep + theme.StyleDimmed.Render("rtt "+m.Latency)
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
