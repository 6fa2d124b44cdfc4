// Package debug provides a scrollable overlay listing every client event
// relay-watch has seen.
package debug

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirsinexus/relay/internal/theme"
)

const maxEntries = 200

// Kind groups log entries for coloring.
type Kind string

const (
	KindConn Kind = "conn" // connection lifecycle
	KindRecv Kind = "recv" // inbound frame
	KindSend Kind = "send" // outbound frame
	KindErr  Kind = "err"
)

// Entry is a single event log line.
type Entry struct {
	Time    time.Time
	Kind    Kind
	Event   string
	Message string
}

// Model holds the event log.
type Model struct {
	Entries []Entry
	Offset  int // lines scrolled up from the newest entry
	Dropped int // events lost between the client and the UI

	now func() time.Time
}

// New creates an empty log.
func New() Model {
	return Model{now: time.Now}
}

// Add appends an entry and caps the buffer. New entries snap the view back
// to the bottom.
func (m *Model) Add(kind Kind, event, message string) {
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	m.Entries = append(m.Entries, Entry{Time: now(), Kind: kind, Event: event, Message: message})
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	m.Offset = 0
}

// ScrollUp moves the viewport toward older entries.
func (m *Model) ScrollUp(n int) {
	m.Offset = min(m.Offset+n, max(len(m.Entries)-1, 0))
}

// ScrollDown moves the viewport toward newer entries.
func (m *Model) ScrollDown(n int) {
	m.Offset = max(m.Offset-n, 0)
}

// View renders the log as an overlay panel.
func (m Model) View(width, height int) string {
	innerW := max(width-4, 20)
	visible := max(height-6, 3)

	title := theme.StyleHeader.Render(" EVENT LOG ")
	footer := fmt.Sprintf("j/k:scroll  esc:close  %d entries", len(m.Entries))
	if m.Dropped > 0 {
		footer += fmt.Sprintf("  %d dropped", m.Dropped)
	}
	help := theme.StyleDimmed.Render(footer)

	panel := lipgloss.NewStyle().
		Width(innerW).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder)

	if len(m.Entries) == 0 {
		body := theme.StyleDimmed.Render("  No events yet.")
		return panel.Render(lipgloss.JoinVertical(lipgloss.Left, title, "", body, "", help))
	}

	end := max(len(m.Entries)-m.Offset, 0)
	start := max(end-visible, 0)

	lines := make([]string, 0, end-start)
	for _, e := range m.Entries[start:end] {
		lines = append(lines, m.renderEntry(e, innerW))
	}

	more := ""
	if m.Offset > 0 {
		more = theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d newer", m.Offset))
	}
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n"), more, help))
}

func (m Model) renderEntry(e Entry, width int) string {
	ts := theme.StyleDimmed.Render(e.Time.Format("15:04:05.000"))
	kind := lipgloss.NewStyle().Foreground(kindColor(e.Kind)).Width(5).Render(string(e.Kind))
	text := e.Event
	if e.Message != "" {
		text += " " + e.Message
	}
	if room := width - 20; room > 3 && len(text) > room {
		text = text[:room-3] + "..."
	}
	return fmt.Sprintf("%s %s %s", ts, kind, text)
}

func kindColor(k Kind) lipgloss.Color {
	switch k {
	case KindConn:
		return theme.ColorEventLifecycle
	case KindRecv:
		return theme.ColorEventData
	case KindSend:
		return theme.ColorEventOutbound
	case KindErr:
		return theme.ColorError
	default:
		return theme.ColorDimmed
	}
}
