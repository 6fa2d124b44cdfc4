// Package app is the root Bubble Tea model of relay-watch, a terminal
// dashboard that follows a relay through the reconnecting client.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirsinexus/relay/internal/client"
	"github.com/sirsinexus/relay/internal/theme"
	"github.com/sirsinexus/relay/internal/views/dashboard"
	"github.com/sirsinexus/relay/internal/views/debug"
	"github.com/sirsinexus/relay/internal/views/status"
)

const eventBuffer = 256

// Relay is the part of *client.Client the dashboard drives.
type Relay interface {
	On(event string, fn client.Listener) client.Subscription
	Connect(ctx context.Context) error
	Disconnect()
	Ping() bool
	ReconnectAttempts() int
}

// Options configures the model.
type Options struct {
	URL         string
	MaxAttempts int
	Mock        bool
}

// Model is the root Bubble Tea model.
type Model struct {
	relay  Relay
	events *bridge
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	keys   KeyMap
	help   help.Model
	width  int
	height int

	statusBar status.Model
	dashboard dashboard.Model
	log       debug.Model
	showLog   bool

	pingSent time.Time
}

// New subscribes to the relay's events and creates the root model. The
// connection is opened by Init.
func New(r Relay, opts Options) Model {
	ctx, cancel := context.WithCancel(context.Background())
	sb := status.New(opts.URL, opts.MaxAttempts)
	sb.Mock = opts.Mock
	return Model{
		relay:     r,
		events:    newBridge(r, eventBuffer),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		keys:      DefaultKeyMap(),
		help:      help.New(),
		statusBar: sb,
		dashboard: dashboard.New(),
		log:       debug.New(),
	}
}

// Init starts listening and opens the connection.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.events.wait(), m.connect())
}

// connect dials in the background. Failures arrive as events.
func (m Model) connect() tea.Cmd {
	relay, ctx := m.relay, m.ctx
	return func() tea.Msg {
		_ = relay.Connect(ctx)
		return nil
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.dashboard.Width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case EventMsg:
		m.handleEvent(msg)
		m.log.Dropped = int(m.events.dropped.Load())
		return m, m.events.wait()
	}

	return m, nil
}

func (m *Model) handleEvent(ev EventMsg) {
	switch p := ev.Payload.(type) {
	case nil:
		if ev.Name == client.EventConnected {
			m.statusBar.Conn = status.ConnConnected
			m.statusBar.Attempts = 0
		}
		m.log.Add(debug.KindConn, ev.Name, "")

	case client.Disconnected:
		if p.Code == 1000 {
			m.statusBar.Conn = status.ConnClosed
		} else if m.statusBar.Conn != status.ConnGaveUp {
			m.statusBar.Conn = status.ConnReconnecting
			m.statusBar.Attempts = min(m.relay.ReconnectAttempts()+1, m.statusBar.MaxAttempts)
		}
		m.statusBar.ClientID = ""
		m.log.Add(debug.KindConn, ev.Name, fmt.Sprintf("code=%d %s", p.Code, p.Reason))

	case client.MaxReconnectAttemptsReached:
		m.statusBar.Conn = status.ConnGaveUp
		m.statusBar.Attempts = p.Attempts
		m.log.Add(debug.KindErr, ev.Name, fmt.Sprintf("after %d attempts", p.Attempts))

	case error:
		m.log.Add(debug.KindErr, ev.Name, p.Error())

	case client.Welcome:
		m.statusBar.ClientID = p.ClientID
		m.statusBar.OnlineUsers = p.State.OnlineUsers
		m.dashboard.SetSnapshot(p.State)
		m.log.Add(debug.KindRecv, ev.Name, p.ClientID)

	case client.Pong:
		if !m.pingSent.IsZero() {
			m.statusBar.Latency = m.now().Sub(m.pingSent).Round(time.Millisecond).String()
			m.pingSent = time.Time{}
		}
		m.log.Add(debug.KindRecv, ev.Name, "")

	case client.KPIUpdate:
		m.dashboard.ApplyKPI(p)
		m.log.Add(debug.KindRecv, ev.Name, p.KPIID)

	case client.NewActivity:
		m.dashboard.AddActivity(p.Activity)
		m.log.Add(debug.KindRecv, ev.Name, p.Activity.ID())

	case client.NewNotification:
		m.dashboard.AddNotification(p.Notification)
		m.log.Add(debug.KindRecv, ev.Name, p.Notification.ID())

	case client.UserCountUpdate:
		m.statusBar.OnlineUsers = p.Count
		m.log.Add(debug.KindRecv, ev.Name, fmt.Sprintf("%d online", p.Count))

	case client.UserAction:
		m.log.Add(debug.KindRecv, ev.Name, compact(p.User)+" "+compact(p.Action))

	case client.SystemStatusUpdate:
		m.dashboard.SetSystemStatus(p.Status)
		m.log.Add(debug.KindRecv, ev.Name, "")

	case client.MetricsUpdate:
		m.dashboard.SetMetrics(p.Metrics)

	case client.Subscribed:
		m.log.Add(debug.KindRecv, ev.Name, fmt.Sprint(p.Channels))

	case client.ServerError:
		m.log.Add(debug.KindErr, ev.Name, p.Message)

	default:
		m.log.Add(debug.KindRecv, ev.Name, "")
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.events.close()
		m.cancel()
		m.relay.Disconnect()
		return m, tea.Quit
	}

	if m.showLog {
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Events):
			m.showLog = false
		case key.Matches(msg, m.keys.Up):
			m.log.ScrollUp(1)
		case key.Matches(msg, m.keys.Down):
			m.log.ScrollDown(1)
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Events):
		m.showLog = true
		return m, nil

	case key.Matches(msg, m.keys.Ping):
		if m.relay.Ping() {
			m.pingSent = m.now()
			m.log.Add(debug.KindSend, "ping", "")
		}
		return m, nil

	case key.Matches(msg, m.keys.Reconnect):
		m.statusBar.Conn = status.ConnConnecting
		m.statusBar.Attempts = 0
		m.log.Add(debug.KindConn, "reconnect", "requested")
		relay, ctx := m.relay, m.ctx
		return m, func() tea.Msg {
			relay.Disconnect()
			_ = relay.Connect(ctx)
			return nil
		}
	}

	return m, nil
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := m.dashboard.View()
	if m.showLog {
		body = m.log.View(m.width, m.height-4)
	} else if m.statusBar.Conn == status.ConnGaveUp {
		banner := lipgloss.NewStyle().
			Foreground(theme.ColorDisconnected).
			Bold(true).
			Padding(0, 1).
			Render("DISCONNECTED  press r to reconnect")
		body = lipgloss.JoinVertical(lipgloss.Left, banner, body)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusBar.View(),
		body,
		"  "+m.help.ShortHelpView(m.keys.ShortHelp()),
	)
}

func compact(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
