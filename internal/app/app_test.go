package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirsinexus/relay/internal/client"
	"github.com/sirsinexus/relay/internal/views/status"
)

type fakeRelay struct {
	*client.Emitter
	connects    int
	disconnects int
	pings       int
	attempts    int
	connected   bool
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{Emitter: client.NewEmitter(nil)}
}

func (f *fakeRelay) Connect(context.Context) error {
	f.connects++
	return nil
}

func (f *fakeRelay) Disconnect()            { f.disconnects++ }
func (f *fakeRelay) ReconnectAttempts() int { return f.attempts }

func (f *fakeRelay) Ping() bool {
	if !f.connected {
		return false
	}
	f.pings++
	return true
}

func newModel(t *testing.T, r *fakeRelay) Model {
	t.Helper()
	m := New(r, Options{URL: "ws://localhost:8080", MaxAttempts: 5})
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return updated.(Model)
}

// deliver emits on the relay and feeds the bridged message to Update.
func deliver(t *testing.T, m Model, r *fakeRelay, name string, payload any) Model {
	t.Helper()
	r.Emit(name, payload)
	select {
	case ev := <-m.events.ch:
		updated, cmd := m.Update(ev)
		require.NotNil(t, cmd, "event handling must re-arm the listener")
		return updated.(Model)
	case <-time.After(time.Second):
		t.Fatalf("event %q was not bridged", name)
		return m
	}
}

func press(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestBridgeForwardsWatchedEvents(t *testing.T) {
	r := newFakeRelay()
	m := newModel(t, r)
	for _, name := range watchedEvents {
		assert.Equal(t, 1, r.ListenerCount(name), name)
	}

	r.Emit(client.EventPong, client.Pong{Timestamp: "t"})
	msg := m.events.wait()()
	assert.Equal(t, EventMsg{Name: client.EventPong, Payload: client.Pong{Timestamp: "t"}}, msg)
}

func TestBridgeDropsWhenFull(t *testing.T) {
	r := newFakeRelay()
	b := newBridge(r, 1)
	r.Emit(client.EventConnected, nil)
	r.Emit(client.EventConnected, nil)
	r.Emit(client.EventConnected, nil)

	assert.Len(t, b.ch, 1)
	assert.Equal(t, int64(2), b.dropped.Load())

	b.close()
	assert.Zero(t, r.ListenerCount(client.EventConnected))
}

func TestInitConnects(t *testing.T) {
	r := newFakeRelay()
	m := newModel(t, r)
	m.connect()()
	assert.Equal(t, 1, r.connects)
	assert.NotNil(t, m.Init())
}

func TestWelcomeFillsDashboard(t *testing.T) {
	r := newFakeRelay()
	m := newModel(t, r)

	m = deliver(t, m, r, client.EventConnected, nil)
	assert.Equal(t, status.ConnConnected, m.statusBar.Conn)

	m = deliver(t, m, r, client.EventWelcome, client.Welcome{
		ClientID: "client_1_abc",
		State: client.Snapshot{
			KPIs:        map[string]json.RawMessage{"total-users": json.RawMessage(`42`)},
			Activities:  []client.Record{{"id": "activity-1", "user": "ann", "action": "Logged in"}},
			OnlineUsers: 3,
		},
	})

	assert.Equal(t, "client_1_abc", m.statusBar.ClientID)
	assert.Equal(t, 3, m.statusBar.OnlineUsers)
	v, ok := m.dashboard.KPI("total-users")
	require.True(t, ok)
	assert.Equal(t, "42", v)

	view := m.View()
	assert.Contains(t, view, "client_1_abc")
	assert.Contains(t, view, "Logged in")
}

func TestLiveUpdates(t *testing.T) {
	r := newFakeRelay()
	m := newModel(t, r)
	change := 3

	m = deliver(t, m, r, client.EventKPIUpdate, client.KPIUpdate{KPIID: "approved", Value: json.RawMessage(`10`)})
	m = deliver(t, m, r, client.EventKPIUpdate, client.KPIUpdate{KPIID: "approved", Change: &change})
	m = deliver(t, m, r, client.EventUserCountUpdate, client.UserCountUpdate{Count: 7})
	m = deliver(t, m, r, client.EventNewNotification, client.NewNotification{Notification: client.Record{"id": "notif-1", "title": "Backup Complete", "type": "success"}})
	m = deliver(t, m, r, client.EventMetricsUpdate, client.MetricsUpdate{Metrics: client.Metrics{CPU: 42, Memory: 60, Requests: 1500, ResponseTime: 80}})

	v, _ := m.dashboard.KPI("approved")
	assert.Equal(t, "13", v)
	assert.Equal(t, 7, m.statusBar.OnlineUsers)
	require.Len(t, m.dashboard.Notifications(), 1)

	view := m.View()
	assert.Contains(t, view, "Backup Complete")
	assert.Contains(t, view, "1.5K")
	assert.Contains(t, view, "7 online")
}

func TestReconnectLifecycle(t *testing.T) {
	r := newFakeRelay()
	m := newModel(t, r)

	r.attempts = 1
	m = deliver(t, m, r, client.EventDisconnected, client.Disconnected{Code: 1006, Reason: "gone"})
	assert.Equal(t, status.ConnReconnecting, m.statusBar.Conn)
	assert.Equal(t, 2, m.statusBar.Attempts)
	assert.Contains(t, m.View(), "Reconnecting (2/5)")

	m = deliver(t, m, r, client.EventMaxReconnectAttemptsReached, client.MaxReconnectAttemptsReached{Attempts: 5})
	assert.Equal(t, status.ConnGaveUp, m.statusBar.Conn)
	assert.Contains(t, m.View(), "DISCONNECTED")

	// A late close report does not hide the give-up state.
	m = deliver(t, m, r, client.EventDisconnected, client.Disconnected{Code: 1006})
	assert.Equal(t, status.ConnGaveUp, m.statusBar.Conn)

	updated, cmd := m.Update(press("r"))
	m = updated.(Model)
	require.NotNil(t, cmd)
	assert.Equal(t, status.ConnConnecting, m.statusBar.Conn)
	cmd()
	assert.Equal(t, 1, r.disconnects)
	assert.Equal(t, 1, r.connects)
}

func TestNormalClosureShowsDisconnected(t *testing.T) {
	r := newFakeRelay()
	m := newModel(t, r)
	m = deliver(t, m, r, client.EventDisconnected, client.Disconnected{Code: 1000, Reason: "Client disconnect"})
	assert.Equal(t, status.ConnClosed, m.statusBar.Conn)
}

func TestPingMeasuresLatency(t *testing.T) {
	r := newFakeRelay()
	m := newModel(t, r)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	updated, _ := m.Update(press("p"))
	m = updated.(Model)
	assert.Zero(t, r.pings, "ping while disconnected is not sent")
	assert.True(t, m.pingSent.IsZero())

	r.connected = true
	updated, _ = m.Update(press("p"))
	m = updated.(Model)
	assert.Equal(t, 1, r.pings)

	now = base.Add(42 * time.Millisecond)
	m = deliver(t, m, r, client.EventPong, client.Pong{})
	assert.Equal(t, "42ms", m.statusBar.Latency)
}

func TestEventLogOverlay(t *testing.T) {
	r := newFakeRelay()
	m := newModel(t, r)
	m = deliver(t, m, r, client.EventServerError, client.ServerError{Message: "Rate limit exceeded"})
	m = deliver(t, m, r, client.EventError, errors.New("dial refused"))

	updated, _ := m.Update(press("e"))
	m = updated.(Model)
	require.True(t, m.showLog)
	view := m.View()
	assert.Contains(t, view, "EVENT LOG")
	assert.Contains(t, view, "Rate limit exceeded")
	assert.Contains(t, view, "dial refused")

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = updated.(Model)
	assert.False(t, m.showLog)
}

func TestQuitDisconnects(t *testing.T) {
	r := newFakeRelay()
	m := newModel(t, r)

	_, cmd := m.Update(press("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	assert.Equal(t, 1, r.disconnects)
	assert.Error(t, m.ctx.Err())
	assert.Zero(t, r.ListenerCount(client.EventWelcome))
}

func TestViewBeforeResize(t *testing.T) {
	m := New(newFakeRelay(), Options{})
	assert.Equal(t, "Initializing...", m.View())
}
