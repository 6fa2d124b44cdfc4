package app

import (
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirsinexus/relay/internal/client"
)

// EventMsg is a client event delivered to the Update loop.
type EventMsg struct {
	Name    string
	Payload any
}

// watchedEvents are the client events relay-watch renders or logs.
var watchedEvents = []string{
	client.EventConnected,
	client.EventDisconnected,
	client.EventError,
	client.EventMaxReconnectAttemptsReached,
	client.EventWelcome,
	client.EventPong,
	client.EventKPIUpdate,
	client.EventNewActivity,
	client.EventNewNotification,
	client.EventUserCountUpdate,
	client.EventUserAction,
	client.EventSystemStatusUpdate,
	client.EventMetricsUpdate,
	client.EventSubscribed,
	client.EventServerError,
}

// bridge forwards events from client goroutines into a channel the Bubble
// Tea runtime drains one message at a time. Listeners never block: when
// the UI falls behind, events are counted and dropped.
type bridge struct {
	ch      chan EventMsg
	subs    []client.Subscription
	dropped atomic.Int64
}

func newBridge(r Relay, size int) *bridge {
	b := &bridge{ch: make(chan EventMsg, size)}
	for _, name := range watchedEvents {
		name := name // per-iteration copy; go.mod targets go 1.21 loop semantics
		b.subs = append(b.subs, r.On(name, func(p any) { b.push(EventMsg{Name: name, Payload: p}) }))
	}
	return b
}

func (b *bridge) push(ev EventMsg) {
	select {
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

// wait returns a command that blocks for the next event.
func (b *bridge) wait() tea.Cmd {
	return func() tea.Msg {
		return <-b.ch
	}
}

func (b *bridge) close() {
	for _, s := range b.subs {
		s.Unsubscribe()
	}
}
