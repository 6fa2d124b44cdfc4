package client

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Listener receives an event payload. Payload types are documented on the
// Event constants.
type Listener func(payload any)

// Subscription identifies one registered listener.
type Subscription struct {
	emitter *Emitter
	event   string
	id      uint64
}

// Unsubscribe removes exactly this listener. Calling it again is a no-op.
func (s Subscription) Unsubscribe() {
	if s.emitter != nil {
		s.emitter.Off(s)
	}
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Emitter is a per-event listener registry. Listeners run synchronously on
// the emitting goroutine in registration order.
type Emitter struct {
	logger *zap.Logger

	mu        sync.Mutex
	nextID    uint64
	listeners map[string][]listenerEntry
}

func NewEmitter(logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		logger:    logger,
		listeners: make(map[string][]listenerEntry),
	}
}

func (e *Emitter) On(event string, fn Listener) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[event] = append(e.listeners[event], listenerEntry{id: e.nextID, fn: fn})
	return Subscription{emitter: e, event: event, id: e.nextID}
}

func (e *Emitter) Off(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.listeners[sub.event]
	for i, l := range list {
		if l.id != sub.id {
			continue
		}
		next := make([]listenerEntry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(e.listeners, sub.event)
		} else {
			e.listeners[sub.event] = next
		}
		return
	}
}

// Emit calls every listener of event. A panicking listener is logged and
// does not stop the others.
func (e *Emitter) Emit(event string, payload any) {
	e.mu.Lock()
	list := e.listeners[event]
	e.mu.Unlock()

	for _, l := range list {
		e.call(event, l.fn, payload)
	}
}

func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

func (e *Emitter) call(event string, fn Listener, payload any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listener panicked",
				zap.String("event", event),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(payload)
}
