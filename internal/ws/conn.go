package ws

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PumpOptions bounds a single connection.
type PumpOptions struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	PongTimeout  time.Duration
}

func (o PumpOptions) pingInterval() time.Duration {
	return o.PongTimeout * 9 / 10
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// Owned by the hub goroutine.
	channels  map[Channel]bool
	closed    bool
	closeCode int
}

func newClient(id string, conn *websocket.Conn, buffer int) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, buffer),
	}
}

// ID returns the server-assigned client id.
func (c *client) ID() string {
	return c.id
}

func (c *client) enqueue(data []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close ends the write pump, which sends a close frame with code.
func (c *client) close(code int) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	close(c.send)
}

// wants reports whether a broadcast on ch should reach this client. A client
// that never subscribed receives everything.
func (c *client) wants(ch Channel) bool {
	if c.channels == nil {
		return true
	}
	return c.channels[ch]
}

// subscribe replaces the client's filter with the known channels in names.
// An empty list resets the filter.
func (c *client) subscribe(names []string) []Channel {
	accepted := []Channel{}
	if len(names) == 0 {
		c.channels = nil
		return accepted
	}
	set := make(map[Channel]bool, len(names))
	for _, n := range names {
		ch := Channel(n)
		if !knownChannels[ch] || set[ch] {
			continue
		}
		set[ch] = true
		accepted = append(accepted, ch)
	}
	c.channels = set
	return accepted
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with protocol pings. It owns all writes to conn.
func (c *client) writePump(opts PumpOptions, logger *zap.Logger) {
	var ping <-chan time.Time
	if opts.PongTimeout > 0 {
		ticker := time.NewTicker(opts.pingInterval())
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			c.setWriteDeadline(opts.WriteTimeout)
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, closeReason(c.closeCode)))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("write failed", zap.String("client_id", c.id), zap.Error(err))
				return
			}
		case <-ping:
			c.setWriteDeadline(opts.WriteTimeout)
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump forwards every inbound frame to the hub until the connection
// fails or the hub stops. It unregisters the client on exit.
func (c *client) readPump(h *Hub, opts PumpOptions) {
	defer h.Unregister(c)

	if opts.ReadLimit > 0 {
		c.conn.SetReadLimit(opts.ReadLimit)
	}
	extend := func() {
		if opts.PongTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		}
	}
	extend()
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr):
				h.logger.Debug("client closed connection",
					zap.String("client_id", c.id),
					zap.Int("code", closeErr.Code),
					zap.String("reason", closeErr.Text))
			case errors.Is(err, websocket.ErrReadLimit):
				h.logger.Warn("frame exceeds read limit", zap.String("client_id", c.id))
			default:
				h.logger.Debug("read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		extend()

		limited := c.limiter != nil && !c.limiter.Allow()
		if !h.submit(inboundFrame{client: c, data: data, limited: limited}) {
			return
		}
	}
}

func (c *client) setWriteDeadline(d time.Duration) {
	if d > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(d))
	}
}

func closeReason(code int) string {
	switch code {
	case websocket.CloseGoingAway:
		return "server shutting down"
	case websocket.ClosePolicyViolation:
		return "client too slow"
	}
	return ""
}
