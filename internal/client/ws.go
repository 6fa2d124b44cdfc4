package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReconnectInterval    = 5 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultHeartbeatInterval    = 30 * time.Second
	writeTimeout                = 10 * time.Second
	dialTimeout                 = 10 * time.Second
	timeFormat                  = "2006-01-02T15:04:05.000Z"
)

// ConnState is the lifecycle state of a Client.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

type Options struct {
	URL                  string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration

	// User is reported in SendUserAction frames.
	User string

	// UseMock replaces the socket with a local simulator. Hosts ending in
	// github.io always use it.
	UseMock bool

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// scheduler runs f after d and returns a function that cancels it.
type scheduler func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Client manages one relay connection: dial, heartbeat, reconnect with
// linear backoff, and dispatch of inbound frames to an Emitter.
type Client struct {
	*Emitter

	opts     Options
	logger   *zap.Logger
	dialer   *websocket.Dialer
	schedule scheduler
	now      func() time.Time

	mu            sync.Mutex
	writeMu       sync.Mutex // serialises all conn writes
	conn          *websocket.Conn
	state         ConnState
	clientID      string
	attempts      int
	manual        bool
	stopHeartbeat context.CancelFunc
	stopRetry     func() bool
	sim           *simulator

	simTimingOverride *simTiming
}

func New(opts Options) *Client {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.User == "" {
		opts.User = "unknown"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}
	if !opts.UseMock && isStaticHost(opts.URL) {
		opts.UseMock = true
	}

	return &Client{
		Emitter:  NewEmitter(opts.Logger),
		opts:     opts,
		logger:   opts.Logger,
		dialer:   dialer,
		schedule: afterFunc,
		now:      time.Now,
	}
}

// Connect opens the connection. It returns immediately if the client is
// already connected or connecting. A pending reconnect is replaced by
// this attempt. A failed dial emits EventError and schedules a reconnect,
// then returns the dial error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		c.logger.Debug("connect ignored", zap.Stringer("state", c.state))
		return nil
	}
	c.cancelRetryLocked()
	c.manual = false
	c.state = StateConnecting
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	if c.opts.UseMock {
		c.startSimulator()
		return nil
	}

	c.logger.Info("connecting to relay", zap.String("url", c.opts.URL))
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()

		c.logger.Warn("relay dial failed", zap.String("url", c.opts.URL), zap.Error(err))
		c.Emit(EventError, err)
		c.Emit(EventDisconnected, Disconnected{Code: websocket.CloseAbnormalClosure, Reason: err.Error()})
		c.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	hbCtx, hbCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.manual {
		// Disconnect raced the dial.
		c.state = StateDisconnected
		c.mu.Unlock()
		hbCancel()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.stopHeartbeat = hbCancel
	c.mu.Unlock()

	c.logger.Info("connected to relay", zap.String("url", c.opts.URL))
	c.Emit(EventConnected, nil)

	go c.heartbeat(hbCtx)
	go c.readLoop(conn)
	return nil
}

// scheduleReconnect waits ReconnectInterval × attempt before the next dial.
// Once MaxReconnectAttempts have failed it emits
// EventMaxReconnectAttemptsReached and stops.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		attempts := c.attempts
		c.mu.Unlock()
		c.logger.Error("max reconnect attempts reached", zap.Int("attempts", attempts))
		c.Emit(EventMaxReconnectAttemptsReached, MaxReconnectAttemptsReached{Attempts: attempts})
		return
	}
	c.attempts++
	attempt := c.attempts
	delay := c.opts.ReconnectInterval * time.Duration(attempt)
	c.cancelRetryLocked()
	c.stopRetry = c.schedule(delay, c.reconnect)
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt),
		zap.Int("max", c.opts.MaxReconnectAttempts))
}

// cancelRetryLocked stops a pending reconnect timer. c.mu must be held.
func (c *Client) cancelRetryLocked() {
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.manual || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.stopRetry = nil
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	_ = c.dial(ctx)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, err.Error()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code, reason = closeErr.Code, closeErr.Text
				err = nil
			}
			c.closed(conn, code, reason, err)
			return
		}
		c.dispatch(data)
	}
}

// closed tears down conn once. Any code other than a normal closure
// schedules a reconnect. A transport error is emitted only for the current
// connection.
func (c *Client) closed(conn *websocket.Conn, code int, reason string, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.clientID = ""
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
		c.stopHeartbeat = nil
	}
	c.mu.Unlock()

	_ = conn.Close()
	if cause != nil {
		c.Emit(EventError, cause)
	}
	c.logger.Info("relay connection closed", zap.Int("code", code), zap.String("reason", reason))
	c.Emit(EventDisconnected, Disconnected{Code: code, Reason: reason})

	if code != websocket.CloseNormalClosure {
		c.scheduleReconnect()
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Ping()
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var env struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type == nil {
		c.logger.Warn("dropping unparseable frame", zap.Error(err))
		return
	}

	msgType := *env.Type
	var payload any
	var err error
	switch msgType {
	case EventWelcome:
		var m Welcome
		if err = json.Unmarshal(data, &m); err == nil {
			c.mu.Lock()
			c.clientID = m.ClientID
			c.mu.Unlock()
			c.logger.Info("client id assigned", zap.String("client_id", m.ClientID))
		}
		payload = m
	case EventPong:
		payload, err = decode[Pong](data)
	case EventKPIUpdate:
		payload, err = decode[KPIUpdate](data)
	case EventNewActivity:
		payload, err = decode[NewActivity](data)
	case EventNewNotification:
		payload, err = decode[NewNotification](data)
	case EventUserCountUpdate:
		payload, err = decode[UserCountUpdate](data)
	case EventUserAction:
		payload, err = decode[UserAction](data)
	case EventSystemStatusUpdate:
		payload, err = decode[SystemStatusUpdate](data)
	case EventMetricsUpdate:
		payload, err = decode[MetricsUpdate](data)
	case EventSubscribed:
		payload, err = decode[Subscribed](data)
	case "error":
		var m ServerError
		if err = json.Unmarshal(data, &m); err == nil {
			c.logger.Warn("relay reported error", zap.String("message", m.Message))
			c.Emit(EventServerError, m)
		}
		if err != nil {
			c.logger.Warn("dropping unparseable frame", zap.String("type", msgType), zap.Error(err))
		}
		return
	default:
		c.logger.Debug("unknown frame type", zap.String("type", msgType))
		payload = Unknown{Type: msgType, Raw: append(json.RawMessage(nil), data...)}
	}
	if err != nil {
		c.logger.Warn("dropping unparseable frame", zap.String("type", msgType), zap.Error(err))
		return
	}
	c.Emit(msgType, payload)
}

func decode[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Send writes {type, ...fields, clientId, timestamp}. It reports false, and
// writes nothing, unless the client is connected.
func (c *Client) Send(msgType string, fields map[string]any) bool {
	c.mu.Lock()
	conn, state, sim := c.conn, c.state, c.sim
	var clientID any
	if c.clientID != "" {
		clientID = c.clientID
	}
	c.mu.Unlock()

	if state != StateConnected {
		c.logger.Warn("not connected, dropping message", zap.String("type", msgType))
		return false
	}

	if sim != nil {
		sim.send(msgType)
		return true
	}
	if conn == nil {
		return false
	}

	frame := make(map[string]any, len(fields)+3)
	frame["type"] = msgType
	for k, v := range fields {
		frame[k] = v
	}
	frame["clientId"] = clientID
	frame["timestamp"] = c.now().UTC().Format(timeFormat)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		c.logger.Warn("send failed", zap.String("type", msgType), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) Ping() bool {
	return c.Send("ping", nil)
}

func (c *Client) SendUserAction(action string, details any) bool {
	if details == nil {
		details = map[string]any{}
	}
	return c.Send("userAction", map[string]any{
		"action":  action,
		"user":    c.opts.User,
		"details": details,
	})
}

func (c *Client) SendActivity(activity map[string]any) bool {
	return c.Send("activityLog", map[string]any{"activity": activity})
}

func (c *Client) SendNotification(notification map[string]any) bool {
	return c.Send("notification", map[string]any{"notification": notification})
}

func (c *Client) SendKPIUpdate(kpiID string, value any) bool {
	return c.Send("kpiUpdate", map[string]any{"kpiId": kpiID, "value": value})
}

// Subscribe limits broadcasts to channels. An empty list receives
// everything again.
func (c *Client) Subscribe(channels []string) bool {
	if channels == nil {
		channels = []string{}
	}
	return c.Send("subscribe", map[string]any{"channels": channels})
}

// Disconnect closes the connection with a normal closure and cancels any
// pending reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.cancelRetryLocked()
	conn, sim := c.conn, c.sim
	c.sim = nil
	c.mu.Unlock()

	if sim != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.clientID = ""
		c.mu.Unlock()
		sim.stop()
		c.Emit(EventDisconnected, Disconnected{Code: websocket.CloseNormalClosure, Reason: "Client disconnect"})
		return
	}
	if conn == nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client disconnect"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.closed(conn, websocket.CloseNormalClosure, "Client disconnect", nil)
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// ClientID is empty until the welcome frame arrives and after a disconnect.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// ReconnectAttempts returns the attempts made since the last successful open.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ResolveURL picks the relay for a page host: the local relay for loopback
// hosts, otherwise the public echo endpoint.
func ResolveURL(host string, secure bool) string {
	hostname := host
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.HasSuffix(host, "]") {
		hostname = host[:i]
	}
	switch hostname {
	case "localhost", "127.0.0.1":
		return "ws://localhost:8080"
	}
	if secure {
		return "wss://echo.websocket.org"
	}
	return "ws://echo.websocket.org"
}

// isStaticHost reports whether url points at static hosting, where no relay
// can run.
func isStaticHost(url string) bool {
	rest := url
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/:?"); i >= 0 {
		rest = rest[:i]
	}
	return strings.HasSuffix(rest, "github.io")
}
