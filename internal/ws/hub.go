package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sirsinexus/relay/internal/bus"
	"github.com/sirsinexus/relay/internal/metrics"
	"github.com/sirsinexus/relay/internal/state"
)

var (
	ErrTooManyConnections = errors.New("too many connections")
	ErrHubClosed          = errors.New("hub closed")
)

const (
	errInvalidFormat = "Invalid message format"
	errRateLimited   = "Rate limit exceeded"
	busQueueSize     = 256
)

// HubOptions configures a Hub. Zero values fall back to the relay defaults.
type HubOptions struct {
	MaxConnections   int
	MaxActivities    int
	MaxNotifications int
	SendBuffer       int
	RateLimit        float64
	RateBurst        int
	Logger           *zap.Logger
	Metrics          *metrics.Collector
}

// Hub is the relay core. A single goroutine (Run) owns the client set, the
// subscriptions and the shared state; every other goroutine talks to it over
// channels.
type Hub struct {
	logger  *zap.Logger
	metrics *metrics.Collector
	opts    HubOptions

	// Owned by Run.
	state   *state.State
	clients map[*client]struct{}

	instanceID string
	bus        bus.Bus
	publishCh  chan bus.Event

	register   chan registration
	unregister chan *client
	inbound    chan inboundFrame
	remote     chan bus.Event
	outbound   chan outboundFrame
	snapshots  chan chan state.Snapshot

	count   atomic.Int64
	started atomic.Bool
	done    chan struct{}
	now     func() time.Time
}

type registration struct {
	conn  *websocket.Conn
	reply chan registrationResult
}

type registrationResult struct {
	client *client
	err    error
}

type inboundFrame struct {
	client  *client
	data    []byte
	limited bool
}

type outboundFrame struct {
	msgType MessageType
	data    []byte
}

func NewHub(opts HubOptions) *Hub {
	if opts.MaxActivities <= 0 {
		opts.MaxActivities = 50
	}
	if opts.MaxNotifications <= 0 {
		opts.MaxNotifications = 50
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}

	return &Hub{
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		opts:       opts,
		state:      state.New(opts.MaxActivities, opts.MaxNotifications),
		clients:    make(map[*client]struct{}),
		instanceID: uuid.NewString(),
		register:   make(chan registration),
		unregister: make(chan *client),
		inbound:    make(chan inboundFrame, 256),
		remote:     make(chan bus.Event, busQueueSize),
		outbound:   make(chan outboundFrame, 64),
		snapshots:  make(chan chan state.Snapshot),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// InstanceID identifies this hub on the bus.
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// ConnectBus joins the cross-instance bus. Must be called before Run.
func (h *Hub) ConnectBus(ctx context.Context, b bus.Bus) error {
	if h.started.Load() {
		return fmt.Errorf("connect bus: hub already running")
	}
	err := b.Subscribe(ctx, func(ctx context.Context, ev bus.Event) {
		if ev.Origin == h.instanceID {
			return
		}
		select {
		case h.remote <- ev:
		case <-ctx.Done():
		case <-h.done:
		}
	})
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	h.bus = b
	h.publishCh = make(chan bus.Event, busQueueSize)
	return nil
}

// Run processes hub events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.started.Store(true)
	defer close(h.done)

	if h.bus != nil {
		go h.publishLoop(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case reg := <-h.register:
			c, err := h.handleRegister(reg.conn)
			reg.reply <- registrationResult{client: c, err: err}
		case c := <-h.unregister:
			h.handleUnregister(c)
		case f := <-h.inbound:
			h.handleInbound(f)
		case ev := <-h.remote:
			h.handleRemote(ev)
		case f := <-h.outbound:
			h.deliver(f.data, f.msgType, nil)
		case reply := <-h.snapshots:
			reply <- h.state.Snapshot()
		}
	}
}

// Register adds conn to the relay. The welcome frame is queued before
// Register returns, so it is always the first frame the client sees.
func (h *Hub) Register(conn *websocket.Conn) (*client, error) {
	reply := make(chan registrationResult, 1)
	select {
	case h.register <- registration{conn: conn, reply: reply}:
	case <-h.done:
		return nil, ErrHubClosed
	}
	res := <-reply
	return res.client, res.err
}

// Unregister removes c. Removing an unknown or already removed client is a
// no-op.
func (h *Hub) Unregister(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast sends a server-originated frame (demo feed, metrics) to every
// client.
func (h *Hub) Broadcast(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == nil {
		return fmt.Errorf("broadcast frame has no type")
	}
	select {
	case h.outbound <- outboundFrame{msgType: MessageType(*env.Type), data: data}:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Snapshot returns a copy of the shared state.
func (h *Hub) Snapshot(ctx context.Context) (state.Snapshot, error) {
	reply := make(chan state.Snapshot, 1)
	select {
	case h.snapshots <- reply:
	case <-h.done:
		return state.Snapshot{}, ErrHubClosed
	case <-ctx.Done():
		return state.Snapshot{}, ctx.Err()
	}
	return <-reply, nil
}

// ClientCount is safe to call from any goroutine.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// submit hands a frame read by a connection to the event loop. It reports
// false once the hub has stopped.
func (h *Hub) submit(f inboundFrame) bool {
	select {
	case h.inbound <- f:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handleRegister(conn *websocket.Conn) (*client, error) {
	if h.opts.MaxConnections > 0 && len(h.clients) >= h.opts.MaxConnections {
		h.metrics.ConnectionRejected()
		return nil, ErrTooManyConnections
	}

	c := newClient(newClientID(h.now()), conn, h.opts.SendBuffer)
	if h.opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(h.opts.RateLimit), max(h.opts.RateBurst, 1))
	}
	h.clients[c] = struct{}{}
	h.updateCount()

	h.logger.Info("client connected",
		zap.String("client_id", c.id),
		zap.String("remote", remoteAddr(conn)),
		zap.Int("online", len(h.clients)))

	h.sendTo(c, WelcomeMessage{
		Type:      MsgWelcome,
		ClientID:  c.id,
		Timestamp: h.timestamp(),
		State:     h.state.Snapshot(),
	})
	h.broadcastUserCount()
	return c, nil
}

func (h *Hub) handleUnregister(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.remove(c, websocket.CloseNormalClosure)
	h.logger.Info("client disconnected",
		zap.String("client_id", c.id),
		zap.Int("online", len(h.clients)))
	h.broadcastUserCount()
}

func (h *Hub) handleInbound(f inboundFrame) {
	c := f.client
	if _, ok := h.clients[c]; !ok {
		return
	}

	if f.limited {
		h.metrics.RateLimited()
		h.sendError(c, errRateLimited)
		return
	}

	fields, ok := parseInbound(f.data)
	if !ok {
		h.metrics.MalformedFrame()
		h.logger.Warn("malformed frame", zap.String("client_id", c.id))
		h.sendError(c, errInvalidFormat)
		return
	}

	// Frames without a string type fall through to the unknown branch.
	t, _ := fields.str("type")
	msgType := MessageType(t)
	h.logger.Debug("frame received",
		zap.String("client_id", c.id),
		zap.String("type", t))

	if !h.route(c, msgType, fields) {
		h.metrics.FrameReceived("unknown")
		h.logger.Info("unknown message type",
			zap.String("client_id", c.id),
			zap.String("type", t))
		return
	}
	h.metrics.FrameReceived(t)
}

// route handles a frame of a known type and reports whether the type was
// known.
func (h *Hub) route(c *client, msgType MessageType, in inboundFields) bool {
	switch msgType {
	case MsgPing:
		h.sendTo(c, PongMessage{Type: MsgPong, Timestamp: h.timestamp()})

	case MsgKPIUpdate:
		id, ok := in.key("kpiId")
		value := in["value"]
		if ok {
			h.state.SetKPI(id, value)
		}
		h.relay(KPIMessage{
			Type:      MsgKPIUpdate,
			KPIID:     id,
			Value:     value,
			Timestamp: h.timestamp(),
		}, c)

	case MsgActivityLog:
		rec := h.state.AddActivity(in.object("activity"))
		h.relay(ActivityMessage{Type: MsgNewActivity, Activity: rec}, nil)

	case MsgNotification:
		rec := h.state.AddNotification(in.object("notification"))
		h.relay(NotificationMessage{Type: MsgNewNotification, Notification: rec}, nil)

	case MsgUserAction:
		h.relay(UserActionMessage{
			Type:      MsgUserAction,
			Action:    in["action"],
			User:      in["user"],
			Details:   in["details"],
			Timestamp: h.timestamp(),
		}, c)

	case MsgSystemStatus:
		h.state.SetSystemStatus(in["status"])
		h.relay(SystemStatusMessage{
			Type:      MsgSystemStatusUpdate,
			Status:    h.state.SystemStatus(),
			Timestamp: h.timestamp(),
		}, nil)

	case MsgSubscribe:
		requested := in.strings("channels")
		accepted := c.subscribe(requested)
		h.logger.Info("client subscribed",
			zap.String("client_id", c.id),
			zap.Strings("requested", requested),
			zap.Int("accepted", len(accepted)))
		h.sendTo(c, SubscribedMessage{
			Type:      MsgSubscribed,
			Channels:  accepted,
			Timestamp: h.timestamp(),
		})

	default:
		return false
	}
	return true
}

// relay broadcasts a client-originated frame locally and forwards it to peer
// instances.
func (h *Hub) relay(v any, except *client) {
	data, msgType, ok := h.encode(v)
	if !ok {
		return
	}
	h.deliver(data, msgType, except)
	h.publish(data)
}

func (h *Hub) handleRemote(ev bus.Event) {
	h.metrics.BusEvent("in")

	var env envelope
	if err := json.Unmarshal(ev.Frame, &env); err != nil || env.Type == nil {
		h.logger.Warn("dropping bus event without type", zap.String("origin", ev.Origin))
		return
	}
	msgType := MessageType(*env.Type)

	switch msgType {
	case MsgKPIUpdate:
		var m KPIMessage
		if err := json.Unmarshal(ev.Frame, &m); err != nil {
			return
		}
		if len(m.Value) > 0 {
			h.state.SetKPI(m.KPIID, m.Value)
		}
	case MsgNewActivity:
		var m ActivityMessage
		if err := json.Unmarshal(ev.Frame, &m); err != nil {
			return
		}
		h.state.PutActivity(m.Activity)
	case MsgNewNotification:
		var m NotificationMessage
		if err := json.Unmarshal(ev.Frame, &m); err != nil {
			return
		}
		h.state.PutNotification(m.Notification)
	case MsgSystemStatusUpdate:
		var m SystemStatusMessage
		if err := json.Unmarshal(ev.Frame, &m); err != nil {
			return
		}
		h.state.SetSystemStatus(m.Status)
	case MsgUserAction:
	default:
		h.logger.Debug("ignoring bus event",
			zap.String("origin", ev.Origin),
			zap.String("type", string(msgType)))
		return
	}

	h.deliver(ev.Frame, msgType, nil)
}

func (h *Hub) publish(frame []byte) {
	if h.bus == nil {
		return
	}
	select {
	case h.publishCh <- bus.Event{Origin: h.instanceID, Frame: frame}:
	default:
		h.logger.Warn("bus publish queue full, dropping event")
	}
}

func (h *Hub) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.publishCh:
			if err := h.bus.Publish(ctx, ev); err != nil {
				h.logger.Warn("bus publish failed", zap.Error(err))
				continue
			}
			h.metrics.BusEvent("out")
		}
	}
}

func (h *Hub) broadcastUserCount() {
	data, msgType, ok := h.encode(UserCountMessage{
		Type:      MsgUserCountUpdate,
		Count:     len(h.clients),
		Timestamp: h.timestamp(),
	})
	if ok {
		h.deliver(data, msgType, nil)
	}
}

// deliver queues data on every client except the sender. Delivery is
// sequential and not transactional: clients whose queue is full are evicted
// after the loop and the rest still receive the frame.
func (h *Hub) deliver(data []byte, msgType MessageType, except *client) {
	h.metrics.Broadcast(string(msgType))
	channel, filtered := channelFor(msgType)

	var evicted []*client
	sent := 0
	for c := range h.clients {
		if c == except {
			continue
		}
		if filtered && !c.wants(channel) {
			continue
		}
		if c.enqueue(data) {
			sent++
		} else {
			evicted = append(evicted, c)
		}
	}
	h.metrics.FramesSent(sent)

	if len(evicted) == 0 {
		return
	}
	for _, c := range evicted {
		h.logger.Warn("client too slow, disconnecting", zap.String("client_id", c.id))
		h.metrics.ClientEvicted()
		h.remove(c, websocket.ClosePolicyViolation)
	}
	h.broadcastUserCount()
}

// sendTo queues a direct reply. Direct replies bypass channel filters.
func (h *Hub) sendTo(c *client, v any) {
	data, _, ok := h.encode(v)
	if !ok {
		return
	}
	if c.enqueue(data) {
		h.metrics.FramesSent(1)
		return
	}
	h.logger.Warn("client too slow, disconnecting", zap.String("client_id", c.id))
	h.metrics.ClientEvicted()
	h.remove(c, websocket.ClosePolicyViolation)
	h.broadcastUserCount()
}

func (h *Hub) sendError(c *client, message string) {
	h.sendTo(c, ErrorMessage{Type: MsgError, Message: message, Timestamp: h.timestamp()})
}

func (h *Hub) remove(c *client, code int) {
	delete(h.clients, c)
	c.close(code)
	h.updateCount()
}

func (h *Hub) updateCount() {
	n := len(h.clients)
	h.state.SetOnlineUsers(n)
	h.count.Store(int64(n))
	h.metrics.SetConnections(n)
}

func (h *Hub) shutdown() {
	for c := range h.clients {
		delete(h.clients, c)
		c.close(websocket.CloseGoingAway)
	}
	h.updateCount()
	h.logger.Info("relay hub stopped")
}

func (h *Hub) encode(v any) ([]byte, MessageType, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal frame", zap.Error(err))
		return nil, "", false
	}
	var env envelope
	_ = json.Unmarshal(data, &env)
	if env.Type == nil {
		return data, "", true
	}
	return data, MessageType(*env.Type), true
}

func (h *Hub) timestamp() string {
	return state.Timestamp(h.now())
}

// newClientID follows the client_<millis>_<suffix> shape browser clients
// already log and display.
func newClientID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("client_%d_%s", now.UnixMilli(), suffix)
}

func remoteAddr(conn *websocket.Conn) string {
	if conn == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}
