package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirsinexus/relay/internal/ws"
)

const eventTimeout = 2 * time.Second

type testRelay struct {
	wsURL   string
	httpURL string
	hub     *ws.Hub
	stop    func()
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()
	hub := ws.NewHub(ws.HubOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := ws.NewServer(hub, ws.ServerOptions{
		Pump: ws.PumpOptions{WriteTimeout: time.Second, PongTimeout: time.Minute},
	})
	ts := httptest.NewServer(srv.Handler())

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-hub.Done()
			ts.Close()
		})
	}
	t.Cleanup(stop)
	return &testRelay{
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		httpURL: ts.URL,
		hub:     hub,
		stop:    stop,
	}
}

// fakeScheduler records reconnect delays and runs them on demand. Stopped
// entries are dropped from the queue.
type fakeScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []*fakeTimer
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (f *fakeScheduler) schedule(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	ft := &fakeTimer{fn: fn}
	f.pending = append(f.pending, ft)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, p := range f.pending {
			if p == ft {
				f.pending = append(f.pending[:i], f.pending[i+1:]...)
				return true
			}
		}
		return false
	}
}

func (f *fakeScheduler) runNext() bool {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return false
	}
	ft := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	ft.fn()
	return true
}

func (f *fakeScheduler) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func newTestClient(t *testing.T, opts Options) (*Client, *fakeScheduler) {
	t.Helper()
	c := New(opts)
	sched := &fakeScheduler{}
	c.schedule = sched.schedule
	t.Cleanup(c.Disconnect)
	return c, sched
}

func collect(c *Client, event string) <-chan any {
	ch := make(chan any, 32)
	c.On(event, func(p any) {
		select {
		case ch <- p:
		default:
		}
	})
	return ch
}

func next(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func none(t *testing.T, ch <-chan any, wait time.Duration) {
	t.Helper()
	select {
	case p := <-ch:
		t.Fatalf("unexpected event %#v", p)
	case <-time.After(wait):
	}
}

func deadURL(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()
	return url
}

func TestSendWhileDisconnected(t *testing.T) {
	c, _ := newTestClient(t, Options{URL: "ws://127.0.0.1:1"})

	assert.False(t, c.Send("ping", nil))
	assert.False(t, c.SendKPIUpdate("approved", 3))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectReceivesWelcome(t *testing.T) {
	r := startRelay(t)
	c, _ := newTestClient(t, Options{URL: r.wsURL})
	connected := collect(c, EventConnected)
	welcomes := collect(c, EventWelcome)

	require.NoError(t, c.Connect(context.Background()))
	next(t, connected)
	w := next(t, welcomes).(Welcome)

	assert.True(t, strings.HasPrefix(w.ClientID, "client_"))
	assert.Equal(t, w.ClientID, c.ClientID())
	assert.NotNil(t, w.State.KPIs)
	assert.NotNil(t, w.State.Activities)
	assert.Equal(t, 1, w.State.OnlineUsers)
	assert.True(t, c.IsConnected())

	// Connecting again is a no-op.
	require.NoError(t, c.Connect(context.Background()))
}

func TestPingRoundTrip(t *testing.T) {
	r := startRelay(t)
	c, _ := newTestClient(t, Options{URL: r.wsURL})
	welcomes := collect(c, EventWelcome)
	pongs := collect(c, EventPong)

	require.NoError(t, c.Connect(context.Background()))
	next(t, welcomes)

	require.True(t, c.Ping())
	p := next(t, pongs).(Pong)
	assert.NotEmpty(t, p.Timestamp)
	none(t, pongs, 100*time.Millisecond)
}

func connectPair(t *testing.T, r *testRelay) (*Client, *Client) {
	t.Helper()
	a, _ := newTestClient(t, Options{URL: r.wsURL, User: "u1"})
	b, _ := newTestClient(t, Options{URL: r.wsURL})
	for _, c := range []*Client{a, b} {
		welcomes := collect(c, EventWelcome)
		require.NoError(t, c.Connect(context.Background()))
		next(t, welcomes)
	}
	return a, b
}

func TestKPIUpdateReachesOthersOnly(t *testing.T) {
	r := startRelay(t)
	a, b := connectPair(t, r)
	aKPIs := collect(a, EventKPIUpdate)
	bKPIs := collect(b, EventKPIUpdate)

	require.True(t, a.SendKPIUpdate("approved", 12))

	got := next(t, bKPIs).(KPIUpdate)
	assert.Equal(t, "approved", got.KPIID)
	assert.JSONEq(t, "12", string(got.Value))
	none(t, aKPIs, 200*time.Millisecond)
}

func TestUserActionScenario(t *testing.T) {
	r := startRelay(t)
	a, b := connectPair(t, r)
	aActions := collect(a, EventUserAction)
	bActions := collect(b, EventUserAction)

	require.True(t, a.SendUserAction("click", map[string]any{}))

	got := next(t, bActions).(UserAction)
	assert.JSONEq(t, `"click"`, string(got.Action))
	assert.JSONEq(t, `"u1"`, string(got.User))
	assert.JSONEq(t, `{}`, string(got.Details))
	none(t, aActions, 200*time.Millisecond)
}

func TestActivityReachesSenderToo(t *testing.T) {
	r := startRelay(t)
	a, b := connectPair(t, r)
	aActs := collect(a, EventNewActivity)
	bActs := collect(b, EventNewActivity)

	require.True(t, a.SendActivity(map[string]any{"user": "u1", "action": "Approved document"}))

	for _, ch := range []<-chan any{aActs, bActs} {
		got := next(t, ch).(NewActivity)
		assert.True(t, strings.HasPrefix(got.Activity.ID(), "activity_"))
		assert.Equal(t, "Approved document", got.Activity["action"])
	}
}

func TestSubscribeAck(t *testing.T) {
	r := startRelay(t)
	a, _ := connectPair(t, r)
	acks := collect(a, EventSubscribed)

	require.True(t, a.Subscribe([]string{"kpis", "metrics"}))
	got := next(t, acks).(Subscribed)
	assert.Equal(t, []string{"kpis", "metrics"}, got.Channels)
}

func TestSendStampsEnvelope(t *testing.T) {
	frames := make(chan map[string]any, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "welcome", "clientId": "client_1_abcdefghi", "state": map[string]any{}})
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			frames <- m
		}
	}))
	defer ts.Close()

	c, _ := newTestClient(t, Options{URL: "ws" + strings.TrimPrefix(ts.URL, "http")})
	welcomes := collect(c, EventWelcome)
	require.NoError(t, c.Connect(context.Background()))
	next(t, welcomes)

	require.True(t, c.Send("notification", map[string]any{"notification": map[string]any{"title": "hi"}, "clientId": "spoofed"}))

	select {
	case m := <-frames:
		assert.Equal(t, "notification", m["type"])
		assert.Equal(t, map[string]any{"title": "hi"}, m["notification"])
		assert.Equal(t, "client_1_abcdefghi", m["clientId"])
		_, err := time.Parse(timeFormat, m["timestamp"].(string))
		assert.NoError(t, err)
	case <-time.After(eventTimeout):
		t.Fatal("server received nothing")
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	pings := make(chan struct{}, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			if m["type"] == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}))
	defer ts.Close()

	c, _ := newTestClient(t, Options{
		URL:               "ws" + strings.TrimPrefix(ts.URL, "http"),
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, c.Connect(context.Background()))

	select {
	case <-pings:
	case <-time.After(eventTimeout):
		t.Fatal("no heartbeat ping")
	}
}

func TestReconnectBackoffAndGiveUp(t *testing.T) {
	c, sched := newTestClient(t, Options{URL: deadURL(t)})
	maxed := collect(c, EventMaxReconnectAttemptsReached)
	errs := collect(c, EventError)

	require.Error(t, c.Connect(context.Background()))
	next(t, errs)

	for sched.runNext() {
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second, 25 * time.Second}
	assert.Equal(t, want, sched.delays)

	got := next(t, maxed).(MaxReconnectAttemptsReached)
	assert.Equal(t, 5, got.Attempts)
	none(t, maxed, 100*time.Millisecond)
	assert.Equal(t, 0, sched.pendingCount())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectDuringBackoffReplacesPendingRetry(t *testing.T) {
	c, sched := newTestClient(t, Options{URL: deadURL(t)})
	maxed := collect(c, EventMaxReconnectAttemptsReached)

	require.Error(t, c.Connect(context.Background()))
	require.Equal(t, 1, sched.pendingCount())

	// A manual attempt while the first retry waits counts as the next one.
	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, 1, sched.pendingCount())

	for sched.runNext() {
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second, 25 * time.Second}
	assert.Equal(t, want, sched.delays)
	got := next(t, maxed).(MaxReconnectAttemptsReached)
	assert.Equal(t, 5, got.Attempts)
	none(t, maxed, 100*time.Millisecond)

	// After giving up, a manual Connect dials once more and reports again
	// without starting a new chain.
	require.Error(t, c.Connect(context.Background()))
	next(t, maxed)
	none(t, maxed, 100*time.Millisecond)
	assert.Equal(t, 0, sched.pendingCount())
	assert.Len(t, sched.delays, 5)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestReconnectResetsAttemptsOnOpen(t *testing.T) {
	var rejects atomic.Int32
	rejects.Store(2)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rejects.Add(-1) >= 0 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	c, sched := newTestClient(t, Options{URL: "ws" + strings.TrimPrefix(ts.URL, "http")})
	connected := collect(c, EventConnected)

	require.Error(t, c.Connect(context.Background()))
	require.True(t, sched.runNext())
	assert.Equal(t, 2, c.ReconnectAttempts())
	require.True(t, sched.runNext())

	next(t, connected)
	assert.Equal(t, 0, c.ReconnectAttempts())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, sched.delays)
}

func TestDisconnectIsNormalClosure(t *testing.T) {
	r := startRelay(t)
	c, sched := newTestClient(t, Options{URL: r.wsURL})
	welcomes := collect(c, EventWelcome)
	disconnected := collect(c, EventDisconnected)

	require.NoError(t, c.Connect(context.Background()))
	next(t, welcomes)

	c.Disconnect()
	got := next(t, disconnected).(Disconnected)
	assert.Equal(t, websocket.CloseNormalClosure, got.Code)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.ClientID())
	assert.Equal(t, 0, sched.pendingCount())
	assert.False(t, c.Ping())

	require.Eventually(t, func() bool { return r.hub.ClientCount() == 0 }, eventTimeout, 10*time.Millisecond)
}

func TestServerShutdownSchedulesReconnect(t *testing.T) {
	r := startRelay(t)
	c, sched := newTestClient(t, Options{URL: r.wsURL})
	welcomes := collect(c, EventWelcome)
	disconnected := collect(c, EventDisconnected)

	require.NoError(t, c.Connect(context.Background()))
	next(t, welcomes)

	r.stop()
	got := next(t, disconnected).(Disconnected)
	assert.Equal(t, websocket.CloseGoingAway, got.Code)

	require.Eventually(t, func() bool { return sched.pendingCount() == 1 }, eventTimeout, 10*time.Millisecond)
	assert.Equal(t, []time.Duration{5 * time.Second}, sched.delays)
}

func TestDispatch(t *testing.T) {
	c, _ := newTestClient(t, Options{URL: "ws://127.0.0.1:1"})
	serverErrs := collect(c, EventServerError)
	unknown := collect(c, "leaderboard")
	metrics := collect(c, EventMetricsUpdate)
	counts := collect(c, EventUserCountUpdate)

	c.dispatch([]byte(`{"type":"error","message":"Invalid message format","timestamp":"t"}`))
	assert.Equal(t, "Invalid message format", next(t, serverErrs).(ServerError).Message)

	c.dispatch([]byte(`{"type":"leaderboard","top":[1,2]}`))
	u := next(t, unknown).(Unknown)
	assert.Equal(t, "leaderboard", u.Type)
	assert.JSONEq(t, `{"type":"leaderboard","top":[1,2]}`, string(u.Raw))

	c.dispatch([]byte(`{"type":"metricsUpdate","metrics":{"cpu":41,"memory":63,"requests":1500,"responseTime":90}}`))
	assert.Equal(t, Metrics{CPU: 41, Memory: 63, Requests: 1500, ResponseTime: 90}, next(t, metrics).(MetricsUpdate).Metrics)

	c.dispatch([]byte(`{"type":"userCountUpdate","count":3}`))
	assert.Equal(t, 3, next(t, counts).(UserCountUpdate).Count)

	// Unparseable frames are dropped without emitting.
	c.dispatch([]byte(`not json`))
	c.dispatch([]byte(`{"count":3}`))
	c.dispatch([]byte(`{"type":"userCountUpdate","count":"three"}`))
	none(t, counts, 50*time.Millisecond)
}

func TestMockConnection(t *testing.T) {
	c, _ := newTestClient(t, Options{URL: "wss://sirsimaster.github.io/relay"})
	require.True(t, c.opts.UseMock)
	c.simTimingOverride = &simTiming{first: time.Millisecond, min: time.Millisecond, pong: time.Millisecond}

	connected := collect(c, EventConnected)
	welcomes := collect(c, EventWelcome)
	pongs := collect(c, EventPong)
	disconnected := collect(c, EventDisconnected)

	events := make(chan string, 256)
	for _, ev := range []string{EventNewActivity, EventNewNotification, EventKPIUpdate, EventUserCountUpdate, EventSystemStatusUpdate} {
		name := ev
		c.On(name, func(any) {
			select {
			case events <- name:
			default:
			}
		})
	}

	require.NoError(t, c.Connect(context.Background()))
	next(t, connected)
	w := next(t, welcomes).(Welcome)
	assert.True(t, strings.HasPrefix(w.ClientID, "mock-"))
	assert.True(t, c.IsConnected())

	require.True(t, c.Ping())
	next(t, pongs)
	assert.True(t, c.SendActivity(map[string]any{"action": "Logged in"}))

	select {
	case <-events:
	case <-time.After(eventTimeout):
		t.Fatal("simulator emitted nothing")
	}

	c.Disconnect()
	got := next(t, disconnected).(Disconnected)
	assert.Equal(t, websocket.CloseNormalClosure, got.Code)
	assert.False(t, c.IsConnected())
	assert.False(t, c.Ping())
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		host   string
		secure bool
		want   string
	}{
		{"localhost", false, "ws://localhost:8080"},
		{"localhost:3000", true, "ws://localhost:8080"},
		{"127.0.0.1:5500", false, "ws://localhost:8080"},
		{"portal.sirsinexus.com", true, "wss://echo.websocket.org"},
		{"portal.sirsinexus.com", false, "ws://echo.websocket.org"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveURL(tt.host, tt.secure), tt.host)
	}
}

func TestStaticHostUsesMock(t *testing.T) {
	assert.True(t, isStaticHost("wss://sirsimaster.github.io/path"))
	assert.True(t, isStaticHost("https://sirsimaster.github.io:443"))
	assert.False(t, isStaticHost("ws://localhost:8080"))
	assert.False(t, isStaticHost("wss://github.io.example.com"))
}

func TestHTTPClient(t *testing.T) {
	r := startRelay(t)
	a, _ := connectPair(t, r)
	acts := collect(a, EventNewActivity)
	require.True(t, a.SendActivity(map[string]any{"user": "u1"}))
	next(t, acts)

	hc := NewHTTPClient(HTTPBase(r.wsURL))
	ctx := context.Background()

	h, err := hc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 2, h.Clients)

	s, err := hc.State(ctx)
	require.NoError(t, err)
	require.Len(t, s.Activities, 1)
	assert.Equal(t, "u1", s.Activities[0]["user"])
	assert.Equal(t, 2, s.OnlineUsers)
}

func TestHTTPBase(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", HTTPBase("ws://127.0.0.1:8080/ws"))
	assert.Equal(t, "https://relay.example.com", HTTPBase("wss://relay.example.com/"))
}

func TestRecordIDRequiresString(t *testing.T) {
	var r Record = map[string]any{"id": json.Number("7")}
	assert.Empty(t, r.ID())
}
