package client

import (
	"encoding/json"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	mockActivities = []Record{
		{"user": "john@example.com", "action": "Logged in", "status": "success"},
		{"user": "jane@example.com", "action": "Updated profile", "status": "completed"},
		{"user": "admin@sirsinexus.com", "action": "Approved document", "status": "success"},
		{"user": "investor@example.com", "action": "Viewed report", "status": "completed"},
		{"user": "manager@example.com", "action": "Created project", "status": "success"},
	}
	mockNotifications = []Record{
		{"type": "info", "title": "New Feature Available", "message": "Check out our new analytics dashboard"},
		{"type": "success", "title": "Backup Complete", "message": "System backup completed successfully"},
		{"type": "warning", "title": "Scheduled Maintenance", "message": "System maintenance scheduled for tonight"},
	}
	mockKPIs = []struct {
		id   string
		step int
	}{
		{"total-users", 1},
		{"pending-review", -1},
		{"approved", 1},
		{"invites-sent", 1},
	}
)

// simTiming controls how often the simulator produces events.
type simTiming struct {
	first  time.Duration
	min    time.Duration
	spread time.Duration
	pong   time.Duration
}

var defaultSimTiming = simTiming{
	first:  3 * time.Second,
	min:    5 * time.Second,
	spread: 10 * time.Second,
	pong:   100 * time.Millisecond,
}

// simulator stands in for a relay on static hosting. It emits plausible
// events on the client's Emitter and never touches the network.
type simulator struct {
	client *Client
	timing simTiming
	logger *zap.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	done chan struct{}
	once sync.Once
}

func (c *Client) startSimulator() {
	sim := &simulator{
		client: c,
		timing: c.simTiming(),
		logger: c.logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		done:   make(chan struct{}),
	}
	clientID := "mock-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:9]

	c.mu.Lock()
	c.sim = sim
	c.state = StateConnected
	c.attempts = 0
	c.clientID = clientID
	c.mu.Unlock()

	c.logger.Info("using simulated relay connection")
	c.Emit(EventConnected, nil)
	c.Emit(EventWelcome, Welcome{
		ClientID:  clientID,
		Timestamp: sim.timestamp(),
		State: Snapshot{
			KPIs:          map[string]json.RawMessage{},
			Activities:    []Record{},
			Notifications: []Record{},
			SystemStatus:  json.RawMessage(`{}`),
			OnlineUsers:   1,
		},
	})

	go sim.run()
}

func (c *Client) simTiming() simTiming {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.simTimingOverride != nil {
		return *c.simTimingOverride
	}
	return defaultSimTiming
}

func (s *simulator) run() {
	timer := time.NewTimer(s.timing.first)
	defer timer.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-timer.C:
			s.emitRandom()
			timer.Reset(s.nextDelay())
		}
	}
}

func (s *simulator) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timing.spread <= 0 {
		return s.timing.min
	}
	return s.timing.min + time.Duration(s.rng.Int63n(int64(s.timing.spread)))
}

func (s *simulator) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

func (s *simulator) emitRandom() {
	now := time.Now()
	ts := s.timestamp()

	switch s.intn(5) {
	case 0:
		act := clone(mockActivities[s.intn(len(mockActivities))])
		act["id"] = "activity-" + strconv.FormatInt(now.UnixMilli(), 10)
		act["timestamp"] = ts
		s.client.Emit(EventNewActivity, NewActivity{Activity: act})
	case 1:
		n := clone(mockNotifications[s.intn(len(mockNotifications))])
		n["id"] = "notif-" + strconv.FormatInt(now.UnixMilli(), 10)
		n["timestamp"] = ts
		n["read"] = false
		s.client.Emit(EventNewNotification, NewNotification{Notification: n})
	case 2:
		k := mockKPIs[s.intn(len(mockKPIs))]
		change := k.step * (1 + s.intn(3))
		s.client.Emit(EventKPIUpdate, KPIUpdate{KPIID: k.id, Change: &change, Timestamp: ts})
	case 3:
		s.client.Emit(EventUserCountUpdate, UserCountUpdate{Count: 5 + s.intn(10), Timestamp: ts})
	case 4:
		status, _ := json.Marshal(map[string]any{
			"server":  map[string]any{"status": "operational", "uptime": 99.95 + float64(s.intn(50))/1000, "health": "good"},
			"api":     map[string]any{"responseTime": 80 + s.intn(100), "status": "healthy"},
			"storage": map[string]any{"used": 65 + s.intn(10), "total": 100, "percentage": 65 + s.intn(10)},
		})
		s.client.Emit(EventSystemStatusUpdate, SystemStatusUpdate{Status: status, Timestamp: ts})
	}
}

// send answers pings; every other frame is accepted and dropped.
func (s *simulator) send(msgType string) {
	s.logger.Debug("simulated send", zap.String("type", msgType))
	if msgType != "ping" {
		return
	}
	go func() {
		select {
		case <-s.done:
		case <-time.After(s.timing.pong):
			s.client.Emit(EventPong, Pong{Timestamp: s.timestamp()})
		}
	}()
}

func (s *simulator) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *simulator) timestamp() string {
	return s.client.now().UTC().Format(timeFormat)
}

func clone(r Record) Record {
	out := make(Record, len(r)+3)
	for k, v := range r {
		out[k] = v
	}
	return out
}

