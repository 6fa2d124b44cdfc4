// Package state holds the relay's shared dashboard state: KPI values, the
// activity and notification feeds, system status and the online user count.
//
// A State is not safe for concurrent use. The relay hub owns exactly one and
// mutates it from its event loop only; everyone else works on snapshots.
package state

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// TimeFormat renders timestamps the way browsers print Date.toISOString.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Timestamp formats t as an ISO-8601 UTC string with millisecond precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Record is an activity or notification entry. Callers supply arbitrary
// fields; the relay owns "id" and "timestamp".
type Record map[string]any

// ID returns the record id, or "" when missing.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

func (r Record) clone() Record {
	return maps.Clone(r)
}

// Snapshot is the wire form of the state sent in welcome frames and served
// over HTTP. All five keys are always present.
type Snapshot struct {
	KPIs          map[string]json.RawMessage `json:"kpis"`
	Activities    []Record                   `json:"activities"`
	Notifications []Record                   `json:"notifications"`
	SystemStatus  json.RawMessage            `json:"systemStatus"`
	OnlineUsers   int                        `json:"onlineUsers"`
}

type State struct {
	maxActivities    int
	maxNotifications int

	kpis          map[string]json.RawMessage
	activities    []Record
	notifications []Record
	systemStatus  json.RawMessage
	onlineUsers   int

	now     func() time.Time
	lastID  map[string]int64
	idCount map[string]int
}

// New creates an empty state. Both caps must be positive.
func New(maxActivities, maxNotifications int) *State {
	return &State{
		maxActivities:    maxActivities,
		maxNotifications: maxNotifications,
		kpis:             make(map[string]json.RawMessage),
		activities:       []Record{},
		notifications:    []Record{},
		systemStatus:     json.RawMessage(`{}`),
		now:              time.Now,
		lastID:           make(map[string]int64),
		idCount:          make(map[string]int),
	}
}

// SetKPI overwrites the value of a KPI.
func (s *State) SetKPI(id string, value json.RawMessage) {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	s.kpis[id] = append(json.RawMessage(nil), value...)
}

// KPI returns the current value of a KPI.
func (s *State) KPI(id string) (json.RawMessage, bool) {
	v, ok := s.kpis[id]
	return v, ok
}

// AddActivity stamps fields with an id and timestamp, stores the record at
// the head of the activity feed and returns it.
func (s *State) AddActivity(fields map[string]any) Record {
	rec := s.newRecord("activity", fields)
	s.activities = prepend(s.activities, rec, s.maxActivities)
	return rec.clone()
}

// AddNotification is AddActivity for the notification feed.
func (s *State) AddNotification(fields map[string]any) Record {
	rec := s.newRecord("notif", fields)
	s.notifications = prepend(s.notifications, rec, s.maxNotifications)
	return rec.clone()
}

// PutActivity stores a record that was already stamped elsewhere, such as
// one received from a peer relay.
func (s *State) PutActivity(rec Record) {
	s.activities = prepend(s.activities, rec.clone(), s.maxActivities)
}

// PutNotification is PutActivity for the notification feed.
func (s *State) PutNotification(rec Record) {
	s.notifications = prepend(s.notifications, rec.clone(), s.maxNotifications)
}

// SetSystemStatus replaces the whole status document.
func (s *State) SetSystemStatus(status json.RawMessage) {
	if len(status) == 0 {
		status = json.RawMessage("null")
	}
	s.systemStatus = append(json.RawMessage(nil), status...)
}

// SystemStatus returns the current status document.
func (s *State) SystemStatus() json.RawMessage {
	return s.systemStatus
}

// SetOnlineUsers records the number of open connections.
func (s *State) SetOnlineUsers(n int) {
	s.onlineUsers = n
}

func (s *State) OnlineUsers() int {
	return s.onlineUsers
}

func (s *State) Activities() []Record {
	return cloneRecords(s.activities)
}

func (s *State) Notifications() []Record {
	return cloneRecords(s.notifications)
}

// Snapshot copies the state so it can leave the owning goroutine.
func (s *State) Snapshot() Snapshot {
	kpis := make(map[string]json.RawMessage, len(s.kpis))
	for k, v := range s.kpis {
		kpis[k] = append(json.RawMessage(nil), v...)
	}
	return Snapshot{
		KPIs:          kpis,
		Activities:    cloneRecords(s.activities),
		Notifications: cloneRecords(s.notifications),
		SystemStatus:  append(json.RawMessage(nil), s.systemStatus...),
		OnlineUsers:   s.onlineUsers,
	}
}

// newRecord builds a record whose id derives from the arrival time. Records
// arriving within the same millisecond get a sequence suffix.
func (s *State) newRecord(prefix string, fields map[string]any) Record {
	now := s.now()
	ms := now.UnixMilli()

	id := fmt.Sprintf("%s_%d", prefix, ms)
	if s.lastID[prefix] == ms {
		s.idCount[prefix]++
		id = fmt.Sprintf("%s_%d", id, s.idCount[prefix])
	} else {
		s.lastID[prefix] = ms
		s.idCount[prefix] = 0
	}

	rec := make(Record, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["id"] = id
	rec["timestamp"] = Timestamp(now)
	return rec
}

func prepend(list []Record, rec Record, limit int) []Record {
	out := make([]Record, 0, min(len(list)+1, limit))
	out = append(out, rec)
	for _, r := range list {
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out
}

func cloneRecords(list []Record) []Record {
	out := make([]Record, len(list))
	for i, r := range list {
		out[i] = r.clone()
	}
	return out
}
