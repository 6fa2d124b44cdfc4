package ws

import (
	"encoding/json"

	"github.com/sirsinexus/relay/internal/state"
)

type MessageType string

// Inbound (client to server) types.
const (
	MsgPing         MessageType = "ping"
	MsgKPIUpdate    MessageType = "kpiUpdate"
	MsgActivityLog  MessageType = "activityLog"
	MsgNotification MessageType = "notification"
	MsgUserAction   MessageType = "userAction"
	MsgSystemStatus MessageType = "systemStatus"
	MsgSubscribe    MessageType = "subscribe"
)

// Outbound (server to client) types. kpiUpdate and userAction are shared
// with the inbound set.
const (
	MsgWelcome            MessageType = "welcome"
	MsgPong               MessageType = "pong"
	MsgUserCountUpdate    MessageType = "userCountUpdate"
	MsgNewActivity        MessageType = "newActivity"
	MsgNewNotification    MessageType = "newNotification"
	MsgSystemStatusUpdate MessageType = "systemStatusUpdate"
	MsgMetricsUpdate      MessageType = "metricsUpdate"
	MsgSubscribed         MessageType = "subscribed"
	MsgError              MessageType = "error"
)

// Channel groups broadcast frames for subscribe filtering.
type Channel string

const (
	ChannelKPIs          Channel = "kpis"
	ChannelActivities    Channel = "activities"
	ChannelNotifications Channel = "notifications"
	ChannelUsers         Channel = "users"
	ChannelUserActions   Channel = "userActions"
	ChannelSystemStatus  Channel = "systemStatus"
	ChannelMetrics       Channel = "metrics"
)

var knownChannels = map[Channel]bool{
	ChannelKPIs:          true,
	ChannelActivities:    true,
	ChannelNotifications: true,
	ChannelUsers:         true,
	ChannelUserActions:   true,
	ChannelSystemStatus:  true,
	ChannelMetrics:       true,
}

// channelFor maps a broadcast frame type to its channel. Types without a
// channel are always delivered.
func channelFor(t MessageType) (Channel, bool) {
	switch t {
	case MsgKPIUpdate:
		return ChannelKPIs, true
	case MsgNewActivity:
		return ChannelActivities, true
	case MsgNewNotification:
		return ChannelNotifications, true
	case MsgUserCountUpdate:
		return ChannelUsers, true
	case MsgUserAction:
		return ChannelUserActions, true
	case MsgSystemStatusUpdate:
		return ChannelSystemStatus, true
	case MsgMetricsUpdate:
		return ChannelMetrics, true
	}
	return "", false
}

// envelope reads only the discriminator of an inbound frame.
type envelope struct {
	Type *string `json:"type"`
}

// inboundFields holds the top-level members of an inbound frame. Members
// are decoded leniently: a value of the wrong JSON kind reads as absent.
type inboundFields map[string]json.RawMessage

// parseInbound rejects only text that is not JSON. Valid JSON that is not
// an object yields empty fields.
func parseInbound(data []byte) (inboundFields, bool) {
	if !json.Valid(data) {
		return nil, false
	}
	var f inboundFields
	if err := json.Unmarshal(data, &f); err != nil {
		return inboundFields{}, true
	}
	return f, true
}

func (f inboundFields) str(name string) (string, bool) {
	var s string
	if err := json.Unmarshal(f[name], &s); err != nil {
		return "", false
	}
	return s, true
}

// key reads an identifier that may arrive as a string or as any other
// scalar, e.g. a numeric KPI id. 5 and "5" name the same key.
func (f inboundFields) key(name string) (string, bool) {
	raw, ok := f[name]
	if !ok {
		return "", false
	}
	if s, ok := f.str(name); ok {
		return s, true
	}
	return string(raw), true
}

// object returns the member as a map, or an empty map when it is missing
// or not an object.
func (f inboundFields) object(name string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(f[name], &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// strings returns the string elements of an array member.
func (f inboundFields) strings(name string) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(f[name], &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil {
			out = append(out, s)
		}
	}
	return out
}

type WelcomeMessage struct {
	Type      MessageType    `json:"type"`
	ClientID  string         `json:"clientId"`
	Timestamp string         `json:"timestamp"`
	State     state.Snapshot `json:"state"`
}

type PongMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
}

type UserCountMessage struct {
	Type      MessageType `json:"type"`
	Count     int         `json:"count"`
	Timestamp string      `json:"timestamp"`
}

// KPIMessage carries either a relayed absolute value or a demo delta.
type KPIMessage struct {
	Type      MessageType     `json:"type"`
	KPIID     string          `json:"kpiId"`
	Value     json.RawMessage `json:"value,omitempty"`
	Change    *int            `json:"change,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type ActivityMessage struct {
	Type     MessageType  `json:"type"`
	Activity state.Record `json:"activity"`
}

type NotificationMessage struct {
	Type         MessageType  `json:"type"`
	Notification state.Record `json:"notification"`
}

type UserActionMessage struct {
	Type      MessageType     `json:"type"`
	Action    json.RawMessage `json:"action,omitempty"`
	User      json.RawMessage `json:"user,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type SystemStatusMessage struct {
	Type      MessageType     `json:"type"`
	Status    json.RawMessage `json:"status"`
	Timestamp string          `json:"timestamp"`
}

type Metrics struct {
	CPU          float64 `json:"cpu"`
	Memory       float64 `json:"memory"`
	Requests     int     `json:"requests"`
	ResponseTime int     `json:"responseTime"`
}

type MetricsMessage struct {
	Type      MessageType `json:"type"`
	Metrics   Metrics     `json:"metrics"`
	Timestamp string      `json:"timestamp"`
}

type SubscribedMessage struct {
	Type      MessageType `json:"type"`
	Channels  []Channel   `json:"channels"`
	Timestamp string      `json:"timestamp"`
}

type ErrorMessage struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
}
