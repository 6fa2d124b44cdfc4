// Package client connects to a relay over WebSocket and exposes inbound
// frames as named events. Types mirror the relay wire protocol without
// importing server packages.
package client

import "encoding/json"

// Event names emitted by Client. Frame events share the wire type name,
// except server errors which are emitted as EventServerError.
const (
	EventConnected                   = "connected"
	EventDisconnected                = "disconnected"
	EventError                       = "error"
	EventMaxReconnectAttemptsReached = "maxReconnectAttemptsReached"

	EventWelcome            = "welcome"
	EventPong               = "pong"
	EventKPIUpdate          = "kpiUpdate"
	EventNewActivity        = "newActivity"
	EventNewNotification    = "newNotification"
	EventUserCountUpdate    = "userCountUpdate"
	EventUserAction         = "userAction"
	EventSystemStatusUpdate = "systemStatusUpdate"
	EventMetricsUpdate      = "metricsUpdate"
	EventSubscribed         = "subscribed"
	EventServerError        = "serverError"
)

// Record is an activity or notification as stored by the relay.
type Record map[string]any

// ID returns the relay-assigned id, or "" when absent.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

type Snapshot struct {
	KPIs          map[string]json.RawMessage `json:"kpis"`
	Activities    []Record                   `json:"activities"`
	Notifications []Record                   `json:"notifications"`
	SystemStatus  json.RawMessage            `json:"systemStatus"`
	OnlineUsers   int                        `json:"onlineUsers"`
}

type Welcome struct {
	ClientID  string   `json:"clientId"`
	Timestamp string   `json:"timestamp"`
	State     Snapshot `json:"state"`
}

type Pong struct {
	Timestamp string `json:"timestamp"`
}

// KPIUpdate carries either an absolute Value relayed from another client or
// a demo Change.
type KPIUpdate struct {
	KPIID     string          `json:"kpiId"`
	Value     json.RawMessage `json:"value,omitempty"`
	Change    *int            `json:"change,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type NewActivity struct {
	Activity Record `json:"activity"`
}

type NewNotification struct {
	Notification Record `json:"notification"`
}

type UserCountUpdate struct {
	Count     int    `json:"count"`
	Timestamp string `json:"timestamp"`
}

type UserAction struct {
	Action    json.RawMessage `json:"action"`
	User      json.RawMessage `json:"user"`
	Details   json.RawMessage `json:"details"`
	Timestamp string          `json:"timestamp"`
}

type SystemStatusUpdate struct {
	Status    json.RawMessage `json:"status"`
	Timestamp string          `json:"timestamp"`
}

type Metrics struct {
	CPU          float64 `json:"cpu"`
	Memory       float64 `json:"memory"`
	Requests     int     `json:"requests"`
	ResponseTime int     `json:"responseTime"`
}

type MetricsUpdate struct {
	Metrics   Metrics `json:"metrics"`
	Timestamp string  `json:"timestamp"`
}

type Subscribed struct {
	Channels  []string `json:"channels"`
	Timestamp string   `json:"timestamp"`
}

type ServerError struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Disconnected is the payload of EventDisconnected.
type Disconnected struct {
	Code   int
	Reason string
}

// MaxReconnectAttemptsReached is the payload of
// EventMaxReconnectAttemptsReached.
type MaxReconnectAttemptsReached struct {
	Attempts int
}

// Unknown carries a frame whose type this client does not recognise. It is
// emitted under the frame's own type name.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}
