// Package metrics exposes relay traffic counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so several relays (and tests) can live
// in one process.
type Collector struct {
	registry *prometheus.Registry

	connections         prometheus.Gauge
	connectionsRejected prometheus.Counter
	framesReceived      *prometheus.CounterVec
	framesSent          prometheus.Counter
	broadcasts          *prometheus.CounterVec
	clientsEvicted      prometheus.Counter
	malformedFrames     prometheus.Counter
	rateLimitedFrames   prometheus.Counter
	busEvents           *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Currently open WebSocket connections",
		}),
		connectionsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_rejected_total",
			Help: "Upgrades refused because the connection limit was reached",
		}),
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Inbound frames by message type",
		}, []string{"type"}),
		framesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_sent_total",
			Help: "Frames queued for delivery to clients",
		}),
		broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Broadcasts by message type",
		}, []string{"type"}),
		clientsEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_clients_evicted_total",
			Help: "Clients disconnected because their send queue was full",
		}),
		malformedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_malformed_total",
			Help: "Inbound frames that were not valid JSON objects with a type",
		}),
		rateLimitedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_rate_limited_total",
			Help: "Inbound frames dropped by the per-connection rate limit",
		}),
		busEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bus_events_total",
			Help: "Events exchanged with peer relays",
		}, []string{"direction"}),
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) SetConnections(n int) {
	c.connections.Set(float64(n))
}

func (c *Collector) ConnectionRejected() {
	c.connectionsRejected.Inc()
}

func (c *Collector) FrameReceived(msgType string) {
	c.framesReceived.WithLabelValues(msgType).Inc()
}

func (c *Collector) FramesSent(n int) {
	c.framesSent.Add(float64(n))
}

func (c *Collector) Broadcast(msgType string) {
	c.broadcasts.WithLabelValues(msgType).Inc()
}

func (c *Collector) ClientEvicted() {
	c.clientsEvicted.Inc()
}

func (c *Collector) MalformedFrame() {
	c.malformedFrames.Inc()
}

func (c *Collector) RateLimited() {
	c.rateLimitedFrames.Inc()
}

func (c *Collector) BusEvent(direction string) {
	c.busEvents.WithLabelValues(direction).Inc()
}
