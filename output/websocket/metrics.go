package websocket

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/poselink/metric"
)

// Metrics holds server metrics. A nil *Metrics records nothing.
type Metrics struct {
	messagesQueued   *prometheus.CounterVec
	messagesSent     prometheus.Counter
	bytesSent        prometheus.Counter
	messagesDropped  prometheus.Counter
	clientsConnected prometheus.Gauge
	connectionsTotal prometheus.Counter
	subjects         prometheus.Gauge
	errorsTotal      *prometheus.CounterVec
}

// newMetrics registers the server collectors under the "websocket" service.
// A failed call leaves nothing registered.
func newMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poselink", Subsystem: "websocket", Name: name, Help: help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poselink", Subsystem: "websocket", Name: name, Help: help,
		})
	}

	m := &Metrics{
		messagesQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poselink", Subsystem: "websocket",
			Name: "messages_broadcast_total", Help: "Envelopes broadcast by type",
		}, []string{"type"}),
		messagesSent:     counter("messages_sent_total", "Envelopes written to client sockets"),
		bytesSent:        counter("bytes_sent_total", "Bytes written to client sockets"),
		messagesDropped:  counter("messages_dropped_total", "Envelopes evicted from slow client queues"),
		clientsConnected: gauge("clients_connected", "Connected clients"),
		connectionsTotal: counter("client_connections_total", "Client connections accepted"),
		subjects:         gauge("subjects", "Live subjects"),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poselink", Subsystem: "websocket",
			Name: "errors_total", Help: "WebSocket server errors",
		}, []string{"error_type"}),
	}

	const service = "websocket"
	steps := []struct {
		name     string
		register func() error
	}{
		{"messages_broadcast", func() error { return registry.RegisterCounterVec(service, "messages_broadcast", m.messagesQueued) }},
		{"messages_sent", func() error { return registry.RegisterCounter(service, "messages_sent", m.messagesSent) }},
		{"bytes_sent", func() error { return registry.RegisterCounter(service, "bytes_sent", m.bytesSent) }},
		{"messages_dropped", func() error { return registry.RegisterCounter(service, "messages_dropped", m.messagesDropped) }},
		{"clients_connected", func() error { return registry.RegisterGauge(service, "clients_connected", m.clientsConnected) }},
		{"connections", func() error { return registry.RegisterCounter(service, "connections", m.connectionsTotal) }},
		{"subjects", func() error { return registry.RegisterGauge(service, "subjects", m.subjects) }},
		{"errors", func() error { return registry.RegisterCounterVec(service, "errors", m.errorsTotal) }},
	}
	for i, step := range steps {
		if err := step.register(); err != nil {
			for _, done := range steps[:i] {
				registry.Unregister(service, done.name)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) queued(kind string) {
	if m == nil {
		return
	}
	m.messagesQueued.WithLabelValues(kind).Inc()
}

func (m *Metrics) sent(n int) {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.messagesDropped.Inc()
}

func (m *Metrics) connected(clients int) {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.clientsConnected.Set(float64(clients))
}

func (m *Metrics) disconnected(clients int) {
	if m == nil {
		return
	}
	m.clientsConnected.Set(float64(clients))
}

func (m *Metrics) setSubjects(n int) {
	if m == nil {
		return
	}
	m.subjects.Set(float64(n))
}

func (m *Metrics) failed(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}
