package transport

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/poselink/metric"
)

// Metrics holds per-socket Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	packetsDropped  prometheus.Counter
	decodeErrors    prometheus.Counter
	unknownPeers    prometheus.Counter
	socketErrors    prometheus.Counter
	lastActivity    prometheus.Gauge
}

func metricsService(port int) string {
	return fmt.Sprintf("transport_%d", port)
}

func peersMetricsService(port int) string {
	return fmt.Sprintf("peers_%d", port)
}

// newMetrics creates and registers socket metrics for port. It returns nil
// without a registry. On a registration error nothing from this call stays
// registered.
func newMetrics(registry *metric.MetricsRegistry, port int) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"port": fmt.Sprint(port)}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "poselink",
			Subsystem:   "transport",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &Metrics{
		packetsReceived: counter("packets_received_total", "Total UDP datagrams received"),
		bytesReceived:   counter("bytes_received_total", "Total bytes received"),
		packetsDropped:  counter("packets_dropped_total", "Datagrams dropped because a worker queue was full"),
		decodeErrors:    counter("decode_errors_total", "Datagrams that were not a valid JSON object"),
		unknownPeers:    counter("unknown_peer_total", "Pose datagrams with no resolvable subject name"),
		socketErrors:    counter("socket_errors_total", "Socket read errors"),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "poselink",
			Subsystem:   "transport",
			Name:        "last_activity_timestamp",
			Help:        "Unix timestamp of the last received datagram",
			ConstLabels: labels,
		}),
	}

	service := metricsService(port)
	collectors := []struct {
		name string
		c    prometheus.Collector
	}{
		{"packets_received", m.packetsReceived},
		{"bytes_received", m.bytesReceived},
		{"packets_dropped", m.packetsDropped},
		{"decode_errors", m.decodeErrors},
		{"unknown_peers", m.unknownPeers},
		{"socket_errors", m.socketErrors},
		{"last_activity", m.lastActivity},
	}
	for i, c := range collectors {
		var err error
		if g, ok := c.c.(prometheus.Gauge); ok {
			err = registry.RegisterGauge(service, c.name, g)
		} else {
			err = registry.RegisterCounter(service, c.name, c.c.(prometheus.Counter))
		}
		if err != nil {
			for _, done := range collectors[:i] {
				registry.Unregister(service, done.name)
			}
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) received(n int, at time.Time) {
	if m == nil {
		return
	}
	m.packetsReceived.Inc()
	m.bytesReceived.Add(float64(n))
	m.lastActivity.Set(float64(at.Unix()))
}

func (m *Metrics) dropped() {
	if m != nil {
		m.packetsDropped.Inc()
	}
}

func (m *Metrics) decodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *Metrics) unknownPeer() {
	if m != nil {
		m.unknownPeers.Inc()
	}
}

func (m *Metrics) socketError() {
	if m != nil {
		m.socketErrors.Inc()
	}
}
