package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains process-wide metrics shared by all sources and consumers.
type Metrics struct {
	SourceState    *prometheus.GaugeVec
	ConsumerErrors *prometheus.CounterVec
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SourceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "poselink",
				Subsystem: "source",
				Name:      "state",
				Help:      "Source state (0=connecting, 1=listening, 2=active, 3=disabled, 4=shutting_down, 5=closed)",
			},
			[]string{"source"},
		),
		ConsumerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "poselink",
				Subsystem: "consumer",
				Name:      "errors_total",
				Help:      "Consumer operations that returned an error",
			},
			[]string{"consumer", "operation"},
		),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poselink",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (1=connected, 0=disconnected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poselink",
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "NATS reconnections",
		}),
	}
}

func (c *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(c.SourceState, c.ConsumerErrors, c.NATSConnected, c.NATSReconnects)
}

// RecordSourceState records the numeric state of a source.
func (c *Metrics) RecordSourceState(source string, state int) {
	if c == nil {
		return
	}
	c.SourceState.WithLabelValues(source).Set(float64(state))
}

// RecordConsumerError counts a failed consumer operation.
func (c *Metrics) RecordConsumerError(consumer, operation string) {
	if c == nil {
		return
	}
	c.ConsumerErrors.WithLabelValues(consumer, operation).Inc()
}

// RecordNATSStatus records the NATS connection status.
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

// RecordNATSReconnect counts a NATS reconnection.
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}
