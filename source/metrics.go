package source

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/poselink/metric"
)

// Frame drop reasons.
const (
	dropDisabled     = "disabled"
	dropNoConsumer   = "no_consumer"
	dropMalformed    = "malformed"
	dropIncompatible = "incompatible"
	dropPushFailed   = "push_failed"
)

// Metrics holds per-source Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	framesPushed  prometheus.Counter
	framesDropped *prometheus.CounterVec
	discoveries   prometheus.Counter
	registrations *prometheus.CounterVec
	subjects      prometheus.Gauge
	pending       prometheus.Gauge
}

func metricsService(name string) string {
	return "source_" + name
}

// newMetrics registers the collectors for source name. Two sources sharing a
// name on one registry is an error; a failed call leaves nothing registered.
func newMetrics(registry *metric.MetricsRegistry, name string) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"source": name}
	m := &Metrics{
		framesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "poselink",
			Subsystem:   "source",
			Name:        "frames_pushed_total",
			Help:        "Animation frames pushed to the consumer",
			ConstLabels: labels,
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "poselink",
			Subsystem:   "source",
			Name:        "frames_dropped_total",
			Help:        "Pose documents that did not produce a pushed frame",
			ConstLabels: labels,
		}, []string{"reason"}),
		discoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "poselink",
			Subsystem:   "source",
			Name:        "discoveries_queued_total",
			Help:        "Subject names queued for discovery",
			ConstLabels: labels,
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "poselink",
			Subsystem:   "source",
			Name:        "registrations_total",
			Help:        "Subject registrations by result",
			ConstLabels: labels,
		}, []string{"result"}),
		subjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "poselink",
			Subsystem:   "source",
			Name:        "subjects",
			Help:        "Registered subjects",
			ConstLabels: labels,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "poselink",
			Subsystem:   "source",
			Name:        "pending_discoveries",
			Help:        "Names waiting in the discovery queue",
			ConstLabels: labels,
		}),
	}

	service := metricsService(name)
	steps := []struct {
		name     string
		register func() error
	}{
		{"frames_pushed", func() error { return registry.RegisterCounter(service, "frames_pushed", m.framesPushed) }},
		{"frames_dropped", func() error { return registry.RegisterCounterVec(service, "frames_dropped", m.framesDropped) }},
		{"discoveries", func() error { return registry.RegisterCounter(service, "discoveries", m.discoveries) }},
		{"registrations", func() error { return registry.RegisterCounterVec(service, "registrations", m.registrations) }},
		{"subjects", func() error { return registry.RegisterGauge(service, "subjects", m.subjects) }},
		{"pending", func() error { return registry.RegisterGauge(service, "pending", m.pending) }},
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

func (m *Metrics) framePushed() {
	if m == nil {
		return
	}
	m.framesPushed.Inc()
}

func (m *Metrics) frameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) discoveryQueued() {
	if m == nil {
		return
	}
	m.discoveries.Inc()
}

func (m *Metrics) registration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) gauges(subjects, pending int) {
	if m == nil {
		return
	}
	m.subjects.Set(float64(subjects))
	m.pending.Set(float64(pending))
}
