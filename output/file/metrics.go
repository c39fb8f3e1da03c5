package file

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/poselink/metric"
)

// Metrics holds recording metrics. A nil *Metrics records nothing.
type Metrics struct {
	linesRecorded *prometheus.CounterVec
	linesWritten  prometheus.Counter
	bytesWritten  prometheus.Counter
	writeErrors   prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		linesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poselink", Subsystem: "file",
			Name: "lines_recorded_total", Help: "Lines buffered by type",
		}, []string{"type"}),
		linesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poselink", Subsystem: "file",
			Name: "lines_written_total", Help: "Lines flushed to disk",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poselink", Subsystem: "file",
			Name: "bytes_written_total", Help: "Bytes flushed to disk",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poselink", Subsystem: "file",
			Name: "errors_total", Help: "Marshal and write failures",
		}),
	}

	const service = "file"
	steps := []struct {
		name     string
		register func() error
	}{
		{"lines_recorded", func() error { return registry.RegisterCounterVec(service, "lines_recorded", m.linesRecorded) }},
		{"lines_written", func() error { return registry.RegisterCounter(service, "lines_written", m.linesWritten) }},
		{"bytes_written", func() error { return registry.RegisterCounter(service, "bytes_written", m.bytesWritten) }},
		{"errors", func() error { return registry.RegisterCounter(service, "errors", m.writeErrors) }},
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

func (m *Metrics) recorded(kind string) {
	if m != nil {
		m.linesRecorded.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) written(lines, bytes int) {
	if m != nil {
		m.linesWritten.Add(float64(lines))
		m.bytesWritten.Add(float64(bytes))
	}
}

func (m *Metrics) failed() {
	if m != nil {
		m.writeErrors.Inc()
	}
}
