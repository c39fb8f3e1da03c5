package metric

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/poselink/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})

	require.NoError(t, registry.RegisterCounter("source_14043", "test_counter", counter))
	counter.Inc()

	assert.True(t, gatheredNames(t, registry)["test_counter"])
	assert.Equal(t, 1.0, testutil.ToFloat64(counter))
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "test"})

	require.NoError(t, registry.RegisterGauge("svc", "dup", gauge))

	err := registry.RegisterGauge("svc", "dup", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "test"})
	err = registry.RegisterGauge("svc2", "dup", other)
	require.Error(t, err, "same prometheus name under a different key must conflict")
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_hist", Help: "test"})
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_vec", Help: "test"}, []string{"reason"})

	require.NoError(t, registry.RegisterHistogram("svc", "hist", hist))
	require.NoError(t, registry.RegisterCounterVec("svc", "vec", vec))

	assert.True(t, registry.Unregister("svc", "hist"))
	assert.False(t, registry.Unregister("svc", "hist"))

	assert.Equal(t, 1, registry.UnregisterService("svc"))
	assert.Equal(t, 0, registry.UnregisterService("svc"))

	// the same names can be registered again once released
	require.NoError(t, registry.RegisterCounterVec("svc", "vec", vec))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()
	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: "racy_counter", Help: "test"})
			errs <- registry.RegisterCounter("svc", "racy", c)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
}

func TestCoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	core.RecordSourceState("14043", 2)
	core.RecordConsumerError("nats", "create_subject")
	core.RecordNATSStatus(true)
	core.RecordNATSReconnect()

	assert.Equal(t, 2.0, testutil.ToFloat64(core.SourceState.WithLabelValues("14043")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.ConsumerErrors.WithLabelValues("nats", "create_subject")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.NATSConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.NATSReconnects))
}

func TestCoreMetrics_NilSafe(t *testing.T) {
	var registry *MetricsRegistry
	core := registry.CoreMetrics()
	assert.Nil(t, core)

	assert.NotPanics(t, func() {
		core.RecordSourceState("x", 1)
		core.RecordConsumerError("x", "y")
		core.RecordNATSStatus(false)
		core.RecordNATSReconnect()
	})
}
