package cache

import (
	"context"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/poselink/metric"
)

func TestCacheMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, _ := newTestCache(t, time.Minute, WithMetrics[string](registry, "peers_14043"))
	require.NotNil(t, c.metrics)

	_, _ = c.Set("a", "1")
	_, _ = c.Set("b", "2")
	c.Get("a")
	c.Get("missing")
	_, _ = c.Delete("b")

	assert.Equal(t, 1.0, promtestutil.ToFloat64(c.metrics.hits))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(c.metrics.misses))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(c.metrics.sets))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(c.metrics.deletes))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(c.metrics.size))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	hits := findFamily(families, "poselink_cache_hits_total")
	require.NotNil(t, hits)
	assert.Equal(t, dto.MetricType_COUNTER, hits.GetType())
	require.Len(t, hits.GetMetric(), 1)
	label := hits.GetMetric()[0].GetLabel()[0]
	assert.Equal(t, "cache", label.GetName())
	assert.Equal(t, "peers_14043", label.GetValue())

	size := findFamily(families, "poselink_cache_size")
	require.NotNil(t, size)
	assert.Equal(t, dto.MetricType_GAUGE, size.GetType())

	assert.Equal(t, 6, registry.UnregisterService("peers_14043"))
}

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestCacheMetrics_DuplicatePrefix(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	first, err := NewTTL[string](context.Background(), time.Minute, time.Minute,
		WithMetrics[string](registry, "dup"))
	require.NoError(t, err)
	defer first.Close()

	_, err = NewTTL[string](context.Background(), time.Minute, time.Minute,
		WithMetrics[string](registry, "dup"))
	assert.Error(t, err)
}

func TestCacheWithoutMetrics(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, WithMetrics[string](nil, "ignored"))
	assert.Nil(t, c.metrics)

	_, _ = c.Set("a", "1")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}
