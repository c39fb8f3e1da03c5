package metric

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/poselink/health"
)

func TestServer_MetricsEndpoint(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordSourceState("14043", 2)

	srv := httptest.NewServer(NewServer(0, "", registry).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "poselink_source_state")
}

func TestServer_HealthEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		statuses []health.Status
		code     int
		healthy  bool
	}{
		{"no sources", nil, http.StatusOK, true},
		{"all healthy", []health.Status{health.Healthy("source-14043", "listening")}, http.StatusOK, true},
		{
			"one unhealthy",
			[]health.Status{
				health.Healthy("source-14043", "listening"),
				health.Unhealthy("source-14044", "closed"),
			},
			http.StatusServiceUnavailable, false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			statuses := tt.statuses
			s := NewServer(0, "/metrics", NewMetricsRegistry()).
				WithHealth(func() []health.Status { return statuses })

			srv := httptest.NewServer(s.Handler())
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/health")
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.code, resp.StatusCode)

			var got health.Status
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			assert.Equal(t, tt.healthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.statuses))
		})
	}
}

func TestServer_StartWithoutRegistry(t *testing.T) {
	err := NewServer(0, "", nil).Start()
	require.Error(t, err)
}

func TestServer_Address(t *testing.T) {
	assert.Equal(t, "http://localhost:9090/metrics", NewServer(0, "", nil).Address())
	assert.Equal(t, "http://localhost:9100/prom", NewServer(9100, "/prom", nil).Address())
}
