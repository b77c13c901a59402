package metric

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mediagraph/health"
)

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordLinkFailure("negotiation")

	status := health.NewHealthy("graph", "ok")
	srv := NewServer(0, "", registry, func() health.Status { return status })

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `mediagraph_link_failures_total{kind="negotiation"} 1`)
	})

	t.Run("healthy", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		var got health.Status
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "graph", got.Component)
		assert.True(t, got.Healthy)
	})

	t.Run("unhealthy", func(t *testing.T) {
		status = health.NewUnhealthy("graph", "data loop stopped")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestServer_Defaults(t *testing.T) {
	srv := NewServer(0, "", NewMetricsRegistry(), nil)
	assert.Equal(t, "http://localhost:9090/metrics", srv.Address())
	assert.NoError(t, srv.Stop())
}

func TestServer_StartWithoutRegistry(t *testing.T) {
	srv := NewServer(19191, "/m", nil, nil)
	assert.Error(t, srv.Start())
}
