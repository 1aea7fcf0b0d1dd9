package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-group-change/internal/service"
)

func TestMetricsHandlerReady(t *testing.T) {
	h := NewMetricsHandler(nil, map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
	})
	c, w := newTestContext(http.MethodGet, "/ready", "", nil)
	h.Ready(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"postgres":"ok"`)

	h = NewMetricsHandler(nil, map[string]ReadinessCheck{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	c, w = newTestContext(http.MethodGet, "/ready", "", nil)
	h.Ready(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestMetricsHandlerPrometheus(t *testing.T) {
	metrics := service.NewMetricsService()
	metrics.RecordDecision(service.OutcomeApproved)
	h := NewMetricsHandler(metrics, nil)

	c, w := newTestContext(http.MethodGet, "/metrics", "", nil)
	h.Prometheus(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `admission_decisions_total{outcome="approved"} 1`)

	c, w = newTestContext(http.MethodGet, "/metrics", "", nil)
	NewMetricsHandler(nil, nil).Prometheus(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsHandlerSnapshot(t *testing.T) {
	metrics := service.NewMetricsService()
	metrics.RecordDecision(service.OutcomeRejected)

	c, w := newTestContext(http.MethodGet, "/admission/metrics", "", nil)
	NewMetricsHandler(metrics, nil).Snapshot(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rejected":1`)

	c, w = newTestContext(http.MethodGet, "/admission/metrics", "", nil)
	NewMetricsHandler(nil, nil).Snapshot(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.True(t, c.IsAborted())
}
