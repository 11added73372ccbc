package net

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/internal/sim"
	"lockstep/server/internal/telemetry"
)

func TestHealthReflectsReadiness(t *testing.T) {
	ready := false
	handler := NewHTTPHandler(HTTPHandlerConfig{Ready: func() bool { return ready }})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	ready = true
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ok", resp.Body.String())
}

func TestDiagnosticsIncludesSchedulerStats(t *testing.T) {
	sched := sim.NewScheduler(sim.Config{Seed: "diag"}, sim.Deps{}, sim.Hooks{})
	for i := 0; i < 6; i++ {
		sched.Advance(1.0 / 60)
	}
	handler := NewHTTPHandler(HTTPHandlerConfig{Diagnostics: func() any { return sched.Stats() }})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/diagnostics", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))

	var payload struct {
		Status    string         `json:"status"`
		Scheduler map[string]any `json:"scheduler"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload.Status)
	assert.NotEmpty(t, payload.Scheduler)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/diagnostics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(registry)
	metrics.Add("sim_ticks_total", 3)
	handler := NewHTTPHandler(HTTPHandlerConfig{Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "lockstep_sim_ticks_total 3")
}
