// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fovealabs/fovea/internal/config"
	"github.com/fovealabs/fovea/internal/health"
	"github.com/fovealabs/fovea/internal/ingress"
)

func newTestServer(t *testing.T, checkers ...health.Checker) (*Server, *ingress.Registry) {
	t.Helper()
	reg := ingress.NewRegistry(config.Default().Pipeline, clock.New())
	hm := health.NewManager("test")
	for _, c := range checkers {
		hm.RegisterChecker(c)
	}
	return NewServer(":0", reg, hm), reg
}

func TestHealthzReportsHealthy(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp health.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, health.StatusHealthy, resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestReadyzReflectsUnhealthyComponent(t *testing.T) {
	broken := health.CheckerFunc{
		CheckerName: "engine",
		Fn: func(context.Context) health.CheckResult {
			return health.CheckResult{Status: health.StatusUnhealthy, Error: "model load failed"}
		},
	}
	s, _ := newTestServer(t, broken)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp health.ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
	assert.Equal(t, "model load failed", resp.Checks["engine"].Error)
}

func TestStreamsListsRegisteredStreams(t *testing.T) {
	s, reg := newTestServer(t)
	_, err := reg.Register("cam-a")
	require.NoError(t, err)
	_, err = reg.Register("cam-b")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/streams", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp streamsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
