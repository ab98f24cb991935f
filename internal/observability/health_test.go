package observability_test

import (
	"CurvePool/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func readyz(t *testing.T, h *observability.HealthChecker) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := observability.NewHealthChecker()

	code, body := readyz(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "recovering", body["status"])

	h.SetReady(true)
	code, _ = readyz(t, h)
	require.Equal(t, http.StatusOK, code)

	var down bool
	h.AddCheck("postgres", func(context.Context) error {
		if down {
			return errors.New("connection refused")
		}
		return nil
	})
	code, _ = readyz(t, h)
	require.Equal(t, http.StatusOK, code)

	down = true
	code, body = readyz(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, map[string]any{"postgres": "connection refused"}, body["failed"])

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.SetChannelMetrics("persist", 3, 8)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	// A second registry accepts the same collectors.
	require.NotPanics(t, func() { observability.NewMetrics(prometheus.NewRegistry()) })
}

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, "debug", observability.ParseLogLevel("debug").String())
	require.Equal(t, "info", observability.ParseLogLevel("").String())
	require.Equal(t, "info", observability.ParseLogLevel("loud").String())
}
