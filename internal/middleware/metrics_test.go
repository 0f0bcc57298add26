package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

func TestMetrics_AuditLifecycle(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 4; i++ {
		m.AuditStarted()
	}
	m.AuditFinished(domain.StatusCompleted)
	m.AuditFinished(domain.StatusCompletedWithWarnings)
	m.AuditFinished(domain.StatusFailed)

	snap := m.Snapshot()
	assert.Equal(t, uint64(4), snap["audits_started"])
	assert.Equal(t, int64(1), snap["audits_running"])
	assert.Equal(t, uint64(1), snap["audits_completed"])
	assert.Equal(t, uint64(1), snap["audits_with_warnings"])
	assert.Equal(t, uint64(1), snap["audits_failed"])

	m.AuditFinished("")
	assert.Equal(t, uint64(1), m.AuditsDeleted.Load())
	assert.Equal(t, int64(0), m.AuditsRunning.Load())
}

func TestMetrics_Middleware(t *testing.T) {
	m := NewMetrics()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	rec := httptest.NewRecorder()
	m.Handler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body["requests_total"])
	assert.EqualValues(t, 1, body["requests_success"])
	assert.EqualValues(t, 1, body["requests_failed"])
	assert.EqualValues(t, 0, body["requests_in_progress"])
}

func TestHealthHandler(t *testing.T) {
	ok := CheckFunc(func(context.Context) error { return nil })
	down := CheckFunc(func(context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	HealthHandler(map[string]HealthChecker{"database": ok})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	HealthHandler(map[string]HealthChecker{"database": ok, "storage": down})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var h HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "connection refused", h.Checks["storage"].Message)
	assert.Equal(t, "healthy", h.Checks["database"].Status)
}
