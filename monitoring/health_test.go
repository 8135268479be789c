package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthReportsDegradedComponents(t *testing.T) {
	h := NewHealth("node-1")
	h.RegisterCheck("relay", func() bool { return true })
	h.RegisterCheck("alpaca", func() bool { return false })
	h.RegisterDetail("leader", func() any { return true })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "node-1", status.InstanceID)
	assert.Equal(t, "healthy", status.ComponentStatus["relay"])
	assert.Equal(t, "unhealthy", status.ComponentStatus["alpaca"])
	assert.Equal(t, true, status.Details["leader"])
}

func TestHealthOKWithoutChecks(t *testing.T) {
	assert.Equal(t, "ok", NewHealth("x").Status().Status)
}
