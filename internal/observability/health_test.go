package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthManagerReportsComponents(t *testing.T) {
	hm := NewHealthManager(nil)
	endpoints := []string{`\\.\pipe\a`}
	hm.AddHealthChecker(NewEndpointHealthChecker("listener", func() []string { return endpoints }))
	hm.AddReadinessChecker(NewComponentHealthChecker("serve", func() bool { return true }, func() bool { return true }))

	assert.True(t, hm.IsHealthy())
	assert.True(t, hm.IsReady())

	endpoints = nil
	assert.False(t, hm.IsHealthy())

	rec := httptest.NewRecorder()
	hm.HealthzHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	require.Len(t, resp.Components, 1)
	assert.Equal(t, "listener", resp.Components[0].Name)
	assert.Contains(t, resp.Components[0].Error, "no pipe endpoints")
}

func TestReadyzHandler(t *testing.T) {
	hm := NewHealthManager(nil)
	ready := false
	hm.AddReadinessChecker(NewComponentHealthChecker("serve", nil, func() bool { return ready }))

	rec := httptest.NewRecorder()
	hm.ReadyzHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = true
	rec = httptest.NewRecorder()
	hm.ReadyzHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusReady, resp.Status)
}

func TestLoopHealthChecker(t *testing.T) {
	work := make(chan func(), 1)
	checker := NewLoopHealthChecker("loop", func(fn func()) { work <- fn })

	go func() { (<-work)() }()
	assert.NoError(t, checker.HealthCheck(context.Background()))

	stalled := NewLoopHealthChecker("loop", func(func()) {})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := stalled.ReadinessCheck(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Error(t, NewLoopHealthChecker("nil", nil).HealthCheck(context.Background()))
}

func TestComponentHealthCheckerNilFuncs(t *testing.T) {
	c := NewComponentHealthChecker("c", nil, nil)
	assert.Error(t, c.HealthCheck(context.Background()))
	assert.Error(t, c.ReadinessCheck(context.Background()))
	assert.Equal(t, "c", c.Name())
}
