package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRoutes(t *testing.T) {
	m, err := NewManager(nil, DefaultConfig("wingpipe", "test"))
	require.NoError(t, err)
	require.NotNil(t, m.Health())
	require.NotNil(t, m.Metrics())
	assert.Nil(t, m.Tracing())

	m.RegisterHealthChecker(NewComponentHealthChecker("serve", func() bool { return true }, nil))
	srv := httptest.NewServer(m.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.True(t, m.IsHealthy())
	assert.True(t, m.IsReady())
	assert.NoError(t, m.Close(context.Background()))
}

func TestManagerDisabledFeatures(t *testing.T) {
	m, err := NewManager(nil, Config{})
	require.NoError(t, err)
	assert.Nil(t, m.Health())
	assert.Nil(t, m.Metrics())

	m.RegisterHealthChecker(NewComponentHealthChecker("x", nil, nil))
	m.UpdateMetrics()
	assert.True(t, m.IsHealthy())

	srv := httptest.NewServer(m.Routes())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
