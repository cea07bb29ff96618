package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/engine"
	"github.com/arbflow/arbflow/internal/metrics"
)

type fakeRuntime struct {
	healthy bool
	status  engine.Status
	metrics *metrics.Metrics
	paused  bool
}

func (f *fakeRuntime) Healthy() bool             { return f.healthy }
func (f *fakeRuntime) Status() engine.Status     { return f.status }
func (f *fakeRuntime) Metrics() *metrics.Metrics { return f.metrics }
func (f *fakeRuntime) Pause()                    { f.paused = true }
func (f *fakeRuntime) Resume()                   { f.paused = false }

func testServer(healthy bool) (*Server, *fakeRuntime) {
	rt := &fakeRuntime{
		healthy: healthy,
		status:  engine.Status{State: engine.StateRunning, TradingAllowed: true},
		metrics: metrics.New(),
	}
	return New(config.HTTPConfig{Listen: ":0"}, rt), rt
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(true)
	rec := get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHealthDown(t *testing.T) {
	srv, _ := testServer(false)
	rec := get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {
	srv, _ := testServer(true)
	rec := get(t, srv.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, engine.StateRunning, status.State)
	assert.True(t, status.TradingAllowed)
}

func TestMetricsExposition(t *testing.T) {
	srv, rt := testServer(true)
	rt.metrics.Aggregations.Inc()
	rec := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "arbflow_aggregations_total 1")
}

func TestPauseResume(t *testing.T) {
	srv, rt := testServer(true)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pause", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, rt.paused)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/resume", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, rt.paused)

	rec = get(t, srv.Handler(), "/pause")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
