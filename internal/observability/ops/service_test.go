package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobmanager/pkg/logx"
)

func testSources() Sources {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	return Sources{
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Jobs:    func() any { return map[string]int{"pending": 2} },
	}
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Metrics: true, Pprof: true}, testSources(), logx.Nop())
	h := s.Handler()

	rec := get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, h, "/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body["pending"])

	rec = get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ops_test_total 1")

	rec = get(t, h, "/debug/pprof/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerOptionalRoutesDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, testSources(), logx.Nop())
	h := s.Handler()
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/", nil).Code)
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Token: "s3cret"}, testSources(), logx.Nop())
	h := s.Handler()

	rec := get(t, h, "/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/jobs?token=nope", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/jobs?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/jobs", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/jobs", map[string]string{"Authorization": "Basic s3cret"}).Code)
}

func TestHealthzReportsUnhealthy(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, Sources{Health: func() error { return errors.New("scheduler stopped") }}, logx.Nop())
	rec := get(t, s.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "scheduler stopped")
}

func TestJobsRejectsWrites(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, testSources(), logx.Nop())
	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeAndStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, testSources(), logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not bind")
	}
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(b))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	assert.Empty(t, s.Addr())

	// Disabled reconfigure of a stopped server is a no-op.
	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("0.0.0.0:6060"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
