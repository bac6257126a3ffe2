package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueCounters(t *testing.T) {
	t.Parallel()
	m := New(false)
	m.QueuePushed(1)
	m.QueuePushed(2)
	m.QueueProcessed(1, 10*time.Millisecond, nil)
	m.QueueProcessed(0, 10*time.Millisecond, errors.New("x"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueAdded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueProcessed.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueProcessed.WithLabelValues("error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queueDepth))
}

func TestJobCounters(t *testing.T) {
	t.Parallel()
	m := New(false)
	m.JobsScheduled(3)
	m.JobStarted()
	m.JobSkipped("report")
	m.JobFinished("report", time.Second, nil)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.jobsScheduled))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.jobsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("report", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobSkipped.WithLabelValues("report")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.QueuePushed(1)
	m.JobFinished("x", 0, nil)
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()
	m := New(false)
	m.QueuePushed(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "jobmanager_queue_added_total 1"))
}
