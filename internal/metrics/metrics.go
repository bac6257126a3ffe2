// Package metrics holds the Prometheus collectors for the immediate queue and
// the schedule coordinator. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobmanager"

type Metrics struct {
	reg *prometheus.Registry

	queueAdded     prometheus.Counter
	queueProcessed *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	queueDuration  prometheus.Histogram

	jobsScheduled prometheus.Gauge
	jobsRunning   prometheus.Gauge
	jobRuns       *prometheus.CounterVec
	jobSkipped    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
}

// New builds the collectors on a private registry. When withRuntime is set the Go
// runtime and process collectors are registered too.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		queueAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_added_total",
			Help:      "Total number of one-off jobs pushed to the immediate queue",
		}),
		queueProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_processed_total",
			Help:      "Total number of one-off jobs processed by the immediate queue",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in or being run by the immediate queue",
		}),
		queueDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_job_latency_seconds",
			Help:      "Time from push to completion of one-off jobs",
			Buckets:   prometheus.DefBuckets,
		}),
		jobsScheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_jobs",
			Help:      "Jobs currently registered with the coordinator",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_jobs_running",
			Help:      "Execution contexts currently running",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_runs_total",
			Help:      "Occurrences of scheduled jobs by outcome",
		}, []string{"job", "result"}),
		jobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_skipped_total",
			Help:      "Occurrences skipped because the previous one was still running",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduled_run_duration_seconds",
			Help:      "Run time of scheduled occurrences",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}
	m.reg.MustRegister(m.queueAdded, m.queueProcessed, m.queueDepth, m.queueDuration)
	m.reg.MustRegister(m.jobsScheduled, m.jobsRunning, m.jobRuns, m.jobSkipped, m.jobDuration)
	if withRuntime {
		m.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) QueuePushed(depth int) {
	if m == nil {
		return
	}
	m.queueAdded.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) QueueProcessed(depth int, dur time.Duration, err error) {
	if m == nil {
		return
	}
	m.queueProcessed.WithLabelValues(result(err)).Inc()
	m.queueDuration.Observe(dur.Seconds())
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) JobsScheduled(n int) {
	if m == nil {
		return
	}
	m.jobsScheduled.Set(float64(n))
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsRunning.Inc()
}

func (m *Metrics) JobFinished(name string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobsRunning.Dec()
	m.jobRuns.WithLabelValues(name, result(err)).Inc()
	m.jobDuration.WithLabelValues(name).Observe(dur.Seconds())
}

func (m *Metrics) JobSkipped(name string) {
	if m == nil {
		return
	}
	m.jobSkipped.WithLabelValues(name).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
