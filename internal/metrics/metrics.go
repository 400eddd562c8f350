// Package metrics holds the Prometheus collectors of the engine. Every
// recording method is safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dce"

// Metrics contains every collector exposed on /metrics.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RunConfidence   prometheus.Histogram
	SnapshotsTotal  *prometheus.CounterVec
	JobsTotal       *prometheus.CounterVec
	JobRetries      prometheus.Counter
	QueueDepth      prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	IngestedRows    prometheus.Counter
	DocumentsFailed *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}
	m.initMetrics()

	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RunsTotal, m.RunDuration, m.RunConfidence, m.SnapshotsTotal,
		m.JobsTotal, m.JobRetries, m.QueueDepth,
		m.HTTPRequests, m.HTTPDuration,
		m.IngestedRows, m.DocumentsFailed,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics.New: register: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analysis_runs_total",
		Help:      "Analysis runs by trigger and outcome",
	}, []string{"trigger", "outcome"})

	m.RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "analysis_run_duration_seconds",
		Help:      "Wall time of one analysis run including the store transaction",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"trigger"})

	m.RunConfidence = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "final_confidence_bp",
		Help:      "Final confidence of persisted runs in basis points",
		Buckets:   prometheus.LinearBuckets(0, 1000, 11),
	})

	m.SnapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_total",
		Help:      "Snapshot writes by result (created or reused)",
	}, []string{"result"})

	m.JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Recompute jobs by final status",
	}, []string{"status"})

	m.JobRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "retries_total",
		Help:      "Recompute job attempts scheduled for retry",
	})

	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "queue_depth",
		Help:      "Jobs waiting in the queue buffer",
	})

	m.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status code",
	}, []string{"method", "route", "code"})

	m.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.IngestedRows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingestion",
		Name:      "rows_total",
		Help:      "Raw transactions persisted by ingestion",
	})

	m.DocumentsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingestion",
		Name:      "documents_failed_total",
		Help:      "Documents marked failed by error type",
	}, []string{"error_type"})
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRun records one analysis run. finalBP is ignored when err is set.
func (m *Metrics) ObserveRun(trigger string, elapsed time.Duration, finalBP int64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RunsTotal.WithLabelValues(trigger, outcome).Inc()
	m.RunDuration.WithLabelValues(trigger).Observe(elapsed.Seconds())
	if err == nil {
		m.RunConfidence.Observe(float64(finalBP))
	}
}

// SnapshotStored records whether a snapshot was newly written or an
// identical one already existed.
func (m *Metrics) SnapshotStored(created bool) {
	if m == nil {
		return
	}
	result := "reused"
	if created {
		result = "created"
	}
	m.SnapshotsTotal.WithLabelValues(result).Inc()
}

// JobFinished records a job reaching a final status.
func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(status).Inc()
}

// JobRetried records a scheduled retry.
func (m *Metrics) JobRetried() {
	if m == nil {
		return
	}
	m.JobRetries.Inc()
}

// SetQueueDepth records the number of buffered jobs.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, fmt.Sprint(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RowsIngested records persisted raw transactions.
func (m *Metrics) RowsIngested(n int) {
	if m == nil {
		return
	}
	m.IngestedRows.Add(float64(n))
}

// DocumentFailed records a document marked failed.
func (m *Metrics) DocumentFailed(errorType string) {
	if m == nil {
		return
	}
	m.DocumentsFailed.WithLabelValues(errorType).Inc()
}
