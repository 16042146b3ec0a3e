// Package metrics собирает метрики Prometheus сервиса.
// Все методы безопасны для nil-получателя: без метрик вызовы ничего не делают.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Результаты операций (низкая кардинальность)
const (
	ResultOK             = "ok"
	ResultQuotaExceeded  = "quota_exceeded"
	ResultTooLarge       = "too_large"
	ResultInvalid        = "invalid"
	ResultStorageFailure = "storage_failure"
	ResultCanceled       = "canceled"
	ResultError          = "error"
	ResultSkipped        = "skipped"
)

type Metrics struct {
	registry *prometheus.Registry

	ingests         *prometheus.CounterVec
	ingestDuration  *prometheus.HistogramVec
	bytesIngested   prometheus.Counter
	quotaExceeded   *prometheus.CounterVec
	storageRetries  prometheus.Counter
	storageErrors   *prometheus.CounterVec
	deletions       *prometheus.CounterVec
	processingJobs  *prometheus.CounterVec
	cleanupRemovals prometheus.Counter
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mediavault"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.ingests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingest", Name: "requests_total",
		Help: "Total upload ingestions by result.",
	}, []string{"result"})
	m.ingestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "ingest", Name: "duration_seconds",
		Help:    "Upload ingestion latency.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"result"})
	m.bytesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingest", Name: "bytes_total",
		Help: "Total bytes accepted into storage.",
	})
	m.quotaExceeded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "quota", Name: "exceeded_total",
		Help: "Total reservations rejected for insufficient quota.",
	}, []string{"op"})
	m.storageRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "storage", Name: "write_retries_total",
		Help: "Total retried content store writes.",
	})
	m.storageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "storage", Name: "io_errors_total",
		Help: "Total content store errors.",
	}, []string{"op"})
	m.deletions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "media", Name: "deletions_total",
		Help: "Total media state transitions out of live state.",
	}, []string{"kind"})
	m.processingJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "processing", Name: "jobs_total",
		Help: "Total media processing jobs.",
	}, []string{"result"})
	m.cleanupRemovals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "trash", Name: "cleanup_removed_total",
		Help: "Total media removed by trash retention cleanup.",
	})

	reg.MustRegister(
		m.ingests, m.ingestDuration, m.bytesIngested, m.quotaExceeded,
		m.storageRetries, m.storageErrors, m.deletions, m.processingJobs, m.cleanupRemovals,
	)
	return m
}

// Handler отдает метрики в формате Prometheus
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveIngest(result string, bytes int64, dur time.Duration) {
	if m == nil {
		return
	}
	m.ingests.WithLabelValues(result).Inc()
	m.ingestDuration.WithLabelValues(result).Observe(dur.Seconds())
	if result == ResultOK && bytes > 0 {
		m.bytesIngested.Add(float64(bytes))
	}
}

func (m *Metrics) IncQuotaExceeded(op string) {
	if m == nil {
		return
	}
	m.quotaExceeded.WithLabelValues(op).Inc()
}

func (m *Metrics) IncStorageRetry() {
	if m == nil {
		return
	}
	m.storageRetries.Inc()
}

func (m *Metrics) IncStorageError(op string) {
	if m == nil {
		return
	}
	m.storageErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncDeletion(kind string) {
	if m == nil {
		return
	}
	m.deletions.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncProcessing(result string) {
	if m == nil {
		return
	}
	m.processingJobs.WithLabelValues(result).Inc()
}

func (m *Metrics) AddCleanupRemovals(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupRemovals.Add(float64(n))
}
