package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decision outcomes used as metric labels and on decision reports.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeSkipped  = "skipped"
)

// MetricsSnapshot is a lightweight view of the counters for the API.
type MetricsSnapshot struct {
	RequestCount        uint64            `json:"request_count"`
	AvgRequestLatencyMs float64           `json:"avg_request_latency_ms"`
	Submitted           uint64            `json:"submitted"`
	Decisions           map[string]uint64 `json:"decisions"`
	Cycles              uint64            `json:"cycles"`
	AvgCycleMs          float64           `json:"avg_cycle_ms"`
	Goroutines          int               `json:"goroutines"`
}

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry           *prometheus.Registry
	handler            http.Handler
	requestDuration    *prometheus.HistogramVec
	requestTotal       *prometheus.CounterVec
	decisions          *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	cycleDuration      prometheus.Observer
	submitted          prometheus.Counter
	ledgerOps          *prometheus.CounterVec

	requestCount         uint64
	requestDurationTotal uint64
	submittedCount       uint64
	cycleCount           uint64
	cycleDurationTotal   uint64
	approvedCount        uint64
	rejectedCount        uint64
	conflictCount        uint64
	skippedCount         uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_decisions_total",
		Help: "Admission decisions by outcome",
	}, []string{"outcome"})

	validationFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_failures_total",
		Help: "Validation chain failures by stage",
	}, []string{"stage"})

	cycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "admission_cycle_duration_seconds",
		Help:    "Duration of one admission cycle for a group",
		Buckets: prometheus.DefBuckets,
	})

	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "change_requests_submitted_total",
		Help: "Total change requests submitted",
	})

	ledgerOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "undo_ledger_operations_total",
		Help: "Undo ledger operations by kind",
	}, []string{"op"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, decisions, validationFailures, cycleDuration, submitted, ledgerOps, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:           registry,
		handler:            handler,
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		decisions:          decisions,
		validationFailures: validationFailures,
		cycleDuration:      cycleDuration,
		submitted:          submitted,
		ledgerOps:          ledgerOps,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry returns the underlying registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordDecision counts one admission outcome.
func (m *MetricsService) RecordDecision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomeApproved:
		atomic.AddUint64(&m.approvedCount, 1)
	case OutcomeRejected:
		atomic.AddUint64(&m.rejectedCount, 1)
	case OutcomeConflict:
		atomic.AddUint64(&m.conflictCount, 1)
	case OutcomeSkipped:
		atomic.AddUint64(&m.skippedCount, 1)
	}
}

// RecordValidationFailure counts a chain failure at stage.
func (m *MetricsService) RecordValidationFailure(stage string) {
	if m == nil {
		return
	}
	m.validationFailures.WithLabelValues(stage).Inc()
}

// ObserveAdmissionCycle records the duration of one decide cycle.
func (m *MetricsService) ObserveAdmissionCycle(duration time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(duration.Seconds())
	atomic.AddUint64(&m.cycleCount, 1)
	atomic.AddUint64(&m.cycleDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordSubmission counts a new change request.
func (m *MetricsService) RecordSubmission() {
	if m == nil {
		return
	}
	m.submitted.Inc()
	atomic.AddUint64(&m.submittedCount, 1)
}

// RecordLedgerOperation counts undo ledger pushes, pops and restores.
func (m *MetricsService) RecordLedgerOperation(op string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op).Inc()
}

// Snapshot returns aggregated metrics suitable for the metrics endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)
	cycles := atomic.LoadUint64(&m.cycleCount)
	cycleDuration := atomic.LoadUint64(&m.cycleDurationTotal)

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	var avgCycleMs float64
	if cycles > 0 {
		avgCycleMs = float64(cycleDuration) / float64(cycles) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		RequestCount:        requests,
		AvgRequestLatencyMs: avgRequestMs,
		Submitted:           atomic.LoadUint64(&m.submittedCount),
		Decisions: map[string]uint64{
			OutcomeApproved: atomic.LoadUint64(&m.approvedCount),
			OutcomeRejected: atomic.LoadUint64(&m.rejectedCount),
			OutcomeConflict: atomic.LoadUint64(&m.conflictCount),
			OutcomeSkipped:  atomic.LoadUint64(&m.skippedCount),
		},
		Cycles:     cycles,
		AvgCycleMs: avgCycleMs,
		Goroutines: runtime.NumGoroutine(),
	}
}
