// Package metrics exposes Prometheus collectors and the per-pipeline cycle
// status of the backfill service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Row outcomes recorded by the workers.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeMissing   = "missing"
)

// CycleReport summarizes one Selecting pass of a pipeline.
type CycleReport struct {
	ID           string        `json:"id"`
	Pipeline     string        `json:"pipeline"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
	Selected     int           `json:"selected"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Panicked     int           `json:"panicked"`
	PeakInFlight int           `json:"peak_in_flight"`
	Error        string        `json:"error,omitempty"`
}

// PipelineStatus is the running tally kept for one pipeline.
type PipelineStatus struct {
	Cycles      int         `json:"cycles"`
	CycleErrors int         `json:"cycle_errors"`
	Succeeded   int         `json:"succeeded"`
	Failed      int         `json:"failed"`
	LastCycle   CycleReport `json:"last_cycle"`
}

// Metrics holds every collector of one service instance. All methods are
// no-ops on a nil receiver.
type Metrics struct {
	gatherer prometheus.Gatherer

	cyclesTotal            *prometheus.CounterVec
	cycleDurationSeconds   *prometheus.HistogramVec
	pendingRows            *prometheus.GaugeVec
	rowsTotal              *prometheus.CounterVec
	inFlight               *prometheus.GaugeVec
	gatewayRequestsTotal   *prometheus.CounterVec
	gatewayDurationSeconds *prometheus.HistogramVec
	rateLimitedTotal       *prometheus.CounterVec
	rateLimitDelaySeconds  prometheus.Histogram
	httpRequestsTotal      *prometheus.CounterVec
	httpDurationSeconds    *prometheus.HistogramVec

	mu     sync.RWMutex
	status map[string]PipelineStatus
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		cyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_cycles_total",
				Help: "Total number of selection cycles, labeled by pipeline and result.",
			},
			[]string{"pipeline", "result"},
		),
		cycleDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backfill_cycle_duration_seconds",
				Help:    "Histogram of cycle durations, labeled by pipeline.",
				Buckets: []float64{0.01, 0.1, 1, 5, 15, 60, 300},
			},
			[]string{"pipeline"},
		),
		pendingRows: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "backfill_pending_rows",
				Help: "Rows selected by the most recent cycle, labeled by pipeline.",
			},
			[]string{"pipeline"},
		),
		rowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_rows_total",
				Help: "Total number of processed rows, labeled by pipeline and outcome.",
			},
			[]string{"pipeline", "outcome"},
		),
		inFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "backfill_in_flight_rows",
				Help: "Rows currently being processed, labeled by pipeline.",
			},
			[]string{"pipeline"},
		),
		gatewayRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_gateway_requests_total",
				Help: "Total number of gateway calls, labeled by kind and status code.",
			},
			[]string{"kind", "code"},
		),
		gatewayDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backfill_gateway_request_duration_seconds",
				Help:    "Histogram of gateway call latencies, labeled by kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"kind"},
		),
		rateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_rate_limited_total",
				Help: "Total number of 429 responses, labeled by pipeline.",
			},
			[]string{"pipeline"},
		),
		rateLimitDelaySeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "backfill_rate_limit_delay_seconds",
				Help:    "Histogram of client-side pacing waits before gateway calls.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		status: make(map[string]PipelineStatus),
	}
}

// Handler returns an http.Handler exposing this instance's collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveCycle records a finished cycle and updates the pipeline status.
func (m *Metrics) ObserveCycle(report CycleReport) {
	if m == nil {
		return
	}
	result := "ok"
	if report.Error != "" {
		result = "error"
	}
	m.cyclesTotal.WithLabelValues(report.Pipeline, result).Inc()
	m.cycleDurationSeconds.WithLabelValues(report.Pipeline).Observe(report.Duration.Seconds())
	m.pendingRows.WithLabelValues(report.Pipeline).Set(float64(report.Selected))

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status[report.Pipeline]
	st.Cycles++
	if report.Error != "" {
		st.CycleErrors++
	}
	st.Succeeded += report.Succeeded
	st.Failed += report.Failed
	st.LastCycle = report
	m.status[report.Pipeline] = st
}

// ObserveRow increments the row counter for an outcome.
func (m *Metrics) ObserveRow(pipeline, outcome string) {
	if m == nil {
		return
	}
	m.rowsTotal.WithLabelValues(pipeline, outcome).Inc()
}

// IncInFlight marks one more row in flight.
func (m *Metrics) IncInFlight(pipeline string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(pipeline).Inc()
}

// DecInFlight marks one row finished.
func (m *Metrics) DecInFlight(pipeline string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(pipeline).Dec()
}

// ObserveGatewayRequest records one gateway call. A code of 0 means the call
// never produced a response.
func (m *Metrics) ObserveGatewayRequest(kind string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequestsTotal.WithLabelValues(kind, strconv.Itoa(code)).Inc()
	m.gatewayDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveRateLimited counts a 429 seen by a pipeline.
func (m *Metrics) ObserveRateLimited(pipeline string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(pipeline).Inc()
}

// ObserveRateLimitDelay records the duration of a client-side pacing wait.
func (m *Metrics) ObserveRateLimitDelay(duration time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the ops server request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Status returns a copy of the per-pipeline tallies.
func (m *Metrics) Status() map[string]PipelineStatus {
	if m == nil {
		return map[string]PipelineStatus{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]PipelineStatus, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}
