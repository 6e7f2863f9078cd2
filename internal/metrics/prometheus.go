// Package metrics collects and exposes Pulsar runtime observability data
// through a Prometheus registry scraped at /metrics.
//
// All record helpers are safe for concurrent use and are no-ops until
// Init has run, so unit tests of other packages never need a registry.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for the execution platform.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	validationsTotal  *prometheus.CounterVec
	correctionsTotal  prometheus.Counter
	jobsTotal         *prometheus.CounterVec
	messagesTotal     *prometheus.CounterVec
	activeExecutions  prometheus.Gauge
	serviceHealthy    prometheus.Gauge
}

// Default histogram buckets for execution duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var global atomic.Pointer[Metrics]

// Init initializes the metrics subsystem under the given namespace.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by endpoint and status code",
			},
			[]string{"endpoint", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_milliseconds",
				Help:      "HTTP request latency in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"endpoint"},
		),

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total code executions by lane and terminal status",
			},
			[]string{"lane", "status"},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_milliseconds",
				Help:      "Duration of code executions in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"lane"},
		),

		validationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validations_total",
				Help:      "Total validation verdicts by result",
			},
			[]string{"result"},
		),

		correctionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "corrections_total",
				Help:      "Total LLM correction rounds",
			},
		),

		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kubernetes_jobs_total",
				Help:      "Total cluster job operations by operation and result",
			},
			[]string{"operation", "result"},
		),

		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumer_messages_total",
				Help:      "Total bus messages by processing result",
			},
			[]string{"result"},
		),

		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Number of currently in-flight executions",
			},
		),

		serviceHealthy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_healthy",
				Help:      "Service health flag (1=healthy, 0=unhealthy)",
			},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.executionsTotal,
		m.executionDuration,
		m.validationsTotal,
		m.correctionsTotal,
		m.jobsTotal,
		m.messagesTotal,
		m.activeExecutions,
		m.serviceHealthy,
	)

	global.Store(m)
}

// Handler returns the /metrics HTTP handler for the global registry.
func Handler() http.Handler {
	m := global.Load()
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one HTTP request.
func RecordRequest(endpoint, status string, elapsed time.Duration) {
	m := global.Load()
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(endpoint, status).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(float64(elapsed.Milliseconds()))
}

// RecordExecution counts one terminal execution outcome.
func RecordExecution(lane, status string, durationMs int64) {
	m := global.Load()
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(lane, status).Inc()
	m.executionDuration.WithLabelValues(lane).Observe(float64(durationMs))
}

// RecordValidation counts one validation verdict.
func RecordValidation(ok bool) {
	m := global.Load()
	if m == nil {
		return
	}
	result := "invalid"
	if ok {
		result = "valid"
	}
	m.validationsTotal.WithLabelValues(result).Inc()
}

// RecordCorrection counts one LLM correction round.
func RecordCorrection() {
	if m := global.Load(); m != nil {
		m.correctionsTotal.Inc()
	}
}

// RecordJobOperation counts one cluster job operation.
func RecordJobOperation(operation, result string) {
	if m := global.Load(); m != nil {
		m.jobsTotal.WithLabelValues(operation, result).Inc()
	}
}

// RecordConsumerMessage counts one bus message by processing result.
func RecordConsumerMessage(result string) {
	if m := global.Load(); m != nil {
		m.messagesTotal.WithLabelValues(result).Inc()
	}
}

// SetActiveExecutions publishes the in-flight execution count.
func SetActiveExecutions(n int) {
	if m := global.Load(); m != nil {
		m.activeExecutions.Set(float64(n))
	}
}

// SetServiceHealthy publishes the health flag.
func SetServiceHealthy(healthy bool) {
	m := global.Load()
	if m == nil {
		return
	}
	if healthy {
		m.serviceHealthy.Set(1)
	} else {
		m.serviceHealthy.Set(0)
	}
}
