package core

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"billingsync/internal/types"
)

const metricsNamespace = "billingsync"

// PromMetrics owns a private Prometheus registry and the service's metric
// vectors. It satisfies MetricsCollector and billing.Recorder, and its
// ObserveProviderCall method fits external.CallObserver.
type PromMetrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	reconciles      *prometheus.CounterVec
	reconcileTime   prometheus.Histogram
	mutations       *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
}

// NewPromMetrics registers every collector on a fresh registry, along with
// the Go runtime and process collectors.
func NewPromMetrics() *PromMetrics {
	reg := prometheus.NewRegistry()
	m := &PromMetrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconciliations_total",
			Help:      "Subscription reconciliations by outcome",
		}, []string{"outcome"}),
		reconcileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "reconciliation_duration_seconds",
			Help:      "Duration of subscription reconciliations in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "subscription_mutations_total",
			Help:      "Subscription mutations by action and outcome",
		}, []string{"action", "outcome"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "provider_calls_total",
			Help:      "Outbound provider calls by breaker and status class",
		}, []string{"provider", "status_class"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of outbound provider calls in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.httpRequests, m.httpDuration,
		m.reconciles, m.reconcileTime,
		m.mutations,
		m.providerCalls, m.providerLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *PromMetrics) Registry() *prometheus.Registry { return m.registry }

func (m *PromMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, endpoint, status).Inc()
	m.httpDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *PromMetrics) ObserveReconcile(outcome string, elapsed time.Duration) {
	m.reconciles.WithLabelValues(outcome).Inc()
	m.reconcileTime.Observe(elapsed.Seconds())
}

func (m *PromMetrics) ObserveMutation(action types.UpdateAction, outcome string) {
	m.mutations.WithLabelValues(string(action), outcome).Inc()
}

// ObserveProviderCall records one outbound call. status 0 means the request
// never produced a response.
func (m *PromMetrics) ObserveProviderCall(provider string, status int, elapsed time.Duration) {
	m.providerCalls.WithLabelValues(provider, statusClass(status)).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

