// Package metrics holds the Prometheus collectors for the chat pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "legal_agent"

// Outcomes recorded on the request counter.
const (
	OutcomeOK               = "ok"
	OutcomeBadRequest       = "bad_request"
	OutcomeRetrievalFailed  = "retrieval_failed"
	OutcomeGenerationFailed = "generation_failed"
	OutcomeFallback         = "fallback"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	partitionLatency  *prometheus.HistogramVec
	partitionFailures *prometheus.CounterVec
	generation        prometheus.Histogram
	persistFailures   *prometheus.CounterVec
}

// New registers the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by outcome.",
		}, []string{"outcome"}),
		partitionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "partition_search_seconds",
			Help:      "Latency of a single partition search.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"partition"}),
		partitionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_failures_total",
			Help:      "Partition searches that returned an error.",
		}, []string{"partition"}),
		generation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_seconds",
			Help:      "Duration of LLM generation calls.",
			Buckets:   []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed writes to the history store or chat log.",
		}, []string{"sink"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.partitionLatency,
		m.partitionFailures,
		m.generation,
		m.persistFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePartition(partition string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.partitionLatency.WithLabelValues(partition).Observe(took.Seconds())
	if err != nil {
		m.partitionFailures.WithLabelValues(partition).Inc()
	}
}

func (m *Metrics) ObserveGeneration(took time.Duration) {
	if m == nil {
		return
	}
	m.generation.Observe(took.Seconds())
}

func (m *Metrics) IncPersistFailure(sink string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(sink).Inc()
}
