// Package metrics collects Prometheus metrics for a test run and writes them
// in the text exposition format.
package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for a run
type Metrics struct {
	registry *prometheus.Registry

	AssertionsTotal *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	DispatchErrors  prometheus.Counter
	IdentitiesTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	assertionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rt_assertions_total",
			Help: "Total number of assertions evaluated by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rt_request_duration_seconds",
			Help:    "Duration of requests sent to the service under test",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	dispatchErrors := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rt_dispatch_errors_total",
			Help: "Total number of requests that failed at the transport level",
		},
	)

	identitiesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rt_identities_total",
			Help: "Total number of identities processed by outcome",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(
		assertionsTotal,
		requestDuration,
		dispatchErrors,
		identitiesTotal,
	)

	return &Metrics{
		registry:        registry,
		AssertionsTotal: assertionsTotal,
		RequestDuration: requestDuration,
		DispatchErrors:  dispatchErrors,
		IdentitiesTotal: identitiesTotal,
	}
}

// Registry returns the Prometheus registry for this metrics instance
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordAssertion counts an assertion outcome: passed, failed or skipped.
func (m *Metrics) RecordAssertion(kind, outcome string) {
	m.AssertionsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordRequest observes the duration of a completed request.
func (m *Metrics) RecordRequest(method string, elapsed time.Duration) {
	m.RequestDuration.WithLabelValues(strings.ToUpper(method)).Observe(elapsed.Seconds())
}

// RecordDispatchError counts a transport failure.
func (m *Metrics) RecordDispatchError() {
	m.DispatchErrors.Inc()
}

// RecordIdentity counts an identity outcome: completed or aborted.
func (m *Metrics) RecordIdentity(outcome string) {
	m.IdentitiesTotal.WithLabelValues(outcome).Inc()
}

// WriteTextfile writes every metric to path, for pickup by a node exporter
// textfile collector or a CI artifact store.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics %s: %w", path, err)
	}
	return nil
}
