// Package metrics collects the Prometheus series an admin dashboard reads
// from this core: per-operation-type throughput and latency, account-queue
// wait time, per-account circuit breaker state, and the keep-alive sweep's
// per-cycle counters. Every collector is registered against a private
// *prometheus.Registry rather than the global default, so a test or a
// second in-process instance never collides on already-registered metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dealerops/workercore/pkg/resilience/xbreaker"
)

// Registry holds every collector this core publishes and exposes them
// through a single http.Handler for the admin scrape endpoint.
type Registry struct {
	reg *prometheus.Registry

	operationsTotal    *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	queueWaitSeconds   *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec
	keepaliveCycle     *prometheus.GaugeVec
	keepaliveCycleTime prometheus.Gauge
}

// New builds a Registry with every collector registered and ready to
// record.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workercore",
			Name:      "operations_total",
			Help:      "Operations processed, by operation type and outcome.",
		}, []string{"type", "status"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workercore",
			Name:      "operation_duration_seconds",
			Help:      "Time spent running a single operation handler to completion.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"type"}),
		queueWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workercore",
			Name:      "account_queue_wait_seconds",
			Help:      "Time an operation spent waiting in the account queue before a lease was acquired.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "workercore",
			Name:      "account_breaker_state",
			Help:      "Per-account circuit breaker state: 0=closed, 1=half-open, 2=open.",
		}, []string{"account_id"}),
		keepaliveCycle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "workercore",
			Name:      "keepalive_cycle_accounts",
			Help:      "Accounts processed by the most recent keep-alive sweep, by outcome.",
		}, []string{"outcome"}),
		keepaliveCycleTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workercore",
			Name:      "keepalive_cycle_timestamp_seconds",
			Help:      "Unix timestamp of the most recently completed keep-alive sweep.",
		}),
	}

	reg.MustRegister(
		m.operationsTotal,
		m.operationDuration,
		m.queueWaitSeconds,
		m.breakerState,
		m.keepaliveCycle,
		m.keepaliveCycleTime,
	)
	return m
}

// Handler returns the http.Handler an admin process mounts at /metrics.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveOperation records one finished operation handler: its type,
// whether it ended in an error, and how long it took.
func (m *Registry) ObserveOperation(opType string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(opType, status).Inc()
	m.operationDuration.WithLabelValues(opType).Observe(seconds)
}

// ObserveQueueWait records how long an operation waited in the account
// queue before a lease was acquired (or the wait gave up).
func (m *Registry) ObserveQueueWait(seconds float64) {
	m.queueWaitSeconds.WithLabelValues().Observe(seconds)
}

// breakerStateValue maps xbreaker's three states onto the gauge's fixed
// 0/1/2 scale described in its Help text.
func breakerStateValue(s xbreaker.State) float64 {
	switch s {
	case xbreaker.StateOpen:
		return 2
	case xbreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// SetBreakerState publishes accountID's current circuit breaker state.
// Intended to be called from an xbreaker.WithOnStateChange callback, so
// the gauge always reflects the breaker's last transition rather than
// being polled.
func (m *Registry) SetBreakerState(accountID string, state xbreaker.State) {
	m.breakerState.WithLabelValues(accountID).Set(breakerStateValue(state))
}

// SetKeepaliveCycle publishes the outcome counts from one keep-alive
// sweep and stamps the time it finished.
func (m *Registry) SetKeepaliveCycle(succeeded, failed, skipped int, ranAt float64) {
	m.keepaliveCycle.WithLabelValues("succeeded").Set(float64(succeeded))
	m.keepaliveCycle.WithLabelValues("failed").Set(float64(failed))
	m.keepaliveCycle.WithLabelValues("skipped").Set(float64(skipped))
	m.keepaliveCycleTime.Set(ranAt)
}
