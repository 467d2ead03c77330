package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Timeline store metrics for Cassandra queries and the breaker guarding them
type storeMetrics struct {
	cassandraQueryTotal    *prometheus.CounterVec
	cassandraQueryDuration *prometheus.HistogramVec
	circuitBreakerState    *prometheus.GaugeVec
	circuitBreakerFailures *prometheus.CounterVec
}

func newStoreMetrics(f promauto.Factory, labels prometheus.Labels) storeMetrics {
	return storeMetrics{
		cassandraQueryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "cassandra_query_total",
			Help:        "Total number of Cassandra queries executed",
			ConstLabels: labels,
		}, []string{"operation", "table", "status"}),
		cassandraQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "cassandra_query_duration_seconds",
			Help:        "Cassandra query latency in seconds",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation", "table"}),
		circuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "circuit_breaker_state",
			Help:        "State of a dependency circuit breaker (0=closed, 1=half_open, 2=open)",
			ConstLabels: labels,
		}, []string{"dependency"}),
		circuitBreakerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "circuit_breaker_failures_total",
			Help:        "Failed calls seen by a dependency circuit breaker",
			ConstLabels: labels,
		}, []string{"dependency", "error_type"}),
	}
}

// RecordCassandraQuery records one query outcome and its latency
func (m *Metrics) RecordCassandraQuery(operation, table, status string, duration time.Duration) {
	m.cassandraQueryTotal.WithLabelValues(operation, table, status).Inc()
	m.cassandraQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// SetCircuitBreakerState publishes a breaker transition
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	m.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCircuitBreakerFailure counts a failed guarded call
func (m *Metrics) RecordCircuitBreakerFailure(name, errorType string) {
	m.circuitBreakerFailures.WithLabelValues(name, errorType).Inc()
}
