package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service. Every instance owns
// its own registry so several can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Redis Metrics
	redisAvailable     prometheus.Gauge
	redisFallbackTotal prometheus.Counter

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec

	// Event Metrics
	eventsPublishedTotal *prometheus.CounterVec

	// Rate Limiting Metrics
	rateLimitBlockedTotal *prometheus.CounterVec

	// Quality Metrics
	qualityMonitored     prometheus.Gauge
	qualitySamplesTotal  *prometheus.CounterVec
	qualityChangesTotal  *prometheus.CounterVec
	qualityStatsFailures prometheus.Counter
	qualityRTT           prometheus.Histogram
	qualityPacketLoss    prometheus.Histogram

	storeMetrics
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "endpoint", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		httpRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name:        "http_requests_in_flight",
			Help:        "Number of HTTP requests currently being processed",
			ConstLabels: labels,
		}),

		redisAvailable: f.NewGauge(prometheus.GaugeOpts{
			Name:        "redis_available",
			Help:        "1 when Redis is reachable, 0 when the service runs degraded",
			ConstLabels: labels,
		}),
		redisFallbackTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "redis_fallback_total",
			Help:        "Operations served by in-process fallbacks while Redis was degraded",
			ConstLabels: labels,
		}),

		websocketConnections: f.NewGauge(prometheus.GaugeOpts{
			Name:        "websocket_connections",
			Help:        "Number of active WebSocket connections",
			ConstLabels: labels,
		}),
		websocketMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "websocket_messages_total",
			Help:        "Total number of WebSocket messages",
			ConstLabels: labels,
		}, []string{"type", "direction"}),
		websocketErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "websocket_errors_total",
			Help:        "Total number of WebSocket errors",
			ConstLabels: labels,
		}, []string{"error"}),

		callsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "calls_total",
			Help:        "Total number of call state transitions",
			ConstLabels: labels,
		}, []string{"type", "status"}),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Name:        "calls_active",
			Help:        "Number of active calls",
			ConstLabels: labels,
		}),
		callsDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "calls_duration_seconds",
			Help:        "Call duration in seconds",
			ConstLabels: labels,
			Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"type"}),
		callsFailedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "calls_failed_total",
			Help:        "Total number of rejected call operations",
			ConstLabels: labels,
		}, []string{"operation", "code"}),

		pushNotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "push_notifications_total",
			Help:        "Total number of push notifications sent",
			ConstLabels: labels,
		}, []string{"type", "platform"}),
		pushNotificationsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "push_notifications_failed_total",
			Help:        "Total number of failed push notifications",
			ConstLabels: labels,
		}, []string{"type", "platform"}),

		eventsPublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "call_events_published_total",
			Help:        "Total number of call and quality events dispatched",
			ConstLabels: labels,
		}, []string{"event", "sink", "status"}),

		rateLimitBlockedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "rate_limit_blocked_total",
			Help:        "Total number of requests blocked by rate limiting",
			ConstLabels: labels,
		}, []string{"endpoint", "backend"}),

		qualityMonitored: f.NewGauge(prometheus.GaugeOpts{
			Name:        "quality_monitored_connections",
			Help:        "Number of peer connections currently sampled",
			ConstLabels: labels,
		}),
		qualitySamplesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "quality_samples_total",
			Help:        "Quality samples by classified level",
			ConstLabels: labels,
		}, []string{"level"}),
		qualityChangesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "quality_level_changes_total",
			Help:        "Quality level transitions",
			ConstLabels: labels,
		}, []string{"from", "to"}),
		qualityStatsFailures: f.NewCounter(prometheus.CounterOpts{
			Name:        "quality_stats_failures_total",
			Help:        "Sampling ticks skipped because stats could not be read",
			ConstLabels: labels,
		}),
		qualityRTT: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "quality_rtt_milliseconds",
			Help:        "Sampled round trip time",
			ConstLabels: labels,
			Buckets:     []float64{25, 50, 100, 150, 200, 300, 500, 1000},
		}),
		qualityPacketLoss: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "quality_packet_loss_percent",
			Help:        "Sampled inbound packet loss",
			ConstLabels: labels,
			Buckets:     []float64{0.5, 1, 2, 3, 5, 10, 20, 50},
		}),

		storeMetrics: newStoreMetrics(f, labels),
	}
}

// GetRegistry returns the registry backing /metrics
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// Redis Metrics Methods

// SetRedisAvailable flips the availability gauge
func (m *Metrics) SetRedisAvailable(available bool) {
	if available {
		m.redisAvailable.Set(1)
		return
	}
	m.redisAvailable.Set(0)
}

// RecordRedisFallback counts an operation served without Redis
func (m *Metrics) RecordRedisFallback() {
	m.redisFallbackTotal.Inc()
}

// WebSocket Metrics Methods

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(err string) {
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// Call Metrics Methods

// RecordCall records a call entering status
func (m *Metrics) RecordCall(callType, status string) {
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

// IncActiveCalls tracks a call becoming active
func (m *Metrics) IncActiveCalls() {
	m.callsActive.Inc()
}

// DecActiveCalls tracks an active call ending
func (m *Metrics) DecActiveCalls() {
	m.callsActive.Dec()
}

// RecordCallDuration records the duration of a call
func (m *Metrics) RecordCallDuration(callType string, seconds int) {
	m.callsDuration.WithLabelValues(callType).Observe(float64(seconds))
}

// RecordCallFailure records a rejected operation by error code
func (m *Metrics) RecordCallFailure(operation, code string) {
	m.callsFailedTotal.WithLabelValues(operation, code).Inc()
}

// Push Notification Metrics Methods

// RecordPushNotification records a push notification
func (m *Metrics) RecordPushNotification(notifType, platform string) {
	m.pushNotificationsTotal.WithLabelValues(notifType, platform).Inc()
}

// RecordPushNotificationFailure records a failed push notification
func (m *Metrics) RecordPushNotificationFailure(notifType, platform string) {
	m.pushNotificationsFailed.WithLabelValues(notifType, platform).Inc()
}

// RecordEvent records one event dispatch to a sink
func (m *Metrics) RecordEvent(event, sink string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.eventsPublishedTotal.WithLabelValues(event, sink, status).Inc()
}

// Rate Limiting Metrics Methods

// RecordRateLimitBlocked records a request blocked by rate limiting
func (m *Metrics) RecordRateLimitBlocked(endpoint, backend string) {
	m.rateLimitBlockedTotal.WithLabelValues(endpoint, backend).Inc()
}
