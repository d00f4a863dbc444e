package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal       *prometheus.CounterVec
	WebhookProcessingSeconds *prometheus.HistogramVec

	// Ledger metrics
	LedgerOperationsTotal *prometheus.CounterVec
	CreditsGrantedTotal   prometheus.Counter

	// Admission metrics
	AdmissionsTotal      *prometheus.CounterVec
	SettlementsTotal     *prometheus.CounterVec
	ReservationsSwept    prometheus.Counter
	SweepFailuresTotal   prometheus.Counter
	SweepDurationSeconds prometheus.Histogram

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Redis metrics
	RedisConnectionsActive prometheus.Gauge
	RedisConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditd_webhook_events_total",
				Help: "Billing webhook events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		WebhookProcessingSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditd_webhook_processing_seconds",
				Help:    "Time to verify, deduplicate and apply a billing event",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		LedgerOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditd_ledger_operations_total",
				Help: "Credit ledger operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		CreditsGrantedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "creditd_credits_granted_total",
				Help: "Credits granted by purchases and renewals",
			},
		),
		AdmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditd_admissions_total",
				Help: "Usage admission decisions by outcome",
			},
			[]string{"outcome"},
		),
		SettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditd_settlements_total",
				Help: "Reservation settlements by outcome",
			},
			[]string{"outcome"},
		),
		ReservationsSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "creditd_reservations_swept_total",
				Help: "Expired reservations refunded by the reconciliation sweep",
			},
		),
		SweepFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "creditd_sweep_failures_total",
				Help: "Expired reservations the sweep failed to refund",
			},
		),
		SweepDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "creditd_sweep_duration_seconds",
				Help:    "Duration of one reconciliation sweep",
				Buckets: prometheus.DefBuckets,
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "creditd_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "creditd_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "creditd_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "creditd_db_connections_wait_duration_seconds",
				Help: "Total time blocked waiting for a new connection",
			},
		),
		RedisConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "creditd_redis_connections_active",
				Help: "Number of active Redis connections",
			},
		),
		RedisConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "creditd_redis_connections_idle",
				Help: "Number of idle Redis connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.WebhookProcessingSeconds,
		m.LedgerOperationsTotal,
		m.CreditsGrantedTotal,
		m.AdmissionsTotal,
		m.SettlementsTotal,
		m.ReservationsSwept,
		m.SweepFailuresTotal,
		m.SweepDurationSeconds,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RedisConnectionsActive,
		m.RedisConnectionsIdle,
	)

	return m
}

// RecordWebhook counts one processed billing event
func (m *Metrics) RecordWebhook(eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	m.WebhookProcessingSeconds.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordLedger counts one ledger operation
func (m *Metrics) RecordLedger(operation, outcome string) {
	if m == nil {
		return
	}
	m.LedgerOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordGrant counts granted credits
func (m *Metrics) RecordGrant(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.CreditsGrantedTotal.Add(float64(amount))
}

// RecordAdmission counts one admission decision
func (m *Metrics) RecordAdmission(outcome string) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordSettlement counts one settlement
func (m *Metrics) RecordSettlement(outcome string) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(outcome).Inc()
}

// RecordSweep records the result of one reconciliation sweep
func (m *Metrics) RecordSweep(refunded, failed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReservationsSwept.Add(float64(refunded))
	m.SweepFailuresTotal.Add(float64(failed))
	m.SweepDurationSeconds.Observe(duration.Seconds())
}

// RecordDBStats copies connection pool statistics into the database gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// RecordRedisStats copies Redis pool statistics into the Redis gauges
func (m *Metrics) RecordRedisStats(stats *redis.PoolStats) {
	if m == nil || stats == nil {
		return
	}
	m.RedisConnectionsActive.Set(float64(stats.TotalConns - stats.IdleConns))
	m.RedisConnectionsIdle.Set(float64(stats.IdleConns))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel returns the matched mux route template so per-account paths
// share one label value
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(serveMux *http.ServeMux, registry *prometheus.Registry) {
	serveMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
