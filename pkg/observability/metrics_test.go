package observability

import (
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	require.NotNil(t, metrics)

	// registering twice on one registry panics on duplicate collectors
	assert.Panics(t, func() { NewMetrics(registry) })

	// labelled vectors only export once a series exists
	metrics.RecordWebhook("checkout.session.completed", "applied", time.Millisecond)
	metrics.RecordLedger("reserve", "ok")
	metrics.RecordAdmission("admitted")
	metrics.RecordSettlement("committed")
	metrics.HTTPRequestsTotal.WithLabelValues("GET", "/plans", "200").Inc()
	metrics.HTTPRequestDuration.WithLabelValues("GET", "/plans").Observe(0.01)

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{
		"creditd_http_requests_total",
		"creditd_http_request_duration_seconds",
		"creditd_webhook_events_total",
		"creditd_webhook_processing_seconds",
		"creditd_ledger_operations_total",
		"creditd_credits_granted_total",
		"creditd_admissions_total",
		"creditd_settlements_total",
		"creditd_reservations_swept_total",
		"creditd_sweep_failures_total",
		"creditd_sweep_duration_seconds",
		"creditd_db_connections_active",
		"creditd_redis_connections_idle",
	} {
		assert.True(t, names[name], "missing metric %s", name)
	}
}

func TestMetrics_Record(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordWebhook("invoice.payment_succeeded", "applied", 10*time.Millisecond)
	metrics.RecordWebhook("", "invalid_signature", time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WebhookEventsTotal.WithLabelValues("invoice.payment_succeeded", "applied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature")))

	metrics.RecordLedger("grant", "ok")
	metrics.RecordLedger("grant", "ok")
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.LedgerOperationsTotal.WithLabelValues("grant", "ok")))

	metrics.RecordGrant(100)
	metrics.RecordGrant(0)
	metrics.RecordGrant(-5)
	assert.Equal(t, float64(100), testutil.ToFloat64(metrics.CreditsGrantedTotal))

	metrics.RecordAdmission("rate_limited")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AdmissionsTotal.WithLabelValues("rate_limited")))

	metrics.RecordSettlement("refunded")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SettlementsTotal.WithLabelValues("refunded")))

	metrics.RecordSweep(3, 1, time.Second)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.ReservationsSwept))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SweepFailuresTotal))

	metrics.RecordDBStats(sql.DBStats{InUse: 4, Idle: 6, WaitCount: 2, WaitDuration: 1500 * time.Millisecond})
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.DBConnectionsActive))
	assert.Equal(t, float64(6), testutil.ToFloat64(metrics.DBConnectionsIdle))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.DBConnectionsWaitCount))
	assert.Equal(t, 1.5, testutil.ToFloat64(metrics.DBConnectionsWaitDuration))

	metrics.RecordRedisStats(&redis.PoolStats{TotalConns: 10, IdleConns: 7})
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.RedisConnectionsActive))
	assert.Equal(t, float64(7), testutil.ToFloat64(metrics.RedisConnectionsIdle))
	metrics.RecordRedisStats(nil)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var metrics *Metrics
	assert.NotPanics(t, func() {
		metrics.RecordWebhook("x", "applied", time.Millisecond)
		metrics.RecordLedger("reserve", "ok")
		metrics.RecordGrant(1)
		metrics.RecordAdmission("admitted")
		metrics.RecordSettlement("committed")
		metrics.RecordSweep(1, 0, time.Millisecond)
		metrics.RecordDBStats(sql.DBStats{})
		metrics.RecordRedisStats(&redis.PoolStats{})
	})

	handler := HTTPMetricsMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestHTTPMetricsMiddleware_RouteTemplate(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(metrics))
	router.HandleFunc("/accounts/{id}/balance", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"acct-1", "acct-2", "me"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/"+id+"/balance", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// per-account paths share one series
	assert.Equal(t, float64(3), testutil.ToFloat64(
		metrics.HTTPRequestsTotal.WithLabelValues("GET", "/accounts/{id}/balance", "200")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.HTTPRequestsTotal))
}

func TestHTTPMetricsMiddleware_UnroutedPath(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/missing", nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.HTTPRequestsTotal.WithLabelValues("POST", "/missing", "404")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.RecordAdmission("admitted")

	serveMux := http.NewServeMux()
	RegisterMetricsEndpoint(serveMux, registry)

	rec := httptest.NewRecorder()
	serveMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `creditd_admissions_total{outcome="admitted"} 1`))
}
