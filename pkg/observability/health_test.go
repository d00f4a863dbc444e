package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(msg string) CheckFunc {
	return func(ctx context.Context) error { return errors.New(msg) }
}

func passing() CheckFunc {
	return func(ctx context.Context) error { return nil }
}

func TestHealthChecker_Check(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *HealthChecker)
		expected string
	}{
		{
			name:     "no dependencies",
			setup:    func(h *HealthChecker) {},
			expected: StatusHealthy,
		},
		{
			name: "all healthy",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, passing())
				h.AddCheck("redis", false, passing())
			},
			expected: StatusHealthy,
		},
		{
			name: "critical dependency down",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, failing("connection refused"))
				h.AddCheck("redis", false, passing())
			},
			expected: StatusUnhealthy,
		},
		{
			name: "optional dependency down",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, passing())
				h.AddCheck("redis", false, failing("connection refused"))
			},
			expected: StatusDegraded,
		},
		{
			name: "critical dependency degraded",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, func(ctx context.Context) error {
					return fmt.Errorf("pool exhausted: %w", ErrDegraded)
				})
			},
			expected: StatusDegraded,
		},
		{
			name: "unhealthy wins over degraded",
			setup: func(h *HealthChecker) {
				h.AddCheck("redis", false, failing("down"))
				h.AddCheck("database", true, failing("down"))
			},
			expected: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("1.2.3")
			tt.setup(h)

			status := h.Check(context.Background())
			assert.Equal(t, tt.expected, status.Status)
			assert.Equal(t, "1.2.3", status.Version)
		})
	}
}

func TestHealthChecker_DependencyDetails(t *testing.T) {
	h := NewHealthChecker("")
	h.AddCheck("redis", false, failing("connection refused"))

	status := h.Check(context.Background())
	dep, ok := status.Dependencies["redis"]
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, dep.Status)
	assert.Equal(t, "connection refused", dep.Message)
	assert.False(t, dep.Timestamp.IsZero())
}

func TestHealthChecker_Handlers(t *testing.T) {
	h := NewHealthChecker("1.0.0")
	serveMux := http.NewServeMux()
	RegisterHealthRoutes(serveMux, h)

	rec := httptest.NewRecorder()
	serveMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	h.AddCheck("database", true, failing("down"))
	for _, path := range []string{"/health", "/health/ready"} {
		rec = httptest.NewRecorder()
		serveMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)

		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, StatusUnhealthy, status.Status)
	}

	// liveness ignores dependencies
	rec = httptest.NewRecorder()
	serveMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDatabaseCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

		assert.NoError(t, DatabaseCheck(db)(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ping fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		err = DatabaseCheck(db)(context.Background())
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrDegraded))
	})

	t.Run("query fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("read-only transaction"))

		err = DatabaseCheck(db)(context.Background())
		assert.ErrorContains(t, err, "query failed")
	})
}

func TestRedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	check := RedisCheck(client)
	assert.NoError(t, check(context.Background()))

	mr.Close()
	assert.Error(t, check(context.Background()))
}
