// Package observability provides structured logging, Prometheus metrics,
// health checks, graceful shutdown and OpenTelemetry tracing.
//
// # Structured Logging
//
// Logger is a thin wrapper over log/slog writing JSON:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("account_id", id).Info("account opened")
//
// Request handlers use the request-scoped logger, which carries request_id
// and account_id:
//
//	observability.FromContext(r.Context()).WithError(err).Error("request failed")
//
// # Prometheus Metrics
//
// Metrics is nil-safe; components built without a registry record nothing.
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordAdmission("admitted")
//	metrics.RecordWebhook("invoice.payment_succeeded", "applied", elapsed)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddCheck("database", true, observability.DatabaseCheck(db))
//	checker.AddCheck("redis", false, observability.RedisCheck(client))
//	observability.RegisterHealthRoutes(serveMux, checker)
//
// # Shutdown
//
// ShutdownManager drains HTTP servers before closing stores, so no
// reservation can be taken against a closing database.
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "creditd",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/httputil: Request logging middleware
package observability
