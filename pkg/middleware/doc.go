// Package middleware provides HTTP middleware for account identity and per-account rate limiting.
//
// # Overview
//
// Authentication happens at the gateway in front of the service; the gateway
// forwards the verified account id in the X-Account-ID header. This package
// lifts that id into the request context and limits how fast each account
// may call the metered endpoints.
//
// # Middleware Components
//
// AccountIdentity: gateway-asserted account id
//
//	router.Use(middleware.NewAccountIdentity("").Handler)
//	// handlers read it back with middleware.AccountID(r)
//
// RateLimiter: in-memory token bucket, one process
//
//	limiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
//		RequestsPerWindow: 60,
//		WindowDuration:    time.Minute,
//		BurstSize:         10,
//	})
//
// DistributedRateLimiter: Redis fixed window, shared by every replica
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "")
//
// Both satisfy Limiter and plug into the same HTTP middleware:
//
//	rl := middleware.NewRateLimitMiddleware(limiter, logger)
//	router.Use(rl.Handler)
//
// Throttled requests get 429 with Retry-After. Limiter errors fail open by
// default; SetFailOpen(false) answers 503 instead.
//
// The per-request limit is separate from the daily generation limit, which
// the usage package enforces against the account record.
package middleware
