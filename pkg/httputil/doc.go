// Package httputil holds the request and response plumbing shared by the
// creditd handlers.
//
// Every error leaves the service in one envelope, with a code clients can
// branch on:
//
//	{"error": "account acct-1 has 0, needs 1", "code": "insufficient_credit"}
//
//	httputil.WriteErrorCode(w, http.StatusPaymentRequired, "insufficient_credit", msg)
//	httputil.WriteTooManyRequests(w, retryAfter, "daily_limit_exceeded", msg)
//
// Throttling responses always carry Retry-After.
//
// Webhook payloads are verified over the raw bytes, so they are read with
// ReadBody instead of being decoded:
//
//	payload, err := httputil.ReadBody(w, r, httputil.DefaultMaxBodyBytes)
//
// JSON bodies reject unknown fields:
//
//	var req SettleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	id, ok := httputil.PathParam(w, r, "id")
//
// Middleware runs outermost first:
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//	)
package httputil
