// Package api provides the HTTP REST API server for the credit ledger.
//
// # Overview
//
// The API exposes two surfaces. The billing provider posts signed event
// notifications to the webhook endpoint, which is authenticated by the
// payload signature alone. Everything else is called on behalf of an end
// user whose account id is asserted by the gateway in the X-Account-ID
// header.
//
// # Endpoints
//
//	POST /billing/webhook                      signed provider event
//	GET  /plans                                purchasable plans
//	POST /accounts                             open the caller's account
//	GET  /accounts/{id}/balance                credit balance
//	GET  /accounts/{id}/credits                credits and tier
//	GET  /accounts/{id}/subscription           subscription status
//	GET  /accounts/{id}/events?limit=N         applied billing events, newest first
//	POST /accounts/{id}/deactivate             disable the account
//	POST /usage/admit                          reserve one credit
//	POST /usage/reservations/{id}/settle       commit or refund a reservation
//
// {id} in account paths is either "me" or the caller's own account id.
//
// # Usage
//
// A metered action is bracketed by admit and settle:
//
//	POST /usage/admit
//	  -> 201 {"reservation_id": "...", "expires_at": "..."}
//	... run the action ...
//	POST /usage/reservations/{reservation_id}/settle {"outcome": "success"}
//	  -> 200 {"settled": true}
//
// Reservations that are never settled are refunded by the sweeper once they
// expire.
//
// # Errors
//
// Errors use the httputil.ErrorResponse envelope with a machine-readable
// code. Webhook outcomes are mapped so the provider only redelivers when a
// retry can succeed:
//
//	invalid signature, malformed payload   400
//	duplicate event                        200 {"received": true, "duplicate": true}
//	unresolved account                     422
//	failed precondition                    409
//	store unavailable                      503
//
// Usage and account outcomes:
//
//	insufficient credit                    402 insufficient_credit
//	daily limit reached                    429 daily_limit_exceeded + Retry-After
//	request rate exceeded                  429 rate_limited + Retry-After
//	account disabled                       403 account_disabled
//	unknown account or reservation         404
//	account already exists                 409 account_exists
//	store unavailable                      503 unavailable
package api
