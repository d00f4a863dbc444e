// Package storage defines the Ledger Store contracts for creditd.
//
// # Overview
//
// The engine never takes an in-process lock around an account. Every mutation
// is expressed as a single conditional write that the backend evaluates
// atomically, so correctness holds across any number of service replicas:
//
//   - AdjustCredits: "add delta iff balance + delta >= 0"
//   - UpdateSubscription: compare-and-swap on the subscription version
//   - ClaimDailyUsage: "take a slot iff the window is not full, resetting a stale window"
//   - ApplyEvent: uniqueness-constrained insert of the event id, committed
//     together with the event's business effects
//
// # Backends
//
// memory.Store keeps accounts in process memory and is intended for
// development and tests.
//
//	store := memory.NewStore()
//
// postgres.Store runs the same conditional writes as SQL statements against
// PostgreSQL (lib/pq) or SQLite (go-sqlite3):
//
//	cfg := storage.DefaultConfig()
//	cfg.Type = "postgres"
//	cfg.PostgresURL = "postgres://localhost/creditd?sslmode=disable"
//	store, err := postgres.NewStore(cfg)
//
// # Errors
//
// Backends return the sentinel errors of this package (ErrAccountNotFound,
// ErrAccountExists, ErrEventExists, ErrVersionConflict), wrapped where context
// helps. Any other error is an infrastructure failure.
package storage
