// Package async runs background work without letting a panic or a slow item
// take the process down.
//
// SafeGo starts a detached goroutine that logs its error or panic through
// the context logger:
//
//	async.SafeGo(ctx, 0, "replica health", monitor)
//
// Batch fans a slice out over a bounded number of goroutines and returns
// one ItemError per failed item. The reservation sweeper refunds expired
// reservations with it:
//
//	errs := async.Batch(ctx, expired, 8, "sweep reservations", 10*time.Second, refundOne)
package async
