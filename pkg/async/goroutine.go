package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/creditd/pkg/observability"
	"golang.org/x/sync/errgroup"
)

// SafeGo runs fn in a goroutine with panic recovery. A positive timeout
// bounds fn's context; timeout <= 0 runs fn until parentCtx is done.
// Errors and panics are logged through the context logger, never propagated.
//
//	SafeGo(ctx, 0, "replica health", func(ctx context.Context) error {
//	    return monitor(ctx)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	logger := observability.GetLogger(parentCtx).WithField("task", taskName)
	go func() {
		ctx, cancel := withOptionalTimeout(parentCtx, timeout)
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).Error("background task failed")
		}
	}()
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(parent, timeout)
	}
	return context.WithCancel(parent)
}

// ItemError ties a Batch failure to the item that produced it
type ItemError[T any] struct {
	Item T
	Err  error
}

func (e *ItemError[T]) Error() string {
	return fmt.Sprintf("%v: %v", e.Item, e.Err)
}

func (e *ItemError[T]) Unwrap() error {
	return e.Err
}

// Batch runs fn over items with at most workers calls in flight, each under
// its own timeout. One item failing or panicking does not stop the others;
// every failure is returned. Items not yet started when ctx is cancelled
// are reported with ctx's error.
//
//	errs := Batch(ctx, expired, 8, "refund expired", 5*time.Second, func(ctx context.Context, r Reservation) error {
//	    return refund(ctx, r)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers < 1 {
		workers = 1
	}
	logger := observability.GetLogger(ctx).WithField("task", taskName)

	var (
		mu   sync.Mutex
		errs []error
	)
	fail := func(item T, err error) {
		mu.Lock()
		errs = append(errs, &ItemError[T]{Item: item, Err: err})
		mu.Unlock()
	}

	// a plain Group: fn errors are collected, not used to cancel siblings
	var g errgroup.Group
	g.SetLimit(workers)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			fail(item, err)
			continue
		}
		g.Go(func() error {
			itemCtx, cancel := withOptionalTimeout(ctx, timeout)
			defer cancel()
			defer observability.RecoverPanicWithCallback(logger, taskName, func(err error) {
				fail(item, err)
			})

			if err := fn(itemCtx, item); err != nil {
				fail(item, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errs
}
