package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrPanicRecovered is returned when a goroutine in the group panics.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group manages a set of goroutines that share a cancellation context.
// The first error returned by any goroutine cancels the group's context
// and is returned by Wait. Subsequent errors are discarded.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
}

// WithContext returns a new Group and a derived context.Context.
// The derived context is canceled when the first goroutine in the Group
// returns a non-nil error or when Wait returns, whichever occurs first.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLimit caps the number of goroutines running concurrently in the group.
// Must be called before the first Go. A limit below 1 panics.
func (grp *Group) SetLimit(limit int) {
	if limit < 1 {
		panic(fmt.Sprintf("errgroup: invalid limit %d", limit))
	}

	grp.sem = semaphore.NewWeighted(int64(limit))
}

// effectiveCtx returns the group's context, falling back to
// context.Background() for zero-value Groups not created via WithContext.
func (grp *Group) effectiveCtx() context.Context {
	if grp.ctx != nil {
		return grp.ctx
	}

	return context.Background()
}

// Go starts fn in a new goroutine, blocking first if the group is at its
// concurrency limit. The first non-nil error returned by a goroutine is
// recorded and triggers cancellation of the group context. A panic in fn is
// recovered and recorded as an error wrapping ErrPanicRecovered.
func (grp *Group) Go(fn func() error) {
	if grp.sem != nil {
		// Acquire with the background context: an in-flight batch item must
		// finish its bookkeeping even if the group context was canceled.
		if err := grp.sem.Acquire(context.Background(), 1); err != nil {
			grp.record(fmt.Errorf("errgroup: acquire slot: %w", err))
			return
		}
	}

	grp.wg.Add(1)

	go func() {
		defer grp.wg.Done()
		defer func() {
			if grp.sem != nil {
				grp.sem.Release(1)
			}
		}()
		defer func() {
			if recovered := recover(); recovered != nil {
				grp.record(fmt.Errorf("%w: %v", ErrPanicRecovered, recovered))
			}
		}()

		if err := fn(); err != nil {
			grp.record(err)
		}
	}()
}

// record stores the first error and cancels the group context.
func (grp *Group) record(err error) {
	grp.errOnce.Do(func() {
		grp.err = err
		if grp.cancel != nil {
			grp.cancel()
		}
	})
}

// Wait blocks until all goroutines in the Group have completed.
// It cancels the group context after all goroutines finish and returns
// the first non-nil error (if any) recorded by Go.
func (grp *Group) Wait() error {
	grp.wg.Wait()

	if grp.cancel != nil {
		grp.cancel()
	}

	return grp.err
}
