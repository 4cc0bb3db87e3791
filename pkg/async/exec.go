package async

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by AwaitWithTimeout when the function does not
// complete in time. The underlying goroutine keeps running.
var ErrTimeout = errors.New("async: await timed out")

// ExecFuture represents the result of an asynchronous computation that only returns an error.
type ExecFuture struct {
	err  error
	once sync.Once
	done chan struct{}
}

// Await waits for the asynchronous function to complete and returns its error.
func (f *ExecFuture) Await() error {
	<-f.done
	return f.err
}

// AwaitWithTimeout waits for the asynchronous function to complete with a timeout.
// Returns the error if the function completes before the timeout.
// If the timeout occurs before completion, returns ErrTimeout.
func (f *ExecFuture) AwaitWithTimeout(timeout time.Duration) error {
	select {
	case <-f.done:
		return f.err
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// IsComplete checks if the asynchronous function is complete without blocking.
func (f *ExecFuture) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Exec executes a function asynchronously that only returns an error.
// The function accepts a context.Context and a parameter of any type T.
func Exec[T any](ctx context.Context, param T, fn func(context.Context, T) error) *ExecFuture {
	f := &ExecFuture{done: make(chan struct{})}

	go func() {
		defer close(f.done)

		// Early exit prevents goroutine leak when context is pre-canceled
		select {
		case <-ctx.Done():
			f.err = ctx.Err()
			return
		default:
		}

		err := fn(ctx, param)

		// Use sync.Once to prevent race conditions on multiple goroutine completions
		f.once.Do(func() {
			f.err = err
		})
	}()

	return f
}

// ExecAll waits for all futures to complete and returns the first error
// encountered, if any.
func ExecAll(futures ...*ExecFuture) error {
	for _, future := range futures {
		if err := future.Await(); err != nil {
			return err
		}
	}
	return nil
}
