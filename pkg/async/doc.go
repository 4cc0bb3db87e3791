// Package async provides small future-style helpers for fire-and-forget
// work whose completion still needs to be observable.
//
// The task engine uses Exec to run handler dispose callbacks off the
// worker goroutine: the consumer loop moves on to the next task while
// the returned ExecFuture lets tests and shutdown paths wait for the
// dispose to finish.
//
//	future := async.Exec(ctx, handler, func(ctx context.Context, h Handler) error {
//		return h.Dispose(ctx)
//	})
//
//	// Later, optionally bounded:
//	if err := future.AwaitWithTimeout(time.Second); err != nil {
//		log.Warn("dispose did not finish", logger.Error(err))
//	}
package async
