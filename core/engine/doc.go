// Package engine implements an in-process background task engine: typed
// handlers, persistent queued tasks, bounded FIFO queues with consumer
// pools, a min-heap timer scheduler (optionally sharded), retries with
// per-attempt timeouts, cooperative cancellation, recurring execution and
// restart recovery over a pluggable storage backend.
//
// The Service facade wires everything together:
//
//	store := storage.NewMemoryStorage()
//	svc, _ := engine.NewService(store)
//
//	type ResizeImage struct {
//	    Path string `json:"path"`
//	}
//	svc.RegisterHandler(engine.NewTaskHandler(
//	    func(ctx context.Context, req ResizeImage) error {
//	        return resize(ctx, req.Path)
//	    },
//	    engine.WithTimeout(time.Minute),
//	    engine.WithRetryPolicy(engine.ExponentialRetryPolicy{Attempts: 5, BaseDelay: time.Second}),
//	))
//
//	go svc.Run(ctx)
//	id, _ := svc.Dispatch(ctx, ResizeImage{Path: "a.png"})
//
// Tasks survive restarts: every dispatch is persisted before routing, and
// Run replays unfinished rows before consumers start. Recurring tasks are
// described with the recurring package and never overlap themselves: run
// N+1 is scheduled only after run N finishes.
//
// Handlers receive the raw JSON payload typed through NewTaskHandler.
// Inside a capturing execution, TaskLoggerFromContext returns a logger
// whose entries are persisted with the task for later inspection.
package engine
