package engine

import "errors"

var (
	// ErrNilTask is returned when Dispatch is called without a request.
	ErrNilTask = errors.New("task request cannot be nil")

	// ErrInvalidRecurring is returned when a recurring configuration
	// yields no valid next run at dispatch time.
	ErrInvalidRecurring = errors.New("recurring configuration yields no next run")

	// ErrPersistenceFailed wraps storage write failures during dispatch.
	ErrPersistenceFailed = errors.New("failed to persist task")

	// ErrQueueFull is returned when an enqueue exceeds capacity under the
	// Drop policy. The task stays persisted as queued; recovery replays it.
	ErrQueueFull = errors.New("queue is full")

	// ErrHandlerNotFound is returned when no handler is registered for a
	// dispatched request type.
	ErrHandlerNotFound = errors.New("no handler registered for request type")

	// ErrHandlerNil is returned when registering a nil handler.
	ErrHandlerNil = errors.New("handler cannot be nil")

	// ErrHandlerTimeout marks an execution attempt that exceeded the
	// handler's configured timeout.
	ErrHandlerTimeout = errors.New("handler execution timed out")

	// ErrTaskCancelled marks an execution interrupted by an explicit
	// Cancel call.
	ErrTaskCancelled = errors.New("task cancelled by user")

	// ErrServiceStopping marks an execution interrupted by host shutdown.
	ErrServiceStopping = errors.New("service stopping")

	// ErrStorageNil is returned when constructing components without storage.
	ErrStorageNil = errors.New("storage cannot be nil")

	// ErrUnknownQueue is returned when routing to a queue that was never
	// configured.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrAlreadyStarted is returned when starting a running component.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted is returned when stopping a component that never started.
	ErrNotStarted = errors.New("not started")

	// ErrHealthcheckFailed wraps component health failures.
	ErrHealthcheckFailed = errors.New("healthcheck failed")

	// ErrServiceNotRunning indicates the engine is not processing tasks.
	ErrServiceNotRunning = errors.New("service is not running")
)
