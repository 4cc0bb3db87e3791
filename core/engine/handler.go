package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	// Handler defines the interface for task processors.
	// All task handlers must implement Name() to identify the request type
	// they process and Handle() to execute the task payload.
	Handler interface {
		// Name returns the request type name used for handler registration
		// and routing.
		Name() string
		// Handle processes the task with the given payload.
		// The payload is provided as raw JSON and must be unmarshaled by
		// the handler.
		Handle(ctx context.Context, payload json.RawMessage) error
	}

	// Disposer is implemented by handlers that hold resources which must be
	// released after every execution. Disposal runs asynchronously and never
	// blocks the worker.
	Disposer interface {
		Dispose(ctx context.Context) error
	}

	// TaskHandlerFunc is a type-safe handler function.
	// The generic type T represents the expected request structure.
	TaskHandlerFunc[T any] func(ctx context.Context, request T) error

	// Hooks are optional lifecycle callbacks fired around a single
	// execution. Every field may be nil. Callbacks run synchronously on the
	// worker goroutine, so they must be fast.
	Hooks struct {
		// OnStarted fires after the task transitions to in-progress,
		// before the first attempt.
		OnStarted func(taskID uuid.UUID)
		// OnCompleted fires after a successful terminal transition.
		OnCompleted func(taskID uuid.UUID)
		// OnError fires after the final failed attempt. It does not fire
		// for user cancellation or host shutdown.
		OnError func(taskID uuid.UUID, err error)
		// OnRetry fires before each backoff sleep between attempts.
		OnRetry func(taskID uuid.UUID, attempt int, err error, delay time.Duration)
	}

	// HandlerConfig carries per-handler execution policy. Zero values mean
	// engine defaults.
	HandlerConfig struct {
		// Queue routes all executions of this handler to a named queue.
		// Empty means the default queue (or the recurring queue for
		// recurring tasks).
		Queue string
		// Retry governs re-execution after failures. Nil means the engine
		// default policy.
		Retry RetryPolicy
		// Timeout bounds a single attempt. Zero means no per-attempt limit.
		Timeout time.Duration
		// CPUBound marks handlers whose work saturates a core, hinting the
		// queue planner toward a dedicated bounded pool.
		CPUBound bool
		// CaptureLogs enables execution log capture for this handler even
		// when the engine-wide switch is off.
		CaptureLogs bool
		// Hooks are lifecycle callbacks applied to every execution of this
		// handler. Dispatch-time hooks run in addition to these.
		Hooks Hooks
	}
)

// HandlerOption configures a handler created by NewTaskHandler.
type HandlerOption func(*HandlerConfig)

// WithQueue routes the handler's executions to the named queue.
func WithHandlerQueue(name string) HandlerOption {
	return func(c *HandlerConfig) {
		if name != "" {
			c.Queue = name
		}
	}
}

// WithRetryPolicy sets the retry policy for failed attempts.
func WithRetryPolicy(p RetryPolicy) HandlerOption {
	return func(c *HandlerConfig) {
		if p != nil {
			c.Retry = p
		}
	}
}

// WithTimeout bounds each execution attempt. An attempt that exceeds the
// timeout counts as a failed attempt for retry purposes.
func WithTimeout(d time.Duration) HandlerOption {
	return func(c *HandlerConfig) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// WithCPUBound marks the handler as CPU-bound.
func WithCPUBound() HandlerOption {
	return func(c *HandlerConfig) {
		c.CPUBound = true
	}
}

// WithHandlerLogCapture enables execution log capture for this handler
// even when the service-wide capture is off.
func WithHandlerLogCapture() HandlerOption {
	return func(c *HandlerConfig) {
		c.CaptureLogs = true
	}
}

// WithHooks attaches lifecycle callbacks to every execution of the handler.
func WithHooks(h Hooks) HandlerOption {
	return func(c *HandlerConfig) {
		c.Hooks = h
	}
}

// NewTaskHandler creates a type-safe handler. The request type name is
// automatically derived from the payload type (e.g. "engine_test.SendEmail").
func NewTaskHandler[T any](handler TaskHandlerFunc[T], opts ...HandlerOption) Handler {
	var request T
	cfg := HandlerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &typedTaskHandler[T]{
		name:    qualifiedStructName(request),
		handler: handler,
		config:  cfg,
	}
}

type typedTaskHandler[T any] struct {
	name    string
	handler TaskHandlerFunc[T]
	config  HandlerConfig
}

func (h *typedTaskHandler[T]) Name() string {
	return h.name
}

func (h *typedTaskHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var request T
	if err := json.Unmarshal(payload, &request); err != nil {
		return err
	}
	return h.handler(ctx, request)
}

func (h *typedTaskHandler[T]) Config() HandlerConfig {
	return h.config
}

// configurer is implemented by handlers carrying execution policy.
type configurer interface {
	Config() HandlerConfig
}

// handlerConfig extracts the policy from a handler, falling back to the
// zero config for plain Handler implementations.
func handlerConfig(h Handler) HandlerConfig {
	if c, ok := h.(configurer); ok {
		return c.Config()
	}
	return HandlerConfig{}
}
