package event

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the default buffer size for the in-memory bus.
const DefaultBufferSize = 256

// Bus is an in-process pub/sub channel for task lifecycle events,
// suitable for single-instance embedded deployments.
//
// Publishing never blocks the engine: when the buffer is full the event
// is dropped and counted, because monitoring must not stall execution.
//
// Example:
//
//	bus := event.NewBus(event.WithBufferSize(512))
//	defer bus.Close()
//
//	go func() {
//		for e := range bus.Events() {
//			fmt.Println(e.Severity, e.Message)
//		}
//	}()
type Bus struct {
	ch     chan TaskEventData
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the buffer size for the event channel.
// A larger buffer tolerates slower subscribers before events drop.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.ch = make(chan TaskEventData, size)
		}
	}
}

// WithBusLogger configures structured logging for the bus.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates a new in-memory event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		ch:     make(chan TaskEventData, DefaultBufferSize),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Publish sends the event to subscribers without blocking. When the bus
// is closed the event is discarded with an error; when the buffer is
// full the event is dropped and counted.
func (b *Bus) Publish(ctx context.Context, e TaskEventData) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.ch <- e:
		b.published.Add(1)
		return nil
	default:
		b.dropped.Add(1)
		b.logger.DebugContext(ctx, "event bus full, dropping event",
			slog.String("task_id", e.TaskID.String()),
			slog.String("severity", string(e.Severity)))
		return nil
	}
}

// Events returns the read-only stream of task events. The channel is
// closed by Close.
func (b *Bus) Events() <-chan TaskEventData {
	return b.ch
}

// Close shuts the bus down. Publish returns ErrBusClosed afterwards.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	b.closed = true
	close(b.ch)
	return nil
}

// BusStats provides observability counters for monitoring and debugging.
type BusStats struct {
	Published int64 // Events delivered to the channel
	Dropped   int64 // Events discarded because the buffer was full
}

// Stats returns current bus counters. Thread-safe.
func (b *Bus) Stats() BusStats {
	return BusStats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
}
