package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/taskengine/core/logger"
)

// Well-known queue names. Additional queues may be declared through
// QueueConfig; routing to an undeclared name is an error.
const (
	QueueDefault      = "default"
	QueueHighPriority = "high-priority"
	QueueBackground   = "background"
	QueueRecurring    = "recurring"
)

// FullBehavior selects what Enqueue does when a queue is at capacity.
type FullBehavior string

const (
	// FullWait blocks the producer until space frees up or the context is
	// cancelled.
	FullWait FullBehavior = "wait"
	// FullFallback redirects the task to the default queue, waiting there
	// if needed.
	FullFallback FullBehavior = "fallback"
	// FullDrop rejects the enqueue with ErrQueueFull. The persisted row
	// stays queued so recovery replays it on the next start.
	FullDrop FullBehavior = "drop"
)

// QueueConfig declares one named bounded queue and its consumer pool.
type QueueConfig struct {
	Name      string
	Capacity  int
	Consumers int
	OnFull    FullBehavior
	// DefaultTimeout bounds each attempt of tasks routed here whose
	// handlers declare no timeout of their own. Zero means unbounded.
	DefaultTimeout time.Duration
}

func (c QueueConfig) normalized(defaults QueueConfig) QueueConfig {
	if c.Capacity <= 0 {
		c.Capacity = defaults.Capacity
	}
	if c.Consumers <= 0 {
		c.Consumers = defaults.Consumers
	}
	if c.OnFull == "" {
		c.OnFull = FullWait
	}
	return c
}

// boundedQueue is a named FIFO channel with enqueue accounting.
type boundedQueue struct {
	config   QueueConfig
	ch       chan *execution
	enqueued atomic.Int64
	dropped  atomic.Int64
}

// queueManager owns every declared queue and runs their consumer pools.
// Consumers are long-lived goroutines that pull executions synchronously,
// so a queue with N consumers processes at most N tasks at once.
type queueManager struct {
	queues map[string]*boundedQueue
	log    *slog.Logger
	wg     sync.WaitGroup
}

func newQueueManager(configs []QueueConfig, defaults QueueConfig, log *slog.Logger) *queueManager {
	m := &queueManager{
		queues: make(map[string]*boundedQueue, len(configs)),
		log:    log,
	}
	for _, cfg := range configs {
		cfg = cfg.normalized(defaults)
		m.queues[cfg.Name] = &boundedQueue{
			config: cfg,
			ch:     make(chan *execution, cfg.Capacity),
		}
	}
	return m
}

// enqueue routes an execution to its queue, applying the queue's full
// behavior when capacity is exhausted.
func (m *queueManager) enqueue(ctx context.Context, exec *execution) error {
	q, ok := m.queues[exec.queue]
	if !ok {
		return ErrUnknownQueue
	}

	select {
	case q.ch <- exec:
		q.enqueued.Add(1)
		return nil
	default:
	}

	switch q.config.OnFull {
	case FullDrop:
		q.dropped.Add(1)
		m.log.WarnContext(ctx, "queue full, dropping enqueue",
			logger.Queue(exec.queue), logger.TaskID(exec.id))
		return ErrQueueFull
	case FullFallback:
		if exec.queue != QueueDefault {
			m.log.WarnContext(ctx, "queue full, falling back to default",
				logger.Queue(exec.queue), logger.TaskID(exec.id))
			fallback := *exec
			fallback.queue = QueueDefault
			return m.enqueue(ctx, &fallback)
		}
		fallthrough
	default: // FullWait
		select {
		case q.ch <- exec:
			q.enqueued.Add(1)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// start launches every queue's consumer pool. Each consumer calls process
// for one execution at a time until the context is cancelled. start returns
// immediately; wait blocks until all consumers exit.
func (m *queueManager) start(ctx context.Context, process func(ctx context.Context, exec *execution)) {
	for name, q := range m.queues {
		for i := 0; i < q.config.Consumers; i++ {
			m.wg.Add(1)
			go func(name string, q *boundedQueue) {
				defer m.wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case exec := <-q.ch:
						process(ctx, exec)
					}
				}
			}(name, q)
		}
	}
}

// wait blocks until every consumer goroutine has exited.
func (m *queueManager) wait() {
	m.wg.Wait()
}

// drain returns executions still buffered after consumers stopped, so the
// service can mark them stopped for recovery.
func (m *queueManager) drain() []*execution {
	var pending []*execution
	for _, q := range m.queues {
	drainQueue:
		for {
			select {
			case exec := <-q.ch:
				pending = append(pending, exec)
			default:
				break drainQueue
			}
		}
	}
	return pending
}

// QueueStats reports per-queue counters.
type QueueStats struct {
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	Depth     int    `json:"depth"`
	Consumers int    `json:"consumers"`
	Enqueued  int64  `json:"enqueued"`
	Dropped   int64  `json:"dropped"`
}

func (m *queueManager) stats() []QueueStats {
	out := make([]QueueStats, 0, len(m.queues))
	for name, q := range m.queues {
		out = append(out, QueueStats{
			Name:      name,
			Capacity:  q.config.Capacity,
			Depth:     len(q.ch),
			Consumers: q.config.Consumers,
			Enqueued:  q.enqueued.Load(),
			Dropped:   q.dropped.Load(),
		})
	}
	return out
}
