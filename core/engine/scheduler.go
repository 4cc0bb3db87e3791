package engine

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// maxSchedulerSleep caps the idle timer so clock drift and missed wakeups
// self-heal within a bounded window.
const maxSchedulerSleep = 90 * time.Minute

// scheduler holds future executions and releases them to the dispatch
// callback when due.
type scheduler interface {
	// schedule registers an execution to fire at runAt. A time in the past
	// fires on the next loop iteration.
	schedule(exec *execution, runAt time.Time)
	// run blocks until the context is cancelled, dispatching due
	// executions as their times arrive.
	run(ctx context.Context) error
	// pending reports how many executions are waiting.
	pending() int
	// remaining drains and returns executions that never fired, used
	// during shutdown accounting.
	remaining() []*execution
}

type scheduleEntry struct {
	exec  *execution
	runAt time.Time
	index int
}

type scheduleHeap []*scheduleEntry

func (h scheduleHeap) Len() int            { return len(h) }
func (h scheduleHeap) Less(i, j int) bool  { return h[i].runAt.Before(h[j].runAt) }
func (h scheduleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *scheduleHeap) Push(x any)         { e := x.(*scheduleEntry); e.index = len(*h); *h = append(*h, e) }
func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timerScheduler is a single-goroutine min-heap scheduler. The loop sleeps
// until the earliest entry is due, waking early when a closer entry arrives.
type timerScheduler struct {
	mu       sync.Mutex
	heap     scheduleHeap
	wake     chan struct{}
	dispatch func(ctx context.Context, exec *execution)
	log      *slog.Logger
	fired    atomic.Int64
}

func newTimerScheduler(dispatch func(ctx context.Context, exec *execution), log *slog.Logger) *timerScheduler {
	return &timerScheduler{
		wake:     make(chan struct{}, 1),
		dispatch: dispatch,
		log:      log,
	}
}

func (s *timerScheduler) schedule(exec *execution, runAt time.Time) {
	s.mu.Lock()
	wasHead := len(s.heap) == 0 || runAt.Before(s.heap[0].runAt)
	heap.Push(&s.heap, &scheduleEntry{exec: exec, runAt: runAt})
	s.mu.Unlock()

	if wasHead {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *timerScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

func (s *timerScheduler) run(ctx context.Context) error {
	timer := time.NewTimer(maxSchedulerSleep)
	defer timer.Stop()

	for {
		due, sleep := s.collectDue(time.Now())
		if len(due) > 0 {
			s.log.Debug("dispatching due tasks", slog.Int("count", len(due)))
		}
		for _, exec := range due {
			s.fired.Add(1)
			s.dispatch(ctx, exec)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// collectDue pops every entry that is due at now and returns the sleep
// until the next one, capped at maxSchedulerSleep.
func (s *timerScheduler) collectDue(now time.Time) ([]*execution, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*execution
	for len(s.heap) > 0 && !s.heap[0].runAt.After(now) {
		entry := heap.Pop(&s.heap).(*scheduleEntry)
		due = append(due, entry.exec)
	}

	sleep := maxSchedulerSleep
	if len(s.heap) > 0 {
		if d := s.heap[0].runAt.Sub(now); d < sleep {
			sleep = d
		}
		if sleep <= 0 {
			sleep = time.Millisecond
		}
	}
	return due, sleep
}

// remaining drains the heap, used during shutdown to account for tasks
// that never fired.
func (s *timerScheduler) remaining() []*execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*execution, 0, len(s.heap))
	for _, entry := range s.heap {
		out = append(out, entry.exec)
	}
	s.heap = nil
	return out
}
