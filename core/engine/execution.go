package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskengine/core/recurring"
	"github.com/dmitrymomot/taskengine/core/storage"
)

// execution is the in-memory envelope that travels through the scheduler
// and queues. It carries everything a worker needs to run one attempt
// series without re-reading the persisted row.
type execution struct {
	id          uuid.UUID
	taskKey     *string
	requestType string
	handlerType string
	request     json.RawMessage
	queue       string
	config      HandlerConfig
	// handler is nil for lazily resolved executions; the worker builds it
	// from the registry right before the first attempt. ownsHandler marks
	// eagerly built per-execution instances the worker must dispose.
	handler     Handler
	ownsHandler bool
	recurring   *recurring.Task
	currentRun  int
	runAt       *time.Time
	auditLevel  storage.AuditLevel
	hooks       Hooks
	// epoch guards against superseded executions: when a task key dispatch
	// adopts an existing row, the stale scheduled copy still fires but the
	// worker discards it.
	epoch int64
}

// fireStarted runs both handler-level and dispatch-level callbacks.
func (e *execution) fireStarted() {
	if e.config.Hooks.OnStarted != nil {
		e.config.Hooks.OnStarted(e.id)
	}
	if e.hooks.OnStarted != nil {
		e.hooks.OnStarted(e.id)
	}
}

func (e *execution) fireCompleted() {
	if e.config.Hooks.OnCompleted != nil {
		e.config.Hooks.OnCompleted(e.id)
	}
	if e.hooks.OnCompleted != nil {
		e.hooks.OnCompleted(e.id)
	}
}

func (e *execution) fireError(err error) {
	if e.config.Hooks.OnError != nil {
		e.config.Hooks.OnError(e.id, err)
	}
	if e.hooks.OnError != nil {
		e.hooks.OnError(e.id, err)
	}
}

func (e *execution) fireRetry(attempt int, err error, delay time.Duration) {
	if e.config.Hooks.OnRetry != nil {
		e.config.Hooks.OnRetry(e.id, attempt, err, delay)
	}
	if e.hooks.OnRetry != nil {
		e.hooks.OnRetry(e.id, attempt, err, delay)
	}
}

// epochTracker assigns a monotonically increasing epoch per task id. A
// dispatch that replaces an earlier schedule for the same id bumps the
// epoch, invalidating in-flight copies of the old schedule.
type epochTracker struct {
	mu sync.Mutex
	m  map[uuid.UUID]int64
}

func newEpochTracker() *epochTracker {
	return &epochTracker{m: make(map[uuid.UUID]int64)}
}

// current returns the live epoch for a task id, zero if never bumped.
func (t *epochTracker) current(id uuid.UUID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[id]
}

// bump invalidates any outstanding execution for the id and returns the new
// epoch.
func (t *epochTracker) bump(id uuid.UUID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[id]++
	return t.m[id]
}

// forget drops tracking state once the task reaches a terminal status.
func (t *epochTracker) forget(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, id)
}
