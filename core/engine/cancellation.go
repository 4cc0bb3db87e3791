package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// cancellationRegistry tracks a cancel function per in-flight task so an
// explicit Cancel call can interrupt the handler mid-execution. It also
// keeps a blacklist of ids cancelled before their execution started, so
// queued copies are discarded instead of run.
type cancellationRegistry struct {
	mu        sync.Mutex
	cancels   map[uuid.UUID]context.CancelFunc
	blacklist map[uuid.UUID]struct{}
}

func newCancellationRegistry() *cancellationRegistry {
	return &cancellationRegistry{
		cancels:   make(map[uuid.UUID]context.CancelFunc),
		blacklist: make(map[uuid.UUID]struct{}),
	}
}

// create derives a cancellable context for one execution and registers its
// cancel function under the task id. The caller must release it when the
// execution finishes.
func (r *cancellationRegistry) create(parent context.Context, id uuid.UUID) context.Context {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()
	return ctx
}

// cancel signals the task's context if it is in flight and blacklists the
// id so a queued copy that has not started yet is discarded. Calling it for
// an unknown or already-finished id is a no-op.
func (r *cancellationRegistry) cancel(id uuid.UUID) {
	r.mu.Lock()
	cancelFn := r.cancels[id]
	r.blacklist[id] = struct{}{}
	r.mu.Unlock()
	if cancelFn != nil {
		cancelFn()
	}
}

// release removes the cancel function after an execution finishes, calling
// it to free the derived context's resources.
func (r *cancellationRegistry) release(id uuid.UUID) {
	r.mu.Lock()
	cancelFn := r.cancels[id]
	delete(r.cancels, id)
	delete(r.blacklist, id)
	r.mu.Unlock()
	if cancelFn != nil {
		cancelFn()
	}
}

// cancelled reports whether the id was cancelled before starting. It clears
// the blacklist entry, so the check is consume-once per execution.
func (r *cancellationRegistry) cancelled(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blacklist[id]
	if ok {
		delete(r.blacklist, id)
	}
	return ok
}

// inflight reports how many executions currently hold a cancel function.
func (r *cancellationRegistry) inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
