package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskengine/core/event"
	"github.com/dmitrymomot/taskengine/core/logger"
	"github.com/dmitrymomot/taskengine/core/recurring"
	"github.com/dmitrymomot/taskengine/core/storage"
)

// Lazy resolution thresholds: handlers for executions further out than
// these are built by the worker instead of at dispatch time.
const (
	lazyRecurringMinPeriod = 5 * time.Minute
	lazyDelayThreshold     = 30 * time.Minute
)

// DispatchOption customizes a single Dispatch call.
type DispatchOption func(*dispatchParams)

type dispatchParams struct {
	delay      time.Duration
	runAt      *time.Time
	recurring  *recurring.Task
	taskKey    *string
	queue      string
	auditLevel storage.AuditLevel
	hooks      Hooks
}

// WithDelay postpones the first execution by the given duration.
func WithDelay(d time.Duration) DispatchOption {
	return func(p *dispatchParams) {
		if d > 0 {
			p.delay = d
		}
	}
}

// WithRunAt schedules the first execution at an absolute instant.
func WithRunAt(at time.Time) DispatchOption {
	return func(p *dispatchParams) {
		utc := at.UTC()
		p.runAt = &utc
	}
}

// WithRecurring makes the task recurring per the given plan.
func WithRecurring(task recurring.Task) DispatchOption {
	return func(p *dispatchParams) {
		p.recurring = &task
	}
}

// WithTaskKey deduplicates dispatches sharing the key: a live task with the
// same key is updated in place instead of creating a second row.
func WithTaskKey(key string) DispatchOption {
	return func(p *dispatchParams) {
		if key != "" {
			p.taskKey = &key
		}
	}
}

// WithQueue overrides the target queue for this dispatch.
func WithQueue(name string) DispatchOption {
	return func(p *dispatchParams) {
		if name != "" {
			p.queue = name
		}
	}
}

// WithAuditLevel overrides the audit level for this task.
func WithAuditLevel(level storage.AuditLevel) DispatchOption {
	return func(p *dispatchParams) {
		if level.Valid() {
			p.auditLevel = level
		}
	}
}

// WithDispatchHooks attaches lifecycle callbacks to this task's executions,
// in addition to any configured on the handler.
func WithDispatchHooks(h Hooks) DispatchOption {
	return func(p *dispatchParams) {
		p.hooks = h
	}
}

// Dispatcher validates, persists and routes tasks. It is safe for
// concurrent use.
type Dispatcher struct {
	store     storage.Storage
	registry  *registry
	queues    *queueManager
	scheduler scheduler
	cancels   *cancellationRegistry
	epochs    *epochTracker
	bus       *event.Bus
	ids       storage.IDGenerator
	log       *slog.Logger

	defaultAudit      storage.AuditLevel
	defaultRetry      RetryPolicy
	lazyResolution    bool
	strictPersistence bool
	clock             func() time.Time
}

// Dispatch registers a task for execution and returns its id. The request
// type selects the handler; options control scheduling, deduplication,
// queue routing and auditing.
func (d *Dispatcher) Dispatch(ctx context.Context, request any, opts ...DispatchOption) (uuid.UUID, error) {
	if request == nil {
		return uuid.Nil, ErrNilTask
	}

	params := dispatchParams{auditLevel: d.defaultAudit}
	for _, opt := range opts {
		opt(&params)
	}

	requestType := qualifiedStructName(request)
	reg, ok := d.registry.lookup(requestType)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, requestType)
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal request %s: %w", requestType, err)
	}

	now := d.clock().UTC()
	runAt, err := d.resolveRunAt(&params, now)
	if err != nil {
		return uuid.Nil, err
	}

	queueName := d.resolveQueue(&params, reg)
	queue, ok := d.queues.queues[queueName]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	config := d.mergeConfig(reg.config)
	if config.Timeout == 0 {
		config.Timeout = queue.config.DefaultTimeout
	}

	exec := &execution{
		taskKey:     params.taskKey,
		requestType: requestType,
		handlerType: reg.handlerType,
		request:     payload,
		queue:       queueName,
		config:      config,
		recurring:   params.recurring,
		runAt:       runAt,
		auditLevel:  params.auditLevel,
		hooks:       params.hooks,
	}

	// Eager resolution builds the handler up front so registration errors
	// surface at dispatch. Far-future and slow recurring tasks stay lazy so
	// an eagerly built instance is never left undisposed while waiting.
	if !d.lazyExecution(exec, now) {
		exec.handler = reg.factory()
		exec.ownsHandler = reg.perExecution
	}

	task, alreadyRunning, err := d.persist(ctx, exec, now)
	if err != nil {
		return uuid.Nil, err
	}
	exec.id = task.ID
	if alreadyRunning {
		return task.ID, nil
	}
	exec.epoch = d.epochs.bump(task.ID)

	return task.ID, d.route(ctx, exec, now)
}

// resolveRunAt computes the first execution instant, nil meaning immediate.
func (d *Dispatcher) resolveRunAt(params *dispatchParams, now time.Time) (*time.Time, error) {
	if params.recurring != nil {
		next, ok := params.recurring.NextValidRun(now, 0, now)
		if !ok {
			return nil, ErrInvalidRecurring
		}
		return &next, nil
	}
	if params.runAt != nil {
		return params.runAt, nil
	}
	if params.delay > 0 {
		at := now.Add(params.delay)
		return &at, nil
	}
	return nil, nil
}

func (d *Dispatcher) resolveQueue(params *dispatchParams, reg *registration) string {
	switch {
	case params.queue != "":
		return params.queue
	case reg.config.Queue != "":
		return reg.config.Queue
	case params.recurring != nil:
		return QueueRecurring
	case reg.config.CPUBound:
		// CPU-heavy work goes to the background pool so it cannot starve
		// the default queue's consumers.
		return QueueBackground
	default:
		return QueueDefault
	}
}

func (d *Dispatcher) mergeConfig(cfg HandlerConfig) HandlerConfig {
	if cfg.Retry == nil {
		cfg.Retry = d.defaultRetry
	}
	return cfg
}

// lazyExecution decides handler resolution timing. Immediate tasks are
// always eager; scheduled and recurring ones go lazy past the thresholds
// when lazy resolution is enabled.
func (d *Dispatcher) lazyExecution(exec *execution, now time.Time) bool {
	if !d.lazyResolution {
		return false
	}
	if exec.recurring != nil {
		return exec.recurring.MinimumPeriod() >= lazyRecurringMinPeriod
	}
	if exec.runAt != nil {
		return exec.runAt.Sub(now) >= lazyDelayThreshold
	}
	return false
}

// persist writes the task row, applying task-key deduplication. The bool
// is true when the dispatch resolved to an existing in-progress task whose
// id is returned unchanged.
func (d *Dispatcher) persist(ctx context.Context, exec *execution, now time.Time) (*storage.QueuedTask, bool, error) {
	task := d.buildTask(exec, now)

	if exec.taskKey != nil {
		existing, err := d.store.GetByTaskKey(ctx, *exec.taskKey)
		switch {
		case err == nil:
			return d.adoptKeyed(ctx, existing, task)
		case errors.Is(err, storage.ErrTaskNotFound):
			// fall through to a fresh insert
		default:
			if perr := d.persistenceError(ctx, err); perr != nil {
				return nil, false, perr
			}
		}
	}

	if err := d.store.Persist(ctx, task); err != nil {
		if perr := d.persistenceError(ctx, err); perr != nil {
			return nil, false, perr
		}
	}
	return task, false, nil
}

// adoptKeyed resolves a dispatch against an existing task with the same
// key: finished tasks are replaced, executing ones win over the new
// dispatch, and waiting ones are updated in place keeping their id.
func (d *Dispatcher) adoptKeyed(ctx context.Context, existing, task *storage.QueuedTask) (*storage.QueuedTask, bool, error) {
	switch {
	case existing.Status.Terminal():
		if err := d.store.Remove(ctx, existing.ID); err != nil {
			if perr := d.persistenceError(ctx, err); perr != nil {
				return nil, false, perr
			}
		}
		if err := d.store.Persist(ctx, task); err != nil {
			if perr := d.persistenceError(ctx, err); perr != nil {
				return nil, false, perr
			}
		}
		return task, false, nil
	case existing.Status == storage.StatusInProgress:
		return existing, true, nil
	default:
		task.ID = existing.ID
		task.CreatedAt = existing.CreatedAt
		task.Status = existing.Status
		if err := d.store.UpdateTask(ctx, task); err != nil {
			if perr := d.persistenceError(ctx, err); perr != nil {
				return nil, false, perr
			}
		}
		return task, false, nil
	}
}

func (d *Dispatcher) buildTask(exec *execution, now time.Time) *storage.QueuedTask {
	task := &storage.QueuedTask{
		ID:          d.ids.New(),
		TaskKey:     exec.taskKey,
		Queue:       exec.queue,
		RequestType: exec.requestType,
		HandlerType: exec.handlerType,
		Request:     string(exec.request),
		Status:      storage.StatusWaitingQueue,
		CreatedAt:   now,
		AuditLevel:  exec.auditLevel,
	}
	if exec.runAt != nil {
		task.ScheduledExecutionAt = exec.runAt
		task.NextRunAt = exec.runAt
		task.Status = storage.StatusPending
	}
	if exec.recurring != nil {
		task.IsRecurring = true
		task.RecurringInfo = exec.recurring.String()
		task.MaxRuns = exec.recurring.MaxRuns
		task.RunUntil = exec.recurring.RunUntil
		if encoded, err := json.Marshal(exec.recurring); err == nil {
			s := string(encoded)
			task.RecurringTask = &s
		}
	}
	return task
}

// persistenceError applies the strict persistence policy: strict mode
// propagates the wrapped error, lenient mode logs and reports success.
func (d *Dispatcher) persistenceError(ctx context.Context, err error) error {
	wrapped := fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	if d.strictPersistence {
		return wrapped
	}
	d.log.ErrorContext(ctx, "task persistence failed, continuing", logger.Error(wrapped))
	return nil
}

// route sends the execution to the scheduler when its run time is in the
// future, otherwise straight to its queue.
func (d *Dispatcher) route(ctx context.Context, exec *execution, now time.Time) error {
	if exec.runAt != nil && exec.runAt.After(now) {
		d.scheduler.schedule(exec, *exec.runAt)
		d.log.DebugContext(ctx, "task scheduled",
			logger.TaskID(exec.id),
			logger.RequestType(exec.requestType),
			slog.Time("run_at", *exec.runAt))
		return nil
	}
	return d.enqueue(ctx, exec)
}

// enqueue marks the task queued and pushes it onto its queue. On a full
// drop-policy queue, the persisted queued row is left for recovery.
func (d *Dispatcher) enqueue(ctx context.Context, exec *execution) error {
	if err := d.store.SetQueued(ctx, exec.id); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			// The row reached a terminal state while waiting, typically an
			// explicit cancel; there is nothing left to run. Consume the
			// cancellation and epoch state the schedule left behind.
			d.cancels.release(exec.id)
			d.epochs.forget(exec.id)
			return nil
		}
		if d.strictPersistence {
			return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
		}
	}
	if err := d.queues.enqueue(ctx, exec); err != nil {
		if errors.Is(err, ErrQueueFull) {
			d.publish(ctx, event.Warn(exec.id, exec.requestType, exec.handlerType,
				string(exec.request), "queue full, task deferred to recovery"))
		}
		return err
	}
	d.log.DebugContext(ctx, "task enqueued",
		logger.TaskID(exec.id),
		logger.RequestType(exec.requestType),
		logger.Queue(exec.queue))
	return nil
}

// Cancel stops a task: in-flight executions are interrupted through their
// context, queued and scheduled ones are discarded before they start. The
// persisted row transitions to cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := d.store.SetCancelledByUser(ctx, id); err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			return err
		}
		if !errors.Is(err, storage.ErrInvalidTransition) {
			return err
		}
		// Already terminal: nothing to interrupt.
		return nil
	}
	d.cancels.cancel(id)
	d.log.InfoContext(ctx, "task cancelled", logger.TaskID(id))
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, e event.TaskEventData) {
	if d.bus == nil {
		return
	}
	_ = d.bus.Publish(ctx, e)
}
