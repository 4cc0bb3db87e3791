package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskengine/core/logger"
	"github.com/dmitrymomot/taskengine/core/recurring"
	"github.com/dmitrymomot/taskengine/core/storage"
)

const recoveryPageSize = 100

// recoverer replays tasks left unfinished by a previous process: rows in
// queued, pending, in-progress or service-stopped state are rescheduled or
// re-enqueued before the engine starts accepting new work.
type recoverer struct {
	store     storage.Storage
	registry  *registry
	queues    *queueManager
	scheduler scheduler
	epochs    *epochTracker
	log       *slog.Logger
	clock     func() time.Time
}

// run pages through unfinished tasks with a keyset cursor and reinstates
// each one. Individual task failures are logged and skipped so one bad row
// never blocks a restart.
func (r *recoverer) run(ctx context.Context) (int, error) {
	var (
		cursorAt time.Time
		cursorID uuid.UUID
		restored int
	)
	for {
		page, err := r.store.RetrievePending(ctx, cursorAt, cursorID, recoveryPageSize)
		if err != nil {
			return restored, err
		}
		if len(page) == 0 {
			return restored, nil
		}
		for _, task := range page {
			cursorAt, cursorID = task.CreatedAt, task.ID
			if err := r.reinstate(ctx, task); err != nil {
				r.log.ErrorContext(ctx, "failed to reinstate task",
					logger.TaskID(task.ID), logger.Error(err))
				continue
			}
			restored++
		}
		if len(page) < recoveryPageSize {
			return restored, nil
		}
	}
}

// reinstate rebuilds the in-memory execution for one persisted row and
// routes it the same way a fresh dispatch would.
func (r *recoverer) reinstate(ctx context.Context, task *storage.QueuedTask) error {
	reg, ok := r.registry.lookup(task.RequestType)
	if !ok {
		// The deployment no longer carries this handler.
		return r.store.SetCancelledByService(ctx, task.ID,
			"no handler registered for "+task.RequestType+" after restart")
	}

	exec := &execution{
		id:          task.ID,
		taskKey:     task.TaskKey,
		requestType: task.RequestType,
		handlerType: task.HandlerType,
		request:     json.RawMessage(task.Request),
		queue:       r.resolveQueue(task),
		config:      reg.config,
		auditLevel:  task.AuditLevel,
		currentRun:  task.CurrentRunCount,
	}
	if q, ok := r.queues.queues[exec.queue]; ok && exec.config.Timeout == 0 {
		exec.config.Timeout = q.config.DefaultTimeout
	}
	exec.epoch = r.epochs.bump(task.ID)

	now := r.clock().UTC()

	if task.IsRecurring && task.RecurringTask != nil {
		var plan recurring.Task
		if err := json.Unmarshal([]byte(*task.RecurringTask), &plan); err != nil {
			return err
		}
		exec.recurring = &plan

		anchor := now
		if task.NextRunAt != nil {
			anchor = *task.NextRunAt
		}
		next, ok := plan.NextValidRun(anchor, task.CurrentRunCount, now)
		if !ok {
			return r.store.SetCompleted(ctx, task.ID)
		}
		exec.runAt = &next
		return r.route(ctx, exec, next, now)
	}

	if at := scheduledFor(task); at != nil && at.After(now) {
		exec.runAt = at
		return r.route(ctx, exec, *at, now)
	}

	// Due or overdue: run as soon as a consumer frees up.
	return r.route(ctx, exec, now, now)
}

// scheduledFor returns the instant a one-shot row was scheduled for, nil
// for immediate tasks.
func scheduledFor(task *storage.QueuedTask) *time.Time {
	if task.NextRunAt != nil {
		return task.NextRunAt
	}
	return task.ScheduledExecutionAt
}

func (r *recoverer) resolveQueue(task *storage.QueuedTask) string {
	if _, ok := r.queues.queues[task.Queue]; ok {
		return task.Queue
	}
	return QueueDefault
}

func (r *recoverer) route(ctx context.Context, exec *execution, runAt, now time.Time) error {
	if runAt.After(now) {
		if err := r.store.SetStatus(ctx, exec.id, storage.StatusPending, nil, exec.auditLevel); err != nil {
			return err
		}
		r.scheduler.schedule(exec, runAt)
		r.log.InfoContext(ctx, "task rescheduled after restart",
			logger.TaskID(exec.id), slog.Time("run_at", runAt))
		return nil
	}
	if err := r.store.SetQueued(ctx, exec.id); err != nil {
		return err
	}
	if err := r.queues.enqueue(ctx, exec); err != nil {
		return err
	}
	r.log.InfoContext(ctx, "task re-enqueued after restart", logger.TaskID(exec.id))
	return nil
}
