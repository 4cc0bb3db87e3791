package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/taskengine/core/event"
	"github.com/dmitrymomot/taskengine/core/logger"
	"github.com/dmitrymomot/taskengine/core/storage"
	"github.com/dmitrymomot/taskengine/pkg/async"
)

// worker executes one task at a time on a queue consumer goroutine. It owns
// the attempt loop: retries, per-attempt timeouts, cancellation, audit
// records and log capture.
type worker struct {
	store     storage.Storage
	registry  *registry
	cancels   *cancellationRegistry
	epochs    *epochTracker
	scheduler scheduler
	bus       *event.Bus
	log       *slog.Logger

	captureLogs bool
	maxLogs     int
	minLogLevel storage.LogLevel

	disposeWG sync.WaitGroup

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	stopped   atomic.Int64
	retried   atomic.Int64
}

// outcome classifies how an attempt series ended.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailed
	outcomeCancelled
	outcomeStopped
)

// process runs one execution to a terminal state. ctx is the host context;
// its cancellation means the service is shutting down.
func (w *worker) process(ctx context.Context, exec *execution) {
	if exec.epoch != 0 && w.epochs.current(exec.id) != exec.epoch {
		// A later dispatch superseded this schedule.
		return
	}
	if w.cancels.cancelled(exec.id) {
		// Cancelled before starting; the row is already terminal.
		w.cancelled.Add(1)
		w.epochs.forget(exec.id)
		return
	}

	handler := exec.handler
	ownsHandler := exec.ownsHandler
	if handler == nil {
		reg, ok := w.registry.lookup(exec.requestType)
		if !ok {
			w.failBeforeStart(ctx, exec, fmt.Errorf("%w: %s", ErrHandlerNotFound, exec.requestType))
			return
		}
		handler = reg.factory()
		ownsHandler = reg.perExecution
	}

	w.processed.Add(1)

	if err := w.store.SetInProgress(ctx, exec.id); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			// Row reached a terminal state since enqueue (explicit cancel).
			return
		}
		w.log.ErrorContext(ctx, "failed to mark task in progress",
			logger.TaskID(exec.id), logger.Error(err))
	}

	w.publish(ctx, event.Info(exec.id, exec.requestType, exec.handlerType,
		string(exec.request), "task started"))
	exec.fireStarted()

	taskCtx := w.cancels.create(ctx, exec.id)
	defer w.cancels.release(exec.id)

	var taskLog *TaskLogger
	if w.captureLogs || exec.config.CaptureLogs {
		taskLog = newTaskLogger(exec.id, w.log.With(logger.TaskID(exec.id)), w.minLogLevel, w.maxLogs)
		taskCtx = WithTaskLogger(taskCtx, taskLog)
	}

	started := time.Now().UTC()
	result, attemptErr := w.attempts(ctx, taskCtx, exec, handler, taskLog)
	elapsed := time.Since(started)

	switch result {
	case outcomeSuccess:
		w.succeeded.Add(1)
		w.finishSuccess(ctx, exec, elapsed)
	case outcomeCancelled:
		w.cancelled.Add(1)
		w.finishCancelled(ctx, exec, elapsed)
	case outcomeStopped:
		w.stopped.Add(1)
		w.finishStopped(ctx, exec, elapsed, attemptErr)
	default:
		w.failed.Add(1)
		w.finishFailed(ctx, exec, elapsed, attemptErr, taskLog)
	}

	w.flushLogs(ctx, exec, taskLog)

	if ownsHandler {
		w.dispose(handler)
	}
}

// attempts runs the retry loop and classifies the outcome. A timed-out
// attempt counts as a failed attempt; host shutdown and user cancellation
// bypass remaining retries.
func (w *worker) attempts(hostCtx, taskCtx context.Context, exec *execution, handler Handler, taskLog *TaskLogger) (outcome, error) {
	retry := exec.config.Retry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := w.attempt(taskCtx, exec, handler)
		if err == nil {
			return outcomeSuccess, nil
		}
		lastErr = err

		if hostCtx.Err() != nil {
			return outcomeStopped, fmt.Errorf("%w: %w", ErrServiceStopping, err)
		}
		if taskCtx.Err() != nil && !errors.Is(err, ErrHandlerTimeout) {
			return outcomeCancelled, fmt.Errorf("%w: %w", ErrTaskCancelled, err)
		}

		delay, ok := retry.NextDelay(attempt)
		if !ok {
			return outcomeFailed, err
		}

		w.retried.Add(1)
		exec.fireRetry(attempt, err, delay)
		taskLog.Warn("attempt failed, retrying",
			slog.Int("attempt", attempt), slog.String("error", err.Error()))
		w.log.WarnContext(taskCtx, "task attempt failed, retrying",
			logger.TaskID(exec.id), logger.Attempt(attempt),
			slog.Duration("delay", delay), logger.Error(err))

		select {
		case <-time.After(delay):
		case <-taskCtx.Done():
			if hostCtx.Err() != nil {
				return outcomeStopped, fmt.Errorf("%w: %w", ErrServiceStopping, lastErr)
			}
			return outcomeCancelled, fmt.Errorf("%w: %w", ErrTaskCancelled, lastErr)
		}
	}
}

// attempt runs the handler once under the per-attempt timeout, converting
// panics to errors.
func (w *worker) attempt(taskCtx context.Context, exec *execution, handler Handler) (err error) {
	attemptCtx := taskCtx
	var cancel context.CancelFunc
	if exec.config.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(taskCtx, exec.config.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()

	err = handler.Handle(attemptCtx, exec.request)
	if err != nil && exec.config.Timeout > 0 &&
		errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && taskCtx.Err() == nil {
		err = fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, exec.config.Timeout, err)
	}
	return err
}

// finishSuccess completes the run; recurring tasks advance to their next
// occurrence instead of finishing.
func (w *worker) finishSuccess(ctx context.Context, exec *execution, elapsed time.Duration) {
	w.appendRunsAudit(ctx, exec, storage.StatusCompleted, nil, elapsed)

	if exec.recurring != nil {
		w.advanceRecurring(ctx, exec)
		exec.fireCompleted()
		return
	}

	// Stamp the run before completing so lastExecutionAt and the run count
	// survive at every audit level.
	if err := w.store.UpdateCurrentRun(ctx, exec.id, nil, exec.auditLevel); err != nil {
		w.log.ErrorContext(ctx, "failed to record execution",
			logger.TaskID(exec.id), logger.Error(err))
	}
	if err := w.store.SetCompleted(ctx, exec.id); err != nil {
		w.log.ErrorContext(ctx, "failed to mark task completed",
			logger.TaskID(exec.id), logger.Error(err))
	}
	w.epochs.forget(exec.id)
	w.publish(ctx, event.Info(exec.id, exec.requestType, exec.handlerType,
		string(exec.request), "task completed"))
	exec.fireCompleted()
	w.log.InfoContext(ctx, "task completed",
		logger.TaskID(exec.id), logger.RequestType(exec.requestType),
		logger.Duration(elapsed))
}

// advanceRecurring schedules run N+1 strictly after run N finished. When
// the plan is exhausted the task completes.
func (w *worker) advanceRecurring(ctx context.Context, exec *execution) {
	now := time.Now().UTC()
	scheduled := now
	if exec.runAt != nil {
		scheduled = *exec.runAt
	}
	newCount := exec.currentRun + 1

	next, ok := exec.recurring.NextValidRun(scheduled, newCount, now)
	if !ok {
		if err := w.store.UpdateCurrentRun(ctx, exec.id, nil, exec.auditLevel); err != nil {
			w.log.ErrorContext(ctx, "failed to record final run",
				logger.TaskID(exec.id), logger.Error(err))
		}
		if err := w.store.SetCompleted(ctx, exec.id); err != nil {
			w.log.ErrorContext(ctx, "failed to complete recurring task",
				logger.TaskID(exec.id), logger.Error(err))
		}
		w.epochs.forget(exec.id)
		w.publish(ctx, event.Info(exec.id, exec.requestType, exec.handlerType,
			string(exec.request), "recurring task finished"))
		return
	}

	if err := w.store.UpdateCurrentRun(ctx, exec.id, &next, exec.auditLevel); err != nil {
		w.log.ErrorContext(ctx, "failed to advance recurring task",
			logger.TaskID(exec.id), logger.Error(err))
	}
	if err := w.store.SetStatus(ctx, exec.id, storage.StatusPending, nil, exec.auditLevel); err != nil {
		w.log.ErrorContext(ctx, "failed to park recurring task",
			logger.TaskID(exec.id), logger.Error(err))
	}

	successor := *exec
	successor.handler = nil
	successor.ownsHandler = false
	successor.currentRun = newCount
	successor.runAt = &next
	w.scheduler.schedule(&successor, next)

	w.publish(ctx, event.Info(exec.id, exec.requestType, exec.handlerType,
		string(exec.request), fmt.Sprintf("run %d completed, next at %s", newCount, next.Format(time.RFC3339))))
	w.log.InfoContext(ctx, "recurring task advanced",
		logger.TaskID(exec.id), slog.Int("run", newCount), slog.Time("next", next))
}

func (w *worker) finishCancelled(ctx context.Context, exec *execution, elapsed time.Duration) {
	// The row was already transitioned by Cancel; record the interrupted
	// run only.
	msg := ErrTaskCancelled.Error()
	w.appendRunsAudit(ctx, exec, storage.StatusCancelled, &msg, elapsed)
	w.epochs.forget(exec.id)
	w.publish(ctx, event.Warn(exec.id, exec.requestType, exec.handlerType,
		string(exec.request), "task cancelled during execution"))
	w.log.WarnContext(ctx, "task cancelled during execution",
		logger.TaskID(exec.id), logger.Duration(elapsed))
}

func (w *worker) finishStopped(ctx context.Context, exec *execution, elapsed time.Duration, attemptErr error) {
	// Detach from the cancelled host context so the final writes land.
	wctx := context.WithoutCancel(ctx)
	exception := renderException(attemptErr)
	if err := w.store.SetStatus(wctx, exec.id, storage.StatusServiceStopped, &exception, exec.auditLevel); err != nil {
		w.log.Error("failed to mark task stopped",
			logger.TaskID(exec.id), logger.Error(err))
	}
	w.appendRunsAudit(wctx, exec, storage.StatusServiceStopped, &exception, elapsed)
	w.publish(wctx, event.Warn(exec.id, exec.requestType, exec.handlerType,
		string(exec.request), "task interrupted by shutdown"))
}

func (w *worker) finishFailed(ctx context.Context, exec *execution, elapsed time.Duration, attemptErr error, taskLog *TaskLogger) {
	exception := renderException(attemptErr)
	taskLog.errorWithDetails("task failed", exception)
	if err := w.store.SetStatus(ctx, exec.id, storage.StatusFailed, &exception, exec.auditLevel); err != nil {
		w.log.ErrorContext(ctx, "failed to mark task failed",
			logger.TaskID(exec.id), logger.Error(err))
	}
	w.appendRunsAudit(ctx, exec, storage.StatusFailed, &exception, elapsed)
	w.epochs.forget(exec.id)
	w.publish(ctx, event.Err(exec.id, exec.requestType, exec.handlerType,
		string(exec.request), "task failed", attemptErr))
	exec.fireError(attemptErr)
	w.log.ErrorContext(ctx, "task failed",
		logger.TaskID(exec.id), logger.RequestType(exec.requestType),
		logger.Duration(elapsed), logger.Error(attemptErr))
}

// failBeforeStart marks a task failed without ever starting an attempt,
// used when the handler cannot be resolved.
func (w *worker) failBeforeStart(ctx context.Context, exec *execution, cause error) {
	exception := renderException(cause)
	if err := w.store.SetInProgress(ctx, exec.id); err == nil {
		if err := w.store.SetStatus(ctx, exec.id, storage.StatusFailed, &exception, exec.auditLevel); err != nil {
			w.log.ErrorContext(ctx, "failed to mark task failed",
				logger.TaskID(exec.id), logger.Error(err))
		}
	}
	w.failed.Add(1)
	w.epochs.forget(exec.id)
	w.publish(ctx, event.Err(exec.id, exec.requestType, exec.handlerType,
		string(exec.request), "task failed before start", cause))
	w.log.ErrorContext(ctx, "task failed before start",
		logger.TaskID(exec.id), logger.Error(cause))
}

func (w *worker) appendRunsAudit(ctx context.Context, exec *execution, status storage.Status, exception *string, elapsed time.Duration) {
	if !storage.ShouldRecordRun(exec.auditLevel, status) {
		return
	}
	audit := &storage.RunsAudit{
		TaskID:          exec.id,
		ExecutedAt:      time.Now().UTC(),
		Status:          status,
		Exception:       exception,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	if err := w.store.AppendRunsAudit(ctx, audit); err != nil {
		w.log.ErrorContext(ctx, "failed to append runs audit",
			logger.TaskID(exec.id), logger.Error(err))
	}
}

// flushLogs persists captured execution logs in one batch.
func (w *worker) flushLogs(ctx context.Context, exec *execution, taskLog *TaskLogger) {
	entries := taskLog.flush()
	if len(entries) == 0 || exec.auditLevel == storage.AuditNone {
		return
	}
	wctx := context.WithoutCancel(ctx)
	if err := w.store.SaveExecutionLogs(wctx, exec.id, entries); err != nil {
		w.log.Error("failed to save execution logs",
			logger.TaskID(exec.id), logger.Count("entries", len(entries)), logger.Error(err))
	}
}

// dispose releases a factory-built handler asynchronously so slow cleanup
// never blocks the consumer.
func (w *worker) dispose(handler Handler) {
	disposer, ok := handler.(Disposer)
	if !ok {
		return
	}
	w.disposeWG.Add(1)
	async.Exec(context.Background(), disposer, func(ctx context.Context, d Disposer) error {
		defer w.disposeWG.Done()
		if err := d.Dispose(ctx); err != nil {
			w.log.Error("handler dispose failed", logger.Error(err))
			return err
		}
		return nil
	})
}

// waitDisposals blocks until all in-flight handler disposals finish.
func (w *worker) waitDisposals() {
	w.disposeWG.Wait()
}

func (w *worker) publish(ctx context.Context, e event.TaskEventData) {
	if w.bus == nil {
		return
	}
	_ = w.bus.Publish(ctx, e)
}

// renderException produces the persisted rendering of an execution error:
// the concrete type, the message and the unwrap chain.
func renderException(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%T: %s", err, err.Error())
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		fmt.Fprintf(&b, "\ncaused by %T: %s", cause, cause.Error())
	}
	return b.String()
}
