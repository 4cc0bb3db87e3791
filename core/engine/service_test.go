package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskengine/core/config"
	"github.com/dmitrymomot/taskengine/core/engine"
	"github.com/dmitrymomot/taskengine/core/event"
	"github.com/dmitrymomot/taskengine/core/recurring"
	"github.com/dmitrymomot/taskengine/core/storage"
)

type emailTask struct {
	To string `json:"to"`
}

type reportTask struct {
	Month string `json:"month"`
}

type flakyTask struct {
	ID int `json:"id"`
}

func runService(t *testing.T, svc *engine.Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("service did not stop in time")
		}
	})
}

func taskByID(t *testing.T, store storage.Storage, id uuid.UUID) *storage.QueuedTask {
	t.Helper()
	tasks, err := store.Get(context.Background(), func(task *storage.QueuedTask) bool {
		return task.ID == id
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func waitStatus(t *testing.T, store storage.Storage, id uuid.UUID, want storage.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return taskByID(t, store, id).Status == want
	}, 10*time.Second, 20*time.Millisecond, "task never reached %s", want)
}

func TestServiceImmediateExecution(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	received := make(chan emailTask, 1)
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(_ context.Context, req emailTask) error {
			received <- req
			return nil
		},
	)))
	runService(t, svc)

	id, err := svc.Dispatch(context.Background(), emailTask{To: "user@example.com"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	select {
	case req := <-received:
		assert.Equal(t, "user@example.com", req.To)
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
	waitStatus(t, store, id, storage.StatusCompleted)

	task := taskByID(t, store, id)
	assert.Equal(t, "engine_test.emailTask", task.RequestType)
	assert.Equal(t, engine.QueueDefault, task.Queue)
	assert.Equal(t, 1, task.CurrentRunCount)
	require.NotNil(t, task.LastExecutionAt)
	assert.WithinDuration(t, time.Now().UTC(), *task.LastExecutionAt, time.Minute)

	audits, err := store.GetStatusAudits(context.Background(), id)
	require.NoError(t, err)
	statuses := make([]storage.Status, 0, len(audits))
	for _, a := range audits {
		statuses = append(statuses, a.NewStatus)
	}
	assert.Contains(t, statuses, storage.StatusQueued)
	assert.Contains(t, statuses, storage.StatusInProgress)
	assert.Contains(t, statuses, storage.StatusCompleted)

	runs, err := store.GetRunsAudits(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.StatusCompleted, runs[0].Status)
}

func TestServiceRetryThenSucceed(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	var attempts atomic.Int32
	var retries atomic.Int32
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, flakyTask) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient failure")
			}
			return nil
		},
		engine.WithRetryPolicy(engine.LinearRetryPolicy{Attempts: 3, Delay: 20 * time.Millisecond}),
		engine.WithHooks(engine.Hooks{
			OnRetry: func(uuid.UUID, int, error, time.Duration) { retries.Add(1) },
		}),
	)))
	runService(t, svc)

	id, err := svc.Dispatch(context.Background(), flakyTask{ID: 1})
	require.NoError(t, err)

	waitStatus(t, store, id, storage.StatusCompleted)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(2), retries.Load())
	assert.Nil(t, taskByID(t, store, id).Exception)
}

func TestServiceRetriesExhausted(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	var failed atomic.Bool
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, flakyTask) error {
			return errors.New("database unreachable")
		},
		engine.WithRetryPolicy(engine.LinearRetryPolicy{Attempts: 2, Delay: 10 * time.Millisecond}),
		engine.WithHooks(engine.Hooks{
			OnError: func(uuid.UUID, error) { failed.Store(true) },
		}),
	)))
	runService(t, svc)

	id, err := svc.Dispatch(context.Background(), flakyTask{ID: 2})
	require.NoError(t, err)

	waitStatus(t, store, id, storage.StatusFailed)
	assert.True(t, failed.Load())

	task := taskByID(t, store, id)
	require.NotNil(t, task.Exception)
	assert.Contains(t, *task.Exception, "database unreachable")

	runs, err := store.GetRunsAudits(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.StatusFailed, runs[0].Status)
}

func TestServiceAttemptTimeout(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(ctx context.Context, _ reportTask) error {
			<-ctx.Done()
			return ctx.Err()
		},
		engine.WithTimeout(50*time.Millisecond),
		engine.WithRetryPolicy(engine.NoRetryPolicy{}),
	)))
	runService(t, svc)

	id, err := svc.Dispatch(context.Background(), reportTask{Month: "2026-08"})
	require.NoError(t, err)

	waitStatus(t, store, id, storage.StatusFailed)
	task := taskByID(t, store, id)
	require.NotNil(t, task.Exception)
	assert.Contains(t, *task.Exception, "timed out")
}

func TestServiceQueueDefaultTimeout(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store,
		engine.WithQueues(engine.QueueConfig{
			Name:           "slow-lane",
			Capacity:       4,
			Consumers:      1,
			DefaultTimeout: 50 * time.Millisecond,
		}),
	)
	require.NoError(t, err)

	// No handler-level timeout; the queue's default applies instead.
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(ctx context.Context, _ reportTask) error {
			<-ctx.Done()
			return ctx.Err()
		},
		engine.WithHandlerQueue("slow-lane"),
		engine.WithRetryPolicy(engine.NoRetryPolicy{}),
	)))
	runService(t, svc)

	id, err := svc.Dispatch(context.Background(), reportTask{Month: "2026-08"})
	require.NoError(t, err)

	waitStatus(t, store, id, storage.StatusFailed)
	task := taskByID(t, store, id)
	require.NotNil(t, task.Exception)
	assert.Contains(t, *task.Exception, "timed out")
}

func TestServicePanicRecovery(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, emailTask) error {
			panic("broken handler")
		},
		engine.WithRetryPolicy(engine.NoRetryPolicy{}),
	)))
	runService(t, svc)

	id, err := svc.Dispatch(context.Background(), emailTask{To: "x"})
	require.NoError(t, err)

	waitStatus(t, store, id, storage.StatusFailed)
	task := taskByID(t, store, id)
	require.NotNil(t, task.Exception)
	assert.Contains(t, *task.Exception, "broken handler")
}

func TestServiceRecurringMaxRuns(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	var runs atomic.Int32
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, reportTask) error {
			runs.Add(1)
			return nil
		},
	)))
	runService(t, svc)

	plan := recurring.New(recurring.EverySecond(1),
		recurring.WithRunNow(),
		recurring.WithMaxRuns(3),
	)
	id, err := svc.DispatchRecurring(context.Background(), reportTask{Month: "2026-08"}, plan)
	require.NoError(t, err)

	waitStatus(t, store, id, storage.StatusCompleted)
	assert.Equal(t, int32(3), runs.Load())

	task := taskByID(t, store, id)
	assert.Equal(t, 3, task.CurrentRunCount)
	assert.True(t, task.IsRecurring)
	assert.Nil(t, task.NextRunAt)
	assert.Equal(t, engine.QueueRecurring, task.Queue)
}

func TestServiceTaskKeyAdoption(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	var executed atomic.Int32
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, emailTask) error {
			executed.Add(1)
			return nil
		},
	)))
	runService(t, svc)

	ctx := context.Background()
	first, err := svc.DispatchAfter(ctx, emailTask{To: "a"}, 1200*time.Millisecond,
		engine.WithTaskKey("digest"))
	require.NoError(t, err)

	second, err := svc.DispatchAfter(ctx, emailTask{To: "b"}, 200*time.Millisecond,
		engine.WithTaskKey("digest"))
	require.NoError(t, err)
	assert.Equal(t, first, second, "waiting task is updated in place")

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	waitStatus(t, store, first, storage.StatusCompleted)

	// The superseded 1.2s schedule still fires but must be discarded.
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(1), executed.Load())
	assert.Equal(t, storage.StatusCompleted, taskByID(t, store, first).Status)
}

func TestServiceTaskKeyTerminalReplaced(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, emailTask) error { return nil },
	)))
	runService(t, svc)

	ctx := context.Background()
	first, err := svc.Dispatch(ctx, emailTask{To: "a"}, engine.WithTaskKey("welcome"))
	require.NoError(t, err)
	waitStatus(t, store, first, storage.StatusCompleted)

	second, err := svc.Dispatch(ctx, emailTask{To: "b"}, engine.WithTaskKey("welcome"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "finished task is replaced by a fresh row")
	waitStatus(t, store, second, storage.StatusCompleted)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestServiceCancelInFlight(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	started := make(chan struct{})
	interrupted := make(chan struct{})
	var onError atomic.Bool
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(ctx context.Context, _ reportTask) error {
			close(started)
			<-ctx.Done()
			close(interrupted)
			return ctx.Err()
		},
		engine.WithHooks(engine.Hooks{
			OnError: func(uuid.UUID, error) { onError.Store(true) },
		}),
	)))
	runService(t, svc)

	id, err := svc.Dispatch(context.Background(), reportTask{Month: "2026-01"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, svc.Cancel(context.Background(), id))

	select {
	case <-interrupted:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context never cancelled")
	}

	waitStatus(t, store, id, storage.StatusCancelled)
	assert.False(t, onError.Load(), "cancellation is not an error outcome")
}

func TestServiceCancelScheduled(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	var executed atomic.Bool
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, emailTask) error {
			executed.Store(true)
			return nil
		},
	)))
	runService(t, svc)

	ctx := context.Background()
	id, err := svc.DispatchAfter(ctx, emailTask{To: "later"}, 300*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, id))
	assert.Equal(t, storage.StatusCancelled, taskByID(t, store, id).Status)

	time.Sleep(600 * time.Millisecond)
	assert.False(t, executed.Load(), "cancelled task must not run when its timer fires")
	assert.Equal(t, storage.StatusCancelled, taskByID(t, store, id).Status)
}

func TestServiceCancelUnknownTask(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)
	runService(t, svc)

	err = svc.Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrTaskNotFound)
}

func TestServiceRecovery(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	handler := engine.NewTaskHandler(func(context.Context, emailTask) error { return nil })

	// Simulate rows left behind by a previous process.
	ctx := context.Background()
	queued := &storage.QueuedTask{
		ID:          uuid.New(),
		Queue:       engine.QueueDefault,
		RequestType: handler.Name(),
		HandlerType: "engine_test.emailHandler",
		Request:     `{"to":"queued@example.com"}`,
		Status:      storage.StatusQueued,
		CreatedAt:   time.Now().UTC().Add(-time.Minute),
		AuditLevel:  storage.AuditFull,
	}
	require.NoError(t, store.Persist(ctx, queued))

	stopped := &storage.QueuedTask{
		ID:          uuid.New(),
		Queue:       engine.QueueDefault,
		RequestType: handler.Name(),
		HandlerType: "engine_test.emailHandler",
		Request:     `{"to":"stopped@example.com"}`,
		Status:      storage.StatusServiceStopped,
		CreatedAt:   time.Now().UTC().Add(-30 * time.Second),
		AuditLevel:  storage.AuditFull,
	}
	require.NoError(t, store.Persist(ctx, stopped))

	svc, err := engine.NewService(store)
	require.NoError(t, err)
	require.NoError(t, svc.RegisterHandler(handler))
	runService(t, svc)

	waitStatus(t, store, queued.ID, storage.StatusCompleted)
	waitStatus(t, store, stopped.ID, storage.StatusCompleted)
}

func TestServiceRecoveryUnknownHandler(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	ctx := context.Background()
	orphan := &storage.QueuedTask{
		ID:          uuid.New(),
		Queue:       engine.QueueDefault,
		RequestType: "legacy.RemovedTask",
		HandlerType: "legacy.RemovedHandler",
		Request:     `{}`,
		Status:      storage.StatusQueued,
		CreatedAt:   time.Now().UTC().Add(-time.Minute),
		AuditLevel:  storage.AuditFull,
	}
	require.NoError(t, store.Persist(ctx, orphan))

	svc, err := engine.NewService(store)
	require.NoError(t, err)
	runService(t, svc)

	waitStatus(t, store, orphan.ID, storage.StatusCancelled)
	task := taskByID(t, store, orphan.ID)
	require.NotNil(t, task.Exception)
	assert.Contains(t, *task.Exception, "no handler registered")
}

func TestServiceEvents(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, emailTask) error { return nil },
	)))
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, flakyTask) error { return errors.New("always fails") },
		engine.WithRetryPolicy(engine.NoRetryPolicy{}),
	)))
	runService(t, svc)

	events := svc.Events()
	collected := make(map[string]event.Severity)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			collected[e.Message] = e.Severity
			if len(collected) >= 3 {
				return
			}
		}
	}()

	ctx := context.Background()
	_, err = svc.Dispatch(ctx, emailTask{To: "ok"})
	require.NoError(t, err)
	_, err = svc.Dispatch(ctx, flakyTask{ID: 9})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("events never arrived")
	}

	assert.Equal(t, event.SeverityInformation, collected["task started"])
	assert.Equal(t, event.SeverityInformation, collected["task completed"])
	assert.Equal(t, event.SeverityError, collected["task failed"])
}

func TestServiceLogCapture(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store,
		engine.WithLogCapture(50, storage.LogDebug),
	)
	require.NoError(t, err)

	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(ctx context.Context, _ reportTask) error {
			log := engine.TaskLoggerFromContext(ctx)
			log.Info("generating report")
			log.Debug("rows scanned")
			log.Warn("slow query")
			return nil
		},
	)))
	runService(t, svc)

	id, err := svc.Dispatch(context.Background(), reportTask{Month: "2026-02"})
	require.NoError(t, err)
	waitStatus(t, store, id, storage.StatusCompleted)

	require.Eventually(t, func() bool {
		logs, err := store.GetExecutionLogs(context.Background(), id, 0, 100, nil)
		return err == nil && len(logs) == 3
	}, 5*time.Second, 20*time.Millisecond)

	logs, err := store.GetExecutionLogs(context.Background(), id, 0, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, "generating report", logs[0].Message)
	assert.Equal(t, 0, logs[0].SequenceNumber)
	assert.Equal(t, 2, logs[2].SequenceNumber)

	warnLevel := storage.LogWarning
	warnings, err := store.GetExecutionLogs(context.Background(), id, 0, 100, &warnLevel)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "slow query", warnings[0].Message)
}

func TestServicePerHandlerLogCapture(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	// Service-wide capture is off; only this handler opts in.
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(ctx context.Context, _ reportTask) error {
			engine.TaskLoggerFromContext(ctx).Info("captured anyway")
			return nil
		},
		engine.WithHandlerLogCapture(),
	)))
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(ctx context.Context, _ emailTask) error {
			engine.TaskLoggerFromContext(ctx).Info("never persisted")
			return nil
		},
	)))
	runService(t, svc)

	captured, err := svc.Dispatch(context.Background(), reportTask{Month: "2026-04"})
	require.NoError(t, err)
	plain, err := svc.Dispatch(context.Background(), emailTask{To: "x"})
	require.NoError(t, err)
	waitStatus(t, store, captured, storage.StatusCompleted)
	waitStatus(t, store, plain, storage.StatusCompleted)

	require.Eventually(t, func() bool {
		logs, err := store.GetExecutionLogs(context.Background(), captured, 0, 100, nil)
		return err == nil && len(logs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	logs, err := store.GetExecutionLogs(context.Background(), plain, 0, 100, nil)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestServiceQueueRouting(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store,
		engine.WithQueues(engine.QueueConfig{Name: "exports", Capacity: 8, Consumers: 2}),
	)
	require.NoError(t, err)

	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, reportTask) error { return nil },
		engine.WithHandlerQueue(engine.QueueHighPriority),
	)))
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, emailTask) error { return nil },
	)))
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, flakyTask) error { return nil },
		engine.WithCPUBound(),
	)))
	runService(t, svc)

	ctx := context.Background()
	byHandler, err := svc.Dispatch(ctx, reportTask{Month: "2026-03"})
	require.NoError(t, err)
	assert.Equal(t, engine.QueueHighPriority, taskByID(t, store, byHandler).Queue)

	byOption, err := svc.Dispatch(ctx, emailTask{To: "x"}, engine.WithQueue("exports"))
	require.NoError(t, err)
	assert.Equal(t, "exports", taskByID(t, store, byOption).Queue)

	cpuBound, err := svc.Dispatch(ctx, flakyTask{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, engine.QueueBackground, taskByID(t, store, cpuBound).Queue)

	waitStatus(t, store, byHandler, storage.StatusCompleted)
	waitStatus(t, store, byOption, storage.StatusCompleted)
	waitStatus(t, store, cpuBound, storage.StatusCompleted)

	_, err = svc.Dispatch(ctx, emailTask{To: "y"}, engine.WithQueue("missing"))
	assert.ErrorIs(t, err, engine.ErrUnknownQueue)
}

func TestServiceDispatchValidation(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, emailTask) error { return nil },
	)))
	runService(t, svc)

	ctx := context.Background()

	_, err = svc.Dispatch(ctx, nil)
	assert.ErrorIs(t, err, engine.ErrNilTask)

	_, err = svc.Dispatch(ctx, struct{ X int }{1})
	assert.ErrorIs(t, err, engine.ErrHandlerNotFound)

	_, err = svc.DispatchRecurring(ctx, emailTask{To: "z"}, recurring.Task{})
	assert.ErrorIs(t, err, engine.ErrInvalidRecurring)
}

func TestServiceGracefulShutdown(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store,
		engine.WithShutdownTimeout(2*time.Second),
	)
	require.NoError(t, err)

	started := make(chan struct{})
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(ctx context.Context, _ reportTask) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	id, err := svc.Dispatch(context.Background(), reportTask{Month: "2026-04"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service never stopped")
	}

	assert.Equal(t, storage.StatusServiceStopped, taskByID(t, store, id).Status)
}

func TestServiceHandlerDisposal(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	var disposed atomic.Int32
	require.NoError(t, svc.RegisterHandlerFactory(func() engine.Handler {
		return &disposableHandler{disposed: &disposed}
	}))
	runService(t, svc)

	id, err := svc.Dispatch(context.Background(), disposableRequest{})
	require.NoError(t, err)
	waitStatus(t, store, id, storage.StatusCompleted)

	require.Eventually(t, func() bool {
		return disposed.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServiceHandlerDisposalSteadyState(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)

	var disposed atomic.Int32
	require.NoError(t, svc.RegisterHandlerFactory(func() engine.Handler {
		return &disposableHandler{disposed: &disposed}
	}))
	runService(t, svc)

	// Dispatch well after startup so the handler is materialised eagerly at
	// dispatch time rather than rebuilt by the recovery pass.
	require.Eventually(t, func() bool {
		return svc.Healthcheck(context.Background()) == nil
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	id, err := svc.Dispatch(context.Background(), disposableRequest{})
	require.NoError(t, err)
	waitStatus(t, store, id, storage.StatusCompleted)

	require.Eventually(t, func() bool {
		return disposed.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

type disposableRequest struct{}

type disposableHandler struct {
	disposed *atomic.Int32
}

func (h *disposableHandler) Name() string { return "engine_test.disposableRequest" }

func (h *disposableHandler) Handle(context.Context, json.RawMessage) error { return nil }

func (h *disposableHandler) Dispose(context.Context) error {
	h.disposed.Add(1)
	return nil
}

func TestServiceStatsAndHealthcheck(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)
	require.NoError(t, svc.RegisterHandler(engine.NewTaskHandler(
		func(context.Context, emailTask) error { return nil },
	)))

	err = svc.Healthcheck(context.Background())
	assert.ErrorIs(t, err, engine.ErrHealthcheckFailed)
	assert.ErrorIs(t, err, engine.ErrServiceNotRunning)

	runService(t, svc)
	require.Eventually(t, func() bool {
		return svc.Healthcheck(context.Background()) == nil
	}, 5*time.Second, 10*time.Millisecond)

	id, err := svc.Dispatch(context.Background(), emailTask{To: "s"})
	require.NoError(t, err)
	waitStatus(t, store, id, storage.StatusCompleted)

	stats := svc.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, 1, stats.Handlers)
	assert.GreaterOrEqual(t, stats.Processed, int64(1))
	assert.GreaterOrEqual(t, stats.Succeeded, int64(1))
	assert.NotEmpty(t, stats.Queues)
}

func TestServiceDoubleStart(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	svc, err := engine.NewService(store)
	require.NoError(t, err)
	runService(t, svc)

	require.Eventually(t, func() bool {
		return svc.Stats().Running
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, svc.Run(context.Background()), engine.ErrAlreadyStarted)
}

func TestNewServiceValidation(t *testing.T) {
	t.Parallel()

	_, err := engine.NewService(nil)
	assert.ErrorIs(t, err, engine.ErrStorageNil)
}

func TestNewServiceFromConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		cfg := engine.DefaultConfig()
		svc, err := engine.NewServiceFromConfig(cfg, storage.NewMemoryStorage())
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("loaded from environment", func(t *testing.T) {
		t.Setenv("TASKENGINE_QUEUE_CAPACITY", "32")
		t.Setenv("TASKENGINE_RETRY_ATTEMPTS", "5")
		t.Setenv("TASKENGINE_CAPTURE_LOGS", "true")

		var cfg engine.Config
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, 32, cfg.QueueCapacity)
		assert.Equal(t, 5, cfg.RetryAttempts)
		assert.True(t, cfg.CaptureLogs)

		svc, err := engine.NewServiceFromConfig(cfg, storage.NewMemoryStorage())
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})
}
