package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/taskengine/core/event"
	"github.com/dmitrymomot/taskengine/core/logger"
	"github.com/dmitrymomot/taskengine/core/recurring"
	"github.com/dmitrymomot/taskengine/core/storage"
)

// Service is the engine facade. It wires the dispatcher, queues, scheduler,
// worker and event bus over a storage backend and manages their lifecycle.
//
// Example usage:
//
//	store := storage.NewMemoryStorage()
//	svc, err := engine.NewService(store,
//	    engine.WithLogger(slog.Default()),
//	    engine.WithSchedulerShards(-1),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	type SendEmail struct {
//	    To string `json:"to"`
//	}
//	svc.RegisterHandler(engine.NewTaskHandler(func(ctx context.Context, req SendEmail) error {
//	    return mailer.Send(ctx, req.To)
//	}))
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	go svc.Run(ctx)
//
//	svc.Dispatch(ctx, SendEmail{To: "user@example.com"})
type Service struct {
	store    storage.Storage
	registry *registry
	logger   *slog.Logger

	queueConfigs map[string]QueueConfig
	queues       *queueManager
	sched        scheduler
	cancels      *cancellationRegistry
	epochs       *epochTracker
	bus          *event.Bus
	dispatcher   *Dispatcher
	worker       *worker

	shards            int
	defaultAudit      storage.AuditLevel
	defaultRetry      RetryPolicy
	lazyResolution    bool
	strictPersistence bool
	captureLogs       bool
	maxLogs           int
	minLogLevel       storage.LogLevel
	recoveryEnabled   bool
	shutdownTimeout   time.Duration
	eventBufferSize   int
	queueCapacity     int
	queueConsumers    int
	ids               storage.IDGenerator
	clock             func() time.Time

	running atomic.Bool
}

// NewService creates a fully wired engine over the given storage. Options
// customize queues, scheduling, auditing and lifecycle behavior.
func NewService(store storage.Storage, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, ErrStorageNil
	}

	s := &Service{
		store:             store,
		registry:          newRegistry(),
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		queueConfigs:      make(map[string]QueueConfig),
		cancels:           newCancellationRegistry(),
		epochs:            newEpochTracker(),
		shards:            1,
		defaultAudit:      storage.AuditFull,
		defaultRetry:      DefaultRetryPolicy(),
		lazyResolution:    true,
		strictPersistence: true,
		maxLogs:           100,
		minLogLevel:       storage.LogInfo,
		recoveryEnabled:   true,
		shutdownTimeout:   30 * time.Second,
		eventBufferSize:   event.DefaultBufferSize,
		queueCapacity:     500,
		queueConsumers:    4,
		ids:               storage.NewUUIDv7Generator(),
		clock:             time.Now,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply service option: %w", err)
		}
	}

	s.bus = event.NewBus(
		event.WithBufferSize(s.eventBufferSize),
		event.WithBusLogger(s.logger),
	)

	s.queues = newQueueManager(s.queueSet(), QueueConfig{
		Capacity:  s.queueCapacity,
		Consumers: s.queueConsumers,
	}, s.logger)

	s.worker = &worker{
		store:       store,
		registry:    s.registry,
		cancels:     s.cancels,
		epochs:      s.epochs,
		bus:         s.bus,
		log:         s.logger,
		captureLogs: s.captureLogs,
		maxLogs:     s.maxLogs,
		minLogLevel: s.minLogLevel,
	}

	dispatch := func(ctx context.Context, exec *execution) {
		if err := s.dispatcher.enqueue(ctx, exec); err != nil {
			s.markDispatchFailed(ctx, exec, err)
		}
	}
	if s.shards >= 0 && s.shards <= 1 {
		s.sched = newTimerScheduler(dispatch, s.logger)
	} else {
		s.sched = newShardedScheduler(s.shards, dispatch, s.logger)
	}
	s.worker.scheduler = s.sched

	s.dispatcher = &Dispatcher{
		store:             store,
		registry:          s.registry,
		queues:            s.queues,
		scheduler:         s.sched,
		cancels:           s.cancels,
		epochs:            s.epochs,
		bus:               s.bus,
		ids:               s.ids,
		log:               s.logger,
		defaultAudit:      s.defaultAudit,
		defaultRetry:      s.defaultRetry,
		lazyResolution:    s.lazyResolution,
		strictPersistence: s.strictPersistence,
		clock:             s.clock,
	}

	return s, nil
}

// NewServiceFromConfig creates an engine applying configuration values.
// Additional options override config values.
func NewServiceFromConfig(cfg Config, store storage.Storage, opts ...ServiceOption) (*Service, error) {
	serviceOpts := []ServiceOption{
		WithSchedulerShards(cfg.SchedulerShards),
		WithDefaultAuditLevel(storage.AuditLevel(cfg.DefaultAuditLevel)),
		WithDefaultRetryPolicy(LinearRetryPolicy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay}),
		WithLazyResolution(cfg.LazyResolution),
		WithStrictPersistence(cfg.StrictPersistence),
		WithRecovery(cfg.RecoveryEnabled),
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithEventBufferSize(cfg.EventBufferSize),
		func(s *Service) error {
			if cfg.QueueCapacity > 0 {
				s.queueCapacity = cfg.QueueCapacity
			}
			if cfg.QueueConsumers > 0 {
				s.queueConsumers = cfg.QueueConsumers
			}
			return nil
		},
	}
	if cfg.CaptureLogs {
		serviceOpts = append(serviceOpts,
			WithLogCapture(cfg.MaxLogsPerTask, storage.LogLevel(cfg.MinLogLevel)))
	}
	return NewService(store, append(serviceOpts, opts...)...)
}

// queueSet merges the well-known queues with user declarations.
func (s *Service) queueSet() []QueueConfig {
	defaults := map[string]QueueConfig{
		QueueDefault:      {Name: QueueDefault, OnFull: FullWait},
		QueueHighPriority: {Name: QueueHighPriority, OnFull: FullWait},
		QueueBackground:   {Name: QueueBackground, OnFull: FullFallback},
		QueueRecurring:    {Name: QueueRecurring, OnFull: FullWait},
	}
	for name, cfg := range s.queueConfigs {
		defaults[name] = cfg
	}
	out := make([]QueueConfig, 0, len(defaults))
	for _, cfg := range defaults {
		out = append(out, cfg)
	}
	return out
}

// markDispatchFailed records a scheduler dispatch that could not reach its
// queue.
func (s *Service) markDispatchFailed(ctx context.Context, exec *execution, cause error) {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, ErrQueueFull) {
		// Cancelled dispatches and dropped enqueues stay persisted for
		// the recovery pass.
		return
	}
	exception := renderException(cause)
	if err := s.store.SetStatus(ctx, exec.id, storage.StatusFailed, &exception, exec.auditLevel); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark scheduled task failed",
			logger.TaskID(exec.id), logger.Error(err))
	}
	_ = s.bus.Publish(ctx, event.Err(exec.id, exec.requestType, exec.handlerType,
		string(exec.request), "scheduled dispatch failed", cause))
}

// RegisterHandler registers a task handler. The handler's Name selects the
// request type it serves.
func (s *Service) RegisterHandler(h Handler) error {
	return s.registry.register(h)
}

// RegisterHandlers registers multiple task handlers, stopping at the first
// failure.
func (s *Service) RegisterHandlers(handlers ...Handler) error {
	for _, h := range handlers {
		if err := s.registry.register(h); err != nil {
			return err
		}
	}
	return nil
}

// RegisterHandlerFactory registers a factory building a fresh handler per
// execution. Handlers implementing Disposer are released after each run.
func (s *Service) RegisterHandlerFactory(factory func() Handler) error {
	return s.registry.registerFactory(factory)
}

// Dispatch registers a task for execution and returns its id.
func (s *Service) Dispatch(ctx context.Context, request any, opts ...DispatchOption) (uuid.UUID, error) {
	return s.dispatcher.Dispatch(ctx, request, opts...)
}

// DispatchAfter dispatches a task delayed by d.
func (s *Service) DispatchAfter(ctx context.Context, request any, d time.Duration, opts ...DispatchOption) (uuid.UUID, error) {
	return s.dispatcher.Dispatch(ctx, request, append([]DispatchOption{WithDelay(d)}, opts...)...)
}

// DispatchAt dispatches a task scheduled at an absolute instant.
func (s *Service) DispatchAt(ctx context.Context, request any, at time.Time, opts ...DispatchOption) (uuid.UUID, error) {
	return s.dispatcher.Dispatch(ctx, request, append([]DispatchOption{WithRunAt(at)}, opts...)...)
}

// DispatchRecurring dispatches a task executing per the recurring plan.
func (s *Service) DispatchRecurring(ctx context.Context, request any, plan recurring.Task, opts ...DispatchOption) (uuid.UUID, error) {
	return s.dispatcher.Dispatch(ctx, request, append([]DispatchOption{WithRecurring(plan)}, opts...)...)
}

// Cancel stops a task by id wherever it is in its lifecycle.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.dispatcher.Cancel(ctx, id)
}

// Events exposes the engine's event stream. Consume promptly; the bus
// drops events when its buffer is full.
func (s *Service) Events() <-chan event.TaskEventData {
	return s.bus.Events()
}

// Storage returns the underlying storage implementation.
func (s *Service) Storage() storage.Storage {
	return s.store
}

// Run starts the engine and blocks until the context is cancelled. The
// recovery pass replays unfinished tasks before consumers start. Shutdown
// is graceful: running tasks finish or are marked stopped within the
// shutdown timeout.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer s.running.Store(false)

	if s.recoveryEnabled {
		rec := &recoverer{
			store:     s.store,
			registry:  s.registry,
			queues:    s.queues,
			scheduler: s.sched,
			epochs:    s.epochs,
			log:       s.logger,
			clock:     s.clock,
		}
		restored, err := rec.run(ctx)
		if err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}
		if restored > 0 {
			s.logger.InfoContext(ctx, "recovered unfinished tasks", logger.Count("restored", restored))
		}
	}

	s.logger.InfoContext(ctx, "task engine starting",
		logger.Count("handlers", s.registry.len()),
		logger.Shard(s.shards))

	eg, runCtx := errgroup.WithContext(ctx)
	s.queues.start(runCtx, s.worker.process)
	eg.Go(func() error {
		if err := s.sched.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	<-runCtx.Done()
	err := eg.Wait()

	s.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown waits for consumers within the shutdown timeout and marks tasks
// that never started as stopped so recovery replays them.
func (s *Service) shutdown() {
	done := make(chan struct{})
	go func() {
		s.queues.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Error("shutdown timeout exceeded, abandoning consumers",
			slog.Duration("timeout", s.shutdownTimeout))
	}

	ctx := context.Background()
	abandoned := append(s.queues.drain(), s.sched.remaining()...)
	for _, exec := range abandoned {
		err := s.store.SetStatus(ctx, exec.id, storage.StatusServiceStopped, nil, exec.auditLevel)
		if err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
			s.logger.Error("failed to mark unfinished task stopped",
				logger.TaskID(exec.id), logger.Error(err))
		}
	}

	s.worker.waitDisposals()
	_ = s.bus.Close()
	s.logger.Info("task engine stopped")
}

// Stats reports a snapshot of engine counters.
type Stats struct {
	Running   bool          `json:"running"`
	Handlers  int           `json:"handlers"`
	Queues    []QueueStats  `json:"queues"`
	Scheduled int           `json:"scheduled"`
	InFlight  int           `json:"in_flight"`
	Processed int64         `json:"processed"`
	Succeeded int64         `json:"succeeded"`
	Failed    int64         `json:"failed"`
	Cancelled int64         `json:"cancelled"`
	Stopped   int64         `json:"stopped"`
	Retried   int64         `json:"retried"`
	Events    event.BusStats `json:"events"`
}

// Stats returns current engine counters.
func (s *Service) Stats() Stats {
	return Stats{
		Running:   s.running.Load(),
		Handlers:  s.registry.len(),
		Queues:    s.queues.stats(),
		Scheduled: s.sched.pending(),
		InFlight:  s.cancels.inflight(),
		Processed: s.worker.processed.Load(),
		Succeeded: s.worker.succeeded.Load(),
		Failed:    s.worker.failed.Load(),
		Cancelled: s.worker.cancelled.Load(),
		Stopped:   s.worker.stopped.Load(),
		Retried:   s.worker.retried.Load(),
		Events:    s.bus.Stats(),
	}
}

// Healthcheck verifies the engine is running and storage is reachable.
func (s *Service) Healthcheck(ctx context.Context) error {
	if !s.running.Load() {
		return errors.Join(ErrHealthcheckFailed, ErrServiceNotRunning)
	}
	if _, err := s.store.RetrievePending(ctx, time.Time{}, uuid.Nil, 1); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}
