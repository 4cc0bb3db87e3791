package storage

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements Storage for testing and local development.
// All operations are protected by a single mutex and return deep copies,
// so callers can never observe concurrent mutation.
type MemoryStorage struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*QueuedTask
	byKey map[string]uuid.UUID

	statusAudits map[uuid.UUID][]*StatusAudit
	runsAudits   map[uuid.UUID][]*RunsAudit
	logs         map[uuid.UUID][]*ExecutionLog

	ids    IDGenerator
	logger *slog.Logger
}

// MemoryStorageOption configures a MemoryStorage.
type MemoryStorageOption func(*MemoryStorage)

// WithMemoryStorageLogger sets the logger for internal operations.
func WithMemoryStorageLogger(logger *slog.Logger) MemoryStorageOption {
	return func(ms *MemoryStorage) {
		if logger != nil {
			ms.logger = logger
		}
	}
}

// WithMemoryStorageIDGenerator overrides the audit/log row ID generator.
func WithMemoryStorageIDGenerator(ids IDGenerator) MemoryStorageOption {
	return func(ms *MemoryStorage) {
		if ids != nil {
			ms.ids = ids
		}
	}
}

// NewMemoryStorage creates a new in-memory storage implementation.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	ms := &MemoryStorage{
		tasks:        make(map[uuid.UUID]*QueuedTask),
		byKey:        make(map[string]uuid.UUID),
		statusAudits: make(map[uuid.UUID][]*StatusAudit),
		runsAudits:   make(map[uuid.UUID][]*RunsAudit),
		logs:         make(map[uuid.UUID][]*ExecutionLog),
		ids:          NewUUIDv7Generator(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(ms)
	}

	return ms
}

func (ms *MemoryStorage) Persist(ctx context.Context, task *QueuedTask) error {
	if task == nil {
		return ErrNilTask
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tasks[task.ID]; exists {
		return ErrTaskAlreadyExists
	}

	ms.tasks[task.ID] = copyTask(task)
	if task.TaskKey != nil {
		ms.byKey[*task.TaskKey] = task.ID
	}
	ms.logger.DebugContext(ctx, "task persisted",
		slog.String("task_id", task.ID.String()),
		slog.String("status", string(task.Status)))
	return nil
}

func (ms *MemoryStorage) UpdateTask(ctx context.Context, task *QueuedTask) error {
	if task == nil {
		return ErrNilTask
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	existing, ok := ms.tasks[task.ID]
	if !ok {
		return ErrTaskNotFound
	}

	if existing.TaskKey != nil {
		delete(ms.byKey, *existing.TaskKey)
	}
	ms.tasks[task.ID] = copyTask(task)
	if task.TaskKey != nil {
		ms.byKey[*task.TaskKey] = task.ID
	}
	return nil
}

func (ms *MemoryStorage) GetByTaskKey(ctx context.Context, key string) (*QueuedTask, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	id, ok := ms.byKey[key]
	if !ok {
		return nil, ErrTaskNotFound
	}
	task, ok := ms.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return copyTask(task), nil
}

func (ms *MemoryStorage) Get(ctx context.Context, pred Predicate) ([]*QueuedTask, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []*QueuedTask
	for _, task := range ms.tasks {
		if pred == nil || pred(task) {
			out = append(out, copyTask(task))
		}
	}
	sortTasks(out)
	return out, nil
}

func (ms *MemoryStorage) GetAll(ctx context.Context) ([]*QueuedTask, error) {
	return ms.Get(ctx, nil)
}

func (ms *MemoryStorage) Remove(ctx context.Context, id uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, ok := ms.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}

	if task.TaskKey != nil {
		delete(ms.byKey, *task.TaskKey)
	}
	delete(ms.tasks, id)
	// Cascade: audits and logs belong to the task row.
	delete(ms.statusAudits, id)
	delete(ms.runsAudits, id)
	delete(ms.logs, id)
	ms.logger.DebugContext(ctx, "task removed", slog.String("task_id", id.String()))
	return nil
}

func (ms *MemoryStorage) RetrievePending(ctx context.Context, lastCreatedAt time.Time, lastID uuid.UUID, take int) ([]*QueuedTask, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if take <= 0 {
		take = 100
	}
	now := time.Now().UTC()

	var eligible []*QueuedTask
	for _, task := range ms.tasks {
		switch task.Status {
		case StatusQueued, StatusPending, StatusInProgress, StatusServiceStopped:
		default:
			continue
		}
		if task.MaxRuns != nil && task.CurrentRunCount > *task.MaxRuns {
			continue
		}
		if task.RunUntil != nil && task.RunUntil.Before(now) {
			continue
		}
		if !afterCursor(task, lastCreatedAt, lastID) {
			continue
		}
		eligible = append(eligible, task)
	}

	sortTasks(eligible)
	if len(eligible) > take {
		eligible = eligible[:take]
	}

	out := make([]*QueuedTask, len(eligible))
	for i, task := range eligible {
		out[i] = copyTask(task)
	}
	return out, nil
}

func (ms *MemoryStorage) SetStatus(ctx context.Context, id uuid.UUID, status Status, exception *string, level AuditLevel) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.setStatusLocked(id, status, exception, level)
}

// setStatusLocked assumes ms.mu is held for writing.
func (ms *MemoryStorage) setStatusLocked(id uuid.UUID, status Status, exception *string, level AuditLevel) error {
	task, ok := ms.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}

	if !CanTransition(task.Status, status) {
		return ErrInvalidTransition
	}

	task.Status = status
	if exception != nil {
		task.Exception = exception
	}
	if status.Terminal() {
		task.NextRunAt = nil
	}
	ms.logger.Debug("task status changed",
		slog.String("task_id", id.String()),
		slog.String("status", string(status)))

	if recordStatusAudit(level, status) {
		ms.statusAudits[id] = append(ms.statusAudits[id], &StatusAudit{
			ID:        ms.ids.New(),
			TaskID:    id,
			UpdatedAt: time.Now().UTC(),
			NewStatus: status,
			Exception: exception,
		})
	}
	return nil
}

func (ms *MemoryStorage) SetCancelledByUser(ctx context.Context, id uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, ok := ms.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	return ms.setStatusLocked(id, StatusCancelled, nil, task.AuditLevel)
}

func (ms *MemoryStorage) SetCancelledByService(ctx context.Context, id uuid.UUID, exception string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, ok := ms.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	return ms.setStatusLocked(id, StatusCancelled, &exception, task.AuditLevel)
}

func (ms *MemoryStorage) SetQueued(ctx context.Context, id uuid.UUID) error {
	return ms.setStatusWithTaskLevel(id, StatusQueued)
}

func (ms *MemoryStorage) SetInProgress(ctx context.Context, id uuid.UUID) error {
	return ms.setStatusWithTaskLevel(id, StatusInProgress)
}

func (ms *MemoryStorage) SetCompleted(ctx context.Context, id uuid.UUID) error {
	return ms.setStatusWithTaskLevel(id, StatusCompleted)
}

func (ms *MemoryStorage) setStatusWithTaskLevel(id uuid.UUID, status Status) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, ok := ms.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	return ms.setStatusLocked(id, status, nil, task.AuditLevel)
}

func (ms *MemoryStorage) UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time, level AuditLevel) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, ok := ms.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now().UTC()
	task.CurrentRunCount++
	task.LastExecutionAt = &now
	if nextRun != nil {
		utc := nextRun.UTC()
		task.NextRunAt = &utc
	} else {
		task.NextRunAt = nil
	}
	return nil
}

func (ms *MemoryStorage) GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	task, ok := ms.tasks[id]
	if !ok {
		return 0, ErrTaskNotFound
	}
	return task.CurrentRunCount, nil
}

func (ms *MemoryStorage) AppendRunsAudit(ctx context.Context, audit *RunsAudit) error {
	if audit == nil {
		return ErrNilTask
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, ok := ms.tasks[audit.TaskID]
	if !ok {
		return ErrTaskNotFound
	}
	if !recordRunsAudit(task.AuditLevel, audit.Status) {
		return nil
	}

	record := *audit
	if record.ID == uuid.Nil {
		record.ID = ms.ids.New()
	}
	ms.runsAudits[audit.TaskID] = append(ms.runsAudits[audit.TaskID], &record)
	return nil
}

func (ms *MemoryStorage) SaveExecutionLogs(ctx context.Context, taskID uuid.UUID, logs []*ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}

	for _, entry := range logs {
		record := *entry
		if record.ID == uuid.Nil {
			record.ID = ms.ids.New()
		}
		record.TaskID = taskID
		ms.logs[taskID] = append(ms.logs[taskID], &record)
	}
	return nil
}

func (ms *MemoryStorage) GetExecutionLogs(ctx context.Context, taskID uuid.UUID, skip, take int, level *LogLevel) ([]*ExecutionLog, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var filtered []*ExecutionLog
	for _, entry := range ms.logs[taskID] {
		if level != nil && entry.Level != *level {
			continue
		}
		filtered = append(filtered, entry)
	}

	slices.SortFunc(filtered, func(a, b *ExecutionLog) int {
		return a.SequenceNumber - b.SequenceNumber
	})

	if skip < 0 {
		skip = 0
	}
	if skip >= len(filtered) {
		return nil, nil
	}
	filtered = filtered[skip:]
	if take > 0 && len(filtered) > take {
		filtered = filtered[:take]
	}

	out := make([]*ExecutionLog, len(filtered))
	for i, entry := range filtered {
		record := *entry
		out[i] = &record
	}
	return out, nil
}

func (ms *MemoryStorage) GetStatusAudits(ctx context.Context, taskID uuid.UUID) ([]*StatusAudit, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	audits := ms.statusAudits[taskID]
	out := make([]*StatusAudit, len(audits))
	for i, a := range audits {
		record := *a
		out[i] = &record
	}
	return out, nil
}

func (ms *MemoryStorage) GetRunsAudits(ctx context.Context, taskID uuid.UUID) ([]*RunsAudit, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	audits := ms.runsAudits[taskID]
	out := make([]*RunsAudit, len(audits))
	for i, a := range audits {
		record := *a
		out[i] = &record
	}
	return out, nil
}

// copyTask clones a task including its pointer fields.
func copyTask(t *QueuedTask) *QueuedTask {
	c := *t
	c.TaskKey = copyPtr(t.TaskKey)
	c.Exception = copyPtr(t.Exception)
	c.LastExecutionAt = copyPtr(t.LastExecutionAt)
	c.ScheduledExecutionAt = copyPtr(t.ScheduledExecutionAt)
	c.NextRunAt = copyPtr(t.NextRunAt)
	c.RecurringTask = copyPtr(t.RecurringTask)
	c.MaxRuns = copyPtr(t.MaxRuns)
	c.RunUntil = copyPtr(t.RunUntil)
	return &c
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// sortTasks orders tasks by (CreatedAt, ID), the keyset ordering.
func sortTasks(tasks []*QueuedTask) {
	slices.SortFunc(tasks, func(a, b *QueuedTask) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
}

// afterCursor reports whether the task sorts strictly after the keyset
// cursor (lastCreatedAt, lastID).
func afterCursor(task *QueuedTask, lastCreatedAt time.Time, lastID uuid.UUID) bool {
	if lastCreatedAt.IsZero() {
		return true
	}
	if task.CreatedAt.After(lastCreatedAt) {
		return true
	}
	if task.CreatedAt.Equal(lastCreatedAt) {
		return bytes.Compare(task.ID[:], lastID[:]) > 0
	}
	return false
}
