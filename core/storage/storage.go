package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Predicate filters tasks in Get queries. It must not retain or mutate
// the task it inspects.
type Predicate func(*QueuedTask) bool

// Storage is the persistence contract the engine consumes. Every write
// must be durable before the call returns. Implementations must be safe
// for concurrent use by many scopes.
type Storage interface {
	// Persist inserts a new task row.
	Persist(ctx context.Context, task *QueuedTask) error

	// UpdateTask rewrites an existing task row in place. Used by the
	// task-key adoption path.
	UpdateTask(ctx context.Context, task *QueuedTask) error

	// GetByTaskKey returns the task with the given deduplication key,
	// or ErrTaskNotFound.
	GetByTaskKey(ctx context.Context, key string) (*QueuedTask, error)

	// Get returns all tasks matching the predicate.
	Get(ctx context.Context, pred Predicate) ([]*QueuedTask, error)

	// GetAll returns every stored task.
	GetAll(ctx context.Context) ([]*QueuedTask, error)

	// Remove deletes a task and, by cascade, its audit and log rows.
	Remove(ctx context.Context, id uuid.UUID) error

	// RetrievePending pages through unfinished tasks (Queued, Pending,
	// InProgress, ServiceStopped) still within their run bounds, ordered
	// by (CreatedAt, ID). Pass zero cursor values for the first page.
	RetrievePending(ctx context.Context, lastCreatedAt time.Time, lastID uuid.UUID, take int) ([]*QueuedTask, error)

	// SetStatus transitions a task to the given status, recording the
	// exception and audit rows according to the audit level.
	SetStatus(ctx context.Context, id uuid.UUID, status Status, exception *string, level AuditLevel) error

	// SetCancelledByUser marks a task cancelled on explicit request.
	SetCancelledByUser(ctx context.Context, id uuid.UUID) error

	// SetCancelledByService marks a task cancelled by the engine itself,
	// with a diagnostic message.
	SetCancelledByService(ctx context.Context, id uuid.UUID, exception string) error

	// SetQueued, SetInProgress and SetCompleted are transition shorthands
	// honoring the task's own audit level.
	SetQueued(ctx context.Context, id uuid.UUID) error
	SetInProgress(ctx context.Context, id uuid.UUID) error
	SetCompleted(ctx context.Context, id uuid.UUID) error

	// UpdateCurrentRun increments the run counter, stamps the last
	// execution time and stores the next run instant (nil when no
	// further run is scheduled).
	UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time, level AuditLevel) error

	// GetCurrentRunCount returns the task's run counter.
	GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int, error)

	// AppendRunsAudit records one execution attempt outcome.
	AppendRunsAudit(ctx context.Context, audit *RunsAudit) error

	// SaveExecutionLogs persists a batch of captured log entries.
	SaveExecutionLogs(ctx context.Context, taskID uuid.UUID, logs []*ExecutionLog) error

	// GetExecutionLogs pages through a task's captured logs ordered by
	// sequence number. A nil level returns all levels.
	GetExecutionLogs(ctx context.Context, taskID uuid.UUID, skip, take int, level *LogLevel) ([]*ExecutionLog, error)

	// GetStatusAudits returns a task's status transition history.
	GetStatusAudits(ctx context.Context, taskID uuid.UUID) ([]*StatusAudit, error)

	// GetRunsAudits returns a task's execution history.
	GetRunsAudits(ctx context.Context, taskID uuid.UUID) ([]*RunsAudit, error)
}

// IDGenerator supplies identifiers for persisted rows. Time-ordered IDs
// keep keyset pagination cheap.
type IDGenerator interface {
	New() uuid.UUID
}

// ShouldRecordStatus reports whether a status transition should produce a
// StatusAudit row under the given audit level. Exposed for storage backends
// implemented outside this package.
func ShouldRecordStatus(level AuditLevel, status Status) bool {
	return recordStatusAudit(level, status)
}

// ShouldRecordRun reports whether an execution outcome should produce a
// RunsAudit row under the given audit level. Exposed for callers that
// build audit rows outside the storage layer.
func ShouldRecordRun(level AuditLevel, status Status) bool {
	return recordRunsAudit(level, status)
}

// recordStatusAudit reports whether a status change should produce a
// StatusAudit row under the given level.
func recordStatusAudit(level AuditLevel, status Status) bool {
	switch level {
	case AuditFull:
		return true
	case AuditMinimal, AuditErrorsOnly:
		return status == StatusFailed
	default:
		return false
	}
}

// recordRunsAudit reports whether an execution should produce a RunsAudit
// row under the given level.
func recordRunsAudit(level AuditLevel, status Status) bool {
	switch level {
	case AuditFull, AuditMinimal:
		return true
	case AuditErrorsOnly:
		return status == StatusFailed
	default:
		return false
	}
}
