package storage

import (
	"time"

	"github.com/google/uuid"
)

// Status tracks the lifecycle state of a persisted task.
type Status string

const (
	StatusWaitingQueue   Status = "waiting_queue"
	StatusQueued         Status = "queued"
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusServiceStopped Status = "service_stopped"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusServiceStopped:
		return true
	}
	return false
}

// CanTransition reports whether the status machine permits moving from
// one status to another. Re-asserting the current status is always
// permitted (idempotent retries).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		// ServiceStopped rows are revived, and sometimes settled, by the
		// recovery loop; every other terminal status is final.
		return from == StatusServiceStopped
	}
	// Graceful shutdown and cancellation can interrupt any live state, and
	// a dispatch that cannot reach its queue fails the row outright.
	if to == StatusServiceStopped || to == StatusCancelled || to == StatusFailed {
		return true
	}
	switch from {
	case StatusWaitingQueue:
		return to == StatusQueued
	case StatusQueued:
		// Pending re-schedules a row that was queued but never picked up;
		// Completed settles an exhausted recurring row during recovery.
		return to == StatusInProgress || to == StatusPending || to == StatusCompleted
	case StatusPending:
		return to == StatusQueued || to == StatusCompleted
	case StatusInProgress:
		// Pending closes the loop between recurring runs; Queued re-runs a
		// row interrupted mid-flight.
		return to == StatusCompleted || to == StatusPending || to == StatusQueued
	}
	return false
}

// AuditLevel controls how much historical detail is persisted per task.
type AuditLevel string

const (
	AuditFull       AuditLevel = "full"
	AuditMinimal    AuditLevel = "minimal"
	AuditErrorsOnly AuditLevel = "errors_only"
	AuditNone       AuditLevel = "none"
)

// Valid reports whether the audit level is one of the known values.
func (l AuditLevel) Valid() bool {
	switch l {
	case AuditFull, AuditMinimal, AuditErrorsOnly, AuditNone:
		return true
	}
	return false
}

// LogLevel classifies captured execution log entries.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// severity ordering for minimum-level filtering.
func (l LogLevel) rank() int {
	switch l {
	case LogDebug:
		return 0
	case LogInfo:
		return 1
	case LogWarning:
		return 2
	case LogError:
		return 3
	}
	return 1
}

// AtLeast reports whether l is at or above the given minimum level.
func (l LogLevel) AtLeast(minimum LogLevel) bool {
	return l.rank() >= minimum.rank()
}

// QueuedTask is the persisted representation of a dispatched task.
type QueuedTask struct {
	ID          uuid.UUID `json:"id"`
	TaskKey     *string   `json:"task_key,omitempty"`
	Queue       string    `json:"queue"`
	RequestType string    `json:"request_type"`
	HandlerType string    `json:"handler_type"`
	Request     string    `json:"request"`
	Status      Status    `json:"status"`
	Exception   *string   `json:"exception,omitempty"`

	CreatedAt            time.Time  `json:"created_at"`
	LastExecutionAt      *time.Time `json:"last_execution_at,omitempty"`
	ScheduledExecutionAt *time.Time `json:"scheduled_execution_at,omitempty"`
	NextRunAt            *time.Time `json:"next_run_at,omitempty"`

	IsRecurring     bool       `json:"is_recurring"`
	RecurringTask   *string    `json:"recurring_task,omitempty"`
	RecurringInfo   string     `json:"recurring_info,omitempty"`
	CurrentRunCount int        `json:"current_run_count"`
	MaxRuns         *int       `json:"max_runs,omitempty"`
	RunUntil        *time.Time `json:"run_until,omitempty"`

	AuditLevel AuditLevel `json:"audit_level"`
}

// StatusAudit records a single status transition of a task.
type StatusAudit struct {
	ID        uuid.UUID `json:"id"`
	TaskID    uuid.UUID `json:"task_id"`
	UpdatedAt time.Time `json:"updated_at"`
	NewStatus Status    `json:"new_status"`
	Exception *string   `json:"exception,omitempty"`
}

// RunsAudit records a single execution attempt outcome of a task.
type RunsAudit struct {
	ID              uuid.UUID `json:"id"`
	TaskID          uuid.UUID `json:"task_id"`
	ExecutedAt      time.Time `json:"executed_at"`
	Status          Status    `json:"status"`
	Exception       *string   `json:"exception,omitempty"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
}

// ExecutionLog is one captured log entry emitted by a handler during a run.
// Sequence numbers are contiguous per task starting at zero.
type ExecutionLog struct {
	ID               uuid.UUID `json:"id"`
	TaskID           uuid.UUID `json:"task_id"`
	Timestamp        time.Time `json:"timestamp"`
	Level            LogLevel  `json:"level"`
	Message          string    `json:"message"`
	ExceptionDetails *string   `json:"exception_details,omitempty"`
	SequenceNumber   int       `json:"sequence_number"`
}
