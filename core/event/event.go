package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskengine/core/storage"
)

// Severity classifies a task lifecycle event.
type Severity string

const (
	SeverityInformation Severity = "information"
	SeverityWarning     Severity = "warning"
	SeverityError       Severity = "error"
)

// TaskEventData describes one task lifecycle event as consumed by
// monitoring subscribers. The engine emits these on every significant
// transition; it does not care how they are consumed.
type TaskEventData struct {
	TaskID        uuid.UUID              `json:"task_id"`
	EventAt       time.Time              `json:"event_at"`
	Severity      Severity               `json:"severity"`
	RequestType   string                 `json:"request_type"`
	HandlerType   string                 `json:"handler_type"`
	RequestJSON   string                 `json:"request_json"`
	Message       string                 `json:"message"`
	Error         string                 `json:"error,omitempty"`
	ExecutionLogs []*storage.ExecutionLog `json:"execution_logs,omitempty"`
}

// Info creates an informational event for a task.
func Info(taskID uuid.UUID, requestType, handlerType, requestJSON, message string) TaskEventData {
	return TaskEventData{
		TaskID:      taskID,
		EventAt:     time.Now().UTC(),
		Severity:    SeverityInformation,
		RequestType: requestType,
		HandlerType: handlerType,
		RequestJSON: requestJSON,
		Message:     message,
	}
}

// Warn creates a warning event for a task.
func Warn(taskID uuid.UUID, requestType, handlerType, requestJSON, message string) TaskEventData {
	e := Info(taskID, requestType, handlerType, requestJSON, message)
	e.Severity = SeverityWarning
	return e
}

// Err creates an error event for a task carrying the failure detail.
func Err(taskID uuid.UUID, requestType, handlerType, requestJSON, message string, err error) TaskEventData {
	e := Info(taskID, requestType, handlerType, requestJSON, message)
	e.Severity = SeverityError
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
