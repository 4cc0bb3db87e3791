package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/taskengine/core/storage"
)

// TaskLogger captures handler log output for one execution. Entries are
// fanned out to the host slog logger immediately and buffered for batch
// persistence after the execution finishes. The buffer is bounded; once
// full, further entries still reach the host logger but are not persisted.
type TaskLogger struct {
	mu       sync.Mutex
	taskID   uuid.UUID
	host     *slog.Logger
	minLevel storage.LogLevel
	maxSize  int
	seq      int
	entries  []*storage.ExecutionLog
}

func newTaskLogger(taskID uuid.UUID, host *slog.Logger, minLevel storage.LogLevel, maxSize int) *TaskLogger {
	return &TaskLogger{
		taskID:   taskID,
		host:     host,
		minLevel: minLevel,
		maxSize:  maxSize,
	}
}

// Debug records a debug-level entry.
func (l *TaskLogger) Debug(msg string, args ...any) {
	l.log(storage.LogDebug, slog.LevelDebug, msg, args...)
}

// Info records an info-level entry.
func (l *TaskLogger) Info(msg string, args ...any) {
	l.log(storage.LogInfo, slog.LevelInfo, msg, args...)
}

// Warn records a warning-level entry.
func (l *TaskLogger) Warn(msg string, args ...any) {
	l.log(storage.LogWarning, slog.LevelWarn, msg, args...)
}

// Error records an error-level entry.
func (l *TaskLogger) Error(msg string, args ...any) {
	l.log(storage.LogError, slog.LevelError, msg, args...)
}

func (l *TaskLogger) log(level storage.LogLevel, slogLevel slog.Level, msg string, args ...any) {
	if l == nil {
		return
	}
	if l.host != nil {
		l.host.Log(context.Background(), slogLevel, msg, args...)
	}
	if !level.AtLeast(l.minLevel) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxSize > 0 && len(l.entries) >= l.maxSize {
		return
	}
	l.entries = append(l.entries, &storage.ExecutionLog{
		ID:             uuid.New(),
		TaskID:         l.taskID,
		Timestamp:      time.Now().UTC(),
		Level:          level,
		Message:        msg,
		SequenceNumber: l.seq,
	})
	l.seq++
}

// errorWithDetails records an error entry with an attached exception
// rendering. Used by the worker to persist attempt failures alongside
// handler output.
func (l *TaskLogger) errorWithDetails(msg string, details string) {
	if l == nil {
		return
	}
	if l.host != nil {
		l.host.Error(msg, slog.String("exception", details))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxSize > 0 && len(l.entries) >= l.maxSize {
		return
	}
	l.entries = append(l.entries, &storage.ExecutionLog{
		ID:               uuid.New(),
		TaskID:           l.taskID,
		Timestamp:        time.Now().UTC(),
		Level:            storage.LogError,
		Message:          msg,
		ExceptionDetails: &details,
		SequenceNumber:   l.seq,
	})
	l.seq++
}

// flush returns the buffered entries and resets the buffer. Sequence
// numbering continues across flushes within one execution.
func (l *TaskLogger) flush() []*storage.ExecutionLog {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}

type taskLoggerKey struct{}

// WithTaskLogger stores a TaskLogger in the context for handler access.
func WithTaskLogger(ctx context.Context, l *TaskLogger) context.Context {
	return context.WithValue(ctx, taskLoggerKey{}, l)
}

// TaskLoggerFromContext extracts the execution's TaskLogger. Outside a
// capturing execution it returns nil, which is safe to call methods on.
func TaskLoggerFromContext(ctx context.Context) *TaskLogger {
	l, _ := ctx.Value(taskLoggerKey{}).(*TaskLogger)
	return l
}
