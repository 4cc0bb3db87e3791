// Package logger provides structured logging helpers built on Go's
// standard slog package, tailored to the task engine's vocabulary.
//
// Attribute helpers are nil safe: passing a nil error or a zero UUID
// yields an empty attribute that slog skips, so call sites never need
// explicit guards.
//
// # Usage
//
//	log.Info("task completed",
//		logger.TaskID(task.ID),
//		logger.Queue(task.Queue),
//		logger.Elapsed(start),
//	)
//
//	log.Error("task failed",
//		logger.TaskID(task.ID),
//		logger.Attempt(attempt),
//		logger.Error(err),
//	)
package logger
