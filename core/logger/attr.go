package logger

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Attribute helpers use the empty Attr pattern for nil safety.
// This allows calls like log.Info("msg", logger.Error(err)) without explicit nil checks,
// following the principle of making zero values useful.

// Group creates a group of attributes under a single key.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// Error creates an attribute for a single error under the key "error".
// Returns empty Attr for nil errors, enabling safe usage without nil checks.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Duration creates an attribute for a duration.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Elapsed calculates and logs the duration since the start time.
func Elapsed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}

// TaskID creates an attribute for task identifiers.
// Returns empty Attr for the nil UUID.
func TaskID(id uuid.UUID) slog.Attr {
	if id == uuid.Nil {
		return slog.Attr{}
	}
	return slog.String("task_id", id.String())
}

// TaskKey creates an attribute for deduplication keys.
func TaskKey(key string) slog.Attr {
	if key == "" {
		return slog.Attr{}
	}
	return slog.String("task_key", key)
}

// Queue creates an attribute for queue names.
func Queue(name string) slog.Attr {
	return slog.String("queue", name)
}

// RequestType creates an attribute for dispatched request type names.
func RequestType(name string) slog.Attr {
	return slog.String("request_type", name)
}

// Status creates an attribute for task status values.
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// Attempt creates an attribute for retry attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Shard creates an attribute for scheduler shard indexes.
func Shard(index int) slog.Attr {
	return slog.Int("shard", index)
}

// Component creates an attribute for component names.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Count creates a generic counter attribute.
func Count(key string, n int) slog.Attr {
	return slog.Int(key, n)
}

// Key creates a generic key-value attribute.
func Key(key string, value any) slog.Attr {
	if value == nil {
		return slog.Attr{}
	}
	return slog.Any(key, value)
}
