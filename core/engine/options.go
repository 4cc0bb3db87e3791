package engine

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/taskengine/core/storage"
)

// ServiceOption configures a Service during construction.
type ServiceOption func(*Service) error

// WithLogger sets the structured logger used by every component. Defaults
// to a no-op logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithQueues declares additional named queues beyond the well-known set,
// or overrides the defaults of a well-known queue by redeclaring it.
func WithQueues(configs ...QueueConfig) ServiceOption {
	return func(s *Service) error {
		for _, cfg := range configs {
			if cfg.Name == "" {
				continue
			}
			s.queueConfigs[cfg.Name] = cfg
		}
		return nil
	}
}

// WithSchedulerShards runs the scheduler as independent shards so bursts of
// co-scheduled timers spread across goroutines. Zero or one means a single
// timer loop; a negative value picks a count from available parallelism.
func WithSchedulerShards(n int) ServiceOption {
	return func(s *Service) error {
		s.shards = n
		return nil
	}
}

// WithDefaultAuditLevel sets the audit level applied to dispatches that do
// not override it.
func WithDefaultAuditLevel(level storage.AuditLevel) ServiceOption {
	return func(s *Service) error {
		if level.Valid() {
			s.defaultAudit = level
		}
		return nil
	}
}

// WithDefaultRetryPolicy sets the retry policy for handlers that do not
// declare their own.
func WithDefaultRetryPolicy(p RetryPolicy) ServiceOption {
	return func(s *Service) error {
		if p != nil {
			s.defaultRetry = p
		}
		return nil
	}
}

// WithLazyResolution toggles deferred handler construction for far-future
// and slow recurring tasks. Enabled by default.
func WithLazyResolution(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.lazyResolution = enabled
		return nil
	}
}

// WithStrictPersistence controls whether storage failures during dispatch
// are returned to the caller (default) or logged and swallowed.
func WithStrictPersistence(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.strictPersistence = enabled
		return nil
	}
}

// WithLogCapture enables execution log capture for every handler, bounded
// per task and filtered by minimum level.
func WithLogCapture(maxPerTask int, minLevel storage.LogLevel) ServiceOption {
	return func(s *Service) error {
		s.captureLogs = true
		if maxPerTask > 0 {
			s.maxLogs = maxPerTask
		}
		s.minLogLevel = minLevel
		return nil
	}
}

// WithRecovery toggles the restart recovery pass. Enabled by default.
func WithRecovery(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.recoveryEnabled = enabled
		return nil
	}
}

// WithShutdownTimeout bounds how long Run waits for consumers to finish
// their current task during shutdown.
func WithShutdownTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.shutdownTimeout = d
		}
		return nil
	}
}

// WithEventBufferSize sizes the event bus buffer.
func WithEventBufferSize(n int) ServiceOption {
	return func(s *Service) error {
		if n > 0 {
			s.eventBufferSize = n
		}
		return nil
	}
}

// WithIDGenerator overrides the task id source, mainly for deterministic
// tests.
func WithIDGenerator(gen storage.IDGenerator) ServiceOption {
	return func(s *Service) error {
		if gen != nil {
			s.ids = gen
		}
		return nil
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) error {
		if clock != nil {
			s.clock = clock
		}
		return nil
	}
}
