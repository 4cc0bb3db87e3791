package engine

import "time"

// Config holds engine-wide settings. Designed for environment-based
// configuration using popular env parsing libraries.
type Config struct {
	// Queue configuration
	QueueCapacity  int `env:"TASKENGINE_QUEUE_CAPACITY" envDefault:"500"`
	QueueConsumers int `env:"TASKENGINE_QUEUE_CONSUMERS" envDefault:"4"`

	// Scheduler configuration
	SchedulerShards int `env:"TASKENGINE_SCHEDULER_SHARDS" envDefault:"1"`

	// Dispatch configuration
	DefaultAuditLevel string `env:"TASKENGINE_AUDIT_LEVEL" envDefault:"full"`
	LazyResolution    bool   `env:"TASKENGINE_LAZY_RESOLUTION" envDefault:"true"`
	StrictPersistence bool   `env:"TASKENGINE_STRICT_PERSISTENCE" envDefault:"true"`

	// Execution configuration
	RetryAttempts int           `env:"TASKENGINE_RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelay    time.Duration `env:"TASKENGINE_RETRY_DELAY" envDefault:"1s"`

	// Log capture configuration
	CaptureLogs    bool   `env:"TASKENGINE_CAPTURE_LOGS" envDefault:"false"`
	MaxLogsPerTask int    `env:"TASKENGINE_MAX_LOGS_PER_TASK" envDefault:"100"`
	MinLogLevel    string `env:"TASKENGINE_MIN_LOG_LEVEL" envDefault:"info"`

	// Lifecycle configuration
	RecoveryEnabled bool          `env:"TASKENGINE_RECOVERY_ENABLED" envDefault:"true"`
	ShutdownTimeout time.Duration `env:"TASKENGINE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	EventBufferSize int           `env:"TASKENGINE_EVENT_BUFFER_SIZE" envDefault:"256"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:     500,
		QueueConsumers:    4,
		SchedulerShards:   1,
		DefaultAuditLevel: "full",
		LazyResolution:    true,
		StrictPersistence: true,
		RetryAttempts:     3,
		RetryDelay:        time.Second,
		CaptureLogs:       false,
		MaxLogsPerTask:    100,
		MinLogLevel:       "info",
		RecoveryEnabled:   true,
		ShutdownTimeout:   30 * time.Second,
		EventBufferSize:   256,
	}
}
