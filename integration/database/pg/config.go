package pg

import "time"

// Config holds PostgreSQL connection pool settings. Designed for
// environment-based configuration using popular env parsing libraries.
type Config struct {
	ConnectionString  string        `env:"PG_CONN_URL,required"`
	MaxOpenConns      int32         `env:"PG_MAX_OPEN_CONNS" envDefault:"10"`
	MinConns          int32         `env:"PG_MIN_CONNS" envDefault:"2"`
	HealthCheckPeriod time.Duration `env:"PG_HEALTHCHECK_PERIOD" envDefault:"1m"`
	MaxConnIdleTime   time.Duration `env:"PG_MAX_CONN_IDLE_TIME" envDefault:"10m"`
	MaxConnLifetime   time.Duration `env:"PG_MAX_CONN_LIFETIME" envDefault:"30m"`
	ConnectTimeout    time.Duration `env:"PG_CONNECT_TIMEOUT" envDefault:"10s"`
	RetryAttempts     int           `env:"PG_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval     time.Duration `env:"PG_RETRY_INTERVAL" envDefault:"5s"`
}

// DefaultConfig returns pool settings suited for typical workloads. The
// connection string must still be provided.
func DefaultConfig(connString string) Config {
	return Config{
		ConnectionString:  connString,
		MaxOpenConns:      10,
		MinConns:          2,
		HealthCheckPeriod: time.Minute,
		MaxConnIdleTime:   10 * time.Minute,
		MaxConnLifetime:   30 * time.Minute,
		ConnectTimeout:    10 * time.Second,
		RetryAttempts:     3,
		RetryInterval:     5 * time.Second,
	}
}
