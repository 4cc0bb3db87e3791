package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect creates a pgx connection pool and verifies it with a ping.
// Transient failures are retried with the configured interval so service
// restarts do not race the database coming up.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.ConnectionString == "" {
		return nil, ErrEmptyConnectionString
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToParseDBConfig, err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(cfg.RetryInterval):
		case <-ctx.Done():
			return nil, errors.Join(ErrFailedToOpenDBConnection, ctx.Err(), lastErr)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrFailedToOpenDBConnection, lastErr)
}

// Healthcheck returns a probe function suitable for readiness endpoints.
func Healthcheck(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
