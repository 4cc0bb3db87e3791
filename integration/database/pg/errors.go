package pg

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrEmptyConnectionString is returned when no DSN is configured.
	ErrEmptyConnectionString = errors.New("empty postgres connection string")

	// ErrFailedToOpenDBConnection wraps connection establishment failures
	// after all retries were exhausted.
	ErrFailedToOpenDBConnection = errors.New("failed to open db connection")

	// ErrFailedToParseDBConfig wraps DSN parsing failures.
	ErrFailedToParseDBConfig = errors.New("failed to parse db config")

	// ErrFailedToApplyMigrations wraps schema migration failures.
	ErrFailedToApplyMigrations = errors.New("failed to apply migrations")

	// ErrHealthcheckFailed indicates the connection is not available.
	ErrHealthcheckFailed = errors.New("healthcheck failed, connection is not available")
)

// IsNotFoundError reports whether the error means no rows matched.
func IsNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsDuplicateKeyError reports whether the error is a unique constraint
// violation.
func IsDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsForeignKeyViolationError reports whether the error is a referential
// integrity violation.
func IsForeignKeyViolationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// IsTxClosedError reports whether a closed transaction was used.
func IsTxClosedError(err error) bool {
	return errors.Is(err, pgx.ErrTxClosed)
}
