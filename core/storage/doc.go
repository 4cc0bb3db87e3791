// Package storage defines the persistence contract of the task engine:
// the QueuedTask row and its status machine, status and runs audits,
// captured execution logs, and the Storage interface the engine consumes.
//
// The package also ships an in-memory implementation for tests and local
// development. Production backends live under integration/database.
//
// # Keyset pagination
//
// Pending work is paged by the (CreatedAt, ID) keyset rather than offsets,
// so scans stay stable under concurrent writes. Row IDs are time-ordered
// UUID v7 values (see UUIDv7Generator), which keeps the tiebreak column
// aligned with insertion order.
//
// # Audit levels
//
// Each task carries an AuditLevel deciding how much history is persisted:
//
//   - AuditFull: every status change and every run creates an audit row.
//   - AuditMinimal: only failures create StatusAudit rows; every run
//     creates a RunsAudit row.
//   - AuditErrorsOnly: both audit tables receive rows only on failure.
//   - AuditNone: only the QueuedTask columns are updated.
package storage
