package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/taskengine/core/storage"
)

// querier is the subset of pgx operations the storage needs, satisfied by
// both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Storage is the PostgreSQL implementation of the engine's storage
// contract. Every write is durable once the call returns (or once the
// caller's transaction commits when one travels in the context).
type Storage struct {
	pool *pgxpool.Pool
	ids  storage.IDGenerator
}

// StorageOption configures a Storage.
type StorageOption func(*Storage)

// WithStorageIDGenerator overrides the audit row id source.
func WithStorageIDGenerator(gen storage.IDGenerator) StorageOption {
	return func(s *Storage) {
		if gen != nil {
			s.ids = gen
		}
	}
}

// NewStorage creates a Storage over an established pool.
func NewStorage(pool *pgxpool.Pool, opts ...StorageOption) (*Storage, error) {
	if pool == nil {
		return nil, errors.New("pg: pool cannot be nil")
	}
	s := &Storage{
		pool: pool,
		ids:  storage.NewUUIDv7Generator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Storage) conn(ctx context.Context) querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return s.pool
}

const taskColumns = `id, task_key, queue, request_type, handler_type, request, status, exception,
	created_at, last_execution_at, scheduled_execution_at, next_run_at,
	is_recurring, recurring_task, recurring_info, current_run_count, max_runs, run_until, audit_level`

func scanTask(row pgx.Row) (*storage.QueuedTask, error) {
	var task storage.QueuedTask
	err := row.Scan(
		&task.ID, &task.TaskKey, &task.Queue, &task.RequestType, &task.HandlerType,
		&task.Request, &task.Status, &task.Exception,
		&task.CreatedAt, &task.LastExecutionAt, &task.ScheduledExecutionAt, &task.NextRunAt,
		&task.IsRecurring, &task.RecurringTask, &task.RecurringInfo,
		&task.CurrentRunCount, &task.MaxRuns, &task.RunUntil, &task.AuditLevel,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

func collectTasks(rows pgx.Rows) ([]*storage.QueuedTask, error) {
	defer rows.Close()
	var tasks []*storage.QueuedTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Storage) Persist(ctx context.Context, task *storage.QueuedTask) error {
	if task == nil {
		return storage.ErrNilTask
	}
	const q = `INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`
	_, err := s.conn(ctx).Exec(ctx, q,
		task.ID, task.TaskKey, task.Queue, task.RequestType, task.HandlerType,
		task.Request, task.Status, task.Exception,
		task.CreatedAt, task.LastExecutionAt, task.ScheduledExecutionAt, task.NextRunAt,
		task.IsRecurring, task.RecurringTask, task.RecurringInfo,
		task.CurrentRunCount, task.MaxRuns, task.RunUntil, task.AuditLevel,
	)
	if IsDuplicateKeyError(err) {
		return storage.ErrTaskAlreadyExists
	}
	return err
}

func (s *Storage) UpdateTask(ctx context.Context, task *storage.QueuedTask) error {
	if task == nil {
		return storage.ErrNilTask
	}
	const q = `UPDATE tasks SET
		task_key = $2, queue = $3, request_type = $4, handler_type = $5,
		request = $6, status = $7, exception = $8,
		last_execution_at = $9, scheduled_execution_at = $10, next_run_at = $11,
		is_recurring = $12, recurring_task = $13, recurring_info = $14,
		current_run_count = $15, max_runs = $16, run_until = $17, audit_level = $18
		WHERE id = $1`
	tag, err := s.conn(ctx).Exec(ctx, q,
		task.ID, task.TaskKey, task.Queue, task.RequestType, task.HandlerType,
		task.Request, task.Status, task.Exception,
		task.LastExecutionAt, task.ScheduledExecutionAt, task.NextRunAt,
		task.IsRecurring, task.RecurringTask, task.RecurringInfo,
		task.CurrentRunCount, task.MaxRuns, task.RunUntil, task.AuditLevel,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrTaskNotFound
	}
	return nil
}

func (s *Storage) GetByTaskKey(ctx context.Context, key string) (*storage.QueuedTask, error) {
	const q = `SELECT ` + taskColumns + ` FROM tasks WHERE task_key = $1`
	return scanTask(s.conn(ctx).QueryRow(ctx, q, key))
}

func (s *Storage) Get(ctx context.Context, pred storage.Predicate) ([]*storage.QueuedTask, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return all, nil
	}
	matched := make([]*storage.QueuedTask, 0, len(all))
	for _, task := range all {
		if pred(task) {
			matched = append(matched, task)
		}
	}
	return matched, nil
}

func (s *Storage) GetAll(ctx context.Context) ([]*storage.QueuedTask, error) {
	const q = `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at, id`
	rows, err := s.conn(ctx).Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *Storage) Remove(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrTaskNotFound
	}
	return nil
}

func (s *Storage) RetrievePending(ctx context.Context, lastCreatedAt time.Time, lastID uuid.UUID, take int) ([]*storage.QueuedTask, error) {
	if take <= 0 {
		return nil, nil
	}
	const q = `SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN ('queued', 'pending', 'in_progress', 'service_stopped')
		  AND (max_runs IS NULL OR current_run_count <= max_runs)
		  AND (run_until IS NULL OR run_until >= now())
		  AND (created_at, id) > ($1, $2)
		ORDER BY created_at, id
		LIMIT $3`
	rows, err := s.conn(ctx).Query(ctx, q, lastCreatedAt, lastID, take)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// SetStatus transitions a task under row lock, enforcing that terminal
// statuses other than service_stopped are final, and records a status audit
// row per the task's audit level.
func (s *Storage) SetStatus(ctx context.Context, id uuid.UUID, status storage.Status, exception *string, level storage.AuditLevel) error {
	if tx, ok := TxFromContext(ctx); ok {
		return s.setStatusTx(ctx, tx, id, status, exception, level)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.setStatusTx(ctx, tx, id, status, exception, level); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Storage) setStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status storage.Status, exception *string, level storage.AuditLevel) error {
	var current storage.Status
	err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrTaskNotFound
		}
		return err
	}

	if !storage.CanTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, current, status)
	}

	if status.Terminal() {
		_, err = tx.Exec(ctx, `UPDATE tasks SET status = $2, exception = COALESCE($3, exception), next_run_at = NULL WHERE id = $1`,
			id, status, exception)
	} else {
		_, err = tx.Exec(ctx, `UPDATE tasks SET status = $2, exception = COALESCE($3, exception) WHERE id = $1`,
			id, status, exception)
	}
	if err != nil {
		return err
	}

	if storage.ShouldRecordStatus(level, status) {
		_, err = tx.Exec(ctx,
			`INSERT INTO task_status_audits (id, task_id, updated_at, new_status, exception) VALUES ($1,$2,$3,$4,$5)`,
			s.ids.New(), id, time.Now().UTC(), status, exception)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) auditLevel(ctx context.Context, id uuid.UUID) (storage.AuditLevel, error) {
	var level storage.AuditLevel
	err := s.conn(ctx).QueryRow(ctx, `SELECT audit_level FROM tasks WHERE id = $1`, id).Scan(&level)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", storage.ErrTaskNotFound
		}
		return "", err
	}
	return level, nil
}

func (s *Storage) SetCancelledByUser(ctx context.Context, id uuid.UUID) error {
	level, err := s.auditLevel(ctx, id)
	if err != nil {
		return err
	}
	return s.SetStatus(ctx, id, storage.StatusCancelled, nil, level)
}

func (s *Storage) SetCancelledByService(ctx context.Context, id uuid.UUID, exception string) error {
	level, err := s.auditLevel(ctx, id)
	if err != nil {
		return err
	}
	return s.SetStatus(ctx, id, storage.StatusCancelled, &exception, level)
}

func (s *Storage) SetQueued(ctx context.Context, id uuid.UUID) error {
	level, err := s.auditLevel(ctx, id)
	if err != nil {
		return err
	}
	return s.SetStatus(ctx, id, storage.StatusQueued, nil, level)
}

func (s *Storage) SetInProgress(ctx context.Context, id uuid.UUID) error {
	level, err := s.auditLevel(ctx, id)
	if err != nil {
		return err
	}
	return s.SetStatus(ctx, id, storage.StatusInProgress, nil, level)
}

func (s *Storage) SetCompleted(ctx context.Context, id uuid.UUID) error {
	level, err := s.auditLevel(ctx, id)
	if err != nil {
		return err
	}
	return s.SetStatus(ctx, id, storage.StatusCompleted, nil, level)
}

func (s *Storage) UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time, level storage.AuditLevel) error {
	const q = `UPDATE tasks SET
		current_run_count = current_run_count + 1,
		last_execution_at = now(),
		next_run_at = $2
		WHERE id = $1`
	tag, err := s.conn(ctx).Exec(ctx, q, id, nextRun)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrTaskNotFound
	}
	return nil
}

func (s *Storage) GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := s.conn(ctx).QueryRow(ctx, `SELECT current_run_count FROM tasks WHERE id = $1`, id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, storage.ErrTaskNotFound
		}
		return 0, err
	}
	return count, nil
}

func (s *Storage) AppendRunsAudit(ctx context.Context, audit *storage.RunsAudit) error {
	if audit == nil {
		return storage.ErrNilTask
	}
	level, err := s.auditLevel(ctx, audit.TaskID)
	if err != nil {
		return err
	}
	if !storage.ShouldRecordRun(level, audit.Status) {
		return nil
	}
	id := audit.ID
	if id == uuid.Nil {
		id = s.ids.New()
	}
	_, err = s.conn(ctx).Exec(ctx,
		`INSERT INTO task_runs_audits (id, task_id, executed_at, status, exception, execution_time_ms)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		id, audit.TaskID, audit.ExecutedAt, audit.Status, audit.Exception, audit.ExecutionTimeMs)
	if IsForeignKeyViolationError(err) {
		return storage.ErrTaskNotFound
	}
	return err
}

func (s *Storage) SaveExecutionLogs(ctx context.Context, taskID uuid.UUID, logs []*storage.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, entry := range logs {
		id := entry.ID
		if id == uuid.Nil {
			id = s.ids.New()
		}
		batch.Queue(
			`INSERT INTO task_execution_logs (id, task_id, log_timestamp, level, message, exception_details, sequence_number)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			id, taskID, entry.Timestamp, entry.Level, entry.Message, entry.ExceptionDetails, entry.SequenceNumber)
	}
	results := s.conn(ctx).SendBatch(ctx, batch)
	defer results.Close()
	for range logs {
		if _, err := results.Exec(); err != nil {
			if IsForeignKeyViolationError(err) {
				return storage.ErrTaskNotFound
			}
			return err
		}
	}
	return nil
}

func (s *Storage) GetExecutionLogs(ctx context.Context, taskID uuid.UUID, skip, take int, level *storage.LogLevel) ([]*storage.ExecutionLog, error) {
	const q = `SELECT id, task_id, log_timestamp, level, message, exception_details, sequence_number
		FROM task_execution_logs
		WHERE task_id = $1 AND ($2::text IS NULL OR level = $2)
		ORDER BY sequence_number
		OFFSET $3 LIMIT $4`
	if skip < 0 {
		skip = 0
	}
	// LIMIT NULL reads to the end, mirroring the in-memory semantics where
	// a non-positive take means unlimited.
	var limit any
	if take > 0 {
		limit = take
	}
	rows, err := s.conn(ctx).Query(ctx, q, taskID, level, skip, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*storage.ExecutionLog
	for rows.Next() {
		var entry storage.ExecutionLog
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Timestamp, &entry.Level,
			&entry.Message, &entry.ExceptionDetails, &entry.SequenceNumber); err != nil {
			return nil, err
		}
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}

func (s *Storage) GetStatusAudits(ctx context.Context, taskID uuid.UUID) ([]*storage.StatusAudit, error) {
	const q = `SELECT id, task_id, updated_at, new_status, exception
		FROM task_status_audits WHERE task_id = $1 ORDER BY updated_at, id`
	rows, err := s.conn(ctx).Query(ctx, q, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []*storage.StatusAudit
	for rows.Next() {
		var audit storage.StatusAudit
		if err := rows.Scan(&audit.ID, &audit.TaskID, &audit.UpdatedAt, &audit.NewStatus, &audit.Exception); err != nil {
			return nil, err
		}
		audits = append(audits, &audit)
	}
	return audits, rows.Err()
}

func (s *Storage) GetRunsAudits(ctx context.Context, taskID uuid.UUID) ([]*storage.RunsAudit, error) {
	const q = `SELECT id, task_id, executed_at, status, exception, execution_time_ms
		FROM task_runs_audits WHERE task_id = $1 ORDER BY executed_at, id`
	rows, err := s.conn(ctx).Query(ctx, q, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []*storage.RunsAudit
	for rows.Next() {
		var audit storage.RunsAudit
		if err := rows.Scan(&audit.ID, &audit.TaskID, &audit.ExecutedAt, &audit.Status, &audit.Exception, &audit.ExecutionTimeMs); err != nil {
			return nil, err
		}
		audits = append(audits, &audit)
	}
	return audits, rows.Err()
}
