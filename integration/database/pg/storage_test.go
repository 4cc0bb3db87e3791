package pg_test

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskengine/core/storage"
	"github.com/dmitrymomot/taskengine/integration/database/pg"
)

// liveStorage connects to the database named by TEST_PG_CONN_URL, applies
// migrations and returns a ready storage. Tests using it are skipped when
// the variable is unset.
func liveStorage(t *testing.T) *pg.Storage {
	t.Helper()

	dsn := os.Getenv("TEST_PG_CONN_URL")
	if dsn == "" {
		t.Skip("TEST_PG_CONN_URL is not set")
	}

	ctx := t.Context()
	pool, err := pg.Connect(ctx, pg.DefaultConfig(dsn))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pg.Migrate(ctx, pool))

	store, err := pg.NewStorage(pool)
	require.NoError(t, err)
	return store
}

func liveTask() *storage.QueuedTask {
	return &storage.QueuedTask{
		ID:          storage.NewUUIDv7Generator().New(),
		Queue:       "default",
		RequestType: "pg_test.sendEmail",
		HandlerType: "pg_test.sendEmailHandler",
		Request:     `{"to":"user@example.com"}`,
		Status:      storage.StatusWaitingQueue,
		CreatedAt:   time.Now().UTC(),
		AuditLevel:  storage.AuditFull,
	}
}

func TestStorage_Live_TaskLifecycle(t *testing.T) {
	store := liveStorage(t)
	ctx := t.Context()

	task := liveTask()
	require.NoError(t, store.Persist(ctx, task))
	t.Cleanup(func() { _ = store.Remove(ctx, task.ID) })

	// Duplicate IDs are rejected.
	require.ErrorIs(t, store.Persist(ctx, task), storage.ErrTaskAlreadyExists)

	require.NoError(t, store.SetQueued(ctx, task.ID))
	require.NoError(t, store.SetInProgress(ctx, task.ID))
	require.NoError(t, store.SetCompleted(ctx, task.ID))

	// Completed is final.
	require.ErrorIs(t, store.SetQueued(ctx, task.ID), storage.ErrInvalidTransition)

	audits, err := store.GetStatusAudits(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, audits, 3)
	require.Equal(t, storage.StatusCompleted, audits[2].NewStatus)
}

func TestStorage_Live_RetrievePendingKeyset(t *testing.T) {
	store := liveStorage(t)
	ctx := t.Context()

	var ids []uuid.UUID
	base := time.Now().UTC()
	for i := range 5 {
		task := liveTask()
		task.Status = storage.StatusQueued
		task.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, store.Persist(ctx, task))
		ids = append(ids, task.ID)
	}
	t.Cleanup(func() {
		for _, id := range ids {
			_ = store.Remove(ctx, id)
		}
	})

	var (
		seen   []uuid.UUID
		cursor time.Time
		lastID uuid.UUID
	)
	for {
		page, err := store.RetrievePending(ctx, cursor, lastID, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, task := range page {
			seen = append(seen, task.ID)
		}
		last := page[len(page)-1]
		cursor, lastID = last.CreatedAt, last.ID
	}

	// Pages walk forward without gaps or repeats over our rows; other rows
	// may interleave if the database is shared.
	found := map[uuid.UUID]int{}
	for i, id := range seen {
		found[id] = i
	}
	prev := -1
	for _, id := range ids {
		idx, ok := found[id]
		require.True(t, ok, "task %s missing from pagination", id)
		require.Greater(t, idx, prev, "pagination out of order")
		prev = idx
	}
}

func TestStorage_Live_RetrievePendingMaxRunsBoundary(t *testing.T) {
	store := liveStorage(t)
	ctx := t.Context()

	maxRuns := 3

	// Recovery still sees a row at exactly maxRuns so it can settle it.
	atLimit := liveTask()
	atLimit.Status = storage.StatusPending
	atLimit.IsRecurring = true
	atLimit.CurrentRunCount = maxRuns
	atLimit.MaxRuns = &maxRuns
	require.NoError(t, store.Persist(ctx, atLimit))
	t.Cleanup(func() { _ = store.Remove(ctx, atLimit.ID) })

	overLimit := liveTask()
	overLimit.Status = storage.StatusPending
	overLimit.IsRecurring = true
	overLimit.CurrentRunCount = maxRuns + 1
	overLimit.MaxRuns = &maxRuns
	require.NoError(t, store.Persist(ctx, overLimit))
	t.Cleanup(func() { _ = store.Remove(ctx, overLimit.ID) })

	ids := map[uuid.UUID]bool{}
	var (
		cursor time.Time
		lastID uuid.UUID
	)
	for {
		page, err := store.RetrievePending(ctx, cursor, lastID, 50)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, task := range page {
			ids[task.ID] = true
		}
		last := page[len(page)-1]
		cursor, lastID = last.CreatedAt, last.ID
	}

	assert.True(t, ids[atLimit.ID], "row at the max-runs limit must stay visible")
	assert.False(t, ids[overLimit.ID], "row past the max-runs limit must be filtered out")
}

func TestStorage_Live_ExecutionLogs(t *testing.T) {
	store := liveStorage(t)
	ctx := t.Context()

	task := liveTask()
	require.NoError(t, store.Persist(ctx, task))
	t.Cleanup(func() { _ = store.Remove(ctx, task.ID) })

	details := "pg_test.fault: boom"
	logs := []*storage.ExecutionLog{
		{TaskID: task.ID, Timestamp: time.Now().UTC(), Level: storage.LogInfo, Message: "starting", SequenceNumber: 0},
		{TaskID: task.ID, Timestamp: time.Now().UTC(), Level: storage.LogError, Message: "failed", ExceptionDetails: &details, SequenceNumber: 1},
	}
	require.NoError(t, store.SaveExecutionLogs(ctx, task.ID, logs))

	got, err := store.GetExecutionLogs(ctx, task.ID, 0, 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "starting", got[0].Message)

	errLevel := storage.LogError
	got, err = store.GetExecutionLogs(ctx, task.ID, 0, 10, &errLevel)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, &details, got[0].ExceptionDetails)

	// A non-positive take reads to the end, like the in-memory backend.
	got, err = store.GetExecutionLogs(ctx, task.ID, 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
}
