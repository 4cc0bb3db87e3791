package async_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskengine/pkg/async"
)

func TestExec(t *testing.T) {
	t.Parallel()

	t.Run("completes with result", func(t *testing.T) {
		t.Parallel()

		future := async.Exec(context.Background(), 42, func(ctx context.Context, n int) error {
			if n != 42 {
				return errors.New("unexpected param")
			}
			return nil
		})
		require.NoError(t, future.Await())
		assert.True(t, future.IsComplete())
	})

	t.Run("propagates error", func(t *testing.T) {
		t.Parallel()

		wantErr := errors.New("boom")
		future := async.Exec(context.Background(), struct{}{}, func(context.Context, struct{}) error {
			return wantErr
		})
		assert.ErrorIs(t, future.Await(), wantErr)
	})

	t.Run("pre-cancelled context short-circuits", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		future := async.Exec(ctx, struct{}{}, func(context.Context, struct{}) error {
			t.Error("function must not run")
			return nil
		})
		assert.ErrorIs(t, future.Await(), context.Canceled)
	})

	t.Run("await with timeout", func(t *testing.T) {
		t.Parallel()

		future := async.Exec(context.Background(), struct{}{}, func(context.Context, struct{}) error {
			time.Sleep(200 * time.Millisecond)
			return nil
		})
		assert.ErrorIs(t, future.AwaitWithTimeout(10*time.Millisecond), async.ErrTimeout)
		assert.NoError(t, future.Await())
	})
}

func TestExecAll(t *testing.T) {
	t.Parallel()

	ok := async.Exec(context.Background(), struct{}{}, func(context.Context, struct{}) error { return nil })
	bad := async.Exec(context.Background(), struct{}{}, func(context.Context, struct{}) error {
		return errors.New("boom")
	})

	assert.Error(t, async.ExecAll(ok, bad))
	assert.NoError(t, async.ExecAll(ok))
}
