package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/taskengine/core/storage"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to storage.Status }{
		{storage.StatusWaitingQueue, storage.StatusQueued},
		{storage.StatusQueued, storage.StatusInProgress},
		{storage.StatusQueued, storage.StatusPending},
		{storage.StatusPending, storage.StatusQueued},
		{storage.StatusPending, storage.StatusCompleted},
		{storage.StatusInProgress, storage.StatusCompleted},
		{storage.StatusInProgress, storage.StatusFailed},
		{storage.StatusInProgress, storage.StatusPending},
		{storage.StatusInProgress, storage.StatusQueued},
		{storage.StatusWaitingQueue, storage.StatusCancelled},
		{storage.StatusQueued, storage.StatusServiceStopped},
		{storage.StatusServiceStopped, storage.StatusQueued},
		{storage.StatusServiceStopped, storage.StatusCancelled},
		{storage.StatusCompleted, storage.StatusCompleted},
	}
	for _, tc := range allowed {
		assert.True(t, storage.CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	rejected := []struct{ from, to storage.Status }{
		{storage.StatusWaitingQueue, storage.StatusInProgress},
		{storage.StatusPending, storage.StatusInProgress},
		{storage.StatusQueued, storage.StatusWaitingQueue},
		{storage.StatusCompleted, storage.StatusQueued},
		{storage.StatusFailed, storage.StatusInProgress},
		{storage.StatusCancelled, storage.StatusQueued},
	}
	for _, tc := range rejected {
		assert.False(t, storage.CanTransition(tc.from, tc.to), "%s -> %s should be rejected", tc.from, tc.to)
	}
}
