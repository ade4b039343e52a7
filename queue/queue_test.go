package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue(t *testing.T) {
	t.Run("FIFO order", func(t *testing.T) {
		q := NewMemoryQueue(4)
		ctx := context.Background()
		for i := uint(1); i <= 3; i++ {
			require.NoError(t, q.Enqueue(ctx, NewTask(i, []string{"a@acme.io"})))
		}
		assert.Equal(t, 3, q.Len())

		for i := uint(1); i <= 3; i++ {
			task, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, i, task.JobID)
			assert.NotEmpty(t, task.ID)
		}
	})

	t.Run("dequeue honours cancellation", func(t *testing.T) {
		q := NewMemoryQueue(1)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := q.Dequeue(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("enqueue on a full queue honours cancellation", func(t *testing.T) {
		q := NewMemoryQueue(1)
		require.NoError(t, q.Enqueue(context.Background(), NewTask(1, nil)))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, q.Enqueue(ctx, NewTask(2, nil)), context.Canceled)
	})

	t.Run("task ids are unique", func(t *testing.T) {
		assert.NotEqual(t, NewTask(1, nil).ID, NewTask(1, nil).ID)
	})
}
