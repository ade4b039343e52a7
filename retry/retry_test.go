package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("success on first attempt runs once", func(t *testing.T) {
		calls := 0
		err := Policy{MaxAttempts: 3}.Do(ctx, func(context.Context, int) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retryable errors are retried up to the budget", func(t *testing.T) {
		calls := 0
		err := Policy{MaxAttempts: 3, Backoff: time.Millisecond}.Do(ctx, func(context.Context, int) error {
			calls++
			return MarkRetryable(errors.New("dns timeout"))
		})
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("terminal errors are never retried", func(t *testing.T) {
		calls := 0
		terminal := errors.New("no mx records")
		err := Policy{MaxAttempts: 5}.Do(ctx, func(context.Context, int) error {
			calls++
			return terminal
		})
		assert.ErrorIs(t, err, terminal)
		assert.Equal(t, 1, calls)
	})

	t.Run("recovers after a transient failure", func(t *testing.T) {
		var seen []int
		err := Policy{MaxAttempts: 3}.Do(ctx, func(_ context.Context, attempt int) error {
			seen = append(seen, attempt)
			if attempt == 1 {
				return MarkRetryable(errors.New("proxy refused"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, seen)
	})

	t.Run("cancelled context stops the backoff wait", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		err := Policy{MaxAttempts: 5, Backoff: time.Hour}.Do(cctx, func(context.Context, int) error {
			calls++
			cancel()
			return MarkRetryable(errors.New("smtp transport"))
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		calls := 0
		_ = Policy{}.Do(ctx, func(context.Context, int) error {
			calls++
			return MarkRetryable(errors.New("x"))
		})
		assert.Equal(t, 1, calls)
	})
}

func TestMarkRetryable_Nil(t *testing.T) {
	assert.NoError(t, MarkRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
}
