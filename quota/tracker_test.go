package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestMemoryTracker_Allow(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}

	t.Run("quota+1-th call is refused", func(t *testing.T) {
		tr := NewMemoryTracker(3, clk.Now)
		for i := 0; i < 3; i++ {
			ok, err := tr.Allow(ctx, "198.51.100.7")
			require.NoError(t, err)
			assert.True(t, ok, "call %d", i+1)
		}

		ok, err := tr.Allow(ctx, "198.51.100.7")
		require.NoError(t, err)
		assert.False(t, ok)

		st, err := tr.Status(ctx, "198.51.100.7")
		require.NoError(t, err)
		assert.Equal(t, StatusRateLimited, st.Status)
		assert.Equal(t, 4, st.Count)
		assert.Equal(t, "2026-05-04", st.Day)
	})

	t.Run("other identities are unaffected", func(t *testing.T) {
		tr := NewMemoryTracker(1, clk.Now)
		_, _ = tr.Allow(ctx, "a")
		ok, _ := tr.Allow(ctx, "a")
		assert.False(t, ok)

		ok, err := tr.Allow(ctx, "b")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("next day starts a new counter", func(t *testing.T) {
		day := &clock{now: time.Date(2026, 5, 4, 23, 59, 0, 0, time.UTC)}
		tr := NewMemoryTracker(1, day.Now)
		_, _ = tr.Allow(ctx, "a")
		ok, _ := tr.Allow(ctx, "a")
		assert.False(t, ok)

		day.Set(time.Date(2026, 5, 5, 0, 1, 0, 0, time.UTC))
		ok, err := tr.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)

		st, _ := tr.Status(ctx, "a")
		assert.Equal(t, StatusActive, st.Status)
		assert.Equal(t, 1, st.Count)
	})

	t.Run("reset restores active status", func(t *testing.T) {
		tr := NewMemoryTracker(1, clk.Now)
		_, _ = tr.Allow(ctx, "a")
		ok, _ := tr.Allow(ctx, "a")
		require.False(t, ok)

		require.NoError(t, tr.Reset(ctx, "a"))
		st, _ := tr.Status(ctx, "a")
		assert.Equal(t, StatusActive, st.Status)
		assert.Equal(t, 0, st.Count)

		ok, _ = tr.Allow(ctx, "a")
		assert.True(t, ok)
	})

	t.Run("default limit", func(t *testing.T) {
		tr := NewMemoryTracker(0, clk.Now)
		st, _ := tr.Status(ctx, "a")
		assert.Equal(t, DefaultDailyQuota, st.Limit)
	})
}

func TestMemoryTracker_Concurrent(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker(500, nil)

	const goroutines = 50
	const callsEach = 20
	var allowed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < callsEach; j++ {
				ok, err := tr.Allow(ctx, "shared")
				assert.NoError(t, err)
				if ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 500, allowed.Load())
	st, _ := tr.Status(ctx, "shared")
	assert.Equal(t, goroutines*callsEach, st.Count)
}
