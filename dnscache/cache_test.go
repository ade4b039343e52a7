package dnscache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailverifier/retry"
)

type fakeResolver struct {
	mx   map[string][]MX
	a    map[string][]string
	txt  map[string][]string
	err  error
	wait chan struct{}

	mxCalls  atomic.Int32
	aCalls   atomic.Int32
	txtCalls atomic.Int32
}

func (f *fakeResolver) LookupMX(_ context.Context, domain string) ([]MX, error) {
	f.mxCalls.Add(1)
	if f.wait != nil {
		<-f.wait
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.mx[domain], nil
}

func (f *fakeResolver) LookupA(_ context.Context, domain string) ([]string, error) {
	f.aCalls.Add(1)
	return f.a[domain], nil
}

func (f *fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	f.txtCalls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.txt[name], nil
}

// slowResolver answers after delay unless the lookup context ends first.
type slowResolver struct {
	*fakeResolver
	delay time.Duration
}

func (s slowResolver) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
	}
	return s.fakeResolver.LookupMX(ctx, domain)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFake() *fakeResolver {
	return &fakeResolver{
		mx: map[string][]MX{
			"acme.io": {{Host: "mx1.acme.io", Pref: 10}, {Host: "mx2.acme.io", Pref: 20}},
		},
		a: map[string][]string{
			"acme.io": {"192.0.2.10"},
		},
		txt: map[string][]string{
			"acme.io":        {"v=spf1 include:_spf.acme.io -all"},
			"_dmarc.acme.io": {"v=DMARC1; p=reject"},
		},
	}
}

func TestCache_Lookup(t *testing.T) {
	ctx := context.Background()

	t.Run("second lookup within TTL is served from cache", func(t *testing.T) {
		res := newFake()
		clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		cache := New(res, Options{TTL: time.Minute, Now: clk.Now})

		first, err := cache.Lookup(ctx, "acme.io")
		require.NoError(t, err)
		assert.True(t, first.HasA)
		assert.True(t, first.HasMX)
		assert.Equal(t, []string{"mx1.acme.io", "mx2.acme.io"}, first.MX)

		clk.Advance(30 * time.Second)
		second, err := cache.Lookup(ctx, "ACME.io")
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.EqualValues(t, 1, res.mxCalls.Load())
		assert.EqualValues(t, 1, res.aCalls.Load())

		hits, misses := cache.Stats()
		assert.EqualValues(t, 1, hits)
		assert.EqualValues(t, 1, misses)
	})

	t.Run("expired entry triggers a fresh lookup", func(t *testing.T) {
		res := newFake()
		clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		cache := New(res, Options{TTL: time.Minute, Now: clk.Now})

		_, err := cache.Lookup(ctx, "acme.io")
		require.NoError(t, err)
		clk.Advance(time.Minute)
		_, err = cache.Lookup(ctx, "acme.io")
		require.NoError(t, err)
		assert.EqualValues(t, 2, res.mxCalls.Load())
	})

	t.Run("domain without records is cached as empty", func(t *testing.T) {
		res := newFake()
		cache := New(res, Options{})

		e, err := cache.Lookup(ctx, "nomail.example")
		require.NoError(t, err)
		assert.False(t, e.HasMX)
		assert.False(t, e.HasA)
		assert.Empty(t, e.MX)
	})

	t.Run("errors are returned and not cached", func(t *testing.T) {
		res := newFake()
		res.err = retry.MarkRetryable(errors.New("i/o timeout"))
		cache := New(res, Options{})

		_, err := cache.Lookup(ctx, "acme.io")
		require.Error(t, err)
		assert.True(t, retry.IsRetryable(err))

		res.err = nil
		e, err := cache.Lookup(ctx, "acme.io")
		require.NoError(t, err)
		assert.True(t, e.HasMX)
		assert.EqualValues(t, 2, res.mxCalls.Load())
	})

	t.Run("callers cannot mutate cached data", func(t *testing.T) {
		cache := New(newFake(), Options{})

		e, err := cache.Lookup(ctx, "acme.io")
		require.NoError(t, err)
		e.MX[0] = "evil.example"

		again, err := cache.Lookup(ctx, "acme.io")
		require.NoError(t, err)
		assert.Equal(t, "mx1.acme.io", again.MX[0])
	})

	t.Run("concurrent misses share one resolution", func(t *testing.T) {
		res := newFake()
		res.wait = make(chan struct{})
		cache := New(res, Options{})

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e, err := cache.Lookup(ctx, "acme.io")
				assert.NoError(t, err)
				assert.True(t, e.HasMX)
			}()
		}
		time.Sleep(20 * time.Millisecond)
		close(res.wait)
		wg.Wait()

		assert.EqualValues(t, 1, res.mxCalls.Load())
	})
}

func TestCache_SharedLookupOutlivesCaller(t *testing.T) {
	t.Run("follower gets the answer after the first caller times out", func(t *testing.T) {
		res := slowResolver{fakeResolver: newFake(), delay: 150 * time.Millisecond}
		cache := New(res, Options{})

		leaderCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		leaderErr := make(chan error, 1)
		go func() {
			_, err := cache.Lookup(leaderCtx, "acme.io")
			leaderErr <- err
		}()
		time.Sleep(5 * time.Millisecond)

		e, err := cache.Lookup(context.Background(), "acme.io")
		require.NoError(t, err)
		assert.True(t, e.HasMX)
		assert.ErrorIs(t, <-leaderErr, context.DeadlineExceeded)
		assert.EqualValues(t, 1, res.mxCalls.Load())
	})

	t.Run("lookup timeout bounds the shared resolution", func(t *testing.T) {
		res := slowResolver{fakeResolver: newFake(), delay: time.Second}
		cache := New(res, Options{LookupTimeout: 20 * time.Millisecond})

		_, err := cache.Lookup(context.Background(), "acme.io")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestCache_TXT(t *testing.T) {
	ctx := context.Background()
	res := newFake()
	var observed []bool
	cache := New(res, Options{OnLookup: func(hit bool) { observed = append(observed, hit) }})

	recs, err := cache.TXT(ctx, "_dmarc.acme.io")
	require.NoError(t, err)
	assert.Equal(t, []string{"v=DMARC1; p=reject"}, recs)

	recs, err = cache.TXT(ctx, "_dmarc.acme.io")
	require.NoError(t, err)
	assert.Equal(t, []string{"v=DMARC1; p=reject"}, recs)

	assert.EqualValues(t, 1, res.txtCalls.Load())
	assert.Equal(t, []bool{false, true}, observed)
}

func TestCache_Purge(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cache := New(newFake(), Options{TTL: time.Minute, Now: clk.Now})

	_, err := cache.Lookup(ctx, "acme.io")
	require.NoError(t, err)
	_, err = cache.TXT(ctx, "acme.io")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	assert.Equal(t, 0, cache.Purge())
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 2, cache.Purge())
	assert.Equal(t, 0, cache.Len())
}
