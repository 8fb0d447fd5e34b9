package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, max int, window time.Duration) (*localLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	lim, err := Factory("local", Config{Scope: "api", MaxRequests: max, Window: window}, Options{
		Local: &LocalOptions{Clock: clock.Now},
	})
	require.NoError(t, err)
	local := lim.(*localLimiter)
	t.Cleanup(local.Close)
	return local, clock
}

func TestCheckSlidingWindow(t *testing.T) {
	lim, clock := newTestLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := lim.Check(ctx, "1.2.3.4")
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d", i+1)
		require.Equal(t, i+1, res.TotalHits)
		require.Equal(t, 5-(i+1), res.Remaining)
		clock.Advance(time.Second)
	}

	res, err := lim.Check(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 5, res.TotalHits)
	require.Equal(t, 0, res.Remaining)
	// Reset is anchored to the oldest surviving hit, not the check time.
	require.Equal(t, time.Unix(1700000000, 0).Add(time.Minute), res.ResetTime)

	clock.Advance(time.Minute)
	res, err = lim.Check(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 4, res.Remaining)
}

func TestCheckResetTimeSlides(t *testing.T) {
	lim, clock := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	first, err := lim.Check(ctx, "k")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	_, err = lim.Check(ctx, "k")
	require.NoError(t, err)

	// Oldest hit ages out; the reset edge moves forward with it.
	clock.Advance(31 * time.Second)
	res, err := lim.Check(ctx, "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.True(t, res.ResetTime.After(first.ResetTime))
}

func TestCheckKeysIndependent(t *testing.T) {
	lim, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	res, err := lim.Check(ctx, "a")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = lim.Check(ctx, "a")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = lim.Check(ctx, "b")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestScopesDoNotShareState(t *testing.T) {
	api, _ := newTestLimiter(t, 1, time.Minute)
	auth, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	res, err := api.Check(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = auth.Check(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.True(t, res.Allowed, "auth scope must not see api hits")
}

func TestCheckConcurrentNoLostUpdates(t *testing.T) {
	const n = 1000
	lim, _ := newTestLimiter(t, n, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			res, err := lim.Check(ctx, "hot")
			if err != nil || !res.Allowed {
				t.Errorf("check failed: allowed=%v err=%v", res.Allowed, err)
			}
		}()
	}
	wg.Wait()

	res, err := lim.Check(ctx, "hot")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, n, res.TotalHits)
}

func TestEvictIdleReclaimsKeys(t *testing.T) {
	lim, clock := newTestLimiter(t, 5, time.Minute)
	ctx := context.Background()

	_, err := lim.Check(ctx, "gone")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	lim.evictIdle()

	lim.mu.RLock()
	_, ok := lim.windows["gone"]
	lim.mu.RUnlock()
	require.False(t, ok)
}

func TestFactoryValidation(t *testing.T) {
	_, err := Factory("local", Config{Scope: "", MaxRequests: 1, Window: time.Second}, Options{})
	require.Error(t, err)

	_, err = Factory("local", Config{Scope: "s", MaxRequests: 0, Window: time.Second}, Options{})
	require.Error(t, err)

	_, err = Factory("carrier-pigeon", Config{Scope: "s", MaxRequests: 1, Window: time.Second}, Options{})
	require.ErrorIs(t, err, ErrUnsupportedBackend)

	_, err = Factory("redis", Config{Scope: "s", MaxRequests: 1, Window: time.Second}, Options{})
	require.Error(t, err)
}
