package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/perpsync/internal/errs"
)

func testConfig() Config {
	return Config{
		Market: BucketConfig{
			Capacity:       3,
			RefillInterval: 60 * time.Millisecond,
			MinSpacing:     time.Millisecond,
			MaxConcurrent:  3,
		},
		Account: BucketConfig{
			Capacity:       5,
			RefillInterval: 60 * time.Millisecond,
			MinSpacing:     time.Millisecond,
			MaxConcurrent:  3,
		},
		MinRecovery: 80 * time.Millisecond,
		Breaker:     DefaultBreakerConfig(),
	}
}

func TestGovernorAdmitsUpToCapacity(t *testing.T) {
	g := NewGovernor(testConfig())
	g.Start()
	defer g.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Acquire(ctx, CategoryMarket, PriorityMedium))
		g.Release(CategoryMarket)
	}

	// Capacity exhausted: the next acquire must wait for the refill tick.
	start := time.Now()
	require.NoError(t, g.Acquire(ctx, CategoryMarket, PriorityMedium))
	g.Release(CategoryMarket)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond,
		"fourth acquire should have waited for the refill window")
}

func TestGovernorAcquireRespectsContext(t *testing.T) {
	g := NewGovernor(testConfig())
	g.Start()
	defer g.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Acquire(context.Background(), CategoryMarket, PriorityMedium))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx, CategoryMarket, PriorityLow)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGovernorPriorityOrdering(t *testing.T) {
	cfg := testConfig()
	cfg.Market.Capacity = 1
	cfg.Market.MinSpacing = 20 * time.Millisecond
	g := NewGovernor(cfg)
	g.Start()
	defer g.Stop()

	// Drain the single token so subsequent acquires queue up.
	require.NoError(t, g.Acquire(context.Background(), CategoryMarket, PriorityCritical))
	g.Release(CategoryMarket)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	grab := func(name string, pri Priority) {
		defer wg.Done()
		if err := g.Acquire(context.Background(), CategoryMarket, pri); err == nil {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			g.Release(CategoryMarket)
		}
	}

	wg.Add(2)
	go grab("low", PriorityLow)
	time.Sleep(5 * time.Millisecond) // low enqueues first
	go grab("critical", PriorityCritical)
	wg.Wait()

	require.Len(t, order, 2)
	assert.Equal(t, "critical", order[0], "critical must preempt low despite arriving later")
}

func TestGovernorSuspensionAndRecovery(t *testing.T) {
	g := NewGovernor(testConfig())
	g.Start()
	defer g.Stop()

	delay := g.OnRateLimit(0)
	assert.Equal(t, 80*time.Millisecond, delay, "retryAfter below the floor uses MinRecovery")

	suspended, remaining := g.Suspended()
	require.True(t, suspended)
	assert.Greater(t, remaining, time.Duration(0))

	err := g.Acquire(context.Background(), CategoryMarket, PriorityCritical)
	require.Error(t, err)
	var api *errs.APIError
	require.True(t, errors.As(err, &api))
	assert.Equal(t, errs.KindRateLimit, api.Kind)
	assert.Greater(t, api.RetryAfter, time.Duration(0))

	// Recovery clears the flag and resets the buckets.
	time.Sleep(120 * time.Millisecond)
	suspended, _ = g.Suspended()
	assert.False(t, suspended)
	assert.NoError(t, g.Acquire(context.Background(), CategoryMarket, PriorityMedium))
	g.Release(CategoryMarket)
}

func TestGovernorFailsQueuedWaitersOnRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Market.Capacity = 1
	g := NewGovernor(cfg)
	g.Start()
	defer g.Stop()

	require.NoError(t, g.Acquire(context.Background(), CategoryMarket, PriorityMedium))

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Acquire(context.Background(), CategoryMarket, PriorityMedium)
	}()
	time.Sleep(10 * time.Millisecond)

	g.OnRateLimit(time.Second)

	select {
	case err := <-errCh:
		assert.True(t, errs.IsRateLimit(err))
	case <-time.After(time.Second):
		t.Fatal("queued waiter was not failed on suspension")
	}
}

func TestGovernorDevModeScalesRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.DevMode = true
	cfg.MinRecovery = 100 * time.Millisecond
	g := NewGovernor(cfg)
	g.Start()
	defer g.Stop()

	delay := g.OnRateLimit(0)
	assert.Equal(t, 120*time.Millisecond, delay)
}

func TestGovernorSnapshot(t *testing.T) {
	g := NewGovernor(testConfig())
	g.Start()
	defer g.Stop()

	require.NoError(t, g.Acquire(context.Background(), CategoryMarket, PriorityMedium))
	snap := g.Snapshot()
	market := snap["market"].(map[string]interface{})
	assert.Equal(t, 2, market["available"])
	assert.Equal(t, 1, market["inflight"])
	assert.Equal(t, false, snap["suspended"])

	nextRefill := market["next_refill_seconds"].(float64)
	assert.GreaterOrEqual(t, nextRefill, 0.0)
	assert.LessOrEqual(t, nextRefill, testConfig().Market.RefillInterval.Seconds())
}
