package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/observability"
	"github.com/apiverse/apiverse/internal/redis"
)

func newGuard(t *testing.T, fp config.FailurePolicy, mutate ...func(*config.RateLimitConfig)) (*Guard, *observability.Metrics, func()) {
	t.Helper()
	client, mr := newTestRedisClient(t)
	cfg := config.Defaults().RateLimit
	cfg.FailurePolicy = fp
	for _, m := range mutate {
		m(&cfg)
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	g := NewGuard(NewLimiter(client, "", testLogger()), cfg, metrics, testLogger(),
		WithRecoveryBackoff(10*time.Millisecond, 20*time.Millisecond))
	t.Cleanup(func() { _ = g.Close() })
	return g, metrics, mr.Close
}

func TestGuardHealthy(t *testing.T) {
	g, metrics, _ := newGuard(t, config.FailurePolicyPassThrough)
	p := Policy{PerHour: 1, PerDay: 10}

	d, err := g.CheckAndIncrement(context.Background(), 1, 1, p)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Degraded)
	assert.True(t, d.HasLimits())

	d, err = g.CheckAndIncrement(context.Background(), 1, 1, p)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Allowed)
	assert.Equal(t, int64(1), snap.Limited)
	assert.True(t, g.Healthy())
	assert.NotNil(t, g.Pinger())
}

func TestGuardFailurePolicies(t *testing.T) {
	p := Policy{PerHour: 1, PerDay: 10}

	t.Run("passthrough fails open", func(t *testing.T) {
		g, metrics, stop := newGuard(t, config.FailurePolicyPassThrough)
		stop()

		for range 3 {
			d, err := g.CheckAndIncrement(context.Background(), 1, 1, p)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.True(t, d.Degraded)
			assert.False(t, d.HasLimits())
		}
		assert.False(t, g.Healthy())
		assert.GreaterOrEqual(t, metrics.Snapshot().RedisErrors, int64(1))
		assert.Equal(t, int64(3), metrics.Snapshot().Passthrough)
	})

	t.Run("passthrough respects backstop", func(t *testing.T) {
		g, _, stop := newGuard(t, config.FailurePolicyPassThrough, func(c *config.RateLimitConfig) {
			c.GlobalPassthroughRPS = 1
		})
		stop()

		d, err := g.CheckAndIncrement(context.Background(), 1, 1, p)
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		d, err = g.CheckAndIncrement(context.Background(), 1, 2, p)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, time.Second, d.RetryAfter)
	})

	t.Run("failclosed rejects", func(t *testing.T) {
		g, _, stop := newGuard(t, config.FailurePolicyFailClosed, func(c *config.RateLimitConfig) {
			c.FailureRetryAfter = 7
		})
		stop()

		d, err := g.CheckAndIncrement(context.Background(), 1, 1, p)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.True(t, d.Degraded)
		assert.Equal(t, 7*time.Second, d.RetryAfter)
	})

	t.Run("inmemoryfallback counts locally", func(t *testing.T) {
		g, metrics, stop := newGuard(t, config.FailurePolicyInMemoryFallback)
		stop()

		d, err := g.CheckAndIncrement(context.Background(), 1, 1, p)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Degraded)
		assert.Equal(t, int64(0), d.RemainingHour)

		d, err = g.CheckAndIncrement(context.Background(), 1, 1, p)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(2), metrics.Snapshot().FallbackUsed)
	})
}

func TestGuardRecovers(t *testing.T) {
	mr := newMiniredisAt(t)
	client, err := redis.NewClient(config.RedisConfig{Endpoints: []string{mr.Addr()}, Mode: config.RedisModeSingle})
	require.NoError(t, err)

	g := NewGuard(NewLimiter(client, "", testLogger()), config.Defaults().RateLimit,
		observability.NewMetrics(prometheus.NewRegistry()), testLogger(),
		WithRecoveryBackoff(10*time.Millisecond, 20*time.Millisecond))
	defer g.Close()

	mr.Close()
	d, err := g.CheckAndIncrement(context.Background(), 1, 1, Policy{PerHour: 5, PerDay: 5})
	require.NoError(t, err)
	assert.True(t, d.Degraded)
	assert.False(t, g.Healthy())

	require.NoError(t, mr.Restart())
	require.Eventually(t, g.Healthy, 2*time.Second, 10*time.Millisecond)

	d, err = g.CheckAndIncrement(context.Background(), 1, 1, Policy{PerHour: 5, PerDay: 5})
	require.NoError(t, err)
	assert.False(t, d.Degraded)
}

func TestGuardWithoutRedis(t *testing.T) {
	g := NewGuard(nil, config.Defaults().RateLimit, observability.NewMetrics(prometheus.NewRegistry()), testLogger())
	d, err := g.CheckAndIncrement(context.Background(), 1, 1, Policy{PerHour: 1, PerDay: 1})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Nil(t, g.Pinger())
	g.MarkUnhealthy(nil)
}

func TestGuardClosed(t *testing.T) {
	g, _, _ := newGuard(t, config.FailurePolicyPassThrough)
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	_, err := g.CheckAndIncrement(context.Background(), 1, 1, Policy{PerHour: 1, PerDay: 1})
	assert.ErrorIs(t, err, ErrLimiterClosed)
}

func TestGuardCanceledContext(t *testing.T) {
	g, metrics, _ := newGuard(t, config.FailurePolicyFailClosed)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.CheckAndIncrement(ctx, 1, 1, Policy{PerHour: 1, PerDay: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, g.Healthy())
	assert.Equal(t, int64(0), metrics.Snapshot().RedisErrors)
}
