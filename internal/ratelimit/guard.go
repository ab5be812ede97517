package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/observability"
	"github.com/apiverse/apiverse/internal/redis"
)

// Default recovery backoff configuration.
const (
	defaultRecoveryBackoffBase = time.Second
	defaultRecoveryBackoffMax  = 30 * time.Second
)

// guardSettings is the hot-reloadable part of the guard's configuration.
type guardSettings struct {
	policy         config.FailurePolicy
	failRetryAfter time.Duration
	maxRecoveryTry int
	backstop       *Backstop
}

// Guard fronts a Limiter with a failure policy. While Redis answers it
// returns the limiter's decisions. On connectivity errors it marks Redis
// unhealthy, probes it in the background with exponential backoff, and
// meanwhile decides according to the policy:
//
//   - passthrough admits (bounded by the optional global backstop)
//   - failclosed rejects with a fixed Retry-After
//   - inmemoryfallback counts in process memory
type Guard struct {
	limiter  *Limiter
	fallback *InMemoryLimiter
	metrics  *observability.Metrics
	logger   *slog.Logger

	settings atomic.Pointer[guardSettings]
	healthy  atomic.Bool
	closed   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectMu  sync.Mutex
	reconnecting bool

	backoffBase time.Duration
	backoffMax  time.Duration
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithRecoveryBackoff overrides the recovery probe backoff.
func WithRecoveryBackoff(base, maxBackoff time.Duration) GuardOption {
	return func(g *Guard) {
		g.backoffBase = base
		g.backoffMax = maxBackoff
	}
}

// NewGuard wraps limiter. A nil limiter means Redis is not configured and
// every decision follows the failure policy.
func NewGuard(limiter *Limiter, cfg config.RateLimitConfig, metrics *observability.Metrics, logger *slog.Logger, opts ...GuardOption) *Guard {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Guard{
		limiter:     limiter,
		fallback:    NewInMemoryLimiter(),
		metrics:     metrics,
		logger:      logger.With("component", "ratelimit"),
		ctx:         ctx,
		cancel:      cancel,
		backoffBase: defaultRecoveryBackoffBase,
		backoffMax:  defaultRecoveryBackoffMax,
	}
	for _, o := range opts {
		o(g)
	}
	g.healthy.Store(limiter != nil)
	g.Reload(cfg)
	return g
}

// Reload applies the failure policy settings from cfg.
func (g *Guard) Reload(cfg config.RateLimitConfig) {
	fp := cfg.FailurePolicy
	if !fp.Valid() {
		fp = config.FailurePolicyPassThrough
	}
	g.settings.Store(&guardSettings{
		policy:         fp,
		failRetryAfter: time.Duration(max(cfg.FailureRetryAfter, 1)) * time.Second,
		maxRecoveryTry: cfg.MaxRecoveryAttempts,
		backstop:       NewBackstop(cfg.GlobalPassthroughRPS),
	})
}

// CheckAndIncrement decides whether the call identified by apiID and keyID
// may proceed under p. The only errors returned are ErrLimiterClosed and
// cancellation of ctx.
func (g *Guard) CheckAndIncrement(ctx context.Context, apiID, keyID uint, p Policy) (Decision, error) {
	if g.closed.Load() {
		return Decision{}, ErrLimiterClosed
	}

	if g.limiter != nil && g.healthy.Load() {
		d, err := g.limiter.CheckAndIncrement(ctx, apiID, keyID, p)
		if err == nil {
			g.observe(d)
			return d, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		if errors.Is(err, ErrLimiterClosed) {
			return Decision{}, err
		}
		g.handleLimiterError(err)
	}

	return g.decideDegraded(apiID, keyID, p), nil
}

func (g *Guard) observe(d Decision) {
	if d.Allowed {
		g.metrics.IncAllowed()
		g.metrics.ObserveRemaining(d.RemainingHour)
		return
	}
	g.metrics.IncLimited()
}

func (g *Guard) handleLimiterError(err error) {
	g.metrics.IncRedisErrors()
	if !redis.IsConnectivityErr(err) {
		g.logger.Warn("rate limit script failed", "error", err)
		return
	}
	if g.healthy.CompareAndSwap(true, false) {
		g.logger.Warn("redis became unhealthy, applying failure policy",
			"error", err, "policy", g.settings.Load().policy)
	}
	g.startRecoveryIfNeeded()
}

func (g *Guard) decideDegraded(apiID, keyID uint, p Policy) Decision {
	s := g.settings.Load()

	switch s.policy {
	case config.FailurePolicyFailClosed:
		g.metrics.IncLimited()
		return Decision{Allowed: false, RetryAfter: s.failRetryAfter, Degraded: true}

	case config.FailurePolicyInMemoryFallback:
		g.metrics.IncFallbackUsed()
		d := g.fallback.CheckAndIncrement(apiID, keyID, p)
		d.Degraded = true
		g.observe(d)
		return d

	default:
		if !s.backstop.Allow() {
			g.metrics.IncLimited()
			return Decision{Allowed: false, RetryAfter: time.Second, Degraded: true}
		}
		g.metrics.IncPassthrough()
		g.metrics.IncAllowed()
		return Decision{Allowed: true, Degraded: true}
	}
}

// Healthy reports whether decisions currently come from Redis.
func (g *Guard) Healthy() bool {
	return g.limiter != nil && g.healthy.Load()
}

// MarkUnhealthy switches to the failure policy and starts probing Redis.
// Used when the startup ping fails.
func (g *Guard) MarkUnhealthy(err error) {
	if g.limiter == nil {
		return
	}
	if g.healthy.CompareAndSwap(true, false) {
		g.logger.Warn("redis unavailable, applying failure policy",
			"error", err, "policy", g.settings.Load().policy)
	}
	g.startRecoveryIfNeeded()
}

func (g *Guard) startRecoveryIfNeeded() {
	if g.ctx.Err() != nil {
		return
	}

	g.reconnectMu.Lock()
	if g.reconnecting {
		g.reconnectMu.Unlock()
		return
	}
	g.reconnecting = true
	g.reconnectMu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.recoveryLoop()
		g.reconnectMu.Lock()
		g.reconnecting = false
		g.reconnectMu.Unlock()
	}()
}

func (g *Guard) recoveryLoop() {
	backoff := g.backoffBase
	maxAttempts := g.settings.Load().maxRecoveryTry

	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(g.ctx, 2*time.Second)
		err := g.limiter.Client().Ping(pingCtx).Err()
		cancel()
		if err == nil {
			g.healthy.Store(true)
			g.logger.Info("redis connection recovered", "attempts", attempt)
			return
		}
		if g.ctx.Err() != nil {
			return
		}

		if maxAttempts > 0 && attempt >= maxAttempts {
			g.logger.Error("redis recovery exhausted max attempts, giving up",
				"attempts", attempt, "max", maxAttempts, "last_error", err)
			return
		}

		sleep := jitter(backoff)
		if attempt <= 5 || attempt%10 == 0 {
			g.logger.Warn("redis recovery attempt failed",
				"attempt", attempt, "error", err, "next_in", sleep)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-g.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, g.backoffMax)
	}
}

// jitter spreads d by +/-20%.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
}

// Pinger exposes Redis reachability for readiness checks. Nil when Redis
// is not configured.
func (g *Guard) Pinger() observability.Pinger {
	if g.limiter == nil {
		return nil
	}
	return redis.Pinger{Client: g.limiter.Client()}
}

// Close stops recovery, releases the fallback store and closes the Redis
// client. Later checks return ErrLimiterClosed.
func (g *Guard) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.cancel()
	g.wg.Wait()
	g.fallback.Close()
	if g.limiter != nil {
		return g.limiter.Close()
	}
	return nil
}
