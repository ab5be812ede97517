// Package ratelimit enforces per-key hourly and daily fixed-window quotas.
// Counters live in Redis and are checked and incremented by a single Lua
// script; a failure policy decides what happens while Redis is unreachable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/apiverse/apiverse/internal/redis"
)

// ErrLimiterClosed is returned by CheckAndIncrement after Close.
var ErrLimiterClosed = errors.New("limiter is closed")

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour

	// DefaultKeyPrefix namespaces counter keys when none is configured.
	DefaultKeyPrefix = "rate_limit"
)

// windowLua checks both windows and increments both counters only when
// neither is exhausted. A limit <= 0 disables that window.
//
// Keys: KEYS[1] = hour counter, KEYS[2] = day counter.
// Args: ARGV[1] = hour limit, ARGV[2] = day limit, ARGV[3] = hour TTL (s),
// ARGV[4] = day TTL (s).
// Returns {allowed (0|1), hour_count, day_count}.
const windowLua = `
local hl = tonumber(ARGV[1])
local dl = tonumber(ARGV[2])

local hour = tonumber(redis.call('get', KEYS[1]) or '0')
local day  = tonumber(redis.call('get', KEYS[2]) or '0')

if (hl > 0 and hour >= hl) or (dl > 0 and day >= dl) then
  return {0, hour, day}
end

hour = redis.call('incr', KEYS[1])
if hour == 1 then
  redis.call('expire', KEYS[1], ARGV[3])
end
day = redis.call('incr', KEYS[2])
if day == 1 then
  redis.call('expire', KEYS[2], ARGV[4])
end
return {1, hour, day}
`

var windowScript = goredis.NewScript(windowLua)

// Policy is the quota applied to one upstream API.
type Policy struct {
	Tier    string
	PerHour int64
	PerDay  int64
}

// Decision is the outcome of one check. Limit fields are zero when the
// decision was made without counters (passthrough or failclosed).
type Decision struct {
	Allowed bool

	LimitHour     int64
	RemainingHour int64
	ResetHour     time.Time

	LimitDay     int64
	RemainingDay int64
	ResetDay     time.Time

	// RetryAfter is set when Allowed is false. It is at least one second.
	RetryAfter time.Duration

	// Degraded reports that the counter store was bypassed.
	Degraded bool
}

// HasLimits reports whether the decision carries window metadata.
func (d Decision) HasLimits() bool {
	return d.LimitHour > 0 || d.LimitDay > 0
}

// Limiter performs fixed-window counting against Redis.
type Limiter struct {
	client    redis.Client
	logger    *slog.Logger
	src       string
	hash      string
	keyPrefix string
	now       func() time.Time
	closed    atomic.Bool
}

// NewLimiter creates a Redis-backed limiter. An empty prefix uses
// DefaultKeyPrefix.
func NewLimiter(client redis.Client, prefix string, logger *slog.Logger) *Limiter {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Limiter{
		client:    client,
		logger:    logger,
		src:       windowLua,
		hash:      windowScript.Hash(),
		keyPrefix: prefix,
		now:       time.Now,
	}
}

// windowKeys returns the hour and day counter keys. The hash tag keeps both
// keys in one cluster slot so the script can touch them together.
func (l *Limiter) windowKeys(apiID, keyID uint, now time.Time) (string, string) {
	base := fmt.Sprintf("%s:{api:%d:key:%d}", l.keyPrefix, apiID, keyID)
	sec := now.Unix()
	return base + ":hour:" + strconv.FormatInt(sec/int64(hourWindow/time.Second), 10),
		base + ":day:" + strconv.FormatInt(sec/int64(dayWindow/time.Second), 10)
}

// evalScript executes the script via EVALSHA, falling back to EVAL on
// NOSCRIPT.
func (l *Limiter) evalScript(ctx context.Context, keys []string, args ...any) (*goredis.Cmd, error) {
	cmd := l.client.EvalSha(ctx, l.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL", "key", keys[0])
		cmd = l.client.Eval(ctx, l.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

// CheckAndIncrement admits the call when both windows have headroom and
// counts it in both. A blocked call increments nothing.
func (l *Limiter) CheckAndIncrement(ctx context.Context, apiID, keyID uint, p Policy) (Decision, error) {
	if l.closed.Load() {
		return Decision{}, ErrLimiterClosed
	}
	now := l.now()
	hourKey, dayKey := l.windowKeys(apiID, keyID, now)

	cmd, err := l.evalScript(ctx, []string{hourKey, dayKey},
		p.PerHour, p.PerDay, int64(hourWindow/time.Second), int64(dayWindow/time.Second))
	if err != nil {
		return Decision{}, err
	}

	arr, err := cmd.Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("reading script result: %w", err)
	}
	if len(arr) != 3 {
		return Decision{}, fmt.Errorf("script returned %d elements, want 3", len(arr))
	}
	vals := make([]int64, len(arr))
	for i, v := range arr {
		if vals[i], err = toInt64(v); err != nil {
			return Decision{}, fmt.Errorf("parsing script result %d: %w", i, err)
		}
	}

	return buildDecision(vals[0] == 1, vals[1], vals[2], p, now), nil
}

// buildDecision derives remaining and reset values from window counts.
func buildDecision(allowed bool, hourCount, dayCount int64, p Policy, now time.Time) Decision {
	d := Decision{
		Allowed:       allowed,
		LimitHour:     p.PerHour,
		RemainingHour: max(p.PerHour-hourCount, 0),
		ResetHour:     windowEnd(now, hourWindow),
		LimitDay:      p.PerDay,
		RemainingDay:  max(p.PerDay-dayCount, 0),
		ResetDay:      windowEnd(now, dayWindow),
	}
	if allowed {
		return d
	}

	reset := d.ResetDay
	if p.PerHour > 0 && hourCount >= p.PerHour {
		reset = d.ResetHour
	}
	d.RetryAfter = retryAfter(reset.Sub(now))
	return d
}

// windowEnd is the start of the window after the one containing now.
func windowEnd(now time.Time, window time.Duration) time.Time {
	secs := int64(window / time.Second)
	return time.Unix((now.Unix()/secs+1)*secs, 0)
}

// retryAfter rounds up to whole seconds with a floor of one.
func retryAfter(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}

// Client returns the underlying Redis client.
func (l *Limiter) Client() redis.Client {
	return l.client
}

// Close marks the limiter closed and closes the Redis client.
func (l *Limiter) Close() error {
	l.closed.Store(true)
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
