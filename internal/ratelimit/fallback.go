package ratelimit

import (
	"strconv"
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/time/rate"
)

// defaultMaxCost is the memory budget for the fallback cache (64 MiB).
const defaultMaxCost = 64 << 20

var windowCost = int64(unsafe.Sizeof(windowState{}))

// InMemoryLimiter counts fixed windows in process memory. It serves the
// inmemoryfallback policy while Redis is unreachable.
//
// Counters are per instance, not per cluster: with N gateway replicas the
// effective quota during an outage is up to N times the policy.
type InMemoryLimiter struct {
	cache *ristretto.Cache[string, *windowState]
	now   func() time.Time
}

type windowState struct {
	mu         sync.Mutex
	hourBucket int64
	hourCount  int64
	dayBucket  int64
	dayCount   int64
}

// NewInMemoryLimiter creates a fallback limiter backed by ristretto, which
// bounds memory and evicts idle keys.
func NewInMemoryLimiter() *InMemoryLimiter {
	estimatedItems := defaultMaxCost / windowCost
	cache, err := ristretto.NewCache(&ristretto.Config[string, *windowState]{
		NumCounters: estimatedItems * 10,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}
	return &InMemoryLimiter{cache: cache, now: time.Now}
}

// CheckAndIncrement applies the same rules as Limiter.CheckAndIncrement
// to local counters.
func (l *InMemoryLimiter) CheckAndIncrement(apiID, keyID uint, p Policy) Decision {
	now := l.now()
	hourBucket := now.Unix() / int64(hourWindow/time.Second)
	dayBucket := now.Unix() / int64(dayWindow/time.Second)

	key := strconv.FormatUint(uint64(apiID), 10) + ":" + strconv.FormatUint(uint64(keyID), 10)
	w, found := l.cache.Get(key)
	if !found {
		w = &windowState{hourBucket: hourBucket, dayBucket: dayBucket}
		l.cache.SetWithTTL(key, w, windowCost, dayWindow)
		// Make the entry visible to the next Get for this key.
		l.cache.Wait()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.hourBucket != hourBucket {
		w.hourBucket, w.hourCount = hourBucket, 0
	}
	if w.dayBucket != dayBucket {
		w.dayBucket, w.dayCount = dayBucket, 0
	}

	blocked := (p.PerHour > 0 && w.hourCount >= p.PerHour) || (p.PerDay > 0 && w.dayCount >= p.PerDay)
	if !blocked {
		w.hourCount++
		w.dayCount++
	}
	return buildDecision(!blocked, w.hourCount, w.dayCount, p, now)
}

// Close releases the cache. Safe to call more than once.
func (l *InMemoryLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}

// Backstop caps process-wide throughput while requests are admitted
// without counters.
type Backstop struct {
	lim *rate.Limiter
}

// NewBackstop returns nil when rps <= 0. A nil Backstop admits everything.
func NewBackstop(rps float64) *Backstop {
	if rps <= 0 {
		return nil
	}
	return &Backstop{lim: rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))}
}

func (b *Backstop) Allow() bool {
	if b == nil {
		return true
	}
	return b.lim.Allow()
}
