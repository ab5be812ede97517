package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

// PolicyLoader fetches, creating when absent, the policy for an API.
type PolicyLoader func(ctx context.Context, apiID uint) (Policy, error)

// PolicyCache memoizes policies for a short TTL and collapses concurrent
// loads for the same API into one store round trip.
type PolicyCache struct {
	load  PolicyLoader
	ttl   time.Duration
	cache *ristretto.Cache[uint64, Policy]
	group singleflight.Group
}

// NewPolicyCache returns a cache in front of load. A ttl <= 0 disables
// memoization but still deduplicates concurrent loads.
func NewPolicyCache(load PolicyLoader, ttl time.Duration) *PolicyCache {
	c := &PolicyCache{load: load, ttl: ttl}
	if ttl <= 0 {
		return c
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, Policy]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		panic("ristretto: " + err.Error())
	}
	c.cache = cache
	return c
}

// Get returns the policy for apiID.
func (c *PolicyCache) Get(ctx context.Context, apiID uint) (Policy, error) {
	if c.cache != nil {
		if p, ok := c.cache.Get(uint64(apiID)); ok {
			return p, nil
		}
	}

	v, err, _ := c.group.Do(strconv.FormatUint(uint64(apiID), 10), func() (any, error) {
		// Shared by every waiter, so one caller's cancellation must not
		// fail the others.
		p, err := c.load(context.WithoutCancel(ctx), apiID)
		if err != nil {
			return Policy{}, err
		}
		if c.cache != nil {
			c.cache.SetWithTTL(uint64(apiID), p, 1, c.ttl)
		}
		return p, nil
	})
	if err != nil {
		return Policy{}, err
	}
	return v.(Policy), nil
}

// Invalidate drops the cached policy for apiID. It returns once buffered
// writes are applied, so the next Get reloads.
func (c *PolicyCache) Invalidate(apiID uint) {
	if c.cache != nil {
		c.cache.Del(uint64(apiID))
		c.cache.Wait()
	}
}

func (c *PolicyCache) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}
