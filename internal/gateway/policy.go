package gateway

import (
	"context"
	"sync/atomic"

	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/ratelimit"
	"github.com/apiverse/apiverse/internal/store"
)

// PolicyStore reads and lazily creates per-API policies.
type PolicyStore interface {
	PolicyForAPI(ctx context.Context, apiID uint, def store.PolicyDefaults) (*store.RateLimitPolicy, error)
}

// PolicyDefaults holds the reloadable seed for policies created on first
// access.
type PolicyDefaults struct {
	v atomic.Pointer[store.PolicyDefaults]
}

func NewPolicyDefaults(cfg config.RateLimitConfig) *PolicyDefaults {
	d := &PolicyDefaults{}
	d.Reload(cfg)
	return d
}

func (d *PolicyDefaults) Reload(cfg config.RateLimitConfig) {
	d.v.Store(&store.PolicyDefaults{
		Tier:    cfg.DefaultTier,
		PerHour: cfg.DefaultPerHour,
		PerDay:  cfg.DefaultPerDay,
	})
}

func (d *PolicyDefaults) Load() store.PolicyDefaults { return *d.v.Load() }

// StorePolicyLoader adapts s to a ratelimit.PolicyLoader.
func StorePolicyLoader(s PolicyStore, defaults *PolicyDefaults) ratelimit.PolicyLoader {
	return func(ctx context.Context, apiID uint) (ratelimit.Policy, error) {
		p, err := s.PolicyForAPI(ctx, apiID, defaults.Load())
		if err != nil {
			return ratelimit.Policy{}, err
		}
		return ratelimit.Policy{Tier: p.Tier, PerHour: p.PerHour, PerDay: p.PerDay}, nil
	}
}
