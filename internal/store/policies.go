package store

import (
	"context"

	"gorm.io/gorm/clause"
)

// PolicyDefaults seeds a policy created on first access.
type PolicyDefaults struct {
	Tier    string
	PerHour int64
	PerDay  int64
}

// PolicyForAPI returns the API's policy, creating it from def when absent.
// Concurrent callers racing on creation all observe the same row.
func (s *Store) PolicyForAPI(ctx context.Context, apiID uint, def PolicyDefaults) (*RateLimitPolicy, error) {
	db := s.db.WithContext(ctx)

	var p RateLimitPolicy
	err := db.Where("api_id = ?", apiID).Limit(1).Find(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID != 0 {
		return &p, nil
	}

	seed := RateLimitPolicy{APIID: apiID, Tier: def.Tier, PerHour: def.PerHour, PerDay: def.PerDay}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "api_id"}},
		DoNothing: true,
	}).Create(&seed).Error
	if err != nil {
		return nil, err
	}

	if err := db.Where("api_id = ?", apiID).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// SetPolicy creates or replaces the API's policy.
func (s *Store) SetPolicy(ctx context.Context, apiID uint, tier string, perHour, perDay int64) (*RateLimitPolicy, error) {
	p := RateLimitPolicy{APIID: apiID, Tier: tier, PerHour: perHour, PerDay: perDay}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "api_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tier", "per_hour", "per_day", "updated_at"}),
	}).Create(&p).Error
	if err != nil {
		return nil, err
	}
	return s.PolicyForAPI(ctx, apiID, PolicyDefaults{})
}
