package store

import (
	"context"
	"time"
)

// AppendUsage inserts one usage row. Timestamp defaults to now.
func (s *Store) AppendUsage(ctx context.Context, r *UsageRecord) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(r).Error
}

// UsageForAPI returns the API's usage rows at or after since, oldest first.
func (s *Store) UsageForAPI(ctx context.Context, apiID uint, since time.Time) ([]UsageRecord, error) {
	var rows []UsageRecord
	err := s.db.WithContext(ctx).
		Where("api_id = ? AND timestamp >= ?", apiID, since).
		Order("id").
		Find(&rows).Error
	return rows, err
}
