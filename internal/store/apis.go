package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apiverse/apiverse/internal/credential"
)

// CreateUpstreamAPI validates the base URL and auth descriptor, then
// inserts the row.
func (s *Store) CreateUpstreamAPI(ctx context.Context, ownerID uint, name, baseURL string, auth credential.Descriptor) (*UpstreamAPI, error) {
	if err := s.opts.UpstreamURLs.ValidateString(baseURL); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrInvalid, err)
	}
	if err := auth.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	raw, err := json.Marshal(auth)
	if err != nil {
		return nil, err
	}

	api := &UpstreamAPI{
		OwnerID: ownerID,
		Name:    name,
		BaseURL: baseURL,
		Auth:    raw,
		Active:  true,
	}
	if err := s.db.WithContext(ctx).Create(api).Error; err != nil {
		return nil, err
	}
	return api, nil
}

func (s *Store) UpstreamAPIByID(ctx context.Context, id uint) (*UpstreamAPI, error) {
	var api UpstreamAPI
	if err := s.db.WithContext(ctx).First(&api, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &api, nil
}

// SetUpstreamAPIActive flips the active flag of an API owned by ownerID.
func (s *Store) SetUpstreamAPIActive(ctx context.Context, ownerID, id uint, active bool) error {
	res := s.db.WithContext(ctx).
		Model(&UpstreamAPI{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
