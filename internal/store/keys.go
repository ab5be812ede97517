package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrDuplicatePrefix is returned by CreateAPIKey when the lookup prefix is
// already taken.
var ErrDuplicatePrefix = errors.New("store: duplicate key prefix")

func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	err := s.db.WithContext(ctx).Create(k).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicatePrefix
	}
	return err
}

// APIKeyByPrefix returns the key row for a lookup prefix regardless of its
// active or expiry state.
func (s *Store) APIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	var k APIKey
	if err := s.db.WithContext(ctx).Where("prefix = ?", prefix).First(&k).Error; err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

func (s *Store) APIKeysByOwner(ctx context.Context, ownerID uint) ([]APIKey, error) {
	var keys []APIKey
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id").
		Find(&keys).Error
	return keys, err
}

// TouchAPIKey sets the last-used timestamp.
func (s *Store) TouchAPIKey(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}

// RevokeAPIKey deactivates a key owned by ownerID and returns it.
// revoked reports whether this call flipped the active flag; it is false
// when the key was already inactive.
func (s *Store) RevokeAPIKey(ctx context.Context, ownerID, keyID uint) (k *APIKey, revoked bool, err error) {
	k = &APIKey{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND owner_id = ?", keyID, ownerID).First(k).Error; err != nil {
			return notFound(err)
		}
		if !k.Active {
			return nil
		}
		res := tx.Model(&APIKey{}).
			Where("id = ? AND active = ?", k.ID, true).
			Update("active", false)
		if res.Error != nil {
			return res.Error
		}
		k.Active = false
		revoked = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("revoke key %d: %w", keyID, err)
	}
	return k, revoked, nil
}
