package store

import (
	"context"
	"fmt"
)

// CreateSubscription validates the event type and callback URL, then
// inserts an active subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *WebhookSubscription) error {
	if !sub.EventType.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalid, sub.EventType)
	}
	if err := s.opts.CallbackURLs.ValidateString(sub.CallbackURL); err != nil {
		return fmt.Errorf("%w: callback url: %v", ErrInvalid, err)
	}
	sub.Active = true
	return s.db.WithContext(ctx).Create(sub).Error
}

// ActiveSubscriptions returns the owner's active subscriptions for
// eventType that target apiID or all APIs (api_id 0).
func (s *Store) ActiveSubscriptions(ctx context.Context, eventType EventType, apiID, ownerID uint) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	err := s.db.WithContext(ctx).
		Where("active = ? AND event_type = ? AND owner_id = ?", true, eventType, ownerID).
		Where("api_id = ? OR api_id = 0", apiID).
		Order("id").
		Find(&subs).Error
	return subs, err
}

func (s *Store) SubscriptionByID(ctx context.Context, id uint) (*WebhookSubscription, error) {
	var sub WebhookSubscription
	if err := s.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (s *Store) CreateDelivery(ctx context.Context, d *WebhookDelivery) error {
	return s.db.WithContext(ctx).Create(d).Error
}

// UpdateDelivery persists the outcome fields of d.
func (s *Store) UpdateDelivery(ctx context.Context, d *WebhookDelivery) error {
	return s.db.WithContext(ctx).
		Model(d).
		Select("status", "attempt_count", "response_code", "response_body", "delivered_at").
		Updates(d).Error
}

func (s *Store) DeliveryByID(ctx context.Context, id string) (*WebhookDelivery, error) {
	var d WebhookDelivery
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// DeliveriesForSubscription returns deliveries newest first.
func (s *Store) DeliveriesForSubscription(ctx context.Context, subID uint) ([]WebhookDelivery, error) {
	var ds []WebhookDelivery
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subID).
		Order("created_at DESC").
		Find(&ds).Error
	return ds, err
}
